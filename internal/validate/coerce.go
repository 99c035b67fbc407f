package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/koustreak/schemagate/internal/schema"
)

// category is the coarse type family of a column, used for coercion checks.
type category int

const (
	catOther category = iota // enums, arrays, geometry, … not checked here
	catText
	catInteger
	catNumeric
	catBoolean
	catDate
	catTimestamp
	catJSON
	catUUID
)

func (c category) String() string {
	switch c {
	case catText:
		return "text"
	case catInteger:
		return "integer"
	case catNumeric:
		return "numeric"
	case catBoolean:
		return "boolean"
	case catDate:
		return "date"
	case catTimestamp:
		return "timestamp"
	case catJSON:
		return "json"
	case catUUID:
		return "uuid"
	default:
		return "other"
	}
}

// categorize maps a store-reported data type (Postgres information_schema or
// MySQL DATA_TYPE) to a category.
func categorize(col schema.Column) category {
	if col.EnumName != "" {
		return catOther
	}
	t := strings.ToLower(strings.TrimSpace(col.DataType))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "text", "character varying", "varchar", "character", "char", "bpchar",
		"citext", "tinytext", "mediumtext", "longtext", "name":
		return catText
	case "smallint", "integer", "bigint", "int", "int2", "int4", "int8",
		"tinyint", "mediumint", "serial", "bigserial", "smallserial":
		return catInteger
	case "numeric", "decimal", "real", "double precision", "double", "float",
		"float4", "float8", "money":
		return catNumeric
	case "boolean", "bool":
		return catBoolean
	case "date":
		return catDate
	case "timestamp", "timestamp without time zone", "timestamp with time zone",
		"timestamptz", "datetime":
		return catTimestamp
	case "json", "jsonb":
		return catJSON
	case "uuid":
		return catUUID
	}
	return catOther
}

// outcome of coercing one value into a category.
type outcome int

const (
	coerceOK outcome = iota
	coerceLossy
	coerceFail
)

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006/01/02",
	"02-01-2006",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

var boolWords = map[string]bool{
	"true": true, "false": true, "t": true, "f": true,
	"yes": true, "no": true, "y": true, "n": true,
	"1": true, "0": true, "sim": true, "nao": true, "não": true,
}

// sampleString renders a sample value for messages and enum comparison.
func sampleString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// coerce checks whether v can be stored in a column of category cat.
// maxLen bounds text columns when non-nil.
func coerce(v any, cat category, maxLen *int) outcome {
	switch x := v.(type) {
	case nil:
		return coerceOK
	case bool:
		switch cat {
		case catBoolean, catText, catJSON, catOther:
			return coerceOK
		}
		return coerceFail
	case float64:
		return coerceNumber(x, cat)
	case float32:
		return coerceNumber(float64(x), cat)
	case int, int32, int64:
		return coerceNumber(float64(toInt64(x)), cat)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return coerceFail
		}
		return coerceNumber(f, cat)
	case map[string]any, []any:
		if cat == catJSON || cat == catOther {
			return coerceOK
		}
		return coerceFail
	case string:
		return coerceString(strings.TrimSpace(x), cat, maxLen)
	}
	return coerceString(fmt.Sprint(v), cat, maxLen)
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	}
	return 0
}

func coerceNumber(f float64, cat category) outcome {
	switch cat {
	case catInteger:
		if f != math.Trunc(f) {
			return coerceLossy
		}
		return coerceOK
	case catNumeric, catText, catJSON, catOther:
		return coerceOK
	case catBoolean:
		if f == 0 || f == 1 {
			return coerceOK
		}
	}
	return coerceFail
}

func coerceString(s string, cat category, maxLen *int) outcome {
	if s == "" {
		return coerceOK
	}
	switch cat {
	case catText:
		if maxLen != nil && utf8.RuneCountInString(s) > *maxLen {
			return coerceLossy
		}
		return coerceOK
	case catInteger:
		if _, err := strconv.ParseInt(s, 10, 64); err == nil {
			return coerceOK
		}
		if f, ok := parseDecimal(s); ok {
			return coerceNumber(f, catInteger)
		}
		return coerceFail
	case catNumeric:
		if _, ok := parseDecimal(s); ok {
			return coerceOK
		}
		return coerceFail
	case catBoolean:
		if boolWords[strings.ToLower(s)] {
			return coerceOK
		}
		return coerceFail
	case catDate:
		if parses(s, dateLayouts) {
			return coerceOK
		}
		if parses(s, timestampLayouts) {
			return coerceLossy
		}
		return coerceFail
	case catTimestamp:
		if parses(s, timestampLayouts) || parses(s, dateLayouts) {
			return coerceOK
		}
		return coerceFail
	case catUUID:
		if _, err := uuid.Parse(s); err == nil {
			return coerceOK
		}
		return coerceFail
	}
	return coerceOK
}

// parseDecimal accepts "1234.5", "1,5" and "1.234,5".
func parseDecimal(s string) (float64, bool) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	if strings.Contains(s, ",") {
		alt := strings.ReplaceAll(s, ".", "")
		alt = strings.ReplaceAll(alt, ",", ".")
		if f, err := strconv.ParseFloat(alt, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func parses(s string, layouts []string) bool {
	for _, l := range layouts {
		if _, err := time.Parse(l, s); err == nil {
			return true
		}
	}
	return false
}

// Declared source types understood by the validator.
const (
	SourceString   = "string"
	SourceInteger  = "integer"
	SourceNumber   = "number"
	SourceBoolean  = "boolean"
	SourceDate     = "date"
	SourceDatetime = "datetime"
	SourceJSON     = "json"
)

// declaredCompat returns the outcome of mapping a declared source type onto a
// column category, and false when the declared type is not recognized.
func declaredCompat(sourceType string, cat category) (outcome, bool) {
	st := strings.ToLower(strings.TrimSpace(sourceType))
	switch st {
	case SourceString, SourceInteger, SourceNumber, SourceBoolean, SourceDate, SourceDatetime, SourceJSON:
	default:
		return coerceOK, false
	}
	if cat == catText || cat == catJSON || cat == catOther || st == SourceString {
		return coerceOK, true
	}

	switch cat {
	case catInteger:
		switch st {
		case SourceInteger, SourceBoolean:
			return coerceOK, true
		case SourceNumber:
			return coerceLossy, true
		}
	case catNumeric:
		switch st {
		case SourceInteger, SourceNumber:
			return coerceOK, true
		}
	case catBoolean:
		switch st {
		case SourceBoolean, SourceInteger:
			return coerceOK, true
		}
	case catDate:
		switch st {
		case SourceDate:
			return coerceOK, true
		case SourceDatetime:
			return coerceLossy, true
		}
	case catTimestamp:
		switch st {
		case SourceDate, SourceDatetime:
			return coerceOK, true
		}
	}
	return coerceFail, true
}
