package match

import (
	"io"
	"os"
	"sort"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/ident"
	"go.yaml.in/yaml/v3"
)

// Aliases maps a normalized source field name to one or more column names.
// A nil Aliases is valid and empty.
type Aliases map[string][]string

// NewAliases builds Aliases from raw source → column pairs, normalizing the
// source names.
func NewAliases(pairs map[string]string) Aliases {
	a := make(Aliases, len(pairs))
	for src, target := range pairs {
		a.Add(src, target)
	}
	return a
}

// Add registers target as an alias for source. Duplicates are ignored.
func (a Aliases) Add(source, target string) {
	key := ident.Normalize(source)
	if key == "" || target == "" {
		return
	}
	for _, t := range a[key] {
		if t == target {
			return
		}
	}
	a[key] = append(a[key], target)
	sort.Strings(a[key])
}

// Lookup returns the column names registered for an already-normalized key.
func (a Aliases) Lookup(key string) []string {
	if a == nil {
		return nil
	}
	return a[key]
}

// aliasFile is the on-disk layout: each column lists the synonyms that
// should map to it.
//
//	columns:
//	  serial_number: ["Número de Série", "N/S", "serial"]
//	  quantity: ["Qtd", "Quantidade"]
type aliasFile struct {
	Columns map[string][]string `yaml:"columns"`
}

// LoadAliases parses a YAML alias dictionary.
func LoadAliases(r io.Reader) (Aliases, error) {
	var f aliasFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, errs.Wrap(errs.ErrKindInvalidInput, "failed to parse alias dictionary", err)
	}
	a := make(Aliases)
	for column, synonyms := range f.Columns {
		for _, s := range synonyms {
			a.Add(s, column)
		}
	}
	return a, nil
}

// LoadAliasesFile reads a YAML alias dictionary from path.
func LoadAliasesFile(path string) (Aliases, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindNotFound, "failed to open alias dictionary", err)
	}
	defer f.Close()
	return LoadAliases(f)
}
