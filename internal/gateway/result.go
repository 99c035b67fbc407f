package gateway

import (
	"encoding/json"

	"github.com/koustreak/schemagate/internal/errs"
)

// CallResult is the payload extracted from a tool result. When the payload
// parses as JSON, Value holds it; otherwise only Text is set and the caller
// decides what to do with the raw text.
type CallResult struct {
	Tool  string
	Text  string
	Value json.RawMessage
}

// IsJSON reports whether the payload parsed as JSON.
func (r *CallResult) IsJSON() bool {
	return len(r.Value) > 0
}

// Decode unmarshals the JSON payload into v. A raw-text payload yields an
// ErrKindMalformedResponse error.
func (r *CallResult) Decode(v any) error {
	if !r.IsJSON() {
		return errs.Newf(errs.ErrKindMalformedResponse, "tool %s returned non-JSON text", r.Tool)
	}
	if err := json.Unmarshal(r.Value, v); err != nil {
		return errs.Wrap(errs.ErrKindMalformedResponse, "decode result of "+r.Tool, err)
	}
	return nil
}

// extract picks the first text or json content item.
func extract(tool string, res *CallToolResult) *CallResult {
	out := &CallResult{Tool: tool}
	for _, item := range res.Content {
		switch item.Type {
		case "json":
			if len(item.Data) > 0 && json.Valid(item.Data) {
				out.Text = string(item.Data)
				out.Value = item.Data
				return out
			}
			fallthrough
		case "text":
			out.Text = item.Text
			if raw := []byte(item.Text); len(raw) > 0 && json.Valid(raw) {
				out.Value = json.RawMessage(raw)
			}
			return out
		}
	}
	return out
}
