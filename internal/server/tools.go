package server

import (
	"context"
	"encoding/json"

	"github.com/koustreak/schemagate/internal/backend"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/gateway"
	"github.com/koustreak/schemagate/internal/match"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/validate"
)

type tool struct {
	gateway.Tool
	run func(ctx context.Context, args json.RawMessage) (any, error)
}

type tableArgs struct {
	Table string `json:"table"`
}

type enumArgs struct {
	Enum string `json:"enum"`
}

type columnArgs struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

type columnExistsResult struct {
	Exists bool `json:"exists"`
}

type matchArgs struct {
	Table  string `json:"table"`
	Source string `json:"source"`
}

type matchResult struct {
	Candidates []match.Candidate `json:"candidates"`
}

type validateArgs struct {
	Table    string             `json:"table"`
	Mappings []validate.Mapping `json:"mappings"`
	Rows     []validate.Row     `json:"rows,omitempty"`
}

type validateResult struct {
	Valid  bool             `json:"valid"`
	Issues []validate.Issue `json:"issues"`
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrap(errs.ErrKindInvalidInput, "invalid tool arguments", err)
	}
	return nil
}

func required(name, value string) error {
	if value == "" {
		return errs.Newf(errs.ErrKindInvalidInput, "argument %q is required", name)
	}
	return nil
}

func schemaOf(props string, requiredArgs ...string) json.RawMessage {
	if requiredArgs == nil {
		requiredArgs = []string{}
	}
	req, _ := json.Marshal(requiredArgs)
	return json.RawMessage(`{"type":"object","properties":` + props + `,"required":` + string(req) + `}`)
}

// inventoryTools lists every tool in the order tools/list returns them.
func (s *Server) inventoryTools() []tool {
	name := func(op string) string { return gateway.ToolName(s.cfg.ToolGroup, op) }

	return []tool{
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpGetTableSchema),
				Description: "Columns, types, nullability, enums and foreign keys of one table.",
				InputSchema: schemaOf(`{"table":{"type":"string"}}`, "table"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a tableArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("table", a.Table); err != nil {
					return nil, err
				}
				return s.svc.GetTableSchema(ctx, a.Table)
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpGetEnumValues),
				Description: "Ordered valid values of an enum type.",
				InputSchema: schemaOf(`{"enum":{"type":"string"}}`, "enum"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a enumArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("enum", a.Enum); err != nil {
					return nil, err
				}
				return s.svc.GetEnumValues(ctx, a.Enum)
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpGetAllSchemaMetadata),
				Description: "The whole cached schema snapshot.",
				InputSchema: schemaOf(`{"tables":{"type":"array","items":{"type":"string"}}}`),
			},
			run: func(ctx context.Context, _ json.RawMessage) (any, error) {
				return s.svc.GetAllSchemaMetadata(ctx)
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpColumnExists),
				Description: "Whether a column exists, answered from the cached snapshot.",
				InputSchema: schemaOf(`{"table":{"type":"string"},"column":{"type":"string"}}`, "table", "column"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a columnArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("table", a.Table); err != nil {
					return nil, err
				}
				if err := required("column", a.Column); err != nil {
					return nil, err
				}
				return columnExistsResult{Exists: s.svc.ColumnExists(a.Table, a.Column)}, nil
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpMatchColumn),
				Description: "Candidate columns for a source field name, strongest first.",
				InputSchema: schemaOf(`{"table":{"type":"string"},"source":{"type":"string"}}`, "table", "source"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a matchArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("table", a.Table); err != nil {
					return nil, err
				}
				cands, err := s.svc.MatchColumn(ctx, a.Table, a.Source)
				if err != nil {
					return nil, err
				}
				if cands == nil {
					cands = []match.Candidate{}
				}
				return matchResult{Candidates: cands}, nil
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpValidateImport),
				Description: "Check mappings and sample rows against a table before importing.",
				InputSchema: schemaOf(`{"table":{"type":"string"},"mappings":{"type":"array"},"rows":{"type":"array"}}`, "table", "mappings"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a validateArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("table", a.Table); err != nil {
					return nil, err
				}
				issues, err := s.svc.ValidateImport(ctx, a.Table, a.Mappings, a.Rows)
				if err != nil {
					return nil, err
				}
				if issues == nil {
					issues = []validate.Issue{}
				}
				return validateResult{Valid: !validate.HasErrors(issues), Issues: issues}, nil
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpCreateColumnSafe),
				Description: "Add a column to an allow-listed table under an advisory lock, with audit.",
				InputSchema: schemaOf(`{"table":{"type":"string"},"column":{"type":"string"},"type":{"type":"string"},`+
					`"requested_by":{"type":"string"},"source_field":{"type":"string"},`+
					`"sample_values":{"type":"array","items":{"type":"string"}}}`, "table", "column"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var req mutate.Request
				if err := decodeArgs(raw, &req); err != nil {
					return nil, err
				}
				return s.svc.CreateColumnSafe(ctx, req), nil
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpResolveReferences),
				Description: "Values not present in a referenced table column.",
				InputSchema: schemaOf(`{"table":{"type":"string"},"column":{"type":"string"},"values":{"type":"array","items":{"type":"string"}}}`,
					"table", "column", "values"),
			},
			run: func(ctx context.Context, raw json.RawMessage) (any, error) {
				var a backend.ReferenceArgs
				if err := decodeArgs(raw, &a); err != nil {
					return nil, err
				}
				if err := required("table", a.Table); err != nil {
					return nil, err
				}
				if err := required("column", a.Column); err != nil {
					return nil, err
				}
				missing, err := s.svc.ResolveReferences(ctx, a.Table, a.Column, a.Values)
				if err != nil {
					return nil, err
				}
				if missing == nil {
					missing = []string{}
				}
				return backend.ReferenceResult{Missing: missing}, nil
			},
		},
		{
			Tool: gateway.Tool{
				Name:        name(backend.OpListUsage),
				Description: "Usage counters of dynamically created columns.",
				InputSchema: schemaOf(`{}`),
			},
			run: func(ctx context.Context, _ json.RawMessage) (any, error) {
				usage, err := s.svc.ListUsage(ctx)
				if err != nil {
					return nil, err
				}
				if usage == nil {
					usage = []mutate.Usage{}
				}
				return backend.UsageResult{Usage: usage}, nil
			},
		},
	}
}
