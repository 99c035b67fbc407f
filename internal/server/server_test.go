package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/koustreak/schemagate/internal/backend"
	"github.com/koustreak/schemagate/internal/core"
	"github.com/koustreak/schemagate/internal/database/memory"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/gateway"
	"github.com/koustreak/schemagate/internal/match"
	"github.com/koustreak/schemagate/internal/mutate"
	"github.com/koustreak/schemagate/internal/schema"
	"github.com/koustreak/schemagate/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededDB() *memory.DB {
	db := memory.New()
	db.CreateEnum(&schema.Enum{Name: "item_condition", Values: []string{"new", "used"}})
	db.CreateTable(&schema.Table{
		Name:    "pending_entries",
		Columns: []schema.Column{{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1}},
	})
	db.CreateTable(&schema.Table{
		Name: "pending_entry_items",
		Columns: []schema.Column{
			{Name: "id", DataType: "bigint", PrimaryKey: true, Position: 1},
			{Name: "serial_number", DataType: "text", Nullable: true, Position: 2},
			{Name: "quantity", DataType: "integer", Position: 3},
			{Name: "condition", DataType: "USER-DEFINED", EnumName: "item_condition", Nullable: true, Position: 4},
		},
	})
	return db
}

type fixture struct {
	db     *memory.DB
	srv    *httptest.Server
	client *gateway.Client
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := seededDB()
	svc := core.New(backend.NewDirect(db, mutate.DefaultPolicy(), nil), core.Config{
		Tables:         []string{"pending_entry_items", "pending_entries"},
		BuiltinAliases: match.NewAliases(map[string]string{"Número de Série": "serial_number"}),
	})
	srv := httptest.NewServer(New(svc, cfg, nil).Router())
	t.Cleanup(srv.Close)

	client, err := gateway.New(gateway.DefaultConfig(srv.URL+"/rpc"),
		credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""))
	require.NoError(t, err)
	return &fixture{db: db, srv: srv, client: client}
}

func (f *fixture) call(t *testing.T, op string, args, out any) error {
	t.Helper()
	res, err := f.client.CallTool(context.Background(), f.client.Tool(op), args, 2*time.Second)
	if err != nil {
		return err
	}
	require.NoError(t, res.Decode(out))
	return nil
}

func TestServer_ToolsListPaginates(t *testing.T) {
	f := newFixture(t, Config{PageSize: 4})

	tools, err := f.client.ListTools(context.Background(), false)
	require.NoError(t, err)

	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name
		assert.True(t, json.Valid(tl.InputSchema), tl.Name)
	}
	assert.Equal(t, []string{
		"inventory__get_table_schema",
		"inventory__get_enum_values",
		"inventory__get_all_schema_metadata",
		"inventory__column_exists",
		"inventory__match_column",
		"inventory__validate_import",
		"inventory__create_column_safe",
		"inventory__resolve_references",
		"inventory__list_usage",
	}, names)
}

func TestServer_InvalidCursor(t *testing.T) {
	f := newFixture(t, Config{})
	body := `{"jsonrpc":"2.0","id":"1","method":"tools/list","params":{"cursor":"!!"}}`

	resp, err := http.Post(f.srv.URL+"/rpc", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out gateway.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, gateway.CodeInvalidParams, out.Error.Code)
	assert.Equal(t, "1", out.ID)
}

func TestServer_Envelopes(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		name string
		body string
		code int
	}{
		{"not json", `{`, gateway.CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":"1","method":"tools/list"}`, gateway.CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":"1","method":"resources/list"}`, gateway.CodeMethodNotFound},
		{"unknown tool", `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"inventory__drop_table"}}`, gateway.CodeMethodNotFound},
		{"bad arguments", `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"inventory__get_table_schema","arguments":{"table":7}}}`, gateway.CodeInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/rpc", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)

			var out gateway.Response
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			require.NotNil(t, out.Error)
			assert.Equal(t, tt.code, out.Error.Code)
		})
	}
}

func TestServer_SchemaTools(t *testing.T) {
	f := newFixture(t, Config{})

	var table schema.Table
	require.NoError(t, f.call(t, backend.OpGetTableSchema, map[string]string{"table": "pending_entry_items"}, &table))
	assert.Len(t, table.Columns, 4)
	assert.Equal(t, "quantity", table.RequiredColumns()[0].Name)

	var values []string
	require.NoError(t, f.call(t, backend.OpGetEnumValues, map[string]string{"enum": "item_condition"}, &values))
	assert.Equal(t, []string{"new", "used"}, values)

	var exists columnExistsResult
	require.NoError(t, f.call(t, backend.OpColumnExists, columnArgs{Table: "pending_entry_items", Column: "quantity"}, &exists))
	assert.True(t, exists.Exists)

	var snap schema.Snapshot
	require.NoError(t, f.call(t, backend.OpGetAllSchemaMetadata, nil, &snap))
	assert.Len(t, snap.Tables, 2)

	err := f.call(t, backend.OpGetTableSchema, map[string]string{"table": "assets"}, &table)
	require.Error(t, err)
	rpcErr, ok := gateway.RemoteError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeToolFailed, rpcErr.Code)
	assert.Equal(t, errs.ErrKindNotFound.String(), rpcErr.Data.Kind)

	err = f.call(t, backend.OpGetTableSchema, map[string]string{}, &table)
	rpcErr, ok = gateway.RemoteError(err)
	require.True(t, ok)
	assert.Equal(t, gateway.CodeInvalidParams, rpcErr.Code)
}

func TestServer_MatchAndValidate(t *testing.T) {
	f := newFixture(t, Config{})

	var m matchResult
	require.NoError(t, f.call(t, backend.OpMatchColumn, matchArgs{Table: "pending_entry_items", Source: "Número de Série"}, &m))
	require.Len(t, m.Candidates, 1)
	assert.Equal(t, match.TierBuiltinAlias, m.Candidates[0].Tier)

	var v validateResult
	require.NoError(t, f.call(t, backend.OpValidateImport, validateArgs{
		Table:    "pending_entry_items",
		Mappings: []validate.Mapping{{Source: "Número de Série", Target: "serial_number"}},
	}, &v))
	assert.False(t, v.Valid)
	require.Len(t, v.Issues, 1)
	assert.Equal(t, validate.CodeMissingRequiredColumn, v.Issues[0].Code)
}

func TestServer_CreateColumnThroughGateway(t *testing.T) {
	f := newFixture(t, Config{})
	backendRemote := backend.NewRemote(f.client, 2*time.Second, nil)
	ctx := context.Background()

	res := backendRemote.CreateColumnSafe(ctx, mutate.Request{Table: "pending_entry_items", Column: "cor_primaria", Type: "text"})
	assert.Equal(t, mutate.StatusCreated, res.Status)

	res = backendRemote.CreateColumnSafe(ctx, mutate.Request{Table: "pending_entry_items", Column: "cor_primaria", Type: "text"})
	assert.Equal(t, mutate.StatusAlreadyExists, res.Status)

	res = backendRemote.CreateColumnSafe(ctx, mutate.Request{Table: "assets", Column: "tag"})
	assert.Equal(t, mutate.StatusFailed, res.Status)
	assert.Equal(t, mutate.ReasonTableNotAllowed, res.Reason)
	assert.True(t, res.Fallback)

	var exists columnExistsResult
	var table schema.Table
	require.NoError(t, f.call(t, backend.OpGetTableSchema, map[string]string{"table": "pending_entry_items"}, &table))
	require.NoError(t, f.call(t, backend.OpColumnExists, columnArgs{Table: "pending_entry_items", Column: "cor_primaria"}, &exists))
	assert.True(t, exists.Exists, "server cache is invalidated after creation")

	usage, err := backendRemote.ListUsage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.EqualValues(t, 2, usage[0].Count)
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t, Config{})

	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(f.srv.URL + "/rpc")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	svc := core.New(backend.NewDirect(seededDB(), mutate.DefaultPolicy(), nil), core.Config{})
	s := New(svc, Config{Addr: "127.0.0.1:0"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
