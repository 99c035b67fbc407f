package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rpcHandler decodes each request and answers with whatever respond returns.
func rpcHandler(t *testing.T, respond func(req Request) Response) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := respond(req)
		resp.JSONRPC = "2.0"
		resp.ID = req.ID
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func result(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := DefaultConfig(url)
	cfg.Timeout = 2 * time.Second
	c, err := New(cfg, credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", "token"),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	require.NoError(t, err)
	return c
}

func TestClient_SignsEveryRequest(t *testing.T) {
	var headers http.Header
	var req Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: req.ID, Result: result(t, ListToolsResult{})})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.ListTools(context.Background(), false)
	require.NoError(t, err)

	auth := headers.Get("Authorization")
	assert.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20260102/us-east-1/execute-api/aws4_request"), auth)
	assert.Contains(t, auth, "SignedHeaders=")
	assert.Contains(t, auth, "Signature=")
	assert.Equal(t, "20260102T030405Z", headers.Get("X-Amz-Date"))
	assert.Equal(t, "token", headers.Get("X-Amz-Security-Token"))
	assert.Len(t, headers.Get("X-Amz-Content-Sha256"), 64)

	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, MethodListTools, req.Method)
	assert.NotEmpty(t, req.ID)
}

func TestClient_ListToolsFollowsCursorsAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		calls.Add(1)
		var p ListToolsParams
		_ = json.Unmarshal(req.Params, &p)
		switch p.Cursor {
		case "":
			return Response{Result: result(t, ListToolsResult{
				Tools:      []Tool{{Name: "inventory__get_table_schema"}},
				NextCursor: "page2",
			})}
		case "page2":
			return Response{Result: result(t, ListToolsResult{
				Tools:      []Tool{{Name: "inventory__column_exists"}},
				NextCursor: "page3",
			})}
		default:
			return Response{Result: result(t, ListToolsResult{
				Tools: []Tool{{Name: "inventory__create_column_safe"}},
			})}
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	tools, err := c.ListTools(ctx, true)
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, "inventory__get_table_schema", tools[0].Name)
	assert.Equal(t, "inventory__create_column_safe", tools[2].Name)
	assert.EqualValues(t, 3, calls.Load())

	_, err = c.ListTools(ctx, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load(), "cached list must be served without a request")

	_, err = c.ListTools(ctx, false)
	require.NoError(t, err)
	assert.EqualValues(t, 6, calls.Load(), "useCache=false always refetches")

	c.ClearCache()
	_, err = c.ListTools(ctx, true)
	require.NoError(t, err)
	assert.EqualValues(t, 9, calls.Load())
}

func TestClient_ListToolsRepeatedCursor(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		return Response{Result: result(t, ListToolsResult{NextCursor: "same"})}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).ListTools(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errs.IsMalformedResponse(err))
}

func TestClient_CallToolParsesJSON(t *testing.T) {
	var got CallToolParams
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		require.Equal(t, MethodCallTool, req.Method)
		require.NoError(t, json.Unmarshal(req.Params, &got))
		return Response{Result: result(t, TextResult([]byte(`{"exists":true}`)))}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	res, err := c.CallTool(context.Background(), c.Tool("column_exists"),
		map[string]string{"table": "pending_entry_items", "column": "quantity"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "inventory__column_exists", got.Name)
	assert.JSONEq(t, `{"table":"pending_entry_items","column":"quantity"}`, string(got.Arguments))

	require.True(t, res.IsJSON())
	var out struct{ Exists bool }
	require.NoError(t, res.Decode(&out))
	assert.True(t, out.Exists)
}

func TestClient_CallToolReturnsRawText(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		return Response{Result: result(t, TextResult([]byte("column created, see audit log")))}
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__anything", nil, 0)
	require.NoError(t, err)
	assert.False(t, res.IsJSON())
	assert.Equal(t, "column created, see audit log", res.Text)

	var v any
	err = res.Decode(&v)
	assert.True(t, errs.IsMalformedResponse(err))
}

func TestClient_CallToolJSONContent(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		return Response{Result: result(t, CallToolResult{Content: []Content{
			{Type: "image", Data: json.RawMessage(`"aGVsbG8="`)},
			{Type: "json", Data: json.RawMessage(`[1,2,3]`)},
		}})}
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__x", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(res.Value))
}

func TestClient_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		return Response{Error: &RPCError{Code: CodeToolFailed, Message: "table not found", Data: &RPCErrorData{Kind: "not_found"}}}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__get_table_schema", nil, 0)
	require.Error(t, err)
	assert.True(t, errs.IsTransportFailure(err))

	rpcErr, ok := RemoteError(err)
	require.True(t, ok)
	assert.Equal(t, CodeToolFailed, rpcErr.Code)
	assert.Equal(t, "not_found", rpcErr.Data.Kind)
}

func TestClient_ToolReportedError(t *testing.T) {
	srv := httptest.NewServer(rpcHandler(t, func(req Request) Response {
		return Response{Result: result(t, CallToolResult{
			Content: []Content{{Type: "text", Text: "boom"}},
			IsError: true,
		})}
	}))
	defer srv.Close()

	res, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__x", nil, 0)
	require.Error(t, err)
	assert.True(t, errs.IsTransportFailure(err))
	assert.Equal(t, "boom", res.Text)
}

func TestClient_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__x", nil, 0)
	require.Error(t, err)
	assert.True(t, errs.IsTransportFailure(err))
	assert.True(t, errs.IsRetryable(err))

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "upstream exploded")
}

func TestClient_MalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).ListTools(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errs.IsMalformedResponse(err))
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(t, srv.URL).CallTool(context.Background(), "inventory__slow", nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no endpoint", func(c *Config) { c.Endpoint = "" }, true},
		{"bad scheme", func(c *Config) { c.Endpoint = "ftp://host/rpc" }, true},
		{"no region", func(c *Config) { c.Region = "" }, true},
		{"no service", func(c *Config) { c.Service = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("https://gw.example.com/rpc")
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.True(t, errs.IsInvalidInput(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(DefaultConfig("https://gw.example.com/rpc"), nil)
	assert.True(t, errs.IsInvalidInput(err))
}

func TestToolName(t *testing.T) {
	assert.Equal(t, "inventory__match_column", ToolName("inventory", "match_column"))
	assert.Equal(t, "match_column", ToolName("", "match_column"))
}
