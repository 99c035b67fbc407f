package gateway

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC methods understood by the tools endpoint.
const (
	MethodListTools = "tools/list"
	MethodCallTool  = "tools/call"
)

// JSON-RPC error codes used by the tools endpoint.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	// CodeToolFailed is returned when a tool ran but reported a failure.
	CodeToolFailed = -32000
)

// Request is the JSON-RPC envelope sent to the endpoint.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON-RPC envelope returned by the endpoint. Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object of a Response.
type RPCError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    *RPCErrorData `json:"data,omitempty"`
}

// RPCErrorData carries the error kind of the remote side so a client can
// reconstruct it.
type RPCErrorData struct {
	Kind string `json:"kind,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Tool describes one invocable operation.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams are the params of tools/list.
type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult is one page of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams are the params of tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Content is one item of a tool result.
type Content struct {
	Type     string          `json:"type"` // text or json
	Text     string          `json:"text,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// TextResult wraps a JSON-encoded payload the way tools return it.
func TextResult(payload []byte) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: string(payload)}}}
}

// ToolName joins a tool group and an operation: inventory__column_exists.
func ToolName(group, operation string) string {
	if group == "" {
		return operation
	}
	return group + "__" + operation
}
