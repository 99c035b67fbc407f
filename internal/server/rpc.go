package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/gateway"
)

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var req gateway.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, gateway.Response{Error: &gateway.RPCError{
			Code: gateway.CodeParseError, Message: "invalid JSON: " + err.Error(),
		}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeResponse(w, gateway.Response{ID: req.ID, Error: &gateway.RPCError{
			Code: gateway.CodeInvalidRequest, Message: "expected a JSON-RPC 2.0 request with a method",
		}})
		return
	}

	result, rpcErr := s.dispatch(r.Context(), req.Method, req.Params)
	resp := gateway.Response{ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			resp.Error = &gateway.RPCError{Code: gateway.CodeInternalError, Message: "encode result: " + err.Error()}
		} else {
			resp.Result = raw
		}
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp gateway.Response) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.WarnWith("failed to write rpc response", err, nil)
	}
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *gateway.RPCError) {
	switch method {
	case gateway.MethodListTools:
		var p gateway.ListToolsParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.listTools(p.Cursor)
	case gateway.MethodCallTool:
		var p gateway.CallToolParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.callTool(ctx, p)
	default:
		return nil, &gateway.RPCError{Code: gateway.CodeMethodNotFound, Message: "method not found: " + method}
	}
}

// listTools returns one page. The cursor is the base64 offset of the next page.
func (s *Server) listTools(cursor string) (*gateway.ListToolsResult, *gateway.RPCError) {
	offset := 0
	if cursor != "" {
		raw, err := base64.RawURLEncoding.DecodeString(cursor)
		if err == nil {
			offset, err = strconv.Atoi(string(raw))
		}
		if err != nil || offset < 0 || offset > len(s.tools) {
			return nil, &gateway.RPCError{Code: gateway.CodeInvalidParams, Message: "invalid cursor"}
		}
	}

	end := offset + s.cfg.PageSize
	if end > len(s.tools) {
		end = len(s.tools)
	}
	res := &gateway.ListToolsResult{Tools: make([]gateway.Tool, 0, end-offset)}
	for _, t := range s.tools[offset:end] {
		res.Tools = append(res.Tools, t.Tool)
	}
	if end < len(s.tools) {
		res.NextCursor = base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(end)))
	}
	return res, nil
}

func (s *Server) callTool(ctx context.Context, p gateway.CallToolParams) (*gateway.CallToolResult, *gateway.RPCError) {
	t, ok := s.index[p.Name]
	if !ok {
		return nil, &gateway.RPCError{Code: gateway.CodeMethodNotFound, Message: "unknown tool: " + p.Name}
	}

	out, err := t.run(ctx, p.Arguments)
	if err != nil {
		kind := errs.KindOf(err)
		code := gateway.CodeToolFailed
		if kind == errs.ErrKindInvalidInput {
			code = gateway.CodeInvalidParams
		}
		s.log.WarnWith("tool failed", err, map[string]interface{}{"tool": p.Name})
		return nil, &gateway.RPCError{
			Code:    code,
			Message: err.Error(),
			Data:    &gateway.RPCErrorData{Kind: kind.String()},
		}
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, &gateway.RPCError{Code: gateway.CodeInternalError, Message: "encode tool output: " + err.Error()}
	}
	return gateway.TextResult(payload), nil
}

func decodeParams(raw json.RawMessage, v any) *gateway.RPCError {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &gateway.RPCError{Code: gateway.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}
