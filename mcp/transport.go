package mcp

import (
	"context"
	"encoding/json"

	"github.com/circuitbreaker/cb/cberr"
)

// Transport serves the JSON-RPC 2.0 MCP surface hosted by the runtime:
// list methods answer from the capability cache, tools/call forwards to
// the tenant's server through the Invoker. The REST layer decodes the
// HTTP envelope and hands the request here.
type Transport struct {
	manager *Manager
	invoker *Invoker
}

// NewTransport constructs a Transport.
func NewTransport(manager *Manager, invoker *Invoker) *Transport {
	return &Transport{manager: manager, invoker: invoker}
}

// Handle dispatches one JSON-RPC request for the authenticated session
// and returns the response envelope. Protocol-level failures are encoded
// as JSON-RPC errors rather than Go errors so the HTTP layer always
// responds 200 with an envelope, per JSON-RPC convention.
func (t *Transport) Handle(ctx context.Context, tenantID, sessionID, serverID string, req RPCRequest) RPCResponse {
	resp := RPCResponse{JSONRPC: "2.0", ID: req.ID}
	if req.JSONRPC != "2.0" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}
		return resp
	}

	switch req.Method {
	case MethodInitialize:
		result, _ := json.Marshal(map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": Issuer},
		})
		resp.Result = result

	case MethodToolsList:
		caps, err := t.manager.Capabilities(tenantID, serverID)
		if err != nil {
			resp.Error = rpcErrorFrom(err)
			return resp
		}
		resp.Result = mustMarshal(map[string]any{"tools": caps.Tools})

	case MethodPromptsList:
		caps, err := t.manager.Capabilities(tenantID, serverID)
		if err != nil {
			resp.Error = rpcErrorFrom(err)
			return resp
		}
		resp.Result = mustMarshal(map[string]any{"prompts": caps.Prompts})

	case MethodResourcesList:
		caps, err := t.manager.Capabilities(tenantID, serverID)
		if err != nil {
			resp.Error = rpcErrorFrom(err)
			return resp
		}
		resp.Result = mustMarshal(map[string]any{"resources": caps.Resources})

	case MethodToolsCall:
		var params toolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &RPCError{Code: CodeInvalidParams, Message: "params must carry name and arguments"}
			return resp
		}
		payload, err := t.invoker.CallTool(ctx, tenantID, sessionID, serverID, params.Name, params.Arguments)
		if err != nil {
			resp.Error = rpcErrorFrom(err)
			return resp
		}
		resp.Result = mustMarshal(toolCallResult{
			Content: []toolCallContent{{Type: "text", Text: string(payload), MimeType: "application/json"}},
		})

	default:
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}

func rpcErrorFrom(err error) *RPCError {
	code := CodeInternalError
	switch cberr.KindOf(err) {
	case cberr.KindValidation:
		code = CodeInvalidParams
	case cberr.KindNotFound:
		code = CodeMethodNotFound
	}
	msg := err.Error()
	if e, ok := cberr.As(err); ok {
		msg = e.Message()
		data, _ := json.Marshal(map[string]string{"errorCode": e.Code()})
		return &RPCError{Code: code, Message: msg, Data: data}
	}
	return &RPCError{Code: code, Message: msg}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
