package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 envelope for the MCP transport.

// RPCRequest is an inbound or outbound JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

// Well-known MCP methods.
const (
	MethodInitialize    = "initialize"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodPromptsList   = "prompts/list"
	MethodResourcesList = "resources/list"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// toolCallParams is the params shape of a tools/call request.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolCallContent is one content item in a tools/call result.
type toolCallContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// toolCallResult is the result shape of a tools/call response.
type toolCallResult struct {
	Content []toolCallContent `json:"content"`
	IsError bool              `json:"isError,omitempty"`
}

// normalizeToolResult extracts a JSON payload from a tools/call result:
// JSON-valid text passes through raw, anything else is re-encoded as a
// JSON string so callers always receive valid JSON.
func normalizeToolResult(result toolCallResult) (json.RawMessage, error) {
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("mcp: tool returned no content")
	}
	item := result.Content[0]
	text := []byte(item.Text)
	if json.Valid(text) {
		return append(json.RawMessage(nil), text...), nil
	}
	encoded, err := json.Marshal(item.Text)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}
