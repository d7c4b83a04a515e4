package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/circuitbreaker/cb/cberr"
)

// Caller issues JSON-RPC calls against one MCP server endpoint.
type Caller interface {
	Call(ctx context.Context, method string, params any, accessToken string, result any) error
}

// HTTPCaller implements Caller over JSON-RPC HTTP POST.
type HTTPCaller struct {
	endpoint string
	client   *http.Client
	id       uint64
}

// NewHTTPCaller constructs a caller for endpoint. A nil client gets a 30s
// timeout default.
func NewHTTPCaller(endpoint string, client *http.Client) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCaller{endpoint: endpoint, client: client}
}

// Call implements Caller. The session access token rides in the
// Authorization header; MCP servers hosted by this runtime verify it
// against the manager's signing key.
func (c *HTTPCaller) Call(ctx context.Context, method string, params any, accessToken string, result any) error {
	id := atomic.AddUint64(&c.id, 1)
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	rawID, _ := json.Marshal(id)
	body, err := json.Marshal(RPCRequest{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return cberr.Wrap(cberr.KindTransport, "MCPUnreachable", "mcp: server call failed", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return cberr.New(cberr.KindProvider, "MCPStatus", "mcp: server returned status "+resp.Status)
	}
	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return cberr.Wrap(cberr.KindProvider, "MCPDecode", "mcp: malformed server response", err)
	}
	if rpcResp.Error != nil {
		return cberr.Wrap(cberr.KindProvider, "MCPError", "mcp: server error", rpcResp.Error)
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return cberr.Wrap(cberr.KindProvider, "MCPDecode", "mcp: malformed result payload", err)
		}
	}
	return nil
}

// CallerFactory builds a Caller for a server endpoint; swapped for fakes
// in tests.
type CallerFactory func(endpoint string) Caller

// Invoker executes MCP tool calls on behalf of agent turns: session
// authorization (with optional auto-refresh), capability lookup, input
// schema validation at the session boundary, and the JSON-RPC dispatch
// itself.
type Invoker struct {
	manager     *Manager
	newCaller   CallerFactory
	autoRefresh bool
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithAutoRefresh re-issues expired session tokens transparently instead
// of failing with SessionExpired.
func WithAutoRefresh() InvokerOption {
	return func(i *Invoker) { i.autoRefresh = true }
}

// WithCallerFactory overrides how callers are constructed per endpoint.
func WithCallerFactory(f CallerFactory) InvokerOption {
	return func(i *Invoker) { i.newCaller = f }
}

// NewInvoker constructs an Invoker over the manager.
func NewInvoker(manager *Manager, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		manager:   manager,
		newCaller: func(endpoint string) Caller { return NewHTTPCaller(endpoint, nil) },
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// CallTool invokes toolName on the tenant's server within the given MCP
// session. Missing tools and schema violations are surfaced as errors,
// never silently dropped.
func (i *Invoker) CallTool(ctx context.Context, tenantID, sessionID, serverID, toolName string, args json.RawMessage) (json.RawMessage, error) {
	session, err := i.manager.Authorize(ctx, tenantID, sessionID)
	if err != nil {
		if i.autoRefresh && isExpired(err) {
			refreshed, rerr := i.manager.RefreshSession(ctx, tenantID, sessionID)
			if rerr != nil {
				return nil, err
			}
			session = refreshed
		} else {
			return nil, err
		}
	}

	server, err := i.manager.Server(tenantID, serverID)
	if err != nil {
		return nil, err
	}
	caps, err := i.manager.Capabilities(tenantID, serverID)
	if err != nil {
		return nil, err
	}
	var tool *ToolDef
	for idx := range caps.Tools {
		if caps.Tools[idx].Name == toolName {
			tool = &caps.Tools[idx]
			break
		}
	}
	if tool == nil {
		return nil, cberr.New(cberr.KindNotFound, "ToolNotFound", "mcp: server does not expose tool "+toolName)
	}
	if err := validateToolArgs(tool, args); err != nil {
		return nil, err
	}

	var result toolCallResult
	caller := i.newCaller(server.Endpoint)
	params := toolCallParams{Name: toolName, Arguments: args}
	if err := caller.Call(ctx, MethodToolsCall, params, session.AccessToken, &result); err != nil {
		return nil, err
	}
	payload, err := normalizeToolResult(result)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindProvider, "MCPDecode", "mcp: unusable tool result", err)
	}
	if result.IsError {
		return payload, cberr.New(cberr.KindProvider, "ToolFailed", "mcp: tool reported an error")
	}
	return payload, nil
}

// ListTools returns the tenant server's tool surface through the
// capability cache.
func (i *Invoker) ListTools(ctx context.Context, tenantID, serverID string) ([]ToolDef, error) {
	caps, err := i.manager.Capabilities(tenantID, serverID)
	if err != nil {
		return nil, err
	}
	return caps.Tools, nil
}

func isExpired(err error) bool {
	e, ok := cberr.As(err)
	return ok && e.Code() == "SessionExpired"
}

// validateToolArgs checks args against the tool's declared JSON Schema.
// Tools without a schema accept any JSON object.
func validateToolArgs(tool *ToolDef, args json.RawMessage) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(tool.InputSchema))
	if err != nil {
		return cberr.Wrap(cberr.KindValidation, "InvalidToolSchema", "mcp: tool schema is not valid JSON", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", schemaDoc); err != nil {
		return cberr.Wrap(cberr.KindValidation, "InvalidToolSchema", "mcp: tool schema rejected by compiler", err)
	}
	schema, err := compiler.Compile("tool.json")
	if err != nil {
		return cberr.Wrap(cberr.KindValidation, "InvalidToolSchema", "mcp: tool schema failed to compile", err)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return cberr.Wrap(cberr.KindValidation, "InvalidToolArguments", "mcp: tool arguments are not valid JSON", err)
	}
	if err := schema.Validate(value); err != nil {
		return cberr.Wrap(cberr.KindValidation, "InvalidToolArguments", "mcp: tool arguments do not match schema", err)
	}
	return nil
}
