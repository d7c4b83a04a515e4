package graphqlapi

import (
	"context"

	"github.com/circuitbreaker/cb/agent"
	"github.com/circuitbreaker/cb/mcp"
	"github.com/circuitbreaker/cb/model"
	"github.com/circuitbreaker/cb/router"
	"github.com/circuitbreaker/cb/workflow"
)

type (
	// ChatCompletionResult is the typed payload behind the
	// llmChatCompletion mutation.
	ChatCompletionResult struct {
		Response *model.Response
		Info     router.RoutingDecision
	}

	// Resolvers is the interface the runtime exposes to whichever
	// GraphQL façade fronts it. Every mutation and query in Schema maps
	// to one method, except initiateMcpOAuth and completeMcpOAuth, which
	// have none here; the subscriptions listed on SubscriptionSubjects map
	// to the event-log subjects the façade bridges onto its own transport.
	Resolvers interface {
		// Workflow queries and mutations (component B).
		Workflow(ctx context.Context, tenantID, id string) (*workflow.Workflow, error)
		Resource(ctx context.Context, tenantID, id string) (*workflow.Resource, error)
		AvailableActivities(ctx context.Context, tenantID, resourceID string) ([]workflow.Activity, error)
		CreateWorkflow(ctx context.Context, tenantID string, def workflow.Workflow) (*workflow.Workflow, error)
		CreateResource(ctx context.Context, tenantID, workflowID string, data map[string]any, metadata map[string]string) (*workflow.Resource, error)
		ExecuteActivity(ctx context.Context, tenantID, resourceID, activityID string, input map[string]any) (*workflow.Resource, error)

		// Agent queries and mutations (component G).
		Agent(ctx context.Context, tenantID, id string) (*agent.Definition, error)
		Agents(ctx context.Context, tenantID string) ([]*agent.Definition, error)
		CreateAgent(ctx context.Context, def agent.Definition) (*agent.Definition, error)

		// Router mutations (component D).
		LLMChatCompletion(ctx context.Context, tenantID string, req *model.Request) (*ChatCompletionResult, error)
		ConfigureLLMProvider(ctx context.Context, tenantID, providerID string, models []model.ModelInfo) error

		// MCP queries and mutations (component F).
		MCPServer(ctx context.Context, tenantID, id string) (*mcp.Server, error)
		MCPServers(ctx context.Context, tenantID string) ([]*mcp.Server, error)
		CreateMCPServer(ctx context.Context, server mcp.Server) (*mcp.Server, error)
		AuthenticateMCPJWT(ctx context.Context, tenantID, installationID, appJWT string) (*mcp.SessionToken, error)
		RegisterMCPCapabilities(ctx context.Context, tenantID, serverID string, caps mcp.Capabilities) error
	}

	// SubscriptionSubjects names the event-log subjects backing the
	// resourceUpdates, workflowEvents, agentExecutionStream and costUpdates
	// subscriptions, so the façade subscribes to the right streams without
	// duplicating subject-building logic. llmStream,
	// mcpServerStatusUpdates and mcpSessionEvents have no subject here.
	SubscriptionSubjects struct{}
)

// ResourceUpdates is the subject pattern for resourceUpdates.
func (SubscriptionSubjects) ResourceUpdates(workflowID string) string {
	return "cb.workflows." + workflowID + ".states.*.resources"
}

// WorkflowEvents is the subject for workflowEvents.
func (SubscriptionSubjects) WorkflowEvents(workflowID string) string {
	return "cb.workflows." + workflowID + ".events.activities"
}

// AgentExecutionStream is the subject for agentExecutionStream.
func (SubscriptionSubjects) AgentExecutionStream(tenantID, agentID string) string {
	return "cb.agent.execute." + tenantID + "." + agentID
}

// CostUpdates is the subject for costUpdates.
func (SubscriptionSubjects) CostUpdates() string {
	return "cb.analytics.routing"
}
