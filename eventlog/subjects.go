package eventlog

import "fmt"

// Subjects builds the tenanted NATS subject hierarchy from spec: workflow
// definitions and activity events, agent execution/session/message
// subjects. Centralizing this avoids subtly inconsistent subject strings
// scattered across components.
type Subjects struct{}

func (Subjects) WorkflowDefinition(workflowID string) string {
	return fmt.Sprintf("cb.workflows.%s.definition", workflowID)
}

func (Subjects) WorkflowStateResources(workflowID, stateID string) string {
	return fmt.Sprintf("cb.workflows.%s.states.%s.resources", workflowID, stateID)
}

func (Subjects) WorkflowActivityEvents(workflowID string) string {
	return fmt.Sprintf("cb.workflows.%s.events.activities", workflowID)
}

func (Subjects) AgentExecute(tenantID, agentID string) string {
	return fmt.Sprintf("cb.agent.execute.%s.%s", tenantID, agentID)
}

func (Subjects) AgentSession(tenantID, sessionID string) string {
	return fmt.Sprintf("cb.agent.sessions.%s.%s", tenantID, sessionID)
}

func (Subjects) AgentMessage(tenantID, targetAgentID string) string {
	return fmt.Sprintf("cb.agent.message.%s.%s", tenantID, targetAgentID)
}

func (Subjects) Analytics() string { return "cb.analytics.routing" }

// Buckets names the KV buckets of the persisted state layout.
type Buckets struct{}

func (Buckets) Resources(tenantID string) string { return fmt.Sprintf("cb.resources.%s", tenantID) }
func (Buckets) AgentSessions(tenantID string) string {
	return fmt.Sprintf("cb.agent.sessions.%s", tenantID)
}
func (Buckets) Budgets(tenantID string) string { return fmt.Sprintf("cb.budgets.%s", tenantID) }
func (Buckets) MCPSessions(tenantID string) string {
	return fmt.Sprintf("cb.mcp.sessions.%s", tenantID)
}

// Streams names the NATS JetStream streams backing the runtime.
const (
	StreamGlobal  = "CIRCUIT_BREAKER_GLOBAL"
	StreamAgent   = "CB_AGENT_SESSIONS"
	StreamAnalytics = "CB_ANALYTICS"
)
