// Package graphqlapi defines the GraphQL contract the external façade
// implements: the SDL schema, typed operation inputs/outputs, and the
// Resolvers interface the runtime satisfies. No GraphQL execution engine
// is vendored here — the façade itself is an external collaborator; this
// package pins down the shape it must speak.
package graphqlapi

// Schema is the SDL contract for the runtime's GraphQL surface.
const Schema = `
scalar JSON
scalar Time

type Workflow {
  id: ID!
  name: String!
  states: [String!]!
  initialState: String!
  activities: [Activity!]!
}

type Activity {
  id: ID!
  fromStates: [String!]!
  toState: String!
}

type Resource {
  id: ID!
  workflowId: ID!
  state: String!
  data: JSON
  metadata: JSON
  history: [ActivityRecord!]!
}

type ActivityRecord {
  fromState: String!
  toState: String!
  activityId: ID!
  timestamp: Time!
  triggeredBy: String
  logSequence: Int!
}

type AgentDefinition {
  id: ID!
  name: String!
  kind: String!
  virtualModel: String!
  systemPrompt: String!
}

type McpServer {
  id: ID!
  name: String!
  type: String!
  endpoint: String!
  status: String!
}

type ChatCompletion {
  id: ID!
  model: String!
  content: String!
  finishReason: String!
  promptTokens: Int!
  completionTokens: Int!
  estimatedCost: Float!
  selectedProvider: String!
  fallbackUsed: Boolean!
}

type SessionToken {
  sessionId: ID!
  accessToken: String!
  expiresAt: Time!
}

type Query {
  workflow(id: ID!): Workflow
  resource(id: ID!): Resource
  availableActivities(resourceId: ID!): [Activity!]!
  agent(id: ID!): AgentDefinition
  agents: [AgentDefinition!]!
  mcpServer(id: ID!): McpServer
  mcpServers: [McpServer!]!
}

type Mutation {
  createWorkflow(input: CreateWorkflowInput!): Workflow!
  createResource(input: CreateResourceInput!): Resource!
  executeActivity(input: ExecuteActivityInput!): Resource!
  createAgent(input: CreateAgentInput!): AgentDefinition!
  llmChatCompletion(input: ChatCompletionInput!): ChatCompletion!
  configureLlmProvider(input: ConfigureProviderInput!): Boolean!
  createMcpServer(input: CreateMcpServerInput!): McpServer!
  initiateMcpOAuth(serverId: ID!): String!
  completeMcpOAuth(serverId: ID!, code: String!): SessionToken!
  authenticateMcpJwt(installationId: ID!, appJwt: String!): SessionToken!
  registerMcpCapabilities(input: RegisterCapabilitiesInput!): Boolean!
}

type Subscription {
  resourceUpdates(resourceId: ID!): Resource!
  workflowEvents(workflowId: ID!): JSON!
  agentExecutionStream(sessionId: ID!): JSON!
  llmStream(requestId: ID!): JSON!
  mcpServerStatusUpdates: McpServer!
  mcpSessionEvents: JSON!
  costUpdates: JSON!
}

input CreateWorkflowInput {
  name: String!
  states: [String!]!
  initialState: String!
  activities: [ActivityInput!]!
}

input ActivityInput {
  id: String!
  fromStates: [String!]!
  toState: String!
  guard: JSON
}

input CreateResourceInput {
  workflowId: ID!
  data: JSON
  metadata: JSON
}

input ExecuteActivityInput {
  resourceId: ID!
  activityId: ID!
  input: JSON
}

input CreateAgentInput {
  name: String!
  kind: String!
  systemPrompt: String!
  virtualModel: String!
  sampling: JSON
}

input ChatCompletionInput {
  model: String!
  messages: JSON!
  temperature: Float
  maxTokens: Int
  stream: Boolean
}

input ConfigureProviderInput {
  providerType: String!
  baseUrl: String
  credentialRef: String!
  models: JSON
}

input CreateMcpServerInput {
  name: String!
  type: String!
  endpoint: String!
  auth: JSON
}

input RegisterCapabilitiesInput {
  serverId: ID!
  capabilities: JSON!
}
`
