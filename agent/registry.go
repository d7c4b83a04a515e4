package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
)

// Registry holds agent definitions, keyed by tenant and id. Definitions
// are immutable once registered; revisions register under fresh ids.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]map[string]*Definition // tenantID -> agentID -> definition
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: map[string]map[string]*Definition{}}
}

// Register validates and stores a definition, assigning an id when none
// is set.
func (r *Registry) Register(def Definition) (*Definition, error) {
	if def.ID == "" {
		def.ID = "agent_" + uuid.NewString()
	}
	if def.Kind == "" {
		def.Kind = KindConversational
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tenantAgents, ok := r.byID[def.TenantID]
	if !ok {
		tenantAgents = map[string]*Definition{}
		r.byID[def.TenantID] = tenantAgents
	}
	if _, exists := tenantAgents[def.ID]; exists {
		return nil, cberr.New(cberr.KindConflict, "DuplicateAgent", "agent: id already registered: "+def.ID)
	}
	tenantAgents[def.ID] = &def
	return &def, nil
}

// Get returns the definition for (tenantID, agentID).
func (r *Registry) Get(tenantID, agentID string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byID[tenantID][agentID]
	if !ok {
		return nil, cberr.New(cberr.KindNotFound, "AgentNotFound", "agent: unknown agent "+agentID)
	}
	return def, nil
}

// List returns a tenant's definitions.
func (r *Registry) List(tenantID string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.byID[tenantID]))
	for _, def := range r.byID[tenantID] {
		out = append(out, def)
	}
	return out
}
