package agent

import (
	"context"
	"regexp"
	"sync"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/telemetry"
)

// moderator evaluates an agent's content filters against inbound user
// messages. Blocked patterns reject the turn; escalation patterns are
// logged and let the turn proceed.
type moderator struct {
	mu       sync.Mutex
	compiled map[string]*regexp.Regexp
	tel      telemetry.Handle
}

func newModerator(tel telemetry.Handle) *moderator {
	return &moderator{compiled: map[string]*regexp.Regexp{}, tel: tel}
}

func (m *moderator) pattern(expr string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.compiled[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		// An uncompilable filter never matches; operators see it in the
		// log once rather than on every turn.
		m.compiled[expr] = nil
		m.tel.Log.Warn(context.Background(), "invalid moderation pattern", "pattern", expr, "err", err)
		return nil
	}
	m.compiled[expr] = re
	return re
}

// check applies the definition's moderation config to message.
func (m *moderator) check(ctx context.Context, def *Definition, message string) error {
	for _, expr := range def.Moderation.BlockedPatterns {
		if re := m.pattern(expr); re != nil && re.MatchString(message) {
			return cberr.New(cberr.KindValidation, "ContentBlocked", "agent: message rejected by content filter")
		}
	}
	for _, expr := range def.Moderation.EscalationPatterns {
		if re := m.pattern(expr); re != nil && re.MatchString(message) {
			m.tel.Log.Warn(ctx, "escalation trigger matched",
				"agentId", def.ID, "tenantId", def.TenantID, "pattern", expr)
		}
	}
	return nil
}
