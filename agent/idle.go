package agent

import (
	"context"
	"time"

	"github.com/circuitbreaker/cb/cberr"
)

// SweepIdleSessions marks active sessions idle once their agent's idle
// timeout has elapsed without activity, and ends idle sessions older than
// retention (0 disables reaping). Conflict losses are skipped; the next
// sweep converges.
func (e *Engine) SweepIdleSessions(ctx context.Context, tenantID string, retention time.Duration) error {
	sessions, err := e.store.List(ctx, tenantID)
	if err != nil {
		return err
	}
	now := e.now()
	for _, session := range sessions {
		def, err := e.registry.Get(tenantID, session.AgentID)
		if err != nil {
			continue
		}
		limits := def.Limits.WithDefaults()
		switch session.Status {
		case StatusActive:
			if now.Sub(session.LastActivity) >= limits.IdleTimeout {
				session.Status = StatusIdle
				if err := e.store.Save(ctx, session); err != nil && !cberr.Is(err, cberr.KindConflict) {
					e.tel.Log.Warn(ctx, "idle transition failed", "sessionId", session.ID, "err", err)
				}
			}
		case StatusIdle:
			if retention > 0 && now.Sub(session.LastActivity) >= retention {
				session.Status = StatusEnded
				if err := e.store.Save(ctx, session); err != nil && !cberr.Is(err, cberr.KindConflict) {
					e.tel.Log.Warn(ctx, "session reap failed", "sessionId", session.ID, "err", err)
				}
			}
		}
	}
	return nil
}

// RunIdleSweep sweeps the listed tenants at interval until ctx is
// cancelled.
func (e *Engine) RunIdleSweep(ctx context.Context, tenantIDs func() []string, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range tenantIDs() {
				if err := e.SweepIdleSessions(ctx, id, retention); err != nil {
					e.tel.Log.Warn(ctx, "idle sweep failed", "tenantId", id, "err", err)
				}
			}
		}
	}
}

// EndSession explicitly closes a session.
func (e *Engine) EndSession(ctx context.Context, tenantID, sessionID string) error {
	session, err := e.store.Load(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	session.Status = StatusEnded
	session.LastActivity = e.now()
	return e.store.Save(ctx, session)
}

// GetSession loads a session for inspection.
func (e *Engine) GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	return e.store.Load(ctx, tenantID, sessionID)
}
