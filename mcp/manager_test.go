package mcp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/circuitbreaker/cb/cberr"
	"github.com/circuitbreaker/cb/eventlog"
	"github.com/circuitbreaker/cb/telemetry"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	manager *Manager
	clock   *testClock
	appKey  *rsa.PrivateKey
	app     *App
	inst    *Installation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}

	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	appKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	manager := NewManager(eventlog.NewMemory(), serverKey, telemetry.NewNoop(),
		WithManagerClock(clock.Now))

	pub, err := x509.MarshalPKIXPublicKey(&appKey.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}))

	app, err := manager.RegisterApp("t1", "ci-bot", "automation", pubPEM)
	require.NoError(t, err)
	inst, err := manager.InstallApp("t1", app.ID, "organization", map[string]string{"tools": "read"})
	require.NoError(t, err)

	return &fixture{manager: manager, clock: clock, appKey: appKey, app: app, inst: inst}
}

// mintAppJWT signs an app JWT the way a client holding the private key
// would.
func (f *fixture) mintAppJWT(t *testing.T, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Issuer:    f.app.ID,
		Audience:  jwt.ClaimStrings{Issuer},
		IssuedAt:  jwt.NewNumericDate(f.clock.now),
		ExpiresAt: jwt.NewNumericDate(f.clock.now.Add(5 * time.Minute)),
	}
	if mutate != nil {
		mutate(&claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.appKey)
	require.NoError(t, err)
	return signed
}

func TestSessionTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok, err := f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, f.mintAppJWT(t, nil), nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, tok.AccessToken)

	// The minted token verifies against the server's public key.
	claims, err := VerifySessionToken(tok.AccessToken, f.manager.SigningPublicKey(), f.clock.now)
	require.NoError(t, err)
	require.Equal(t, tok.SessionID, claims.Subject)

	// Session is usable now.
	session, err := f.manager.Authorize(ctx, "t1", tok.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, session.RequestCount)

	// Past expiry the session fails with SessionExpired.
	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.Authorize(ctx, "t1", tok.SessionID)
	e, ok := cberr.As(err)
	require.True(t, ok)
	require.Equal(t, "SessionExpired", e.Code())

	// Refresh re-issues without a fresh app JWT.
	refreshed, err := f.manager.RefreshSession(ctx, "t1", tok.SessionID)
	require.NoError(t, err)
	require.NotEqual(t, tok.AccessToken, refreshed.AccessToken)

	_, err = f.manager.Authorize(ctx, "t1", tok.SessionID)
	require.NoError(t, err)

	// Revoked sessions refuse both use and refresh.
	require.NoError(t, f.manager.RevokeSession(ctx, "t1", tok.SessionID))
	_, err = f.manager.Authorize(ctx, "t1", tok.SessionID)
	require.Equal(t, cberr.KindAuthentication, cberr.KindOf(err))
	_, err = f.manager.RefreshSession(ctx, "t1", tok.SessionID)
	require.Equal(t, cberr.KindAuthentication, cberr.KindOf(err))
}

func TestAppJWTExpiryIsStrict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// exp exactly at now is rejected.
	token := f.mintAppJWT(t, func(c *jwt.RegisteredClaims) {
		c.ExpiresAt = jwt.NewNumericDate(f.clock.now)
	})
	_, err := f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, token, nil, nil)
	require.Equal(t, cberr.KindAuthentication, cberr.KindOf(err))
}

func TestAppJWTValidationRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := []struct {
		name   string
		mutate func(*jwt.RegisteredClaims)
	}{
		{"wrong issuer", func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" }},
		{"wrong audience", func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other"} }},
		{"exp too far past iat", func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(f.clock.now.Add(11 * time.Minute))
		}},
		{"iat in the future", func(c *jwt.RegisteredClaims) {
			c.IssuedAt = jwt.NewNumericDate(f.clock.now.Add(5 * time.Minute))
		}},
		{"missing iat", func(c *jwt.RegisteredClaims) { c.IssuedAt = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, f.mintAppJWT(t, tc.mutate), nil, nil)
			require.Equal(t, cberr.KindAuthentication, cberr.KindOf(err), tc.name)
		})
	}
}

func TestAppJWTSignedByWrongKeyRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rogue, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	claims := jwt.RegisteredClaims{
		Issuer:    f.app.ID,
		Audience:  jwt.ClaimStrings{Issuer},
		IssuedAt:  jwt.NewNumericDate(f.clock.now),
		ExpiresAt: jwt.NewNumericDate(f.clock.now.Add(5 * time.Minute)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(rogue)
	require.NoError(t, err)

	_, err = f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, forged, nil, nil)
	require.Equal(t, cberr.KindAuthentication, cberr.KindOf(err))
}

func TestTenantIsolationOnSessionsAndServers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok, err := f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, f.mintAppJWT(t, nil), nil, nil)
	require.NoError(t, err)

	// Another tenant cannot touch the session.
	_, err = f.manager.GetSession(ctx, "t2", tok.SessionID)
	require.Error(t, err)

	srv, err := f.manager.RegisterServer(Server{TenantID: "t1", Name: "files", Type: ServerCustom, Endpoint: "http://files.internal/rpc"})
	require.NoError(t, err)
	_, err = f.manager.Server("t2", srv.ID)
	e, ok := cberr.As(err)
	require.True(t, ok)
	require.Equal(t, "TenantMismatch", e.Code())
}

func TestInstallAppRejectsCrossTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.InstallApp("t2", f.app.ID, "organization", nil)
	require.Equal(t, cberr.KindAuthorization, cberr.KindOf(err))
}

func TestListSessionsFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tok1, err := f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, f.mintAppJWT(t, nil), nil, nil)
	require.NoError(t, err)
	_, err = f.manager.CreateSessionToken(ctx, "t1", f.inst.ID, f.mintAppJWT(t, nil), nil, nil)
	require.NoError(t, err)
	require.NoError(t, f.manager.RevokeSession(ctx, "t1", tok1.SessionID))

	all, err := f.manager.ListSessions(ctx, SessionFilter{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, all, 2)

	revoked, err := f.manager.ListSessions(ctx, SessionFilter{TenantID: "t1", Status: SessionRevoked})
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, tok1.SessionID, revoked[0].ID)
}

func TestCapabilityCacheInvalidation(t *testing.T) {
	f := newFixture(t)

	srv, err := f.manager.RegisterServer(Server{TenantID: "t1", Name: "files", Type: ServerCustom, Endpoint: "http://files.internal/rpc"})
	require.NoError(t, err)
	require.NoError(t, f.manager.RegisterCapabilities("t1", srv.ID, Capabilities{
		Tools: []ToolDef{{Name: "read_file"}},
	}))

	caps, err := f.manager.Capabilities("t1", srv.ID)
	require.NoError(t, err)
	require.Len(t, caps.Tools, 1)

	// Mutation invalidates the cache immediately.
	require.NoError(t, f.manager.RegisterCapabilities("t1", srv.ID, Capabilities{
		Tools: []ToolDef{{Name: "read_file"}, {Name: "write_file"}},
	}))
	caps, err = f.manager.Capabilities("t1", srv.ID)
	require.NoError(t, err)
	require.Len(t, caps.Tools, 2)
}

func TestCapabilityCacheTTLExpiry(t *testing.T) {
	cache := newCapabilityCache(time.Minute)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cache.put("s1", Capabilities{Prompts: []string{"p"}}, now)

	_, ok := cache.get("s1", now.Add(30*time.Second))
	require.True(t, ok)
	_, ok = cache.get("s1", now.Add(time.Minute))
	require.False(t, ok)
}

func TestServerHealthDrivesStatus(t *testing.T) {
	f := newFixture(t)
	srv, err := f.manager.RegisterServer(Server{TenantID: "t1", Name: "files", Type: ServerCustom, Endpoint: "http://files.internal/rpc"})
	require.NoError(t, err)
	require.NoError(t, f.manager.RegisterCapabilities("t1", srv.ID, Capabilities{}))

	f.manager.SetServerHealth(srv.ID, ServerHealth{Healthy: false, LastError: "connection refused"})
	got, err := f.manager.Server("t1", srv.ID)
	require.NoError(t, err)
	require.Equal(t, ServerError, got.Status)

	f.manager.SetServerHealth(srv.ID, ServerHealth{Healthy: true})
	got, err = f.manager.Server("t1", srv.ID)
	require.NoError(t, err)
	require.Equal(t, ServerActive, got.Status)
}
