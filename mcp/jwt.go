package mcp

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/circuitbreaker/cb/cberr"
)

// Issuer is the issuer claim on session tokens minted by this runtime and
// the required audience on inbound app JWTs.
const Issuer = "circuit-breaker-mcp"

// maxAppJWTLifetime caps exp - iat on app JWTs.
const maxAppJWTLifetime = 10 * time.Minute

// defaultClockSkew tolerates clock drift on the iat claim.
const defaultClockSkew = 60 * time.Second

// DefaultSessionTokenTTL is the session token lifetime when none is
// configured.
const DefaultSessionTokenTTL = time.Hour

// allowedAlgorithms is the signing-algorithm allow-list for app JWTs.
var allowedAlgorithms = []string{"RS256"}

// parsePublicKey decodes a PEM-encoded RSA public key (PKIX or PKCS1).
func parsePublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, cberr.New(cberr.KindValidation, "InvalidPublicKey", "mcp: public key is not valid PEM")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, cberr.New(cberr.KindValidation, "InvalidPublicKey", "mcp: public key is not RSA")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, cberr.New(cberr.KindValidation, "InvalidPublicKey", "mcp: unable to parse public key")
}

// validateAppJWT verifies an app JWT against the registered app's public
// key and the claim rules: RS256 only, iss equals the app id, aud equals
// the runtime issuer, iat within clock skew, exp no more than ten minutes
// past iat and strictly in the future.
func validateAppJWT(tokenString string, app *App, now time.Time) (*jwt.RegisteredClaims, error) {
	key, err := parsePublicKey(app.PublicKeyPEM)
	if err != nil {
		return nil, err
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods(allowedAlgorithms),
		// Claim validation below is stricter than the library defaults
		// (hard exp-iat cap, strict expiry); disable the built-in pass.
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindAuthentication, "InvalidAppJWT", "mcp: app JWT signature verification failed", err)
	}

	if claims.Issuer != app.ID {
		return nil, cberr.New(cberr.KindAuthentication, "IssuerMismatch", "mcp: app JWT issuer does not match app id")
	}
	audOK := false
	for _, aud := range claims.Audience {
		if aud == Issuer {
			audOK = true
			break
		}
	}
	if !audOK {
		return nil, cberr.New(cberr.KindAuthentication, "AudienceMismatch", "mcp: app JWT audience must be "+Issuer)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, cberr.New(cberr.KindAuthentication, "MissingClaims", "mcp: app JWT requires iat and exp")
	}
	iat := claims.IssuedAt.Time
	exp := claims.ExpiresAt.Time
	if iat.After(now.Add(defaultClockSkew)) || iat.Before(now.Add(-defaultClockSkew)) {
		return nil, cberr.New(cberr.KindAuthentication, "IssuedAtOutOfRange", "mcp: app JWT iat outside allowed clock skew")
	}
	if exp.After(iat.Add(maxAppJWTLifetime)) {
		return nil, cberr.New(cberr.KindAuthentication, "ExpiryTooFar", "mcp: app JWT exp exceeds ten minutes past iat")
	}
	if !now.Before(exp) {
		return nil, cberr.New(cberr.KindAuthentication, "TokenExpired", "mcp: app JWT has expired")
	}
	return claims, nil
}

// sessionClaims are the registered claims minted onto session tokens.
func sessionClaims(sessionID, installationID string, now time.Time, ttl time.Duration) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   sessionID,
		Audience:  jwt.ClaimStrings{installationID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
}

// mintSessionToken signs a session token with the runtime's private key.
func mintSessionToken(key *rsa.PrivateKey, sessionID, installationID string, now time.Time, ttl time.Duration) (token, jti string, expires time.Time, err error) {
	claims := sessionClaims(sessionID, installationID, now, ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return signed, claims.ID, claims.ExpiresAt.Time, nil
}

// VerifySessionToken checks a session token's signature and expiry and
// returns its claims. Used by the transport layer to authenticate tool
// calls.
func VerifySessionToken(tokenString string, key *rsa.PublicKey, now time.Time) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods(allowedAlgorithms),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, cberr.Wrap(cberr.KindAuthentication, "InvalidSessionToken", "mcp: session token verification failed", err)
	}
	if claims.Issuer != Issuer {
		return nil, cberr.New(cberr.KindAuthentication, "IssuerMismatch", "mcp: session token issuer mismatch")
	}
	if claims.ExpiresAt == nil || !now.Before(claims.ExpiresAt.Time) {
		return nil, cberr.New(cberr.KindAuthentication, "SessionExpired", "mcp: session token has expired")
	}
	return claims, nil
}
