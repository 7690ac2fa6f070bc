package secrets

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBearerTokenInvalid is returned for a missing, malformed, or
// signature-invalid bearer token.
var ErrBearerTokenInvalid = errors.New("bearer token invalid")

// producerClaims is the minimal claim set a postbox producer token carries:
// which tenant it is allowed to ingest on behalf of.
type producerClaims struct {
	TenantID string `json:"tenantId"`
	jwt.RegisteredClaims
}

// BearerVerifier validates producer-supplied bearer tokens against a shared
// HS256 secret. It exists to let the postbox ingest handler reject ingests
// from callers who can't prove they hold the tenant's producer credential;
// it is not a general authentication/authorization system.
type BearerVerifier struct {
	secret []byte
}

// NewBearerVerifier creates a verifier for tokens signed with secret.
func NewBearerVerifier(secret string) *BearerVerifier {
	return &BearerVerifier{secret: []byte(secret)}
}

// VerifyTenant extracts the bearer token from an Authorization header value
// ("Bearer <token>") and returns the tenantId claim it authorizes.
func (v *BearerVerifier) VerifyTenant(authorizationHeader string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return "", ErrBearerTokenInvalid
	}
	raw := strings.TrimPrefix(authorizationHeader, prefix)

	parsed, err := jwt.ParseWithClaims(raw, &producerClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrBearerTokenInvalid
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", ErrBearerTokenInvalid
	}

	claims, ok := parsed.Claims.(*producerClaims)
	if !ok || !parsed.Valid || claims.TenantID == "" {
		return "", ErrBearerTokenInvalid
	}
	return claims.TenantID, nil
}
