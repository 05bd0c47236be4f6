package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrNoToken      = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("token not recognized")
	ErrWrongTenant  = errors.New("token not valid for requested tenant")
)

// Authorizer decides which tenant a control-surface request may act on.
// Denials carry an explicit reason; there is never a default-allow path.
type Authorizer interface {
	Authorize(r *http.Request, tenantID string) error
}

// TokenAuthorizer maps static bearer tokens to tenants. Suitable for
// operator tooling; anything internet-facing should sit behind a gateway.
type TokenAuthorizer struct {
	tokens map[string]string // token -> tenant
}

func NewTokenAuthorizer(tokens map[string]string) *TokenAuthorizer {
	return &TokenAuthorizer{tokens: tokens}
}

// ParseTokenSpec parses "token1:tenantA,token2:tenantB" from config.
func ParseTokenSpec(spec string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

func (a *TokenAuthorizer) Authorize(r *http.Request, tenantID string) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ErrNoToken
	}

	for candidate, tenant := range a.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			if tenant != tenantID {
				return ErrWrongTenant
			}
			return nil
		}
	}
	return ErrInvalidToken
}
