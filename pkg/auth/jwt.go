// Package auth resolves the per-request user identity.
//
// Four platform modes are supported: anonymous (everyone is the anonymous
// user), oidc (bearer tokens validated against the provider's JWKS), local
// (HS256 tokens issued by this server after a username/password login) and
// proxy (identity trusted from reverse-proxy headers).
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Identity is the raw identity extracted from a validated token, before
// group mapping and permission resolution.
type Identity struct {
	Subject string
	Email   string
	Name    string
	Groups  []string
	Raw     map[string]any
}

// OIDCValidator validates bearer tokens against an identity provider.
// The JWKS is cached and auto-refreshed to handle key rotation.
type OIDCValidator struct {
	jwksURL     string
	cache       *jwk.Cache
	issuer      string
	audience    string
	groupsClaim string
}

// NewOIDCValidator creates a validator that auto-fetches JWKS from the
// provider. The initial fetch validates the configuration.
func NewOIDCValidator(jwksURL, issuer, audience, groupsClaim string) (*OIDCValidator, error) {
	ctx := context.Background()

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	if groupsClaim == "" {
		groupsClaim = "groups"
	}

	return &OIDCValidator{
		jwksURL:     jwksURL,
		cache:       cache,
		issuer:      issuer,
		audience:    audience,
		groupsClaim: groupsClaim,
	}, nil
}

// Validate verifies signature, expiry, issuer and audience, then extracts
// the identity. An expired token is reported as ErrTokenExpired so callers
// can distinguish it from a forged one.
func (v *OIDCValidator) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	opts := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return v.identityFrom(token), nil
}

func (v *OIDCValidator) identityFrom(token jwt.Token) *Identity {
	id := &Identity{
		Subject: token.Subject(),
		Raw:     make(map[string]any),
	}

	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			id.Email = s
		}
	}
	if name, ok := token.Get("name"); ok {
		if s, ok := name.(string); ok {
			id.Name = s
		}
	}
	if raw, ok := token.Get(v.groupsClaim); ok {
		id.Groups = groupsFromClaim(raw)
	}

	ctx := context.Background()
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok {
			continue
		}
		switch key {
		case "iss", "aud", "exp", "iat", "nbf":
		default:
			id.Raw[key] = pair.Value
		}
	}
	return id
}

// groupsFromClaim accepts the common claim shapes: a JSON array of strings
// or a single string.
func groupsFromClaim(raw any) []string {
	switch v := raw.(type) {
	case []any:
		var out []string
		for _, g := range v {
			if s, ok := g.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}
