package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"golang.org/x/crypto/scrypt"

	"github.com/promptgate/promptgate/pkg/config"
)

const localTokenTTL = 24 * time.Hour

// scrypt parameters baked into the hash string so they can evolve without
// invalidating stored hashes.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// HashPassword produces a self-describing scrypt hash:
// scrypt$N$r$p$base64(salt)$base64(key).
func HashPassword(password string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("scrypt$%d$%d$%d$%s$%s",
		scryptN, scryptR, scryptP,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks a password against a stored hash in constant time.
func VerifyPassword(stored, password string) error {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return errors.New("malformed password hash")
	}
	var n, r, p int
	if _, err := fmt.Sscanf(parts[1]+" "+parts[2]+" "+parts[3], "%d %d %d", &n, &r, &p); err != nil {
		return errors.New("malformed password hash parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return errors.New("malformed password hash salt")
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return errors.New("malformed password hash key")
	}
	got, err := scrypt.Key([]byte(password), salt, n, r, p, len(want))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrBadCredentials
	}
	return nil
}

// LocalTokenIssuer issues and validates HS256 session tokens for local auth.
type LocalTokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
}

// NewLocalTokenIssuer builds an issuer from the platform secret.
func NewLocalTokenIssuer(secret string) (*LocalTokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("a signing secret is required for local auth")
	}
	return &LocalTokenIssuer{
		secret:   []byte(secret),
		issuer:   "promptgate",
		audience: "promptgate",
	}, nil
}

// Issue mints a session token for a locally authenticated user.
func (l *LocalTokenIssuer) Issue(user *config.User) (string, error) {
	now := time.Now()
	builder := jwt.NewBuilder().
		Subject(user.ID).
		Issuer(l.issuer).
		Audience([]string{l.audience}).
		IssuedAt(now).
		Expiration(now.Add(localTokenTTL)).
		Claim("email", user.Email).
		Claim("name", user.Name).
		Claim("groups", user.Groups)

	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build token: %w", err)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, l.secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), nil
}

// Validate parses and verifies a locally issued token.
func (l *LocalTokenIssuer) Validate(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(
		[]byte(tokenString),
		jwt.WithKey(jwa.HS256, l.secret),
		jwt.WithValidate(true),
		jwt.WithIssuer(l.issuer),
		jwt.WithAudience(l.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired()) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := &Identity{Subject: token.Subject(), Raw: make(map[string]any)}
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
	if raw, ok := token.Get("groups"); ok {
		id.Groups = groupsFromClaim(raw)
	}
	return id, nil
}
