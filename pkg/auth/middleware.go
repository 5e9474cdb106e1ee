package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/config"
)

type contextKey string

const stateContextKey contextKey = "authState"

// State is the authentication outcome attached to every request. Err is set
// when a credential was presented but rejected; the user is then the
// anonymous user. The status probe inspects Err to report token expiry
// without failing the request.
type State struct {
	User *config.User
	Err  error
}

// Service resolves request identities according to the platform auth mode.
// Platform and Resolver are getters because the underlying config hot-reloads.
type Service struct {
	Platform func() *config.Platform
	Resolver func() *authz.Resolver
	FindUser func(id string) (*config.User, bool)
	// RecordLogin, when set, persists a first-seen external identity as an
	// audit record.
	RecordLogin func(user *config.User)

	mu          sync.Mutex
	oidc        *OIDCValidator
	oidcJWKSURL string
	local       *LocalTokenIssuer
	localSecret string
}

// ResolveUser attaches the resolved user to the request context. It never
// rejects; enforcement is RequireAuth's and RequireAdmin's job.
func (s *Service) ResolveUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := s.resolve(r)
		ctx := context.WithValue(r.Context(), stateContextKey, state)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) resolve(r *http.Request) *State {
	platform := s.Platform()
	mode := platform.Auth.Mode
	if mode == "" {
		mode = config.AuthModeAnonymous
	}

	switch mode {
	case config.AuthModeAnonymous:
		return &State{User: s.anonymousUser()}

	case config.AuthModeOIDC:
		token, ok := bearerToken(r)
		if !ok {
			return &State{User: s.anonymousUser()}
		}
		validator, err := s.oidcValidator(platform)
		if err != nil {
			slog.Error("OIDC validator unavailable", "error", err)
			return &State{User: s.anonymousUser(), Err: ErrInvalidToken}
		}
		identity, err := validator.Validate(r.Context(), token)
		if err != nil {
			return &State{User: s.anonymousUser(), Err: err}
		}
		return &State{User: s.userFromIdentity(identity, "oidc", platform)}

	case config.AuthModeLocal:
		token, ok := bearerToken(r)
		if !ok {
			return &State{User: s.anonymousUser()}
		}
		issuer, err := s.localIssuer(platform)
		if err != nil {
			slog.Error("local token issuer unavailable", "error", err)
			return &State{User: s.anonymousUser(), Err: ErrInvalidToken}
		}
		identity, err := issuer.Validate(token)
		if err != nil {
			return &State{User: s.anonymousUser(), Err: err}
		}
		// Locally issued tokens already carry internal group ids.
		user := &config.User{
			ID:            identity.Subject,
			Email:         identity.Email,
			Name:          identity.Name,
			Provider:      "local",
			Groups:        identity.Groups,
			Authenticated: true,
			AuthMethod:    "local",
		}
		if len(user.Groups) == 0 {
			user.Groups = []string{authz.AnonymousGroup}
		}
		return &State{User: user}

	case config.AuthModeProxy:
		subject := r.Header.Get("X-Forwarded-User")
		if subject == "" {
			return &State{User: s.anonymousUser()}
		}
		identity := &Identity{
			Subject: subject,
			Email:   r.Header.Get("X-Forwarded-Email"),
			Name:    r.Header.Get("X-Forwarded-Name"),
		}
		if raw := r.Header.Get("X-Forwarded-Groups"); raw != "" {
			for _, g := range strings.Split(raw, ",") {
				if g = strings.TrimSpace(g); g != "" {
					identity.Groups = append(identity.Groups, g)
				}
			}
		}
		return &State{User: s.userFromIdentity(identity, "proxy", platform)}

	default:
		slog.Warn("unknown auth mode, treating as anonymous", "mode", mode)
		return &State{User: s.anonymousUser()}
	}
}

// userFromIdentity maps external groups onto internal ones and builds the
// per-request user.
func (s *Service) userFromIdentity(identity *Identity, method string, platform *config.Platform) *config.User {
	internal := s.Resolver().MapExternalGroups(identity.Groups, method, platform.Auth.DefaultGroups)
	user := &config.User{
		ID:              identity.Subject,
		Provider:        method,
		Email:           identity.Email,
		Name:            identity.Name,
		Groups:          internal,
		Authenticated:   true,
		AuthMethod:      method,
		Raw:             identity.Raw,
		ExtractedGroups: identity.Groups,
	}
	if s.RecordLogin != nil {
		if _, known := s.FindUser(identity.Subject); !known {
			s.RecordLogin(user)
		}
	}
	return user
}

func (s *Service) anonymousUser() *config.User {
	return &config.User{
		ID:            "anonymous",
		Groups:        []string{authz.AnonymousGroup},
		Authenticated: false,
	}
}

// Login verifies local credentials against the user directory and issues a
// session token.
func (s *Service) Login(username, password string) (string, *config.User, error) {
	user, ok := s.FindUser(username)
	if !ok || user.PasswordHash == "" {
		// Burn comparable time for unknown users.
		_ = VerifyPassword("scrypt$32768$8$1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", password)
		return "", nil, ErrBadCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return "", nil, ErrBadCredentials
	}
	issuer, err := s.localIssuer(s.Platform())
	if err != nil {
		return "", nil, err
	}
	out := *user
	out.PasswordHash = ""
	out.Authenticated = true
	out.AuthMethod = "local"
	token, err := issuer.Issue(&out)
	if err != nil {
		return "", nil, err
	}
	return token, &out, nil
}

// RequireAuth rejects unauthenticated requests in non-anonymous modes.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform := s.Platform()
		if platform.Auth.Mode == "" || platform.Auth.Mode == config.AuthModeAnonymous {
			next.ServeHTTP(w, r)
			return
		}
		state := StateFrom(r.Context())
		if state == nil || !state.User.Authenticated {
			code := CodeAuthRequired
			if state != nil && state.Err == ErrTokenExpired {
				code = CodeTokenExpired
			}
			writeAuthError(w, http.StatusUnauthorized, code, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin gates /admin routes. The admin secret is honored only in
// anonymous mode; in any other mode it must not elevate privileges.
func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		platform := s.Platform()
		mode := platform.Auth.Mode
		if mode == "" {
			mode = config.AuthModeAnonymous
		}

		if mode == config.AuthModeAnonymous {
			secret := platform.Auth.AdminSecret
			token, ok := bearerToken(r)
			if secret != "" && ok && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			writeAuthError(w, http.StatusUnauthorized, CodeAuthRequired, "admin secret required")
			return
		}

		state := StateFrom(r.Context())
		if state == nil || !state.User.Authenticated {
			code := CodeAuthRequired
			if state != nil && state.Err == ErrTokenExpired {
				code = CodeTokenExpired
			}
			writeAuthError(w, http.StatusUnauthorized, code, "authentication required")
			return
		}
		perms := s.Resolver().Effective(state.User.Groups)
		if !perms.AdminAccess {
			writeAuthError(w, http.StatusForbidden, CodeForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StateFrom returns the authentication state attached by ResolveUser.
func StateFrom(ctx context.Context) *State {
	if state, ok := ctx.Value(stateContextKey).(*State); ok {
		return state
	}
	return nil
}

// UserFrom returns the resolved user, or nil outside ResolveUser.
func UserFrom(ctx context.Context) *config.User {
	if state := StateFrom(ctx); state != nil {
		return state.User
	}
	return nil
}

func (s *Service) oidcValidator(platform *config.Platform) (*OIDCValidator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oidc != nil && s.oidcJWKSURL == platform.Auth.JWKSURL {
		return s.oidc, nil
	}
	v, err := NewOIDCValidator(platform.Auth.JWKSURL, platform.Auth.Issuer, platform.Auth.Audience, platform.Auth.GroupsClaim)
	if err != nil {
		return nil, err
	}
	s.oidc = v
	s.oidcJWKSURL = platform.Auth.JWKSURL
	return v, nil
}

func (s *Service) localIssuer(platform *config.Platform) (*LocalTokenIssuer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local != nil && s.localSecret == platform.Secret {
		return s.local, nil
	}
	issuer, err := NewLocalTokenIssuer(platform.Secret)
	if err != nil {
		return nil, err
	}
	s.local = issuer
	s.localSecret = platform.Secret
	return issuer, nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}
