package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptgate/promptgate/pkg/auth"
	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/config"
	"github.com/promptgate/promptgate/pkg/store"
)

const (
	testAdminSecret   = "s3cret-admin-token"
	testSigningSecret = "0123456789abcdef0123456789abcdef"
	testStoredKey     = "ENC[c3RvcmVkLWtleS1ieXRlcw==]"
)

func writeServerFixture(t *testing.T, dir, rel string, v any) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func readServerFixture(t *testing.T, dir, rel string, v any) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatal(err)
	}
}

// newAdminServer builds a server over a fixture contents tree: one app
// depending on the "gpt" model (which carries a stored encrypted key), one
// free-standing "spare" model and a local user with a password hash.
func newAdminServer(t *testing.T, mode config.AuthMode) (*Server, string) {
	t.Helper()
	contents := t.TempDir()

	writeServerFixture(t, contents, "apps/chat.json", &config.App{
		ID: "chat", Name: config.LocalizedText{"en": "Chat"}, PreferredModel: "gpt",
	})
	writeServerFixture(t, contents, "models/gpt.json", &config.Model{
		ID: "gpt", ModelID: "gpt-4o", Provider: config.ProviderOpenAI,
		URL:    "https://api.openai.com/v1/chat/completions",
		APIKey: testStoredKey,
	})
	writeServerFixture(t, contents, "models/spare.json", &config.Model{
		ID: "spare", ModelID: "spare-1", Provider: config.ProviderOpenAI,
		URL: "https://api.openai.com/v1/chat/completions",
	})
	writeServerFixture(t, contents, "config/groups.json", []*config.Group{
		{ID: "anonymous", Permissions: config.Permissions{Apps: []string{"*"}, Models: []string{"*"}}},
	})
	writeServerFixture(t, contents, "config/users.json", []*config.User{
		{ID: "alice", Email: "alice@example.com",
			PasswordHash: "scrypt$32768$8$1$c2FsdHNhbHQ$aGFzaGhhc2hoYXNo",
			Groups:       []string{"admins"}},
	})
	writeServerFixture(t, contents, "config/platform.json", &config.Platform{
		Secret: testSigningSecret,
		Auth:   config.AuthConfig{Mode: mode, AdminSecret: testAdminSecret},
	})

	st, err := store.New(contents, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	authSvc := &auth.Service{
		Platform: func() *config.Platform { return st.Snapshot().Platform },
		Resolver: func() *authz.Resolver { return st.Snapshot().Resolver },
		FindUser: func(id string) (*config.User, bool) { return st.Snapshot().FindUser(id) },
	}

	cfg := &config.ServerConfig{ContentsDir: contents}
	cfg.SetDefaults()
	return New(cfg, Deps{Store: st, Auth: authSvc}), contents
}

func adminDo(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAdminSecret)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func TestAdminModelMaskedKeyPreservesStoredKey(t *testing.T) {
	s, contents := newAdminServer(t, config.AuthModeAnonymous)

	body := `{"id":"gpt","modelId":"gpt-4o-2024","provider":"openai",` +
		`"url":"https://api.openai.com/v1/chat/completions","apiKey":"` + config.MaskedAPIKey + `"}`
	rec := adminDo(s, http.MethodPut, "/api/admin/models/gpt", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("ETag"); got == "" || !strings.HasPrefix(got, `"`) {
		t.Errorf("admin writes must return the refreshed ETag, got %q", got)
	}
	if !strings.Contains(rec.Body.String(), config.MaskedAPIKey) {
		t.Errorf("response must keep the key masked, body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "ENC[") {
		t.Error("stored key material must never leave the server")
	}

	var onDisk config.Model
	readServerFixture(t, contents, "models/gpt.json", &onDisk)
	if onDisk.APIKey != testStoredKey {
		t.Errorf("stored key = %q, want the prior key preserved byte for byte", onDisk.APIKey)
	}
	if onDisk.ModelID != "gpt-4o-2024" {
		t.Errorf("modelId = %q, the other fields must still update", onDisk.ModelID)
	}
}

func TestAdminModelNewKeyIsEncrypted(t *testing.T) {
	s, contents := newAdminServer(t, config.AuthModeAnonymous)

	body := `{"id":"spare","modelId":"spare-1","provider":"openai",` +
		`"url":"https://api.openai.com/v1/chat/completions","apiKey":"sk-plaintext-key"}`
	rec := adminDo(s, http.MethodPut, "/api/admin/models/spare", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-plaintext-key") {
		t.Error("a submitted key must never echo back")
	}

	var onDisk config.Model
	readServerFixture(t, contents, "models/spare.json", &onDisk)
	if !config.IsEncrypted(onDisk.APIKey) {
		t.Fatalf("stored key = %q, want the encrypted form", onDisk.APIKey)
	}
	key, err := config.DecryptAPIKey(onDisk.APIKey, testSigningSecret)
	if err != nil {
		t.Fatalf("DecryptAPIKey: %v", err)
	}
	if key != "sk-plaintext-key" {
		t.Errorf("decrypted key = %q", key)
	}
}

func TestAdminModelMaskedKeyOnNewModelStoresNothing(t *testing.T) {
	s, contents := newAdminServer(t, config.AuthModeAnonymous)

	body := `{"id":"fresh","modelId":"fresh-1","provider":"openai",` +
		`"url":"https://api.openai.com/v1/chat/completions","apiKey":"` + config.MaskedAPIKey + `"}`
	rec := adminDo(s, http.MethodPut, "/api/admin/models/fresh", body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var onDisk config.Model
	readServerFixture(t, contents, "models/fresh.json", &onDisk)
	if onDisk.APIKey != "" {
		t.Errorf("a mask with no prior key must store nothing, got %q", onDisk.APIKey)
	}
}

func TestAdminModelRejectsMismatchedID(t *testing.T) {
	s, _ := newAdminServer(t, config.AuthModeAnonymous)

	body := `{"id":"other","modelId":"x","provider":"openai","url":"https://example.com"}`
	rec := adminDo(s, http.MethodPut, "/api/admin/models/gpt", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for a payload id mismatch", rec.Code)
	}
}

func TestAdminDeleteModelChecksDependents(t *testing.T) {
	s, contents := newAdminServer(t, config.AuthModeAnonymous)

	rec := adminDo(s, http.MethodDelete, "/api/admin/models/gpt", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 while an app references the model", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "app:chat") {
		t.Errorf("conflict must name the dependents, body %s", rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(contents, "models", "gpt.json")); err != nil {
		t.Error("a refused delete must leave the file in place")
	}

	rec = adminDo(s, http.MethodDelete, "/api/admin/models/spare", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if _, err := os.Stat(filepath.Join(contents, "models", "spare.json")); !os.IsNotExist(err) {
		t.Error("a deleted model's file must be removed")
	}
}

func TestAdminModelListMasksKeys(t *testing.T) {
	s, _ := newAdminServer(t, config.AuthModeAnonymous)

	rec := adminDo(s, http.MethodGet, "/api/admin/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "ENC[") {
		t.Error("stored keys must be masked in admin listings")
	}
	if !strings.Contains(rec.Body.String(), config.MaskedAPIKey) {
		t.Error("models with a stored key must show the mask")
	}
}

func TestAdminUserListStripsCredentials(t *testing.T) {
	s, _ := newAdminServer(t, config.AuthModeAnonymous)

	rec := adminDo(s, http.MethodGet, "/api/admin/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "alice") {
		t.Errorf("user listing missing entries, body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "scrypt$") {
		t.Error("password hashes must never leave the server")
	}
}

func TestAdminRequiresSecretInAnonymousMode(t *testing.T) {
	s, _ := newAdminServer(t, config.AuthModeAnonymous)
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/models", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credential: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/admin/models", nil)
	req.Header.Set("Authorization", "Bearer not-the-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", rec.Code)
	}

	if rec := adminDo(s, http.MethodGet, "/api/admin/models", ""); rec.Code != http.StatusOK {
		t.Errorf("correct secret: status = %d, want 200", rec.Code)
	}
}

func TestAdminSecretIgnoredOutsideAnonymousMode(t *testing.T) {
	s, _ := newAdminServer(t, config.AuthModeLocal)

	rec := adminDo(s, http.MethodGet, "/api/admin/models", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, the shared secret must not grant admin outside anonymous mode", rec.Code)
	}
}
