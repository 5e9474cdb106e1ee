package store

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/promptgate/promptgate/pkg/authz"
	"github.com/promptgate/promptgate/pkg/config"
)

// contentHash is the MD5 of the canonical JSON encoding. encoding/json
// sorts map keys and emits struct fields in declaration order, which is
// canonical enough for content comparison.
func contentHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// composeETag derives the user-view ETag from the resource's global tag and
// the filtered content. Equal filtered content yields equal tags regardless
// of who requested it.
func composeETag(global string, filtered any) string {
	h := contentHash(filtered)
	if global == "" {
		return h
	}
	return fmt.Sprintf("%s-%s", global, h[:8])
}

func (snap *Snapshot) computeETags() {
	snap.etags = map[string]string{
		ResourceApps:         contentHash(snap.Apps),
		ResourceModels:       contentHash(snap.Models),
		ResourceTools:        contentHash(snap.Tools),
		ResourceSources:      contentHash(snap.Sources),
		ResourceGroups:       contentHash(snap.Groups),
		ResourceUsers:        contentHash(snap.Users),
		ResourcePrompts:      contentHash(snap.Prompts),
		ResourcePlatform:     contentHash(snap.Platform),
		ResourceUI:           contentHash(snap.UI),
		ResourceStyles:       contentHash(snap.Styles),
		ResourceTranslations: contentHash(snap.Translations),
	}
}

// ETag returns the global (unfiltered) tag for a resource.
func (snap *Snapshot) ETag(resource string) string {
	return snap.etags[resource]
}

func (snap *Snapshot) permissions(user *config.User) config.Permissions {
	groups := []string{authz.AnonymousGroup}
	if user != nil && len(user.Groups) > 0 {
		groups = user.Groups
	}
	return snap.Resolver.Effective(groups)
}

// AppsView returns the apps this user may see with the view's ETag.
func (snap *Snapshot) AppsView(user *config.User) ([]*config.App, string) {
	perms := snap.permissions(user)
	var filtered []*config.App
	for _, app := range snap.Apps {
		if authz.Allowed(perms.Apps, app.ID) {
			filtered = append(filtered, app)
		}
	}
	return filtered, composeETag(snap.etags[ResourceApps], filtered)
}

// AppView returns one app if the user may see it.
func (snap *Snapshot) AppView(user *config.User, id string) (*config.App, string, bool) {
	perms := snap.permissions(user)
	app, ok := snap.App(id)
	if !ok || !authz.Allowed(perms.Apps, id) {
		return nil, "", false
	}
	return app, composeETag(snap.etags[ResourceApps], app), true
}

// ModelsView returns the models this user may see, API keys stripped.
func (snap *Snapshot) ModelsView(user *config.User) ([]*config.Model, string) {
	perms := snap.permissions(user)
	var filtered []*config.Model
	for _, m := range snap.Models {
		if authz.Allowed(perms.Models, m.ID) {
			filtered = append(filtered, sanitizeModel(m, ""))
		}
	}
	return filtered, composeETag(snap.etags[ResourceModels], filtered)
}

// PermittedModels returns the unsanitized models the user may use. The
// orchestrator needs the stored key field intact.
func (snap *Snapshot) PermittedModels(user *config.User) []*config.Model {
	perms := snap.permissions(user)
	var filtered []*config.Model
	for _, m := range snap.Models {
		if authz.Allowed(perms.Models, m.ID) {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

// PromptsView returns the prompts this user may see.
func (snap *Snapshot) PromptsView(user *config.User) ([]*config.Prompt, string) {
	perms := snap.permissions(user)
	var filtered []*config.Prompt
	for _, p := range snap.Prompts {
		if authz.Allowed(perms.Prompts, p.ID) {
			filtered = append(filtered, p)
		}
	}
	return filtered, composeETag(snap.etags[ResourcePrompts], filtered)
}

// ToolsView returns the public tool metadata. Scripts and settings stay
// server-side.
func (snap *Snapshot) ToolsView() ([]*config.Tool, string) {
	out := make([]*config.Tool, 0, len(snap.Tools))
	for _, t := range snap.Tools {
		pub := *t
		pub.Script = ""
		pub.Settings = nil
		out = append(out, &pub)
	}
	return out, composeETag(snap.etags[ResourceTools], out)
}

// PlatformView returns the platform config with secrets removed.
func (snap *Snapshot) PlatformView() (*config.Platform, string) {
	pub := *snap.Platform
	pub.Secret = ""
	pub.Auth.AdminSecret = ""
	return &pub, composeETag(snap.etags[ResourcePlatform], &pub)
}

// TranslationsView returns one language table, falling back to English.
func (snap *Snapshot) TranslationsView(lang string) (map[string]any, string, bool) {
	table, ok := snap.Translations[lang]
	if !ok {
		table, ok = snap.Translations["en"]
	}
	if !ok {
		return nil, "", false
	}
	return table, composeETag(snap.etags[ResourceTranslations], table), true
}

// UIView returns the UI config. It is not user-filtered.
func (snap *Snapshot) UIView() (map[string]any, string) {
	return snap.UI, composeETag(snap.etags[ResourceUI], snap.UI)
}

// StylesView returns the style config. It is not user-filtered.
func (snap *Snapshot) StylesView() (map[string]any, string) {
	return snap.Styles, composeETag(snap.etags[ResourceStyles], snap.Styles)
}

// AdminModelsView returns all models with keys masked for the admin UI.
func (snap *Snapshot) AdminModelsView() []*config.Model {
	out := make([]*config.Model, 0, len(snap.Models))
	for _, m := range snap.Models {
		out = append(out, sanitizeModel(m, config.MaskedAPIKey))
	}
	return out
}

// AdminUsersView returns all users with credential material stripped.
// Password hashes and raw identity claims never leave the server.
func (snap *Snapshot) AdminUsersView() []*config.User {
	out := make([]*config.User, 0, len(snap.Users))
	for _, u := range snap.Users {
		pub := *u
		pub.PasswordHash = ""
		pub.Raw = nil
		out = append(out, &pub)
	}
	return out
}

// sanitizeModel copies a model replacing a stored key with the placeholder
// (or removing it entirely when placeholder is empty).
func sanitizeModel(m *config.Model, placeholder string) *config.Model {
	out := *m
	if out.APIKey != "" {
		out.APIKey = placeholder
	}
	return &out
}
