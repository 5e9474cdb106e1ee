// Package config defines the gateway's configuration entities and the
// runtime server configuration.
//
// Resource entities (apps, models, tools, sources, groups, users) are loaded
// from JSON files under the contents directory with defaults fallback; the
// server's own configuration is YAML with environment expansion.
package config

// LocalizedText maps a language code to a translated string.
type LocalizedText map[string]string

// Get returns the text for lang, falling back to "en" and then to any entry.
func (t LocalizedText) Get(lang string) string {
	if t == nil {
		return ""
	}
	if s, ok := t[lang]; ok {
		return s
	}
	if s, ok := t["en"]; ok {
		return s
	}
	for _, s := range t {
		return s
	}
	return ""
}

// AppType distinguishes conversational apps from redirect/iframe shells.
type AppType string

const (
	AppTypeChat     AppType = "chat"
	AppTypeRedirect AppType = "redirect"
	AppTypeIframe   AppType = "iframe"
)

// Variable is a declared system-prompt variable.
type Variable struct {
	Name             string   `json:"name"`
	Type             string   `json:"type,omitempty"`
	Required         bool     `json:"required,omitempty"`
	PredefinedValues []string `json:"predefinedValues,omitempty"`
	DefaultValue     string   `json:"defaultValue,omitempty"`
}

// ModelFilterSettings constrains the models an app may use.
type ModelFilterSettings struct {
	Filter map[string]bool `json:"filter,omitempty"`
}

// AppSettings carries optional per-app behavior settings.
type AppSettings struct {
	Model ModelFilterSettings `json:"model,omitempty"`
}

// App is a configured conversation experience.
type App struct {
	ID             string        `json:"id"`
	Order          int           `json:"order,omitempty"`
	Type           AppType       `json:"type,omitempty"`
	Name           LocalizedText `json:"name"`
	Description    LocalizedText `json:"description,omitempty"`
	System         string        `json:"system,omitempty"`
	Variables      []Variable    `json:"variables,omitempty"`
	AllowedModels  []string      `json:"allowedModels,omitempty"`
	PreferredModel string        `json:"preferredModel,omitempty"`
	Tools          []string      `json:"tools,omitempty"`
	Sources        []string      `json:"sources,omitempty"`
	AutoStart      bool          `json:"autoStart,omitempty"`
	Settings       AppSettings   `json:"settings,omitempty"`
	TargetURL      string        `json:"targetUrl,omitempty"`
}

// HintLevel grades a model hint. An alert hint disables client input until
// acknowledged; the server only stores and serves the field.
type HintLevel string

const (
	HintLevelHint    HintLevel = "hint"
	HintLevelInfo    HintLevel = "info"
	HintLevelWarning HintLevel = "warning"
	HintLevelAlert   HintLevel = "alert"
)

// ModelHint is an operator-authored notice attached to a model.
type ModelHint struct {
	Level       HintLevel     `json:"level"`
	Message     LocalizedText `json:"message"`
	Dismissible bool          `json:"dismissible,omitempty"`
}

// ProviderType identifies the wire protocol behind a model.
type ProviderType string

const (
	ProviderOpenAI          ProviderType = "openai"
	ProviderOpenAIResponses ProviderType = "openai-responses"
	ProviderAnthropic       ProviderType = "anthropic"
	ProviderGoogle          ProviderType = "google"
	ProviderMistral         ProviderType = "mistral"
	ProviderLocal           ProviderType = "local"
	ProviderIAssistant      ProviderType = "iassistant"
	ProviderAzureImage      ProviderType = "azure-image"
)

// Model is a configured LLM endpoint.
// URL may contain ${VAR} environment placeholders, expanded at request time.
// APIKey, when set, is the encrypted form produced by EncryptAPIKey.
type Model struct {
	ID                      string        `json:"id"`
	ModelID                 string        `json:"modelId"`
	Name                    LocalizedText `json:"name,omitempty"`
	Description             LocalizedText `json:"description,omitempty"`
	Provider                ProviderType  `json:"provider"`
	URL                     string        `json:"url"`
	TokenLimit              int           `json:"tokenLimit,omitempty"`
	Default                 bool          `json:"default,omitempty"`
	SupportsTools           bool          `json:"supportsTools,omitempty"`
	SupportsImages          bool          `json:"supportsImages,omitempty"`
	SupportsImageGeneration bool          `json:"supportsImageGeneration,omitempty"`
	APIKey                  string        `json:"apiKey,omitempty"`
	Hint                    *ModelHint    `json:"hint,omitempty"`
}

// Capability reports a named capability flag; used by the model filter.
func (m *Model) Capability(name string) bool {
	switch name {
	case "supportsTools":
		return m.SupportsTools
	case "supportsImages":
		return m.SupportsImages
	case "supportsImageGeneration":
		return m.SupportsImageGeneration
	default:
		return false
	}
}

// ToolFunction is one entry of a multi-function tool.
type ToolFunction struct {
	Description LocalizedText  `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is a callable function definition. A tool declares either a single
// Script handler or a Functions map that expands to one virtual tool per
// entry (id "parent.function").
type Tool struct {
	ID                string                   `json:"id"`
	Name              LocalizedText            `json:"name,omitempty"`
	Description       LocalizedText            `json:"description,omitempty"`
	Script            string                   `json:"script,omitempty"`
	Functions         map[string]*ToolFunction `json:"functions,omitempty"`
	Parameters        map[string]any           `json:"parameters,omitempty"`
	Concurrency       int                      `json:"concurrency,omitempty"`
	Provider          string                   `json:"provider,omitempty"`
	IsSpecialTool     bool                     `json:"isSpecialTool,omitempty"`
	RequiresUserInput bool                     `json:"requiresUserInput,omitempty"`
	Settings          map[string]any           `json:"settings,omitempty"`
}

// SourceType identifies a source handler.
type SourceType string

const (
	SourceFilesystem SourceType = "filesystem"
	SourceURL        SourceType = "url"
	SourceIFinder    SourceType = "ifinder"
	SourcePage       SourceType = "page"
)

// SourceExposure controls how a source reaches the model.
type SourceExposure string

const (
	ExposeAsPrompt SourceExposure = "prompt"
	ExposeAsTool   SourceExposure = "tool"
)

// Source is external content fetched at request time.
type Source struct {
	ID              string         `json:"id"`
	Name            LocalizedText  `json:"name,omitempty"`
	Type            SourceType     `json:"type"`
	ExposeAs        SourceExposure `json:"exposeAs,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	CacheTTLSeconds int            `json:"cacheTtlSeconds,omitempty"`
}

// Permissions is the per-group grant set. Each list uses ["*"] for all.
type Permissions struct {
	Apps        []string `json:"apps,omitempty"`
	Prompts     []string `json:"prompts,omitempty"`
	Models      []string `json:"models,omitempty"`
	AdminAccess bool     `json:"adminAccess,omitempty"`
}

// Group is an authorization group. Inherits must form an acyclic graph;
// cycles are broken at load time with a warning.
type Group struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Permissions Permissions `json:"permissions"`
	Inherits    []string    `json:"inherits,omitempty"`
	Mappings    []string    `json:"mappings,omitempty"`
}

// User is a per-request identity resolved from the auth layer. Entries in
// users.json additionally carry a PasswordHash when local auth is enabled.
type User struct {
	ID              string         `json:"id"`
	Provider        string         `json:"provider,omitempty"`
	Email           string         `json:"email,omitempty"`
	Name            string         `json:"name,omitempty"`
	PasswordHash    string         `json:"passwordHash,omitempty"`
	Groups          []string       `json:"groups,omitempty"`
	Authenticated   bool           `json:"authenticated"`
	AuthMethod      string         `json:"authMethod,omitempty"`
	Raw             map[string]any `json:"raw,omitempty"`
	ExtractedGroups []string       `json:"extractedGroups,omitempty"`
	FirstLogin      string         `json:"firstLogin,omitempty"`
}

// Prompt is a reusable prompt snippet served through /api/prompts.
type Prompt struct {
	ID          string        `json:"id"`
	Name        LocalizedText `json:"name,omitempty"`
	Description LocalizedText `json:"description,omitempty"`
	Prompt      string        `json:"prompt"`
}

// AuthMode selects the platform authentication strategy.
type AuthMode string

const (
	AuthModeAnonymous AuthMode = "anonymous"
	AuthModeOIDC      AuthMode = "oidc"
	AuthModeLocal     AuthMode = "local"
	AuthModeProxy     AuthMode = "proxy"
)

// AuthConfig is the platform authentication section.
type AuthConfig struct {
	Mode          AuthMode            `json:"mode,omitempty"`
	JWKSURL       string              `json:"jwksUrl,omitempty"`
	Issuer        string              `json:"issuer,omitempty"`
	Audience      string              `json:"audience,omitempty"`
	GroupsClaim   string              `json:"groupsClaim,omitempty"`
	DefaultGroups map[string][]string `json:"defaultGroups,omitempty"`
	AdminSecret   string              `json:"adminSecret,omitempty"`
}

// RateLimitBucket configures one rate-limit window.
type RateLimitBucket struct {
	WindowMs int `json:"windowMs,omitempty"`
	Limit    int `json:"limit,omitempty"`
}

// Platform is contents/config/platform.json.
type Platform struct {
	Auth           AuthConfig                 `json:"auth,omitempty"`
	Secret         string                     `json:"secret,omitempty"`
	RateLimits     map[string]RateLimitBucket `json:"rateLimits,omitempty"`
	MaxToolDepth   int                        `json:"maxToolDepth,omitempty"`
	RefreshMinutes int                        `json:"refreshMinutes,omitempty"`
	Features       map[string]bool            `json:"features,omitempty"`
}

// MaxDepth returns the configured tool-loop depth cap.
func (p *Platform) MaxDepth() int {
	if p == nil || p.MaxToolDepth <= 0 {
		return 10
	}
	return p.MaxToolDepth
}
