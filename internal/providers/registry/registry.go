package registry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"polychat/internal/providers"
	"polychat/internal/providers/anthropic_messages"
	"polychat/internal/providers/custom_http"
	"polychat/internal/providers/openai_compat"
	"polychat/internal/providers/openaisdk"
)

type BuildOptions struct {
	Kind       string
	Vendor     string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Config     map[string]any
	HTTPClient *http.Client
}

func Build(opts BuildOptions) (providers.Provider, error) {
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	switch normalizeKind(opts.Kind) {
	case "openai_compat":
		endpoint := "chat_completions"
		if v, ok := opts.Config["endpoint"].(string); ok && v != "" {
			endpoint = v
		}
		return openai_compat.New(openai_compat.Config{
			Vendor:     opts.Vendor,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Headers:    opts.Headers,
			Endpoint:   endpoint,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "openai":
		orgID, _ := opts.Config["org_id"].(string)
		return openaisdk.New(openaisdk.Config{
			Vendor:     opts.Vendor,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			OrgID:      orgID,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "anthropic":
		version, _ := opts.Config["version"].(string)
		return anthropic_messages.New(anthropic_messages.Config{
			Vendor:     opts.Vendor,
			BaseURL:    opts.BaseURL,
			APIKey:     opts.APIKey,
			Version:    version,
			Headers:    opts.Headers,
			HTTPClient: opts.HTTPClient,
		}), nil

	case "custom_http":
		bodyTemplate := ""
		if v, ok := opts.Config["body_template"].(string); ok {
			bodyTemplate = v
		}
		method := "POST"
		if v, ok := opts.Config["method"].(string); ok && v != "" {
			method = v
		}
		return custom_http.New(custom_http.Config{
			Vendor:       opts.Vendor,
			URL:          opts.BaseURL,
			APIKey:       opts.APIKey,
			Headers:      opts.Headers,
			BodyTemplate: bodyTemplate,
			Method:       method,
			HTTPClient:   opts.HTTPClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}

func normalizeKind(kind string) string {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "openai_compat", "openai-compatible", "openai-compat", "deepseek":
		return "openai_compat"
	case "openai", "openai_sdk", "openaisdk":
		return "openai"
	case "anthropic", "anthropic_messages", "claude":
		return "anthropic"
	case "custom_http", "custom-http", "custom":
		return "custom_http"
	default:
		return ""
	}
}

// Entry is one selectable model: the adapter plus the fixed call parameters
// that go with it.
type Entry struct {
	Name         string
	Vendor       string
	Model        string
	Temperature  *float64
	MaxTokens    int
	SystemPrompt string
	Provider     providers.Provider
}

// Request builds the adapter request for this entry.
func (e Entry) Request(prompt string, history []providers.Message) providers.Request {
	return providers.Request{
		Model:        e.Model,
		SystemPrompt: e.SystemPrompt,
		Prompt:       prompt,
		History:      history,
		Temperature:  e.Temperature,
		MaxTokens:    e.MaxTokens,
	}
}

// Registry maps display model names to adapters. It is built once at start-up
// and read concurrently afterwards.
type Registry struct {
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

func (r *Registry) Register(e Entry) error {
	name := strings.TrimSpace(e.Name)
	if name == "" {
		return fmt.Errorf("model name is empty")
	}
	if e.Provider == nil {
		return fmt.Errorf("model %q has no provider", name)
	}
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("model %q registered twice", name)
	}
	e.Name = name
	r.entries[name] = e
	return nil
}

func (r *Registry) Lookup(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	return len(r.entries)
}
