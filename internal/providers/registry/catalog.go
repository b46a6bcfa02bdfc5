package registry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	chatGPTPersona = "You are ChatGPT, a helpful AI assistant. " +
		"When providing mathematical expressions or calculations, use LaTeX. " +
		"Inline math: \\(E=mc^2\\), block math: \\[ \\sum_{i=1}^n x_i \\]."
	deepSeekPersona = "You are DeepSeek, a clear, concise AI assistant. " +
		"Be conversational, use bullet points, and explain calculations briefly."
	claudePersona = "You are Claude, a thoughtful AI assistant. Answer directly and format math with LaTeX."
)

// ModelSpec is the configuration of one selectable model. APIKey is the
// resolved plaintext key.
type ModelSpec struct {
	Name         string            `json:"name"`
	Kind         string            `json:"kind"`
	Vendor       string            `json:"vendor"`
	BaseURL      string            `json:"base_url"`
	APIKey       string            `json:"api_key"`
	Model        string            `json:"model"`
	Temperature  *float64          `json:"temperature,omitempty"`
	MaxTokens    int               `json:"max_tokens"`
	SystemPrompt string            `json:"system_prompt"`
	Headers      map[string]string `json:"headers"`
	Config       map[string]any    `json:"config"`
}

type Keys struct {
	OpenAI    string
	DeepSeek  string
	Anthropic string
}

func temperature(v float64) *float64 { return &v }

// DefaultCatalog returns the built-in models whose vendor key is configured.
func DefaultCatalog(keys Keys) []ModelSpec {
	out := make([]ModelSpec, 0, 5)
	if keys.OpenAI != "" {
		out = append(out,
			ModelSpec{Name: "ChatGPT-4.1", Kind: "openai", Vendor: "openai", APIKey: keys.OpenAI, Model: "gpt-4o", Temperature: temperature(0.7), SystemPrompt: chatGPTPersona},
			ModelSpec{Name: "ChatGPT-5-mini", Kind: "openai", Vendor: "openai", APIKey: keys.OpenAI, Model: "gpt-5-mini", Temperature: temperature(1), SystemPrompt: chatGPTPersona},
		)
	}
	if keys.DeepSeek != "" {
		out = append(out,
			ModelSpec{Name: "DeepSeek-V3", Kind: "openai_compat", Vendor: "deepseek", BaseURL: "https://api.deepseek.com/v1", APIKey: keys.DeepSeek, Model: "deepseek-chat", Temperature: temperature(0.7), SystemPrompt: deepSeekPersona},
			ModelSpec{Name: "DeepSeek-R1", Kind: "openai_compat", Vendor: "deepseek", BaseURL: "https://api.deepseek.com/v1", APIKey: keys.DeepSeek, Model: "deepseek-reasoner", Temperature: temperature(0.7), SystemPrompt: deepSeekPersona},
		)
	}
	if keys.Anthropic != "" {
		out = append(out,
			ModelSpec{Name: "Claude-Sonnet", Kind: "anthropic", Vendor: "anthropic", APIKey: keys.Anthropic, Model: "claude-3-5-sonnet-latest", Temperature: temperature(0.7), MaxTokens: 2048, SystemPrompt: claudePersona},
		)
	}
	return out
}

// ParseModelSpecs decodes the MODELS_JSON array.
func ParseModelSpecs(raw string) ([]ModelSpec, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var specs []ModelSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("parse model specs: %w", err)
	}
	return specs, nil
}

// FromSpecs builds every adapter up front. Later specs with the same name
// replace earlier ones so MODELS_JSON can override a built-in entry.
func FromSpecs(specs []ModelSpec, httpClient *http.Client) (*Registry, error) {
	byName := make(map[string]ModelSpec, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		if _, seen := byName[s.Name]; !seen {
			order = append(order, s.Name)
		}
		byName[s.Name] = s
	}

	r := New()
	for _, name := range order {
		s := byName[name]
		if strings.TrimSpace(s.Model) == "" {
			return nil, fmt.Errorf("model %q: vendor model id is empty", name)
		}
		vendor := s.Vendor
		if vendor == "" {
			vendor = normalizeKind(s.Kind)
		}
		p, err := Build(BuildOptions{
			Kind:       s.Kind,
			Vendor:     vendor,
			BaseURL:    s.BaseURL,
			APIKey:     s.APIKey,
			Headers:    s.Headers,
			Config:     s.Config,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", name, err)
		}
		if err := r.Register(Entry{
			Name:         name,
			Vendor:       vendor,
			Model:        s.Model,
			Temperature:  s.Temperature,
			MaxTokens:    s.MaxTokens,
			SystemPrompt: s.SystemPrompt,
			Provider:     p,
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}
