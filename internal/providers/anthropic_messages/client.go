package anthropic_messages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"polychat/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 1024
)

type Config struct {
	Vendor     string
	BaseURL    string
	APIKey     string
	Version    string
	Headers    map[string]string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = defaultVersion
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "anthropic"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type payload struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	body, err := json.Marshal(buildPayload(req))
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, fmt.Errorf("marshal messages payload: %w", err))
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", c.cfg.Version)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, providers.Failf(c.cfg.Vendor, "provider status %d", resp.StatusCode)
	}

	res, err := parseMessages(respBody)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, err)
	}
	return res, nil
}

// buildPayload moves the system prompt to its own field and merges adjacent
// same-role turns; the messages API rejects consecutive assistant turns, which
// a multi-model history produces.
func buildPayload(req providers.Request) payload {
	out := payload{Model: req.Model, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}

	for _, m := range providers.BuildMessages(req) {
		if m.Role == providers.RoleSystem {
			out.System = m.Content
			continue
		}
		if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == m.Role {
			out.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		if len(out.Messages) == 0 && m.Role == providers.RoleAssistant {
			continue
		}
		out.Messages = append(out.Messages, message{Role: m.Role, Content: m.Content})
	}
	return out
}

func parseMessages(body []byte) (providers.Result, error) {
	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode messages response: %w", err)
	}
	parts := make([]string, 0, len(resp.Content))
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, fmt.Errorf("missing text content in messages response")
	}
	out := providers.Result{Content: text}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	return out, nil
}
