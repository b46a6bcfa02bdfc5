package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"polychat/internal/providers"
)

type Config struct {
	Vendor       string
	URL          string
	APIKey       string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
}

type Client struct {
	cfg    Config
	tpl    *template.Template
	tplErr error
}

// New parses the body template once; an invalid template is reported on
// every Complete call rather than at construction.
func New(cfg Config) *Client {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "custom_http"
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		c.tpl, c.tplErr = template.New("custom_http_body").Option("missingkey=zero").Parse(cfg.BodyTemplate)
	}
	return c
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, err)
	}
	res, err := c.callOnce(ctx, body)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, err)
	}
	return res, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (c *Client) renderBody(req providers.Request) ([]byte, error) {
	msgs := providers.BuildMessages(req)
	wire := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, wireMessage{Role: m.Role, Content: m.Content})
	}

	if strings.TrimSpace(c.cfg.BodyTemplate) == "" {
		payload := map[string]any{
			"model":    req.Model,
			"messages": wire,
		}
		if req.Temperature != nil {
			payload["temperature"] = *req.Temperature
		}
		if req.MaxTokens > 0 {
			payload["max_tokens"] = req.MaxTokens
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	if c.tplErr != nil {
		return nil, fmt.Errorf("parse body template: %w", c.tplErr)
	}
	messagesJSON, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal template messages: %w", err)
	}
	promptJSON, _ := json.Marshal(req.Prompt)
	systemJSON, _ := json.Marshal(req.SystemPrompt)

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":            req.Model,
		"SystemPrompt":     req.SystemPrompt,
		"SystemPromptJSON": string(systemJSON),
		"Prompt":           req.Prompt,
		"PromptJSON":       string(promptJSON),
		"MessagesJSON":     string(messagesJSON),
		"MaxTokens":        req.MaxTokens,
		"Temperature":      templateTemperature(req.Temperature),
		"APIKey":           c.cfg.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Client) callOnce(ctx context.Context, body []byte) (providers.Result, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return providers.Result{}, fmt.Errorf("custom http url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, fmt.Errorf("build custom request: %w", err)
	}
	if len(c.cfg.Headers) == 0 {
		req.Header.Set("Content-Type", "application/json")
		if strings.TrimSpace(c.cfg.APIKey) != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
	} else {
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
		}
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("custom request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Result{}, fmt.Errorf("read custom response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Result{}, fmt.Errorf("custom provider status %d", resp.StatusCode)
	}
	return extractResult(b)
}

func extractResult(body []byte) (providers.Result, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		return providers.Result{}, fmt.Errorf("decode custom response: %w", err)
	}
	text := extractText(simple)
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, fmt.Errorf("custom response does not contain text field")
	}
	return providers.Result{Content: text, TokensUsed: extractTokens(simple)}, nil
}

func extractText(simple map[string]any) string {
	for _, key := range []string{"text", "response", "answer", "output_text", "content"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok {
					return content
				}
			}
			if text, ok := c0["text"].(string); ok {
				return text
			}
		}
	}

	if out, ok := simple["output"].([]any); ok && len(out) > 0 {
		if o0, ok := out[0].(map[string]any); ok {
			if content, ok := o0["content"].([]any); ok && len(content) > 0 {
				if c0, ok := content[0].(map[string]any); ok {
					if text, ok := c0["text"].(string); ok {
						return text
					}
				}
			}
		}
	}
	return ""
}

// extractTokens reads usage.total_tokens or a top-level tokens_used; anything
// else counts as zero.
func extractTokens(simple map[string]any) int {
	if u, ok := simple["usage"].(map[string]any); ok {
		if n, ok := u["total_tokens"].(float64); ok && n > 0 {
			return int(n)
		}
	}
	if n, ok := simple["tokens_used"].(float64); ok && n > 0 {
		return int(n)
	}
	return 0
}

// templateTemperature renders an unset temperature as zero.
func templateTemperature(t *float64) float64 {
	if t == nil {
		return 0
	}
	return *t
}
