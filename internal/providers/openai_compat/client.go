package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"polychat/internal/providers"
)

type Config struct {
	Vendor     string
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	Endpoint   string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "chat_completions"
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "openai_compat"
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages,omitempty"`
	Input       []chatMessage `json:"input,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	MaxOutput   int           `json:"max_output_tokens,omitempty"`
}

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, err)
	}
	res, err := c.callOnce(ctx, endpointURL, body)
	if err != nil {
		return providers.Result{}, providers.Fail(c.cfg.Vendor, err)
	}
	return res, nil
}

func (c *Client) buildPayload(req providers.Request) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	msgs := providers.BuildMessages(req)
	wire := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload := chatPayload{Model: req.Model, Temperature: req.Temperature}
	if isResponsesEndpoint(c.cfg.Endpoint) {
		payload.Input = wire
		payload.MaxOutput = req.MaxTokens
	} else {
		payload.Messages = wire
		payload.MaxTokens = req.MaxTokens
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (providers.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.Result{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Result{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := vendorErrorMessage(respBody); msg != "" {
			return providers.Result{}, fmt.Errorf("provider status %d: %s", resp.StatusCode, msg)
		}
		return providers.Result{}, fmt.Errorf("provider status %d", resp.StatusCode)
	}

	if isResponsesEndpoint(c.cfg.Endpoint) {
		return parseResponsesAPI(respBody)
	}
	return parseChatCompletions(respBody)
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.HasSuffix(base, "/responses") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	if isResponsesEndpoint(c.cfg.Endpoint) {
		u.Path = path + "/responses"
	} else {
		u.Path = path + "/chat/completions"
	}
	return u.String(), nil
}

type usage struct {
	TotalTokens int `json:"total_tokens"`
}

func parseChatCompletions(body []byte) (providers.Result, error) {
	var resp struct {
		Choices []struct {
			Message *struct {
				Content any `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return providers.Result{}, fmt.Errorf("missing choices[0].message in chat completion response")
	}
	content := anyToText(resp.Choices[0].Message.Content)
	if strings.TrimSpace(content) == "" {
		return providers.Result{}, fmt.Errorf("empty message content in chat completion response")
	}
	out := providers.Result{Content: content}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.TotalTokens
	}
	return out, nil
}

func parseResponsesAPI(body []byte) (providers.Result, error) {
	var resp struct {
		OutputText string `json:"output_text"`
		Output     []struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage *usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Result{}, fmt.Errorf("decode responses api response: %w", err)
	}
	text := resp.OutputText
	if strings.TrimSpace(text) == "" && len(resp.Output) > 0 && len(resp.Output[0].Content) > 0 {
		text = resp.Output[0].Content[0].Text
	}
	if strings.TrimSpace(text) == "" {
		return providers.Result{}, fmt.Errorf("missing output text in responses api response")
	}
	out := providers.Result{Content: text}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.TotalTokens
	}
	return out, nil
}

func vendorErrorMessage(body []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return strings.TrimSpace(env.Error.Message)
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func isResponsesEndpoint(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "responses" || v == "/v1/responses"
}
