// Package openaisdk adapts the official OpenAI chat API through the go-openai
// client library.
package openaisdk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"polychat/internal/providers"
)

type Config struct {
	Vendor     string
	BaseURL    string
	APIKey     string
	OrgID      string
	HTTPClient *http.Client
}

type Client struct {
	vendor string
	api    *openai.Client
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "openai"
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	if cfg.OrgID != "" {
		oc.OrgID = cfg.OrgID
	}
	oc.HTTPClient = cfg.HTTPClient
	return &Client{vendor: cfg.Vendor, api: openai.NewClientWithConfig(oc)}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Complete(ctx context.Context, req providers.Request) (providers.Result, error) {
	msgs := providers.BuildMessages(req)
	wire := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, openai.ChatCompletionMessage{Role: sdkRole(m.Role), Content: m.Content})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    wire,
		Temperature: sdkTemperature(req.Temperature),
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return providers.Result{}, providers.Fail(c.vendor, describe(err))
	}
	if len(resp.Choices) == 0 {
		return providers.Result{}, providers.Failf(c.vendor, "missing choices[0].message in chat completion response")
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return providers.Result{}, providers.Failf(c.vendor, "empty message content in chat completion response")
	}
	return providers.Result{Content: content, TokensUsed: resp.Usage.TotalTokens}, nil
}

func sdkRole(role string) string {
	switch role {
	case providers.RoleSystem:
		return openai.ChatMessageRoleSystem
	case providers.RoleUser:
		return openai.ChatMessageRoleUser
	default:
		return openai.ChatMessageRoleAssistant
	}
}

func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("provider status %d: %w", apiErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("request failed: %w", err)
}

// sdkTemperature maps an explicit zero to the smallest positive float32; the
// library drops a literal zero from the request body.
func sdkTemperature(t *float64) float32 {
	switch {
	case t == nil:
		return 0
	case *t == 0:
		return math.SmallestNonzeroFloat32
	default:
		return float32(*t)
	}
}
