package openaisdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"polychat/internal/providers"
)

func TestCompleteSendsHistoryAndReadsUsage(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"\\(4\\)"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	res, err := c.Complete(context.Background(), providers.Request{
		Model:        "gpt-4o",
		SystemPrompt: "You are ChatGPT",
		Prompt:       "2+2?",
		History:      []providers.Message{{Role: providers.RoleUser, Content: "hi"}, {Role: providers.RoleAssistant, Content: "hello"}},
		Temperature:  temperature(0.7),
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Content != `\(4\)` || res.TokensUsed != 12 {
		t.Fatalf("unexpected result %#v", res)
	}
	if got.Model != "gpt-4o" || len(got.Messages) != 4 {
		t.Fatalf("unexpected request %#v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[2].Role != "assistant" || got.Messages[3].Content != "2+2?" {
		t.Fatalf("unexpected message roles %#v", got.Messages)
	}
}

func TestCompleteAPIErrorIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL + "/v1"}).Complete(context.Background(), providers.Request{Model: "gpt-4o", Prompt: "q"})
	var pe *providers.Error
	if !errors.As(err, &pe) || pe.Vendor != "openai" {
		t.Fatalf("expected openai provider error, got %v", err)
	}
}

func TestCompleteEmptyContentIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":""}}],"usage":{"total_tokens":3}}`))
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL + "/v1"}).Complete(context.Background(), providers.Request{Model: "gpt-4o", Prompt: "q"})
	var pe *providers.Error
	if !errors.As(err, &pe) {
		t.Fatalf("expected provider error for empty content, got %v", err)
	}
}

func temperature(v float64) *float64 { return &v }

func TestSDKTemperatureKeepsExplicitZero(t *testing.T) {
	if got := sdkTemperature(nil); got != 0 {
		t.Fatalf("unset temperature: got %v", got)
	}
	if got := sdkTemperature(temperature(0)); got == 0 {
		t.Fatalf("explicit zero must survive omitempty")
	}
	if got := sdkTemperature(temperature(0.5)); got != 0.5 {
		t.Fatalf("got %v, want 0.5", got)
	}
}
