package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"MetaCortex/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
	client, err := NewClient(Config{APIKey: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.baseURL != defaultBaseURL || client.Model() != defaultModelName {
		t.Fatalf("unexpected defaults: %s %s", client.baseURL, client.Model())
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Referer       string
		Body          struct {
			Model       string        `json:"model"`
			Messages    []llm.Message `json:"messages"`
			Temperature *float64      `json:"temperature"`
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		captured.Authorization = r.Header.Get("Authorization")
		captured.Referer = r.Header.Get("HTTP-Referer")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "served-model",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  Final answer: 42  "}},
			},
		})
	}))
	defer srv.Close()

	temp := 0.1
	client, err := NewClient(Config{
		APIKey:      "test",
		BaseURL:     srv.URL + "/",
		Model:       "test-model",
		Temperature: &temp,
		Timeout:     time.Second,
		Headers:     map[string]string{"HTTP-Referer": "https://metacortex.local"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: "system"},
		{Role: llm.RoleUser, Content: "question"},
		{Role: llm.RoleAssistant, Content: "Action: [a|b]"},
		{Role: llm.RoleUser, Content: "Observation: ok"},
	}
	resp, err := client.Generate(context.Background(), llm.Request{Messages: messages})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "Final answer: 42" || resp.Model != "served-model" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Referer != "https://metacortex.local" {
		t.Fatalf("extra header missing: %q", captured.Referer)
	}
	if captured.Body.Model != "test-model" {
		t.Fatalf("model field mismatch: %q", captured.Body.Model)
	}
	if captured.Body.Temperature == nil || *captured.Body.Temperature != 0.1 {
		t.Fatalf("temperature not forwarded")
	}
	if diff := cmp.Diff(messages, captured.Body.Messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "test"}}}
	if _, err := client.Generate(context.Background(), req); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}

func TestGenerateEmbeddedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "test"}}}
	_, err = client.Generate(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected provider error, got %v", err)
	}
}
