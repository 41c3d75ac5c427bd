package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew_ProviderSelection(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{
			name:     "openai with key",
			cfg:      Config{Provider: ProviderOpenAI, APIKey: "sk-test"},
			wantName: ProviderOpenAI,
		},
		{
			name:    "openai without key",
			cfg:     Config{Provider: ProviderOpenAI},
			wantErr: true,
		},
		{
			name:     "ollama",
			cfg:      Config{Provider: ProviderOllama},
			wantName: ProviderOllama,
		},
		{
			name:     "scripted",
			cfg:      Config{Provider: ProviderScripted},
			wantName: ProviderScripted,
		},
		{
			name:    "unknown provider",
			cfg:     Config{Provider: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, err := New(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if got := client.GetName(); got != tc.wantName {
				t.Errorf("Expected provider name %q, got %q", tc.wantName, got)
			}
		})
	}
}

func TestOllamaClient_Analyze(t *testing.T) {
	var gotReq ollamaRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Expected path /api/generate, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":"CONCERNS:\n- none"}`))
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model")
	got, err := client.Analyze(context.Background(), Request{
		System: "You review patterns.",
		User:   "PATTERNS: none",
	})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got != "CONCERNS:\n- none" {
		t.Errorf("Expected canned response, got %q", got)
	}
	if gotReq.Model != "test-model" {
		t.Errorf("Expected model test-model, got %q", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("Expected stream=false in request")
	}
	if !strings.Contains(gotReq.Prompt, "You review patterns.") {
		t.Error("Expected system text folded into prompt")
	}
	if !strings.Contains(gotReq.Prompt, "PATTERNS: none") {
		t.Error("Expected user text folded into prompt")
	}
}

func TestOllamaClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewOllamaClient(server.URL, "test-model")
	if _, err := client.Analyze(context.Background(), Request{User: "hi"}); err == nil {
		t.Fatal("Expected error on 500 response, got nil")
	}
}

func TestOllamaClient_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewOllamaClient(server.URL, "test-model")
	if _, err := client.Analyze(ctx, Request{User: "hi"}); err == nil {
		t.Fatal("Expected error on cancelled context, got nil")
	}
}

func TestOllamaClient_Defaults(t *testing.T) {
	client := NewOllamaClient("", "")
	if client.url != defaultOllamaEndpoint+"/api/generate" {
		t.Errorf("Expected default endpoint URL, got %q", client.url)
	}
	if client.model != defaultOllamaModel {
		t.Errorf("Expected default model, got %q", client.model)
	}
}

func TestScriptedClient(t *testing.T) {
	client := NewScriptedClient()

	got, err := client.Analyze(context.Background(), Request{User: "first"})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if !strings.HasPrefix(got, "CONCERNS:") {
		t.Errorf("Expected default script to start with CONCERNS:, got %q", got)
	}

	client.SetResponse("custom")
	got, err = client.Analyze(context.Background(), Request{User: "second"})
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if got != "custom" {
		t.Errorf("Expected custom response, got %q", got)
	}

	client.SetError(errors.New("unreachable"))
	if _, err := client.Analyze(context.Background(), Request{User: "third"}); err == nil {
		t.Fatal("Expected scripted error, got nil")
	}

	reqs := client.Requests()
	if len(reqs) != 3 {
		t.Fatalf("Expected 3 recorded requests, got %d", len(reqs))
	}
	if reqs[1].User != "second" {
		t.Errorf("Expected second request user text, got %q", reqs[1].User)
	}
}

func TestIsReasoningModel(t *testing.T) {
	testCases := []struct {
		model string
		want  bool
	}{
		{"o1-mini", true},
		{"o3", true},
		{"gpt-5-turbo", true},
		{"gpt-4o-mini", false},
		{"llama3.2", false},
	}
	for _, tc := range testCases {
		if got := isReasoningModel(tc.model); got != tc.want {
			t.Errorf("isReasoningModel(%q) = %v, want %v", tc.model, got, tc.want)
		}
	}
}

func TestOpenAIClient_Defaults(t *testing.T) {
	client := NewOpenAIClient("sk-test", "", 0)
	if client.model != defaultOpenAIModel {
		t.Errorf("Expected default model, got %q", client.model)
	}
	if client.maxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", client.maxTokens)
	}
}
