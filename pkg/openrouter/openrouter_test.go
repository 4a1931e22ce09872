package openrouter

import (
	"testing"
	"time"
)

func TestChatModelConfig(t *testing.T) {
	t.Parallel()

	maxTokens := 256
	cfg := Config{
		BaseURL:            " https://openrouter.ai/api/v1/ ",
		APIKey:             " key ",
		Model:              " openai/gpt-4o-mini ",
		MaxCompletionToken: &maxTokens,
		Temperature:        0.2,
		Timeout:            5 * time.Second,
	}

	conf, err := cfg.chatModelConfig()
	if err != nil {
		t.Fatalf("chatModelConfig() error = %v", err)
	}
	if conf.BaseURL != "https://openrouter.ai/api/v1" {
		t.Fatalf("unexpected base url: %q", conf.BaseURL)
	}
	if conf.APIKey != "key" || conf.Model != "openai/gpt-4o-mini" {
		t.Fatalf("unexpected credentials: %+v", conf)
	}
	if conf.Temperature == nil || *conf.Temperature != 0.2 {
		t.Fatalf("unexpected temperature: %v", conf.Temperature)
	}
	if conf.MaxTokens == nil || *conf.MaxTokens != 256 {
		t.Fatalf("unexpected max tokens: %v", conf.MaxTokens)
	}
	if conf.ExtraFields != nil {
		t.Fatalf("unexpected extra fields: %v", conf.ExtraFields)
	}
}

func TestChatModelConfigExcludesReasoning(t *testing.T) {
	t.Parallel()

	conf, err := Config{APIKey: "k", Model: "x-ai/grok-4.1-fast"}.chatModelConfig()
	if err != nil {
		t.Fatalf("chatModelConfig() error = %v", err)
	}
	reasoning, ok := conf.ExtraFields["reasoning"].(map[string]any)
	if !ok || reasoning["exclude"] != true {
		t.Fatalf("expected reasoning exclusion, got %v", conf.ExtraFields)
	}
}

func TestChatModelConfigRequiresModelAndKey(t *testing.T) {
	t.Parallel()

	if _, err := (Config{APIKey: "k"}).chatModelConfig(); err == nil {
		t.Fatalf("expected error for empty model")
	}
	if _, err := (Config{Model: "m"}).chatModelConfig(); err == nil {
		t.Fatalf("expected error for empty api key")
	}
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected error for empty api key")
	}

	cfg := Config{APIKey: "k", Model: "m", SiteName: "support"}.Client()
	if cfg.APIKey != "k" || cfg.SiteName != "support" {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
	client, err := NewClient(cfg)
	if err != nil || client == nil {
		t.Fatalf("NewClient() = %v, %v", client, err)
	}
}
