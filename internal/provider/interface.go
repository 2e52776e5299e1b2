// Package provider defines the configuration and factory for selecting and
// constructing the text-generation backend at runtime. The generation model
// serves three callers: the chat orchestrator, the query expander's
// generative pass, and the knowledge writer's extraction step.
// Supported backends: Ollama, OpenAI, Azure OpenAI, Google Gemini.
package provider

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
)

// Backend enumerates the supported text-generation providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which generation provider to use.
	Backend Backend

	// Ollama holds Ollama-specific settings.
	Ollama OllamaSettings

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAISettings

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureSettings

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiSettings

	// Tuning holds backend-independent generation parameters.
	Tuning Tuning
}

// OllamaSettings holds Ollama provider settings.
type OllamaSettings struct {
	// Host is the Ollama API endpoint (default: http://localhost:11434).
	Host string
	// Model is the Ollama model name.
	Model string
}

// OpenAISettings holds OpenAI provider settings.
type OpenAISettings struct {
	// APIKey is the OpenAI API key.
	APIKey string
	// Model is the OpenAI model name.
	Model string
}

// AzureSettings holds Azure OpenAI provider settings.
type AzureSettings struct {
	// APIKey is the Azure OpenAI API key.
	APIKey string
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string
	// Deployment is the Azure OpenAI deployment name.
	Deployment string
	// APIVersion is the Azure OpenAI REST API version (e.g. "2024-02-01").
	APIVersion string
}

// GeminiSettings holds Google Gemini provider settings.
type GeminiSettings struct {
	// APIKey is the Google API key.
	APIKey string
	// Model is the Gemini model name (e.g. "gemini-1.5-flash").
	Model string
}

// Tuning holds generation parameters shared across backends.
type Tuning struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// Validate checks that the selected backend has its required settings.
// Called at startup so misconfiguration fails the process before the first
// request rather than during it.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		return nil
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("provider: openai requires OPENAI_API_KEY")
		}
	case BackendAzure:
		if c.Azure.APIKey == "" {
			return fmt.Errorf("provider: azure requires AZURE_OPENAI_API_KEY")
		}
		if c.Azure.Endpoint == "" {
			return fmt.Errorf("provider: azure requires AZURE_OPENAI_ENDPOINT")
		}
		if c.Azure.Deployment == "" {
			return fmt.Errorf("provider: azure requires AZURE_OPENAI_DEPLOYMENT")
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("provider: gemini requires GOOGLE_API_KEY")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q (valid: ollama, openai, azure, gemini)", c.Backend)
	}
	return nil
}

// Factory is the interface for constructing a ChatModel from a Config.
// Implementations must be safe to call from multiple goroutines.
type Factory interface {
	// New constructs and returns a ready-to-use ChatModel for the given config.
	New(ctx context.Context, cfg *Config) (model.ToolCallingChatModel, error)
}
