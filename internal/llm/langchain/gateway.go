package langchain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"chatlens-backend/internal/llm"
)

const defaultCallTimeout = 120 * time.Second

// Options configures which providers the gateway can dispatch to.
type Options struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	OllamaServerURL string
}

// Gateway implements llm.Gateway over langchaingo provider clients,
// dispatching per request on the model name.
type Gateway struct {
	openai    llms.Model
	anthropic llms.Model
	ollama    llms.Model
}

// New builds a Gateway with one client per configured provider. At least one
// provider must be configured.
func New(opts Options) (*Gateway, error) {
	g := &Gateway{}

	if strings.TrimSpace(opts.OpenAIAPIKey) != "" {
		model, err := openai.New(openai.WithToken(opts.OpenAIAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		g.openai = model
	}
	if strings.TrimSpace(opts.AnthropicAPIKey) != "" {
		model, err := anthropic.New(anthropic.WithToken(opts.AnthropicAPIKey))
		if err != nil {
			return nil, fmt.Errorf("create anthropic client: %w", err)
		}
		g.anthropic = model
	}
	if strings.TrimSpace(opts.OllamaServerURL) != "" {
		model, err := ollama.New(ollama.WithServerURL(opts.OllamaServerURL))
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		g.ollama = model
	}

	if g.openai == nil && g.anthropic == nil && g.ollama == nil {
		return nil, fmt.Errorf("no llm provider configured")
	}
	return g, nil
}

// Complete dispatches the request to the provider owning the model name and
// normalizes failures into the typed error taxonomy.
func (g *Gateway) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return llm.Response{}, llm.ErrEmptyPrompt
	}

	provider, client, err := g.dispatch(req.Model)
	if err != nil {
		return llm.Response{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := []llms.CallOption{
		llms.WithModel(req.Model),
		llms.WithTemperature(req.Temperature),
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}

	text, err := llms.GenerateFromSinglePrompt(callCtx, client, req.Prompt, opts...)
	if err != nil {
		if info, ok := llm.ParseRateLimit(err.Error()); ok {
			return llm.Response{}, &llm.RateLimitError{Provider: provider, Model: req.Model, Info: info, Err: err}
		}
		return llm.Response{}, &llm.ProviderError{Provider: provider, Model: req.Model, Err: err}
	}
	return llm.Response{Text: text}, nil
}

func (g *Gateway) dispatch(model string) (string, llms.Model, error) {
	name := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(name, "claude"):
		if g.anthropic == nil {
			return "", nil, fmt.Errorf("model %s requires ANTHROPIC_API_KEY", model)
		}
		return "anthropic", g.anthropic, nil
	case strings.HasPrefix(name, "gpt") || strings.HasPrefix(name, "o1") || strings.HasPrefix(name, "o3"):
		if g.openai == nil {
			return "", nil, fmt.Errorf("model %s requires OPENAI_API_KEY", model)
		}
		return "openai", g.openai, nil
	default:
		if g.ollama != nil {
			return "ollama", g.ollama, nil
		}
		if g.openai != nil {
			return "openai", g.openai, nil
		}
		return "", nil, fmt.Errorf("no provider available for model %s", model)
	}
}
