// Package llm wraps the completion providers behind a single prompt-in,
// text-out interface used by the classifier and the synthesizer.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/toankh-dev/chat-bot-sub001/internal/observability"
	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
)

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// CallOptions bound a single completion call.
type CallOptions struct {
	MaxTokens   int
	Temperature float64
	// Purpose tags the call in the LLM transcript (classify, synthesize).
	Purpose string
	// JSON asks the provider for a single JSON object.
	JSON bool
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts CallOptions) (string, error)
}

// LangChain adapts any langchaingo model.
type LangChain struct {
	Model llms.Model
	Name  string
}

func NewLangChain(model llms.Model, name string) *LangChain {
	return &LangChain{Model: model, Name: name}
}

func (c *LangChain) Complete(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	var callOpts []llms.CallOption
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	callOpts = append(callOpts, llms.WithTemperature(opts.Temperature))
	if opts.JSON {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	text, err := llms.GenerateFromSinglePrompt(ctx, c.Model, prompt, callOpts...)
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.Name, err)
	}
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

const (
	defaultAnthropicModel = "claude-haiku-4-5-20251001"
	jsonPrefill           = "{"
)

// Anthropic calls the Messages API directly.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

func NewAnthropic(apiKey, model, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	client := anthropic.NewClient(opts...)
	return &Anthropic{client: &client, model: model}
}

func (a *Anthropic) Complete(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}
	// The Messages API has no JSON mode; prefilling the reply with "{"
	// makes the model continue an object.
	if opts.JSON {
		messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(jsonPrefill)))
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(opts.Temperature),
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += b.Text
		}
	}
	if text == "" {
		return "", ErrEmptyCompletion
	}
	if opts.JSON {
		text = jsonPrefill + text
	}
	return text, nil
}

// Logged records every call in the LLM transcript.
type Logged struct {
	Next   Completer
	Model  string
	Logger *observability.Logger
}

func (l *Logged) Complete(ctx context.Context, prompt string, opts CallOptions) (string, error) {
	start := time.Now()
	text, err := l.Next.Complete(ctx, prompt, opts)
	l.Logger.LogLLM(opts.Purpose, l.Model, prompt, text, time.Since(start), err)
	return text, err
}

// New builds the completer for the named provider.
func New(name string, cfg config.ProviderConfig, logger *observability.Logger) (Completer, error) {
	var c Completer
	switch name {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating %s client: %w", name, err)
		}
		c = NewLangChain(model, name)
	case "anthropic":
		c = NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("provider %q is not supported", name)
	}

	if logger == nil {
		return c, nil
	}
	return &Logged{Next: c, Model: cfg.Model, Logger: logger}, nil
}

// NewEmbedder builds a text embedder for vector retrieval. Only the
// OpenAI-compatible providers expose embeddings.
func NewEmbedder(name string, cfg config.ProviderConfig, model string) (embeddings.Embedder, error) {
	switch name {
	case "openai", "openrouter":
	default:
		return nil, fmt.Errorf("provider %q does not support embeddings", name)
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating %s embedding client: %w", name, err)
	}
	e, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, err
	}
	return e, nil
}
