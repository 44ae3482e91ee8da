// Package llm adapts external reasoning services to a single Generator call.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/docagent/internal/config"
	"github.com/raphaelgruber/docagent/internal/metrics"
)

// Generator turns a system and a user instruction into reply text.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Model wraps a langchaingo LLM for text generation.
type Model struct {
	llm       llms.Model
	modelName string
	timeout   time.Duration
	metrics   *metrics.Collector
}

// NewModel creates an LLM model based on configuration.
func NewModel(ctx context.Context, cfg config.Config, collector *metrics.Collector) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	case config.ProviderBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		model, err = bedrock.New(
			bedrock.WithClient(bedrockruntime.NewFromConfig(awsCfg)),
			bedrock.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create bedrock model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewModelFrom(model, cfg.LLMModel, cfg.LLMTimeout, collector), nil
}

// NewModelFrom wraps an already constructed langchaingo model.
func NewModelFrom(model llms.Model, name string, timeout time.Duration, collector *metrics.Collector) *Model {
	return &Model{
		llm:       model,
		modelName: name,
		timeout:   timeout,
		metrics:   collector,
	}
}

// Generate sends a system and a user instruction and returns the reply.
// Every call carries the configured deadline.
func (m *Model) Generate(ctx context.Context, system, user string) (string, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	start := time.Now()
	response, err := m.llm.GenerateContent(ctx, messages)
	if err != nil {
		m.metrics.RecordLLMCall(m.modelName, time.Since(start), 0, 0, false)
		slog.Warn("llm generate failed", "model", m.modelName, "error", err)
		return "", classify(ctx, err)
	}
	if len(response.Choices) == 0 {
		m.metrics.RecordLLMCall(m.modelName, time.Since(start), 0, 0, false)
		return "", fmt.Errorf("%w: no response choices", ErrUpstream)
	}

	choice := response.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	m.metrics.RecordLLMCall(m.modelName, time.Since(start), in, out, true)
	return choice.Content, nil
}

// Model returns the LLM model name.
func (m *Model) Model() string {
	return m.modelName
}

// tokenUsage reads token counts from provider-specific generation info.
func tokenUsage(info map[string]any) (input, output int64) {
	input = firstInt(info, "PromptTokens", "InputTokens", "input_tokens")
	output = firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens")
	return input, output
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
