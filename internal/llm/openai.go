package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/ratecontrol"
	"github.com/fathomlabs/fathom/internal/tracing"
)

// Config holds OpenAI provider settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// OpenAI is a Provider backed by the OpenAI chat-completions API.
type OpenAI struct {
	client openai.Client
	cfg    Config
	logger *zap.Logger
}

// NewOpenAI builds an OpenAI provider. A custom BaseURL points the client at
// any OpenAI-compatible endpoint.
func NewOpenAI(cfg Config, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key not configured")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAI{client: client, cfg: cfg, logger: logger}, nil
}

// ModelName returns the configured model identifier.
func (p *OpenAI) ModelName() string { return p.cfg.Model }

// Chat performs one chat-completion call. Requests are paced by the
// provider/model rate limits before hitting the wire.
func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := p.pace(ctx, req); err != nil {
		return ChatResponse{}, err
	}

	ctx, span := tracing.StartSpan(ctx, "llm.chat")
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.cfg.Model),
		Messages:            toOpenAIMessages(req.Messages),
		Temperature:         openai.Float(p.cfg.Temperature),
		MaxCompletionTokens: openai.Int(int64(p.cfg.MaxTokens)),
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, params)
	duration := time.Since(start)
	if err != nil {
		metrics.RecordLLMMetrics(p.cfg.Model, "error", duration.Seconds(), 0, 0)
		return ChatResponse{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		metrics.RecordLLMMetrics(p.cfg.Model, "error", duration.Seconds(), 0, 0)
		return ChatResponse{}, fmt.Errorf("chat completion: empty choices")
	}

	msg := completion.Choices[0].Message
	resp := ChatResponse{
		Content:          msg.Content,
		Model:            completion.Model,
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		echo:             msg.ToParam(),
	}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	metrics.RecordLLMMetrics(p.cfg.Model, "ok", duration.Seconds(), resp.PromptTokens, resp.CompletionTokens)
	p.logger.Debug("chat completion",
		zap.String("model", resp.Model),
		zap.Int("prompt_tokens", resp.PromptTokens),
		zap.Int("completion_tokens", resp.CompletionTokens),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Duration("duration", duration))

	return resp, nil
}

// pace sleeps long enough to honor the configured RPM/TPM limits.
func (p *OpenAI) pace(ctx context.Context, req ChatRequest) error {
	estimated := estimateTokens(req.Messages)
	delay := ratecontrol.DelayForRequest("openai", p.cfg.Model, estimated)
	if delay <= 0 {
		return nil
	}
	p.logger.Debug("pacing llm request", zap.Duration("delay", delay))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// estimateTokens approximates the prompt size at four characters per token.
func estimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	return chars / 4
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		if m.echo != nil {
			if param, ok := m.echo.(openai.ChatCompletionMessageParamUnion); ok {
				out = append(out, param)
				continue
			}
		}
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func toOpenAITools(tools []ToolDef) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		def := openai.FunctionDefinitionParam{
			Name:       t.Name,
			Parameters: openai.FunctionParameters(t.Parameters),
		}
		if t.Description != "" {
			def.Description = openai.String(t.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}
