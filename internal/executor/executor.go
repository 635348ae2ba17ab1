// Package executor runs a single research instruction as a bounded tool loop
// against an LLM provider. An Executor holds no reference to the event bus or
// any other service-wide machinery: everything it does is recorded in the
// returned trace, and harvesting that trace is the caller's job.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/search"
)

const searchToolName = "internet_search"

// DefaultMaxToolRounds bounds how many tool rounds one instruction may take.
const DefaultMaxToolRounds = 8

// Searcher runs a web search. Failures surface as sentinel records in the
// returned slice, never as an error.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) []search.Result
}

// ToolAction is one tool invocation observed during a run.
type ToolAction struct {
	Tool    string          `json:"tool"`
	Input   map[string]any  `json:"input,omitempty"`
	Results []search.Result `json:"results,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// ExecutionResult is what one instruction produced: the model's final prose
// plus the complete tool trace.
type ExecutionResult struct {
	FinalText  string
	Trace      []ToolAction
	TokensUsed int
	ModelUsed  string
	DurationMs int64
}

// Options tune one executor instance.
type Options struct {
	SystemPrompt  string
	MaxToolRounds int
}

// Executor drives the tool loop for one instruction at a time.
type Executor struct {
	provider llm.Provider
	searcher Searcher
	opts     Options
	logger   *zap.Logger
}

// New builds an executor. MaxToolRounds defaults when unset.
func New(provider llm.Provider, searcher Searcher, opts Options, logger *zap.Logger) *Executor {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{provider: provider, searcher: searcher, opts: opts, logger: logger}
}

// Execute runs the instruction to completion. The loop ends when the model
// answers without requesting tools; after MaxToolRounds rounds the tools are
// withdrawn so the next reply must be the final answer. An empty final reply
// falls back to the last prose the model produced; with no prose at all the
// run fails. Provider failures abort the run; tool failures are recorded in
// the trace and reported back to the model as data.
func (e *Executor) Execute(ctx context.Context, instruction string) (ExecutionResult, error) {
	start := time.Now()
	result := ExecutionResult{ModelUsed: e.provider.ModelName()}

	messages := []llm.Message{
		llm.SystemMessage(e.opts.SystemPrompt),
		llm.UserMessage(instruction),
	}

	// Last prose the model produced, kept in case the forced final reply
	// after tool withdrawal comes back empty.
	var lastText string

	for round := 0; ; round++ {
		tools := searchToolDefs()
		if round >= e.opts.MaxToolRounds {
			tools = nil
		}

		resp, err := e.provider.Chat(ctx, llm.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			result.DurationMs = time.Since(start).Milliseconds()
			return result, fmt.Errorf("round %d: %w", round, err)
		}
		result.TokensUsed += resp.TokensUsed()
		if resp.Model != "" {
			result.ModelUsed = resp.Model
		}

		if strings.TrimSpace(resp.Content) != "" {
			lastText = resp.Content
		}

		if len(resp.ToolCalls) == 0 || tools == nil {
			result.FinalText = lastText
			if result.FinalText == "" {
				result.DurationMs = time.Since(start).Milliseconds()
				return result, fmt.Errorf("no usable text after %d rounds", round+1)
			}
			break
		}

		messages = append(messages, resp.AssistantMessage())
		for _, tc := range resp.ToolCalls {
			action, payload := e.runTool(ctx, tc)
			result.Trace = append(result.Trace, action)
			messages = append(messages, llm.ToolResultMessage(tc.ID, payload))
		}
	}

	result.DurationMs = time.Since(start).Milliseconds()
	e.logger.Debug("instruction executed",
		zap.Int("tool_actions", len(result.Trace)),
		zap.Int("tokens", result.TokensUsed),
		zap.Int64("duration_ms", result.DurationMs))
	return result, nil
}

// runTool executes one requested tool call and returns both the trace entry
// and the JSON payload fed back to the model.
func (e *Executor) runTool(ctx context.Context, tc llm.ToolCall) (ToolAction, string) {
	action := ToolAction{Tool: tc.Name}

	if tc.Name != searchToolName {
		action.Err = fmt.Sprintf("unknown tool: %s", tc.Name)
		return action, errPayload(action.Err)
	}

	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		action.Err = fmt.Sprintf("invalid arguments: %v", err)
		return action, errPayload(action.Err)
	}
	if args.Query == "" {
		action.Err = "invalid arguments: query is required"
		return action, errPayload(action.Err)
	}
	action.Input = map[string]any{"query": args.Query}
	if args.MaxResults > 0 {
		action.Input["max_results"] = args.MaxResults
	}

	results := e.searcher.Search(ctx, args.Query, args.MaxResults)
	action.Results = results

	payload, err := json.Marshal(results)
	if err != nil {
		action.Err = fmt.Sprintf("encode results: %v", err)
		return action, errPayload(action.Err)
	}
	return action, string(payload)
}

func errPayload(msg string) string {
	b, _ := json.Marshal([]map[string]string{{"error": msg}})
	return string(b)
}

func searchToolDefs() []llm.ToolDef {
	return []llm.ToolDef{{
		Name:        searchToolName,
		Description: "Run a web search and return result pages with their content",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"max_results": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return",
				},
			},
			"required": []string{"query"},
		},
	}}
}
