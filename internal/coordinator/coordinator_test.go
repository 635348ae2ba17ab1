package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathomlabs/fathom/internal/artifact"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/executor"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/prompts"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
)

// planProvider answers the single planning call with a write_todos tool call.
type planProvider struct {
	todos []string
	text  string
	err   error
	calls int
}

func (p *planProvider) ModelName() string { return "test-model" }

func (p *planProvider) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return llm.ChatResponse{}, p.err
	}
	if p.todos == nil {
		return llm.ChatResponse{Content: p.text, PromptTokens: 5, CompletionTokens: 5}, nil
	}
	args := `{"todos":[`
	for i, s := range p.todos {
		if i > 0 {
			args += ","
		}
		args += fmt.Sprintf("%q", s)
	}
	args += `]}`
	return llm.ChatResponse{
		ToolCalls:        []llm.ToolCall{{ID: "call_1", Name: "write_todos", Arguments: args}},
		PromptTokens:     10,
		CompletionTokens: 10,
	}, nil
}

type fixture struct {
	coord    *Coordinator
	sessions *session.Manager
	store    *artifact.Store
	bus      *streaming.Manager
	runner   *research.Runner
}

func newFixture(t *testing.T, provider llm.Provider, exec func(ctx context.Context, instruction string) (executor.ExecutionResult, error), tunables config.Tunables) *fixture {
	t.Helper()

	sessions, err := session.NewManager(session.Config{}, nil)
	require.NoError(t, err)
	store, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	bus := streaming.NewManager(128)

	runner := research.NewRunner(func() research.TaskExecutor {
		return execFunc(exec)
	}, research.Options{}, nil)
	t.Cleanup(runner.Stop)

	coord, err := New(Params{
		Provider:  provider,
		Runner:    runner,
		Sessions:  sessions,
		Artifacts: store,
		Bus:       bus,
		Prompts:   prompts.Defaults(),
		Tunables:  func() config.Tunables { return tunables },
	})
	require.NoError(t, err)
	return &fixture{coord: coord, sessions: sessions, store: store, bus: bus, runner: runner}
}

type execFunc func(ctx context.Context, instruction string) (executor.ExecutionResult, error)

func (f execFunc) Execute(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
	return f(ctx, instruction)
}

func startRun(t *testing.T, fx *fixture, query string) (*session.Run, chan streaming.Event) {
	t.Helper()
	run, err := fx.sessions.CreateRun(context.Background(), query)
	require.NoError(t, err)
	events := fx.bus.Subscribe(run.ID, 128)
	t.Cleanup(func() { fx.bus.Unsubscribe(run.ID, events) })
	return run, events
}

func drain(ch chan streaming.Event) []streaming.Event {
	var out []streaming.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestCompareRunProducesBothSummaries(t *testing.T) {
	provider := &planProvider{todos: []string{"research X", "research Y"}}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		return executor.ExecutionResult{
			FinalText: "findings on " + instruction,
			Trace: []executor.ToolAction{{
				Tool:    "internet_search",
				Results: []search.Result{{URL: "https://src/" + instruction, Title: instruction, Content: "c"}},
			}},
			TokensUsed: 30,
		}, nil
	}, config.Tunables{})

	run, events := startRun(t, fx, "compare X and Y")
	require.NoError(t, fx.coord.Execute(context.Background(), run))

	assert.Equal(t, session.StatusDone, run.Status)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, session.StepDone, run.Steps[0].Status)
	assert.Equal(t, session.StepDone, run.Steps[1].Status)
	assert.Equal(t, 1, provider.calls, "only the planning call hits the coordinator's provider")

	report, err := fx.store.Read(run.ID, "final_report.md")
	require.NoError(t, err)
	assert.Contains(t, string(report), "findings on research X")
	assert.Contains(t, string(report), "findings on research Y")
	assert.Contains(t, string(report), "## Sources")

	got := drain(events)
	var types []streaming.EventType
	for _, evt := range got {
		types = append(types, evt.Type)
		if evt.IsToolEvent() {
			assert.NotEqual(t, "internet_search", evt.Tool,
				"nested executor tool calls must never surface on the bus")
		}
	}
	assert.Contains(t, types, streaming.EventRunStarted)
	assert.Contains(t, types, streaming.EventPlanCreated)
	assert.Contains(t, types, streaming.EventRunCompleted)

	// Step 1's completion precedes step 2's start: serialized, plan order.
	firstDone, secondStart := -1, -1
	for i, evt := range got {
		if evt.Type == streaming.EventStepCompleted && firstDone == -1 {
			firstDone = i
		}
		if evt.Type == streaming.EventStepStarted {
			if secondStart == -1 || i > secondStart {
				secondStart = i
			}
		}
	}
	require.GreaterOrEqual(t, firstDone, 0)
	assert.Less(t, firstDone, secondStart)
}

func TestFailedStepSkippedByDefault(t *testing.T) {
	provider := &planProvider{todos: []string{"step one", "step two"}}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		if instruction == "step one" {
			return executor.ExecutionResult{}, errors.New("provider unreachable")
		}
		return executor.ExecutionResult{FinalText: "answer for " + instruction}, nil
	}, config.Tunables{})

	run, _ := startRun(t, fx, "two step goal")
	require.NoError(t, fx.coord.Execute(context.Background(), run))

	assert.Equal(t, session.StatusDone, run.Status, "a failed step does not abort the run")
	assert.Equal(t, session.StepSkipped, run.Steps[0].Status)
	assert.Equal(t, session.StepDone, run.Steps[1].Status)
	require.Len(t, run.GapNotes, 1)
	assert.Contains(t, run.GapNotes[0], "provider unreachable")

	report, err := fx.store.Read(run.ID, "final_report.md")
	require.NoError(t, err)
	assert.Contains(t, string(report), "skipped")
	assert.Contains(t, string(report), "answer for step two")
}

func TestFailFastAbortsRun(t *testing.T) {
	provider := &planProvider{todos: []string{"only step"}}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		return executor.ExecutionResult{}, errors.New("boom")
	}, config.Tunables{FailFast: true})

	run, events := startRun(t, fx, "goal")
	err := fx.coord.Execute(context.Background(), run)
	require.Error(t, err)

	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, StageResearch, wfErr.Stage)
	assert.Equal(t, session.StatusFailed, run.Status)

	var sawFailed bool
	for _, evt := range drain(events) {
		if evt.Type == streaming.EventRunFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestNoPlanIsWorkflowFailure(t *testing.T) {
	provider := &planProvider{text: "I cannot help with that."}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		t.Error("research must not run without a plan")
		return executor.ExecutionResult{}, nil
	}, config.Tunables{})

	run, _ := startRun(t, fx, "goal")
	err := fx.coord.Execute(context.Background(), run)
	require.Error(t, err)

	var wfErr *WorkflowError
	require.ErrorAs(t, err, &wfErr)
	assert.Equal(t, StagePlan, wfErr.Stage)
	assert.Equal(t, session.StatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestStartRejectsEmptyQuery(t *testing.T) {
	fx := newFixture(t, &planProvider{todos: []string{"s"}}, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		return executor.ExecutionResult{FinalText: "x"}, nil
	}, config.Tunables{})

	_, err := fx.coord.Start(context.Background(), "   ")
	assert.Error(t, err)
}

func TestStartRunsInBackground(t *testing.T) {
	provider := &planProvider{todos: []string{"s"}}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		return executor.ExecutionResult{FinalText: "done"}, nil
	}, config.Tunables{})

	run, err := fx.coord.Start(context.Background(), "goal")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPlanning, run.Status)

	require.Eventually(t, func() bool {
		got, err := fx.sessions.GetRun(context.Background(), run.ID)
		return err == nil && got.Status == session.StatusDone
	}, 5*time.Second, 20*time.Millisecond)
}

func TestParsePlanFallsBackToText(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"1. first step\n2) second step", []string{"first step", "second step"}},
		{"- alpha\n* beta\n\nprose in between", []string{"alpha", "beta"}},
		{"no list shape at all", nil},
	}
	for _, tc := range cases {
		got := parsePlanText(tc.text)
		assert.Equal(t, tc.want, got, "input: %q", tc.text)
	}
}

func TestParsePlanPrefersToolCall(t *testing.T) {
	resp := llm.ChatResponse{
		Content:   "1. ignored prose plan",
		ToolCalls: []llm.ToolCall{{Name: "write_todos", Arguments: `{"todos":[" a ","","b"]}`}},
	}
	got := parsePlan(resp)
	assert.Equal(t, []string{"a", "b"}, got, "tool call wins and entries are trimmed")
}

func TestPlanCapsSteps(t *testing.T) {
	todos := make([]string, 30)
	for i := range todos {
		todos[i] = fmt.Sprintf("step %d", i)
	}
	provider := &planProvider{todos: todos}
	fx := newFixture(t, provider, func(ctx context.Context, instruction string) (executor.ExecutionResult, error) {
		return executor.ExecutionResult{FinalText: strings.ToUpper(instruction)}, nil
	}, config.Tunables{})

	run, _ := startRun(t, fx, "wide goal")
	require.NoError(t, fx.coord.Execute(context.Background(), run))
	assert.Len(t, run.Steps, DefaultMaxSteps)
}
