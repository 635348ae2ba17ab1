// Package coordinator drives one research run end to end: a single planning
// call produces the step list, each step runs through the isolation pool, and
// the report is assembled deterministically from the returned outcomes. Every
// externally visible action is published to the event bus and journaled to
// the run log; nothing a nested research run does is published here, because
// the executors it launches hold no bus reference.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/artifact"
	"github.com/fathomlabs/fathom/internal/config"
	"github.com/fathomlabs/fathom/internal/formatting"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/prompts"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/runlog"
	"github.com/fathomlabs/fathom/internal/session"
	"github.com/fathomlabs/fathom/internal/streaming"
	"github.com/fathomlabs/fathom/internal/tracing"
	"github.com/fathomlabs/fathom/internal/util"
)

// Workflow stages reported by WorkflowError.
const (
	StagePlan     = "plan"
	StageResearch = "research"
	StageReport   = "report"
)

const (
	agentCoordinator = "coordinator"

	toolWriteTodos = "write_todos"
	toolResearch   = "research"
	toolWriteFile  = "write_file"
)

// DefaultMaxSteps caps how many plan steps one run may execute.
const DefaultMaxSteps = 20

// WorkflowError is the only failure kind a run surfaces externally: the run
// record's error field and the RUN_FAILED event both carry it.
type WorkflowError struct {
	Stage string
	Err   error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow %s failed: %v", e.Stage, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

// Params collects the coordinator's dependencies.
type Params struct {
	Provider  llm.Provider
	Runner    *research.Runner
	Sessions  *session.Manager
	Artifacts *artifact.Store
	Bus       *streaming.Manager

	// RunLog is optional; a nil store disables journaling.
	RunLog *runlog.Store

	Prompts prompts.Set

	// Tunables returns the current hot-reloadable research policy. Nil means
	// built-in defaults.
	Tunables func() config.Tunables

	MaxSteps   int
	ReportName string
	Logger     *zap.Logger
}

// Coordinator owns the run lifecycle state machine.
type Coordinator struct {
	provider  llm.Provider
	runner    *research.Runner
	sessions  *session.Manager
	artifacts *artifact.Store
	bus       *streaming.Manager
	runLog    *runlog.Store
	prompts   prompts.Set
	tunables  func() config.Tunables

	maxSteps   int
	reportName string
	logger     *zap.Logger
}

// New validates the required dependencies and builds a coordinator.
func New(p Params) (*Coordinator, error) {
	if p.Provider == nil {
		return nil, fmt.Errorf("coordinator: provider is required")
	}
	if p.Runner == nil {
		return nil, fmt.Errorf("coordinator: runner is required")
	}
	if p.Sessions == nil {
		return nil, fmt.Errorf("coordinator: session manager is required")
	}
	if p.Artifacts == nil {
		return nil, fmt.Errorf("coordinator: artifact store is required")
	}
	if p.Bus == nil {
		return nil, fmt.Errorf("coordinator: event bus is required")
	}
	if p.MaxSteps <= 0 {
		p.MaxSteps = DefaultMaxSteps
	}
	if p.ReportName == "" {
		p.ReportName = "final_report.md"
	}
	if p.Tunables == nil {
		p.Tunables = func() config.Tunables { return config.Tunables{} }
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	return &Coordinator{
		provider:   p.Provider,
		runner:     p.Runner,
		sessions:   p.Sessions,
		artifacts:  p.Artifacts,
		bus:        p.Bus,
		runLog:     p.RunLog,
		prompts:    p.Prompts,
		tunables:   p.Tunables,
		maxSteps:   p.MaxSteps,
		reportName: p.ReportName,
		logger:     p.Logger,
	}, nil
}

// Start registers a new run and executes it on a background goroutine. The
// returned run is the freshly created session record; progress is observable
// through the session store and the event bus.
func (c *Coordinator) Start(ctx context.Context, query string) (*session.Run, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("coordinator: empty query")
	}

	run, err := c.sessions.CreateRun(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("coordinator: create run: %w", err)
	}
	metrics.RunsStarted.Inc()
	c.recordRun(run)

	go func() {
		// The request context dies with the 202 response; the run does not.
		if err := c.Execute(context.Background(), run); err != nil {
			c.logger.Warn("research run failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}()
	return run, nil
}

// Execute drives the run to a terminal status and returns the workflow error
// for a failed run. Cancelling ctx aborts the run; an in-flight isolated step
// is abandoned, never awaited.
func (c *Coordinator) Execute(ctx context.Context, run *session.Run) error {
	ctx, span := tracing.StartSpan(ctx, "coordinator.run")
	defer span.End()
	start := time.Now()

	c.publish(run, streaming.Event{
		Type:    streaming.EventRunStarted,
		Message: run.Query,
	})

	err := c.drive(ctx, run)
	duration := time.Since(start)

	if err != nil {
		run.Status = session.StatusFailed
		run.Error = err.Error()
		// Terminal state must stick even when ctx is already gone.
		c.saveRun(context.Background(), run)
		c.publish(run, streaming.Event{
			Type:    streaming.EventErrorOccurred,
			Message: err.Error(),
		})
		c.publish(run, streaming.Event{
			Type:    streaming.EventRunFailed,
			Message: err.Error(),
		})
		metrics.RecordRunMetrics(string(session.StatusFailed), duration.Seconds(), run.TokensUsed)
		c.logger.Warn("run failed",
			zap.String("run_id", run.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	run.Status = session.StatusDone
	c.saveRun(context.Background(), run)
	c.publish(run, streaming.Event{
		Type:    streaming.EventRunCompleted,
		Message: run.ReportPath,
		Payload: map[string]any{
			"report_path": run.ReportPath,
			"tokens_used": run.TokensUsed,
			"duration_ms": duration.Milliseconds(),
		},
	})
	metrics.RecordRunMetrics(string(session.StatusDone), duration.Seconds(), run.TokensUsed)
	c.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.Int("steps", len(run.Steps)),
		zap.Int("tokens_used", run.TokensUsed),
		zap.Duration("duration", duration))
	return nil
}

// drive runs the three workflow phases. Any returned error is a
// *WorkflowError; Execute owns the terminal bookkeeping.
func (c *Coordinator) drive(ctx context.Context, run *session.Run) error {
	steps, planTokens, err := c.plan(ctx, run)
	run.TokensUsed += planTokens
	if err != nil {
		return &WorkflowError{Stage: StagePlan, Err: err}
	}

	run.Status = session.StatusResearching
	run.Steps = steps
	c.saveRun(ctx, run)

	outcomes, err := c.runSteps(ctx, run)
	if err != nil {
		return err
	}

	run.Status = session.StatusSynthesizing
	c.saveRun(ctx, run)
	c.publish(run, streaming.Event{
		Type:    streaming.EventSynthesisStarted,
		Message: fmt.Sprintf("synthesizing %d step results", len(run.Steps)),
	})

	report := c.synthesize(run, outcomes)

	c.publish(run, streaming.Event{
		Type:    streaming.EventToolInvoked,
		Tool:    toolWriteFile,
		Message: c.reportName,
	})
	path, err := c.artifacts.Write(run.ID, c.reportName, []byte(report))
	if err != nil {
		return &WorkflowError{Stage: StageReport, Err: err}
	}
	c.publish(run, streaming.Event{
		Type: streaming.EventToolCompleted,
		Tool: toolWriteFile,
		Payload: map[string]any{
			"path":  path,
			"bytes": len(report),
		},
	})
	c.publish(run, streaming.Event{
		Type:    streaming.EventReportWritten,
		Message: path,
	})

	run.ReportPath = path
	return nil
}

// plan makes the single planning call and parses the step list out of the
// write_todos tool call, falling back to numbered or bulleted lines when the
// model answers in prose.
func (c *Coordinator) plan(ctx context.Context, run *session.Run) ([]session.Step, int, error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.plan")
	defer span.End()

	c.publish(run, streaming.Event{
		Type:    streaming.EventToolInvoked,
		Tool:    toolWriteTodos,
		Message: "planning research steps",
	})

	resp, err := c.provider.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			llm.SystemMessage(c.prompts.Planner),
			llm.UserMessage(run.Query),
		},
		Tools: []llm.ToolDef{planToolDef()},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("planning call: %w", err)
	}

	todos := parsePlan(resp)
	if len(todos) == 0 {
		return nil, resp.TokensUsed(), fmt.Errorf("model produced no research steps")
	}
	if len(todos) > c.maxSteps {
		todos = todos[:c.maxSteps]
	}

	steps := make([]session.Step, len(todos))
	for i, desc := range todos {
		steps[i] = session.Step{Index: i, Description: desc, Status: session.StepPending}
	}

	c.publish(run, streaming.Event{
		Type:    streaming.EventToolCompleted,
		Tool:    toolWriteTodos,
		Payload: map[string]any{"todos": todos},
	})
	c.publish(run, streaming.Event{
		Type:    streaming.EventPlanCreated,
		Message: fmt.Sprintf("plan created with %d steps", len(steps)),
		Payload: map[string]any{"steps": todos},
	})
	c.logger.Info("plan created",
		zap.String("run_id", run.ID),
		zap.Int("steps", len(steps)))

	return steps, resp.TokensUsed(), nil
}

// runSteps executes the plan in order. A failed step is skipped with a gap
// note unless fail_fast is set; a stopped runner or a dead caller context
// aborts the whole run.
func (c *Coordinator) runSteps(ctx context.Context, run *session.Run) ([]*research.Outcome, error) {
	outcomes := make([]*research.Outcome, len(run.Steps))
	for i := range run.Steps {
		outcome, err := c.runStep(ctx, run, i)
		if err != nil {
			var failed *research.Failed
			if errors.Is(err, research.ErrStopped) || !errors.As(err, &failed) {
				return nil, &WorkflowError{Stage: StageResearch, Err: err}
			}
			step := &run.Steps[i]
			step.Status = session.StepSkipped
			step.Error = failed.Cause.Error()
			if c.tunables().FailFast {
				c.saveRun(ctx, run)
				return nil, &WorkflowError{Stage: StageResearch, Err: err}
			}
			run.GapNotes = append(run.GapNotes,
				fmt.Sprintf("Step %d (%s) was skipped: %v", i+1, step.Description, failed.Cause))
			c.saveRun(ctx, run)
			continue
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

// runStep submits one step to the isolation pool and waits for its outcome.
func (c *Coordinator) runStep(ctx context.Context, run *session.Run, i int) (*research.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "research.step")
	defer span.End()

	step := &run.Steps[i]
	step.Status = session.StepRunning
	c.saveRun(ctx, run)

	c.publish(run, streaming.Event{
		Type:    streaming.EventStepStarted,
		Message: step.Description,
		Payload: map[string]any{"step": i + 1},
	})
	c.publish(run, streaming.Event{
		Type:    streaming.EventToolInvoked,
		Tool:    toolResearch,
		Message: step.Description,
		Payload: map[string]any{"step": i + 1},
	})

	start := time.Now()
	handle, err := c.runner.Submit(ctx, research.Request{
		RunID:       run.ID,
		Step:        i,
		Instruction: step.Description,
		Timeout:     c.tunables().StepTimeout,
	})
	if err != nil {
		return nil, c.failStep(run, i, start, err)
	}

	outcome, err := handle.Wait(ctx)
	if err != nil {
		return nil, c.failStep(run, i, start, err)
	}

	stepDuration := time.Since(start)
	step.Status = session.StepDone
	step.Researcher = outcome.ResearcherName
	step.Sources = len(outcome.Sources)
	run.TokensUsed += outcome.TokensUsed
	c.saveRun(ctx, run)

	metrics.RecordStepMetrics("ok", stepDuration.Seconds())
	c.publish(run, streaming.Event{
		Type:    streaming.EventToolCompleted,
		Tool:    toolResearch,
		AgentID: outcome.ResearcherName,
		Payload: map[string]any{
			"step":        i + 1,
			"sources":     len(outcome.Sources),
			"tokens_used": outcome.TokensUsed,
		},
	})
	c.publish(run, streaming.Event{
		Type:    streaming.EventStepCompleted,
		AgentID: outcome.ResearcherName,
		Message: step.Description,
		Payload: map[string]any{"step": i + 1, "sources": len(outcome.Sources)},
	})
	return outcome, nil
}

// failStep records one step failure and passes the error back unchanged for
// the skip/abort decision in runSteps.
func (c *Coordinator) failStep(run *session.Run, i int, start time.Time, err error) error {
	metrics.RecordStepMetrics("failed", time.Since(start).Seconds())
	c.publish(run, streaming.Event{
		Type:    streaming.EventStepFailed,
		Message: err.Error(),
		Payload: map[string]any{"step": i + 1},
	})
	return err
}

// synthesize is pure aggregation: summaries in plan order under per-step
// headings, gap notes, one rebuilt Sources section. No external calls.
func (c *Coordinator) synthesize(run *session.Run, outcomes []*research.Outcome) string {
	sections := make([]formatting.Section, 0, len(outcomes))
	var sources []research.SourceRecord
	for i, o := range outcomes {
		if o == nil {
			continue
		}
		sections = append(sections, formatting.Section{
			Heading: run.Steps[i].Description,
			Body:    o.Summary,
		})
		sources = append(sources, o.Sources...)
	}
	title := "Research Report: " + util.TruncateString(run.Query, 80, true)
	return formatting.ComposeReport(title, c.prompts.SynthesisPreamble, sections, run.GapNotes, sources)
}

// publish stamps the event with the coordinator's agent id, sequences it on
// the bus, and journals the sequenced event to the run log.
func (c *Coordinator) publish(run *session.Run, evt streaming.Event) {
	if evt.AgentID == "" {
		evt.AgentID = agentCoordinator
	}
	out := c.bus.Publish(run.ID, evt)
	if c.runLog == nil {
		return
	}
	payload := ""
	if len(out.Payload) > 0 {
		if b, err := json.Marshal(out.Payload); err == nil {
			payload = string(b)
		}
	}
	c.runLog.AppendEvent(runlog.EventRecord{
		RunID:     out.RunID,
		Seq:       out.Seq,
		Type:      string(out.Type),
		AgentID:   out.AgentID,
		Tool:      out.Tool,
		Message:   out.Message,
		Payload:   payload,
		Timestamp: out.Timestamp,
	})
}

// saveRun pushes progress to the session store and mirrors the run row to the
// run log. Progress-save failures are logged, never fatal.
func (c *Coordinator) saveRun(ctx context.Context, run *session.Run) {
	if err := c.sessions.UpdateRun(ctx, run); err != nil {
		c.logger.Warn("session update failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
	c.recordRun(run)
}

func (c *Coordinator) recordRun(run *session.Run) {
	if c.runLog == nil {
		return
	}
	c.runLog.RecordRun(runlog.RunRecord{
		ID:         run.ID,
		Query:      run.Query,
		Status:     string(run.Status),
		ReportPath: run.ReportPath,
		Error:      run.Error,
		TokensUsed: run.TokensUsed,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	})
}

// planToolDef is the single function offered to the planning call.
func planToolDef() llm.ToolDef {
	return llm.ToolDef{
		Name:        toolWriteTodos,
		Description: "Record the ordered list of research steps for this goal.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"todos": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "Ordered research questions, one per step.",
				},
			},
			"required": []string{"todos"},
		},
	}
}

// parsePlan extracts step descriptions from the planner response: the
// write_todos tool call when present, otherwise list-shaped lines of the
// message text.
func parsePlan(resp llm.ChatResponse) []string {
	for _, tc := range resp.ToolCalls {
		if tc.Name != toolWriteTodos {
			continue
		}
		var args struct {
			Todos []string `json:"todos"`
		}
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			continue
		}
		var todos []string
		for _, s := range args.Todos {
			if s = strings.TrimSpace(s); s != "" {
				todos = append(todos, s)
			}
		}
		if len(todos) > 0 {
			return todos
		}
	}
	return parsePlanText(resp.Content)
}

// parsePlanText salvages a plan from prose: lines shaped like "1. step",
// "2) step", "- step" or "* step".
func parsePlanText(text string) []string {
	var steps []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "- "), strings.HasPrefix(line, "* "):
			line = strings.TrimSpace(line[2:])
		default:
			rest := strings.TrimLeft(line, "0123456789")
			if rest == line || rest == "" {
				continue
			}
			if rest[0] != '.' && rest[0] != ')' {
				continue
			}
			line = strings.TrimSpace(rest[1:])
		}
		if line != "" {
			steps = append(steps, line)
		}
	}
	return steps
}
