// Package research runs task executors behind an isolation boundary: each job
// executes on a detached context in a bounded worker pool, and the only things
// that cross back are one Outcome or one Failed error. Callers that stop
// waiting abandon the run; they cannot cancel it.
package research

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/executor"
	"github.com/fathomlabs/fathom/internal/metrics"
)

// ErrStopped is returned for jobs rejected or drained during shutdown.
var ErrStopped = errors.New("research: runner stopped")

// Failed is the single error type a research run can produce.
type Failed struct {
	RunID    string
	Step     int
	Cause    error
	Panicked bool
}

func (f *Failed) Error() string {
	if f.Panicked {
		return fmt.Sprintf("research step %d failed (panic): %v", f.Step, f.Cause)
	}
	return fmt.Sprintf("research step %d failed: %v", f.Step, f.Cause)
}

func (f *Failed) Unwrap() error { return f.Cause }

// TaskExecutor runs one instruction and returns its result and trace.
type TaskExecutor interface {
	Execute(ctx context.Context, instruction string) (executor.ExecutionResult, error)
}

// Factory builds a fresh executor for each job. A new executor per job keeps
// runs structurally disconnected from each other and from the caller.
type Factory func() TaskExecutor

// Request describes one research job.
type Request struct {
	RunID       string
	Step        int
	Instruction string
	// Timeout overrides the runner's step timeout when positive.
	Timeout time.Duration
}

// Handle is the only link between a submitter and its running job.
type Handle struct {
	done    chan struct{}
	mu      sync.Mutex
	outcome *Outcome
	err     error
}

// Wait blocks until the job completes or ctx expires. Exactly one of the
// outcome and the error is non-nil once the job is done. An expired ctx
// abandons the wait, not the job: Wait may be called again.
func (h *Handle) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.outcome, h.err
	}
}

// IsReady reports whether the job has completed.
func (h *Handle) IsReady() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Handle) set(outcome *Outcome, err error) {
	h.mu.Lock()
	h.outcome = outcome
	h.err = err
	h.mu.Unlock()
}

type job struct {
	req    Request
	handle *Handle
}

// Options tune the worker pool.
type Options struct {
	Workers     int
	QueueSize   int
	StepTimeout time.Duration
}

// Runner owns the worker pool. The default single worker serializes all
// research jobs in submission order.
type Runner struct {
	factory Factory
	opts    Options
	queue   chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger

	stopOnce sync.Once
}

// NewRunner starts the worker pool immediately.
func NewRunner(factory Factory, opts Options, logger *zap.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{
		factory: factory,
		opts:    opts,
		queue:   make(chan job, opts.QueueSize),
		stopCh:  make(chan struct{}),
		logger:  logger,
	}
	r.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go r.worker()
	}
	return r
}

// Submit queues one job and returns its handle. It blocks while the queue is
// full until ctx expires or the runner stops.
func (r *Runner) Submit(ctx context.Context, req Request) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}
	select {
	case <-r.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	case r.queue <- job{req: req, handle: h}:
		metrics.IsolationJobsQueued.Inc()
		metrics.IsolationQueueDepth.Inc()
		return h, nil
	}
}

// QueueDepth reports how many jobs are waiting for a worker.
func (r *Runner) QueueDepth() int { return len(r.queue) }

// Stop shuts the pool down: running jobs finish, queued jobs fail with
// ErrStopped.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		for {
			select {
			case j := <-r.queue:
				metrics.IsolationQueueDepth.Dec()
				j.handle.set(nil, &Failed{RunID: j.req.RunID, Step: j.req.Step, Cause: ErrStopped})
				close(j.handle.done)
			default:
				return
			}
		}
	})
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}
		select {
		case <-r.stopCh:
			return
		case j := <-r.queue:
			metrics.IsolationQueueDepth.Dec()
			r.run(j)
		}
	}
}

// run executes one job on a context deliberately not derived from the
// submitter's: an abandoned Wait must not cancel the run.
func (r *Runner) run(j job) {
	defer close(j.handle.done)
	defer func() {
		if rec := recover(); rec != nil {
			j.handle.set(nil, &Failed{
				RunID:    j.req.RunID,
				Step:     j.req.Step,
				Cause:    fmt.Errorf("%v", rec),
				Panicked: true,
			})
			r.logger.Error("research job panicked",
				zap.String("run_id", j.req.RunID),
				zap.Int("step", j.req.Step),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()

	timeout := j.req.Timeout
	if timeout <= 0 {
		timeout = r.opts.StepTimeout
	}
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	exec := r.factory()
	res, err := exec.Execute(ctx, j.req.Instruction)
	if err != nil {
		j.handle.set(nil, &Failed{RunID: j.req.RunID, Step: j.req.Step, Cause: err})
		r.logger.Warn("research job failed",
			zap.String("run_id", j.req.RunID),
			zap.Int("step", j.req.Step),
			zap.Error(err))
		return
	}

	outcome := &Outcome{
		ResearcherName: ResearcherName(j.req.RunID, j.req.Step),
		Summary:        res.FinalText,
		Sources:        HarvestSources(res.Trace),
		ToolCalls:      len(res.Trace),
		TokensUsed:     res.TokensUsed,
		ModelUsed:      res.ModelUsed,
		DurationMs:     res.DurationMs,
	}
	j.handle.set(outcome, nil)
	r.logger.Debug("research job completed",
		zap.String("run_id", j.req.RunID),
		zap.Int("step", j.req.Step),
		zap.String("researcher", outcome.ResearcherName),
		zap.Int("sources", len(outcome.Sources)))
}
