package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/observability"
)

// Engine drains the job queue and executes workflow runs step by step.
type Engine struct {
	store   Store
	queue   *Queue
	actions *ActionSet
	metrics *observability.Metrics
	log     zerolog.Logger

	pollInterval time.Duration

	// now and retryAfter are swapped in tests.
	now        func() time.Time
	retryAfter func(d time.Duration, fn func())
}

func NewEngine(store Store, queue *Queue, actions *ActionSet, metrics *observability.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		store:        store,
		queue:        queue,
		actions:      actions,
		metrics:      metrics,
		log:          log.With().Str("component", "workflow.engine").Logger(),
		pollInterval: 500 * time.Millisecond,
		now:          time.Now,
		retryAfter:   func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Run polls the queue until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		job, ok := e.queue.Dequeue(ctx)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.pollInterval):
			}
			continue
		}
		e.Process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// Process executes one job as a workflow run. Failed runs are re-enqueued
// with exponential backoff up to MaxRetries.
func (e *Engine) Process(ctx context.Context, job Job) {
	wf, err := e.store.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		e.log.Error().Err(err).Str("workflow_id", job.WorkflowID).Msg("load workflow failed")
		e.retryJob(job)
		return
	}
	if !wf.Enabled {
		e.log.Debug().Str("workflow_id", wf.ID).Msg("workflow disabled since enqueue, skipped")
		return
	}
	if wf.AdminLocked {
		e.log.Debug().Str("workflow_id", wf.ID).Msg("workflow locked by admin, skipped")
		return
	}

	run := &Run{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		TenantID:   job.TenantID,
		Trigger:    job.Trigger,
		Status:     RunRunning,
		StepsTotal: len(wf.Steps),
		StartedAt:  e.now(),
	}
	sc := &StepContext{
		Event:       job.Event,
		Workflow:    wf,
		RunID:       run.ID,
		Now:         run.StartedAt,
		StepOutputs: make(map[int]map[string]any),
	}

	steps := append([]Step(nil), wf.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	failed := false
	for _, step := range steps {
		out, err := e.actions.Execute(ctx, step, sc)
		if err != nil {
			e.log.Warn().Err(err).
				Str("workflow_id", wf.ID).
				Str("run_id", run.ID).
				Int("step", step.Order).
				Str("action", step.Action).
				Msg("step failed")
			run.Results = append(run.Results, StepResult{Order: step.Order, Action: step.Action, Error: err.Error()})
			run.Status = RunFailed
			run.Error = err.Error()
			failed = true
			break
		}
		run.Results = append(run.Results, StepResult{Order: step.Order, Action: step.Action, Output: out})
		run.StepsCompleted++
		sc.StepOutputs[step.Order] = out
	}
	if !failed {
		run.Status = RunCompleted
	}
	finished := e.now()
	run.FinishedAt = &finished

	if err := e.store.SaveRun(ctx, run); err != nil {
		e.log.Error().Err(err).Str("run_id", run.ID).Msg("persist run failed")
	}
	if e.metrics != nil {
		e.metrics.WorkflowRuns.WithLabelValues(job.Trigger, run.Status).Inc()
	}
	if failed {
		e.retryJob(job)
	}
}

// retryJob re-enqueues with 2^retries seconds of backoff counted after the
// failed attempt (2s, 4s, 8s), dropping the job once MaxRetries is exhausted.
func (e *Engine) retryJob(job Job) {
	if job.Retries >= MaxRetries {
		e.log.Warn().
			Str("workflow_id", job.WorkflowID).
			Int("retries", job.Retries).
			Msg("job exhausted retries, dropped")
		return
	}
	job.Retries++
	delay := time.Second << uint(job.Retries)
	if e.metrics != nil {
		e.metrics.WorkflowJobRetries.Inc()
	}
	e.log.Info().
		Str("workflow_id", job.WorkflowID).
		Int("retry", job.Retries).
		Dur("delay", delay).
		Msg("job scheduled for retry")
	retry := job
	e.retryAfter(delay, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.queue.Enqueue(rctx, retry)
	})
}
