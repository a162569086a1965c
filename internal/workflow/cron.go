package workflow

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron"
	"github.com/rs/zerolog"
)

// guardTTL bounds how long last-fired-minute entries are kept.
const guardTTL = time.Hour

// cronShortcuts maps the extended named expressions onto five-field form.
// The standard @hourly/@daily/@weekly/@monthly descriptors parse natively.
var cronShortcuts = map[string]string{
	"@every5min":  "*/5 * * * *",
	"@every15min": "*/15 * * * *",
	"@every30min": "*/30 * * * *",
}

// Scheduler fires scheduled workflows whose cron expression matches the
// current minute in the workflow's timezone. A per-workflow last-fired-minute
// guard keeps repeated ticks within a minute from double-firing.
type Scheduler struct {
	store Store
	queue *Queue
	tick  time.Duration
	log   zerolog.Logger

	mu        sync.Mutex
	lastFired map[string]time.Time

	// now is swapped in tests.
	now func() time.Time
}

func NewScheduler(store Store, queue *Queue, tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Scheduler{
		store:     store,
		queue:     queue,
		tick:      tick,
		log:       log.With().Str("component", "workflow.scheduler").Logger(),
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.FireDue(ctx)
		}
	}
}

// FireDue evaluates every enabled scheduled workflow once for the current
// minute.
func (s *Scheduler) FireDue(ctx context.Context) {
	workflows, err := s.store.ListScheduledWorkflows(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list scheduled workflows failed")
		return
	}
	now := s.now()
	for _, wf := range workflows {
		if !wf.Enabled || wf.AdminLocked || wf.TriggerType != TriggerScheduled {
			continue
		}
		s.maybeFire(ctx, wf, now)
	}
	s.pruneGuards(now)
}

func (s *Scheduler) maybeFire(ctx context.Context, wf Workflow, now time.Time) {
	var cfg ScheduleConfig
	if err := unmarshalConfig(wf.TriggerConfig, &cfg); err != nil {
		s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad schedule config")
		return
	}

	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad timezone")
			return
		}
		loc = l
	}

	minute := now.In(loc).Truncate(time.Minute)
	due, err := cronMatchesMinute(cfg.CronExpression, minute)
	if err != nil {
		s.log.Warn().Err(err).Str("workflow_id", wf.ID).Str("expr", cfg.CronExpression).Msg("bad cron expression")
		return
	}
	if !due {
		return
	}

	s.mu.Lock()
	if last, ok := s.lastFired[wf.ID]; ok && last.Equal(minute) {
		s.mu.Unlock()
		return
	}
	s.lastFired[wf.ID] = minute
	s.mu.Unlock()

	s.queue.Enqueue(ctx, Job{
		WorkflowID: wf.ID,
		TenantID:   wf.TenantID,
		Trigger:    TriggerScheduled,
		Event: CallEndedEvent{
			TenantID: wf.TenantID,
			EndedAt:  now,
		},
	})
	s.log.Info().Str("workflow_id", wf.ID).Time("minute", minute).Msg("scheduled workflow fired")
}

func (s *Scheduler) pruneGuards(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, minute := range s.lastFired {
		if now.Sub(minute) > guardTTL {
			delete(s.lastFired, id)
		}
	}
}

// cronMatchesMinute reports whether expr fires at the given minute (already
// truncated to minute precision in the workflow's timezone).
func cronMatchesMinute(expr string, minute time.Time) (bool, error) {
	expr = strings.TrimSpace(expr)
	if mapped, ok := cronShortcuts[expr]; ok {
		expr = mapped
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, err
	}
	next := sched.Next(minute.Add(-time.Second))
	return next.Equal(minute), nil
}

func unmarshalConfig(raw []byte, v any) error {
	return json.Unmarshal(orEmpty(raw), v)
}
