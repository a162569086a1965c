package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// missedCallDurationMS is the duration floor below which a call counts as
// missed regardless of turns.
const missedCallDurationMS = 15_000

// Bus receives call-ended events, derives secondary triggers and enqueues
// jobs for every matching workflow.
type Bus struct {
	store   Store
	queue   *Queue
	matcher *Matcher
	log     zerolog.Logger
}

func NewBus(store Store, queue *Queue, matcher *Matcher, log zerolog.Logger) *Bus {
	return &Bus{
		store:   store,
		queue:   queue,
		matcher: matcher,
		log:     log.With().Str("component", "workflow.bus").Logger(),
	}
}

// PublishCallEnded dispatches asynchronously; call termination never waits on
// workflow matching.
func (b *Bus) PublishCallEnded(ev CallEndedEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		b.dispatch(ctx, ev)
	}()
}

func (b *Bus) dispatch(ctx context.Context, ev CallEndedEvent) {
	for _, trigger := range deriveTriggers(ev) {
		workflows, err := b.store.ListEnabledWorkflows(ctx, ev.TenantID, trigger)
		if err != nil {
			b.log.Error().Err(err).Str("trigger", trigger).Str("tenant_id", ev.TenantID).Msg("list workflows failed")
			continue
		}
		for _, wf := range workflows {
			if wf.AdminLocked || !b.matcher.Matches(wf, trigger, ev) {
				continue
			}
			b.queue.Enqueue(ctx, Job{
				WorkflowID: wf.ID,
				TenantID:   ev.TenantID,
				Trigger:    trigger,
				Event:      ev,
			})
			b.log.Info().
				Str("workflow_id", wf.ID).
				Str("trigger", trigger).
				Str("call_id", ev.CallID).
				Msg("workflow job enqueued")
		}
	}
}

// deriveTriggers expands one ended call into the trigger set to evaluate.
func deriveTriggers(ev CallEndedEvent) []string {
	triggers := []string{TriggerCallEnded, TriggerAfterHoursCall}
	if ev.Transcript != "" {
		triggers = append(triggers, TriggerKeywordDetected)
	}
	if ev.Turns <= 1 || ev.DurationMS < missedCallDurationMS {
		triggers = append(triggers, TriggerMissedCall)
	}
	return triggers
}
