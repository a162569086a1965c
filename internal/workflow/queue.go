package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/kv"
)

const queueKey = "wf:queue"

// Queue is the FIFO job queue, durable in the KV store with an in-memory
// fallback when the store is unreachable. Fallback jobs are flushed back to
// the store opportunistically and at shutdown.
type Queue struct {
	store kv.Store
	log   zerolog.Logger

	mu     sync.Mutex
	memory []Job
}

func NewQueue(store kv.Store, log zerolog.Logger) *Queue {
	return &Queue{
		store: store,
		log:   log.With().Str("component", "workflow.queue").Logger(),
	}
}

// Enqueue appends a job. Store failures degrade to the in-memory buffer so
// the job is not lost while the process lives.
func (q *Queue) Enqueue(ctx context.Context, job Job) {
	payload, err := json.Marshal(job)
	if err != nil {
		q.log.Error().Err(err).Msg("marshal job failed, dropped")
		return
	}
	if err := q.store.LPush(ctx, queueKey, string(payload)); err != nil {
		q.log.Warn().Err(err).Str("workflow_id", job.WorkflowID).Msg("store enqueue failed, buffering in memory")
		q.mu.Lock()
		q.memory = append(q.memory, job)
		q.mu.Unlock()
	}
}

// Dequeue pops the oldest job. Memory-buffered jobs drain first.
func (q *Queue) Dequeue(ctx context.Context) (Job, bool) {
	q.mu.Lock()
	if len(q.memory) > 0 {
		job := q.memory[0]
		q.memory = q.memory[1:]
		q.mu.Unlock()
		return job, true
	}
	q.mu.Unlock()

	raw, err := q.store.RPop(ctx, queueKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			q.log.Warn().Err(err).Msg("store dequeue failed")
		}
		return Job{}, false
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.log.Error().Err(err).Msg("corrupt job payload, dropped")
		return Job{}, false
	}
	return job, true
}

// Flush pushes memory-buffered jobs back into the store; shutdown step.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	pending := q.memory
	q.memory = nil
	q.mu.Unlock()

	for _, job := range pending {
		payload, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := q.store.LPush(ctx, queueKey, string(payload)); err != nil {
			q.log.Error().Err(err).Str("workflow_id", job.WorkflowID).Msg("flush failed, job lost")
		}
	}
}

// Buffered reports how many jobs sit in the memory fallback.
func (q *Queue) Buffered() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.memory)
}
