// Package workflow runs post-call automation: an event bus deriving triggers
// from ended calls, a matcher, a cron scheduler, a durable job queue and a
// step-by-step execution engine.
package workflow

import (
	"encoding/json"
	"time"
)

// Trigger types a workflow can subscribe to.
const (
	TriggerCallEnded       = "call_ended"
	TriggerAfterHoursCall  = "after_hours_call"
	TriggerKeywordDetected = "keyword_detected"
	TriggerMissedCall      = "missed_call"
	TriggerScheduled       = "scheduled"
)

// Step action names.
const (
	ActionSendEmail      = "send_email"
	ActionSendSMS        = "send_sms"
	ActionFireWebhook    = "fire_webhook"
	ActionAISummarize    = "ai_summarize"
	ActionAIExtract      = "ai_extract"
	ActionAIExtractQuote = "ai_extract_quote"
	ActionBuildQuote     = "build_quote"
	ActionStoreLead      = "store_lead"
)

// CallEndedEvent is published by the call registry when a session reaches a
// terminal state.
type CallEndedEvent struct {
	TenantID   string            `json:"tenant_id"`
	CallID     string            `json:"call_id"`
	CallerID   string            `json:"caller_id"`
	DurationMS int64             `json:"duration_ms"`
	Turns      int               `json:"turns"`
	Transcript string            `json:"transcript"`
	Lead       map[string]string `json:"lead,omitempty"`
	EndedAt    time.Time         `json:"ended_at"`
}

// Workflow is a tenant automation definition loaded from the control plane.
// AdminLocked is a platform-side kill switch the tenant cannot clear; a locked
// workflow never fires or runs.
type Workflow struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Name          string          `json:"name"`
	Enabled       bool            `json:"enabled"`
	AdminLocked   bool            `json:"admin_locked"`
	TriggerType   string          `json:"trigger_type"`
	TriggerConfig json.RawMessage `json:"trigger_config,omitempty"`
	Steps         []Step          `json:"steps"`
}

// Step is one action in a workflow, executed in Order position.
type Step struct {
	Order  int             `json:"order"`
	Action string          `json:"action"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Trigger configs, decoded from Workflow.TriggerConfig per trigger type.
type AfterHoursConfig struct {
	Timezone string `json:"timezone"`
	Start    string `json:"start"` // "HH:MM" business open
	End      string `json:"end"`   // "HH:MM" business close
}

type KeywordConfig struct {
	Keywords []string `json:"keywords"`
}

type MissedCallConfig struct {
	MaxDurationSeconds int `json:"maxDurationSeconds"`
	MinTurns           int `json:"minTurns"`
}

type ScheduleConfig struct {
	CronExpression string `json:"cronExpression"`
	Timezone       string `json:"timezone"`
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run records one execution of a workflow.
type Run struct {
	ID             string       `json:"id"`
	WorkflowID     string       `json:"workflow_id"`
	TenantID       string       `json:"tenant_id"`
	Trigger        string       `json:"trigger"`
	Status         string       `json:"status"`
	StepsCompleted int          `json:"steps_completed"`
	StepsTotal     int          `json:"steps_total"`
	Results        []StepResult `json:"results"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty"`
}

// StepResult is one step's recorded outcome.
type StepResult struct {
	Order  int            `json:"order"`
	Action string         `json:"action"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Job is one queued workflow execution.
type Job struct {
	WorkflowID string         `json:"workflow_id"`
	TenantID   string         `json:"tenant_id"`
	Trigger    string         `json:"trigger"`
	Event      CallEndedEvent `json:"event"`
	Retries    int            `json:"retries"`
}

// MaxRetries bounds job redelivery; beyond it the job is dropped with a
// warning.
const MaxRetries = 3
