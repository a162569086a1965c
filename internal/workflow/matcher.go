package workflow

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Matcher evaluates a workflow's trigger_config against a derived trigger.
type Matcher struct {
	log zerolog.Logger

	// now is swapped in tests.
	now func() time.Time
}

func NewMatcher(log zerolog.Logger) *Matcher {
	return &Matcher{
		log: log.With().Str("component", "workflow.matcher").Logger(),
		now: time.Now,
	}
}

// Matches reports whether wf should run for trigger on ev. A malformed
// trigger_config never matches.
func (m *Matcher) Matches(wf Workflow, trigger string, ev CallEndedEvent) bool {
	if !wf.Enabled || wf.TriggerType != trigger {
		return false
	}
	switch trigger {
	case TriggerCallEnded, TriggerScheduled:
		return true
	case TriggerAfterHoursCall:
		return m.matchAfterHours(wf, ev)
	case TriggerKeywordDetected:
		return m.matchKeyword(wf, ev)
	case TriggerMissedCall:
		return m.matchMissedCall(wf, ev)
	default:
		return false
	}
}

func (m *Matcher) matchAfterHours(wf Workflow, ev CallEndedEvent) bool {
	var cfg AfterHoursConfig
	if err := json.Unmarshal(orEmpty(wf.TriggerConfig), &cfg); err != nil {
		m.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad after_hours_call config")
		return false
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		m.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad timezone")
		return false
	}
	start, ok1 := parseClock(cfg.Start)
	end, ok2 := parseClock(cfg.End)
	if !ok1 || !ok2 {
		return false
	}

	at := ev.EndedAt
	if at.IsZero() {
		at = m.now()
	}
	local := at.In(loc)
	minutes := local.Hour()*60 + local.Minute()
	// Inside business hours means no match.
	return minutes < start || minutes >= end
}

func (m *Matcher) matchKeyword(wf Workflow, ev CallEndedEvent) bool {
	var cfg KeywordConfig
	if err := json.Unmarshal(orEmpty(wf.TriggerConfig), &cfg); err != nil {
		m.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad keyword_detected config")
		return false
	}
	if len(cfg.Keywords) == 0 || ev.Transcript == "" {
		return false
	}
	haystack := strings.ToLower(ev.Transcript)
	for _, kw := range cfg.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func (m *Matcher) matchMissedCall(wf Workflow, ev CallEndedEvent) bool {
	cfg := MissedCallConfig{MaxDurationSeconds: 15, MinTurns: 2}
	if err := json.Unmarshal(orEmpty(wf.TriggerConfig), &cfg); err != nil {
		m.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("bad missed_call config")
		return false
	}
	return ev.DurationMS < int64(cfg.MaxDurationSeconds)*1000 || ev.Turns < cfg.MinTurns
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

func orEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
