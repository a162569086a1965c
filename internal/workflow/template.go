package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StepContext is what a running step sees: the triggering event, the workflow,
// the run identity and the outputs of earlier steps.
type StepContext struct {
	Event       CallEndedEvent
	Workflow    Workflow
	RunID       string
	Now         time.Time
	StepOutputs map[int]map[string]any
	// Extracted mirrors the most recent ai_extract / ai_extract_quote /
	// build_quote output for {{extracted.*}} tokens.
	Extracted map[string]any
}

var templateToken = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Interpolate substitutes {{...}} tokens. Unknown or missing tokens render as
// empty strings; step output paths are depth-limited to three fields.
func Interpolate(s string, sc *StepContext) string {
	return templateToken.ReplaceAllStringFunc(s, func(match string) string {
		token := strings.TrimSpace(templateToken.FindStringSubmatch(match)[1])
		return resolveToken(token, sc)
	})
}

func resolveToken(token string, sc *StepContext) string {
	switch token {
	case "caller":
		return sc.Event.CallerID
	case "tenant":
		return sc.Event.TenantID
	case "workflow":
		return sc.Workflow.Name
	case "timestamp":
		return sc.Now.Format(time.RFC3339)
	case "transcript":
		return sc.Event.Transcript
	}

	parts := strings.Split(token, ".")
	switch {
	case parts[0] == "step" && len(parts) >= 3 && len(parts) <= 5:
		order, err := strconv.Atoi(parts[1])
		if err != nil {
			return ""
		}
		out, ok := sc.StepOutputs[order]
		if !ok {
			return ""
		}
		return renderValue(walkPath(out, parts[2:]))
	case parts[0] == "extracted" && len(parts) >= 2 && len(parts) <= 4:
		if sc.Extracted == nil {
			return ""
		}
		return renderValue(walkPath(sc.Extracted, parts[1:]))
	default:
		return ""
	}
}

func walkPath(m map[string]any, path []string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func renderValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
