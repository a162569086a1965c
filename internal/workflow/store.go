package workflow

import "context"

// PriceItem is one tenant pricing row used by the build_quote action.
type PriceItem struct {
	Description string  `json:"description"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Store is the control-plane data surface the engine reads and writes.
type Store interface {
	ListEnabledWorkflows(ctx context.Context, tenantID, triggerType string) ([]Workflow, error)
	ListScheduledWorkflows(ctx context.Context) ([]Workflow, error)
	GetWorkflow(ctx context.Context, workflowID string) (Workflow, error)
	SaveRun(ctx context.Context, run *Run) error
	SaveLead(ctx context.Context, tenantID, callID string, lead map[string]string) error
	TenantPricing(ctx context.Context, tenantID string) ([]PriceItem, error)
}
