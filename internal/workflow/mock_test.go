package workflow

import (
	"context"
	"errors"
	"sync"
)

type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]Workflow
	runs      []*Run
	leads     []map[string]string
	pricing   []PriceItem
	listErr   error
}

func newFakeStore(workflows ...Workflow) *fakeStore {
	s := &fakeStore{workflows: make(map[string]Workflow)}
	for _, wf := range workflows {
		s.workflows[wf.ID] = wf
	}
	return s
}

func (s *fakeStore) ListEnabledWorkflows(_ context.Context, tenantID, triggerType string) ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Workflow
	for _, wf := range s.workflows {
		if wf.Enabled && wf.TenantID == tenantID && wf.TriggerType == triggerType {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (s *fakeStore) ListScheduledWorkflows(context.Context) ([]Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []Workflow
	for _, wf := range s.workflows {
		if wf.TriggerType == TriggerScheduled {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, workflowID string) (Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return Workflow{}, errors.New("workflow not found")
	}
	return wf, nil
}

func (s *fakeStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *fakeStore) SaveLead(_ context.Context, _, _ string, lead map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads = append(s.leads, lead)
	return nil
}

func (s *fakeStore) TenantPricing(context.Context, string) ([]PriceItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pricing, nil
}

func (s *fakeStore) lastRun() (*Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, false
	}
	return s.runs[len(s.runs)-1], true
}
