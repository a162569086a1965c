package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/avencall/switchboard/internal/brain"
	"github.com/avencall/switchboard/internal/capacity"
	"github.com/avencall/switchboard/internal/pipeline"
	"github.com/avencall/switchboard/internal/tenantcfg"
	"github.com/avencall/switchboard/internal/workflow"
)

type fakeConfigSource struct {
	byDID map[string]*tenantcfg.RuntimeTenantConfig
}

func (f *fakeConfigSource) ConfigForDID(_ context.Context, did string) (*tenantcfg.RuntimeTenantConfig, error) {
	cfg, ok := f.byDID[did]
	if !ok {
		return nil, tenantcfg.ErrNotFound
	}
	return cfg, nil
}

type fakeAdmission struct {
	mu       sync.Mutex
	outcome  capacity.Outcome
	reserves int
	releases int
}

func (f *fakeAdmission) TryReserve(context.Context, string, capacity.Limits) capacity.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserves++
	if f.outcome == "" {
		return capacity.Admitted
	}
	return f.outcome
}

func (f *fakeAdmission) Release(context.Context, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeAdmission) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserves, f.releases
}

type fakeRunner struct {
	mu        sync.Mutex
	transfers []bool
}

func (f *fakeRunner) Run(ctx context.Context, _ <-chan []byte) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRunner) NotifyTransferAnswered(answered bool) {
	f.mu.Lock()
	f.transfers = append(f.transfers, answered)
	f.mu.Unlock()
}

type fakeFactory struct {
	mu     sync.Mutex
	runner *fakeRunner
	hooks  pipeline.Hooks
	builds int
}

func (f *fakeFactory) Build(_ *tenantcfg.RuntimeTenantConfig, _ pipeline.Config, _ pipeline.AudioSink, hooks pipeline.Hooks) (PipelineRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.hooks = hooks
	if f.runner == nil {
		f.runner = &fakeRunner{}
	}
	return f.runner, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeSink) SaveCall(_ context.Context, rec Record) error {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) last() (Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return Record{}, false
	}
	return f.records[len(f.records)-1], true
}

type fakeBus struct {
	mu     sync.Mutex
	events []workflow.CallEndedEvent
}

func (f *fakeBus) PublishCallEnded(ev workflow.CallEndedEvent) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeDialer struct {
	mu    sync.Mutex
	dials []string
	err   error
}

func (f *fakeDialer) Dial(_ context.Context, _ string, t brain.Transfer) error {
	f.mu.Lock()
	f.dials = append(f.dials, t.To)
	f.mu.Unlock()
	return f.err
}

func testTenantConfig() *tenantcfg.RuntimeTenantConfig {
	return &tenantcfg.RuntimeTenantConfig{
		ContractVersion: tenantcfg.ContractVersion,
		TenantID:        "acme",
		DIDs:            []string{"+15551234567"},
		Caps: tenantcfg.Caps{
			MaxConcurrentCallsTenant: 5,
			MaxCallsPerMinuteTenant:  30,
		},
	}
}

type registryFixture struct {
	reg       *Registry
	admission *fakeAdmission
	factory   *fakeFactory
	sink      *fakeSink
	bus       *fakeBus
	dialer    *fakeDialer
}

func newFixture(t *testing.T, opts Options) *registryFixture {
	t.Helper()
	f := &registryFixture{
		admission: &fakeAdmission{},
		factory:   &fakeFactory{},
		sink:      &fakeSink{},
		bus:       &fakeBus{},
		dialer:    &fakeDialer{},
	}
	cfgs := &fakeConfigSource{byDID: map[string]*tenantcfg.RuntimeTenantConfig{
		"+15551234567": testTenantConfig(),
	}}
	f.reg = NewRegistry(cfgs, f.admission, f.factory, f.dialer, f.sink, f.bus, nil, zerolog.Nop(), opts)
	return f
}

func initiated() InitiatedEvent {
	return InitiatedEvent{CallControlID: "cc-1", From: "+15557654321", To: "+15551234567"}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandleInitiatedUnknownDID(t *testing.T) {
	f := newFixture(t, Options{})
	err := f.reg.HandleInitiated(context.Background(), InitiatedEvent{
		CallControlID: "cc-404", From: "+15557654321", To: "+15550000000",
	})
	if err != ErrUnknownDID {
		t.Fatalf("HandleInitiated() error = %v, want ErrUnknownDID", err)
	}
	if reserves, _ := f.admission.counts(); reserves != 0 {
		t.Fatalf("reserves = %d, want 0 for unknown DID", reserves)
	}
}

func TestCallLifecycleReleasesOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v", err)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.reg.Len())
	}
	if err := f.reg.HandleAnswered("cc-1"); err != nil {
		t.Fatalf("HandleAnswered() error = %v", err)
	}
	waitFor(t, "answered state", func() bool {
		s, ok := f.reg.Get("cc-1")
		return ok && s.State == StateAnswered
	})

	if err := f.reg.HandleHangup("cc-1", "caller_hangup"); err != nil {
		t.Fatalf("HandleHangup() error = %v", err)
	}
	waitFor(t, "session removal", func() bool { return f.reg.Len() == 0 })

	// A late duplicate hangup is absorbed.
	if err := f.reg.HandleHangup("cc-1", "caller_hangup"); err != nil {
		t.Fatalf("duplicate HandleHangup() error = %v", err)
	}

	reserves, releases := f.admission.counts()
	if reserves != 1 || releases != 1 {
		t.Fatalf("reserves/releases = %d/%d, want 1/1", reserves, releases)
	}
	rec, ok := f.sink.last()
	if !ok || rec.Stage != string(StateEnded) || rec.Cause != "caller_hangup" {
		t.Fatalf("record = %+v, want ended/caller_hangup", rec)
	}
	waitFor(t, "call_ended event", func() bool { return f.bus.count() == 1 })
}

func TestRejectionRecordsFailedCall(t *testing.T) {
	f := newFixture(t, Options{})
	f.admission.outcome = capacity.RejectedGlobal

	if err := f.reg.HandleInitiated(context.Background(), initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v, want nil on rejection", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after rejection", f.reg.Len())
	}
	rec, ok := f.sink.last()
	if !ok || rec.Stage != string(StateFailed) || rec.Cause != string(capacity.RejectedGlobal) {
		t.Fatalf("record = %+v, want failed/rejected_global", rec)
	}
	if _, releases := f.admission.counts(); releases != 0 {
		t.Fatalf("releases = %d, want 0 (nothing was reserved)", releases)
	}
	if f.bus.count() != 1 {
		t.Fatalf("bus events = %d, want 1 (rejection is a missed call)", f.bus.count())
	}
}

func TestDuplicateInitiatedAbsorbed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("first HandleInitiated() error = %v", err)
	}
	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("duplicate HandleInitiated() error = %v", err)
	}
	if f.reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.reg.Len())
	}
	if reserves, _ := f.admission.counts(); reserves != 1 {
		t.Fatalf("reserves = %d, want 1", reserves)
	}
}

func TestReplayedInitiatedAfterHangupAbsorbed(t *testing.T) {
	f := newFixture(t, Options{InitGuardWindow: time.Minute})
	ctx := context.Background()

	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v", err)
	}
	if err := f.reg.HandleHangup("cc-1", "caller_hangup"); err != nil {
		t.Fatalf("HandleHangup() error = %v", err)
	}
	waitFor(t, "session removal", func() bool { return f.reg.Len() == 0 })

	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("replayed HandleInitiated() error = %v", err)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 (replay inside guard window)", f.reg.Len())
	}
	if reserves, _ := f.admission.counts(); reserves != 1 {
		t.Fatalf("reserves = %d, want 1", reserves)
	}
}

func TestAnswerTimeoutFailsSession(t *testing.T) {
	f := newFixture(t, Options{AnswerTimeout: 30 * time.Millisecond})

	if err := f.reg.HandleInitiated(context.Background(), initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v", err)
	}
	waitFor(t, "answer timeout", func() bool { return f.reg.Len() == 0 })

	rec, ok := f.sink.last()
	if !ok || rec.Stage != string(StateFailed) || rec.Cause != "answer_timeout" {
		t.Fatalf("record = %+v, want failed/answer_timeout", rec)
	}
	if _, releases := f.admission.counts(); releases != 1 {
		t.Fatalf("releases = %d, want 1", releases)
	}
}

func TestMediaAttachTurnsAndTransfer(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	if err := f.reg.HandleInitiated(ctx, initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v", err)
	}
	if err := f.reg.HandleAnswered("cc-1"); err != nil {
		t.Fatalf("HandleAnswered() error = %v", err)
	}

	in := make(chan []byte)
	if err := f.reg.AttachMedia("cc-1", in, &pipeline.MockSink{}); err != nil {
		t.Fatalf("AttachMedia() error = %v", err)
	}
	waitFor(t, "pipeline build", func() bool {
		f.factory.mu.Lock()
		defer f.factory.mu.Unlock()
		return f.factory.builds == 1
	})
	waitFor(t, "media_connected state", func() bool {
		s, ok := f.reg.Get("cc-1")
		return ok && s.State == StateMediaConnected
	})

	f.factory.hooks.OnCallerTurn("what are your hours")
	f.factory.hooks.OnAssistantTurn("We open at nine.", false)
	f.factory.hooks.OnState(pipeline.StateListening)
	waitFor(t, "history turns", func() bool {
		s, ok := f.reg.Get("cc-1")
		return ok && len(s.History) == 2 && s.State == StateListening
	})

	f.factory.hooks.OnTransfer(brain.Transfer{To: "+15559998888", TimeoutSecs: 20})
	waitFor(t, "transfer dial", func() bool {
		f.dialer.mu.Lock()
		defer f.dialer.mu.Unlock()
		return len(f.dialer.dials) == 1 && f.dialer.dials[0] == "+15559998888"
	})

	if err := f.reg.HandleTransferAnswered("cc-1"); err != nil {
		t.Fatalf("HandleTransferAnswered() error = %v", err)
	}
	waitFor(t, "transfer result", func() bool {
		f.factory.runner.mu.Lock()
		defer f.factory.runner.mu.Unlock()
		return len(f.factory.runner.transfers) == 1 && f.factory.runner.transfers[0]
	})

	if err := f.reg.HandleHangup("cc-1", "caller_hangup"); err != nil {
		t.Fatalf("HandleHangup() error = %v", err)
	}
	waitFor(t, "session removal", func() bool { return f.reg.Len() == 0 })

	rec, _ := f.sink.last()
	if rec.Transcript == "" || len(rec.History) != 2 {
		t.Fatalf("record = %+v, want transcript and 2 turns", rec)
	}
}

func TestDrainingRejectsNewCalls(t *testing.T) {
	f := newFixture(t, Options{})
	f.reg.BeginDrain()
	if err := f.reg.HandleInitiated(context.Background(), initiated()); err != ErrDraining {
		t.Fatalf("HandleInitiated() error = %v, want ErrDraining", err)
	}
}

func TestDrainForcesLingeringSessionsClosed(t *testing.T) {
	f := newFixture(t, Options{})
	if err := f.reg.HandleInitiated(context.Background(), initiated()); err != nil {
		t.Fatalf("HandleInitiated() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.reg.Drain(ctx)

	if f.reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after forced drain", f.reg.Len())
	}
	rec, ok := f.sink.last()
	if !ok || rec.Cause != "shutdown" {
		t.Fatalf("record = %+v, want shutdown cause", rec)
	}
	if _, releases := f.admission.counts(); releases != 1 {
		t.Fatalf("releases = %d, want 1", releases)
	}
}
