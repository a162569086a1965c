package workflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestActionSet(store Store) *ActionSet {
	return NewActionSet(store, nil, "", SMTPConfig{}, SMSConfig{}, zerolog.Nop())
}

func quoteContext() *StepContext {
	return &StepContext{
		Event: CallEndedEvent{
			TenantID: "acme",
			CallID:   "call-1",
			CallerID: "+15557654321",
			Lead:     map[string]string{"source": "phone"},
		},
		Workflow:    Workflow{ID: "wf-1", Name: "Quote follow-up"},
		RunID:       "run-1",
		Now:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		StepOutputs: make(map[int]map[string]any),
	}
}

func TestSendEmailSkipsWithoutSMTP(t *testing.T) {
	a := newTestActionSet(newFakeStore())
	step := Step{Action: ActionSendEmail, Config: json.RawMessage(`{"to":"owner@acme.test","subject":"s","body":"b"}`)}

	out, err := a.Execute(context.Background(), step, quoteContext())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["skipped"] != true || out["sent"] != false {
		t.Fatalf("output = %v, want skipped no-op", out)
	}
}

func TestSendEmailRequiresRecipient(t *testing.T) {
	a := newTestActionSet(newFakeStore())
	step := Step{Action: ActionSendEmail, Config: json.RawMessage(`{"subject":"s"}`)}
	if _, err := a.Execute(context.Background(), step, quoteContext()); err == nil {
		t.Fatalf("missing recipient accepted")
	}
}

func TestFireWebhookSignsPayload(t *testing.T) {
	const secret = "wh-secret"
	var (
		gotSig  string
		gotBody []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Switchboard-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestActionSet(newFakeStore())
	cfg, _ := json.Marshal(map[string]any{"url": srv.URL, "secret": secret, "includeTranscript": true})
	sc := quoteContext()
	sc.Event.Transcript = "caller: hello"

	out, err := a.Execute(context.Background(), Step{Action: ActionFireWebhook, Config: cfg}, sc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["delivered"] != true {
		t.Fatalf("output = %v, want delivered", out)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload["tenant_id"] != "acme" || payload["transcript"] != "caller: hello" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestFireWebhookRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := newTestActionSet(newFakeStore())
	cfg, _ := json.Marshal(map[string]any{"url": srv.URL})
	if _, err := a.Execute(context.Background(), Step{Action: ActionFireWebhook, Config: cfg}, quoteContext()); err == nil {
		t.Fatalf("502 accepted")
	}
}

func TestBuildQuotePricesExtractedItems(t *testing.T) {
	store := newFakeStore()
	store.pricing = []PriceItem{
		{Description: "fence panel", UnitPrice: 45},
		{Description: "gate", UnitPrice: 120},
	}
	a := newTestActionSet(store)

	sc := quoteContext()
	sc.Extracted = map[string]any{
		"items": []any{
			map[string]any{"description": "Fence Panel installation", "quantity": 2.0},
			map[string]any{"description": "gate"}, // quantity defaults to 1
			map[string]any{"description": "mystery item", "quantity": 3.0},
		},
	}
	cfg, _ := json.Marshal(map[string]any{"taxRate": 0.1})

	out, err := a.Execute(context.Background(), Step{Action: ActionBuildQuote, Config: cfg}, sc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	// 2*45 + 1*120 + 3*0 = 210, tax 21, total 231.
	if out["subtotal"] != 210.0 || out["tax"] != 21.0 || out["total"] != 231.0 {
		t.Fatalf("totals = %v/%v/%v, want 210/21/231", out["subtotal"], out["tax"], out["total"])
	}
	number, _ := out["quoteNumber"].(string)
	if ok, _ := regexp.MatchString(`^Q-20260301-[0-9A-F]{4}$`, number); !ok {
		t.Fatalf("quoteNumber = %q", number)
	}
	lines, _ := out["lines"].([]quoteLine)
	if len(lines) != 3 || lines[1].Quantity != 1 || lines[1].Total != 120 {
		t.Fatalf("lines = %+v", lines)
	}
}

func TestBuildQuoteWithoutItemsFails(t *testing.T) {
	a := newTestActionSet(newFakeStore())
	if _, err := a.Execute(context.Background(), Step{Action: ActionBuildQuote}, quoteContext()); err == nil {
		t.Fatalf("missing items accepted")
	}
}

func TestStoreLeadMergesSources(t *testing.T) {
	store := newFakeStore()
	a := newTestActionSet(store)

	sc := quoteContext()
	sc.Event.Lead = map[string]string{"source": "phone", "name": "from-call"}
	sc.Extracted = map[string]any{"name": "Ada", "email": "null", "phone": "+15550001111"}
	cfg, _ := json.Marshal(map[string]any{"fields": map[string]string{
		"caller":   "{{caller}}",
		"priority": "high",
	}})

	out, err := a.Execute(context.Background(), Step{Action: ActionStoreLead, Config: cfg}, sc)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out["stored"] != true {
		t.Fatalf("output = %v", out)
	}
	if len(store.leads) != 1 {
		t.Fatalf("leads = %d, want 1", len(store.leads))
	}
	lead := store.leads[0]
	if lead["name"] != "Ada" {
		t.Fatalf("extracted did not override event lead: %q", lead["name"])
	}
	if _, ok := lead["email"]; ok {
		t.Fatalf("null extracted value stored")
	}
	if lead["caller"] != "+15557654321" || lead["priority"] != "high" || lead["source"] != "phone" {
		t.Fatalf("lead = %v", lead)
	}
}

func TestStoreLeadDefaultsPriority(t *testing.T) {
	store := newFakeStore()
	a := newTestActionSet(store)
	if _, err := a.Execute(context.Background(), Step{Action: ActionStoreLead}, quoteContext()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if store.leads[0]["priority"] != "normal" {
		t.Fatalf("priority = %q, want normal", store.leads[0]["priority"])
	}
}

func TestUnknownActionFails(t *testing.T) {
	a := newTestActionSet(newFakeStore())
	if _, err := a.Execute(context.Background(), Step{Action: "teleport"}, quoteContext()); err == nil {
		t.Fatalf("unknown action accepted")
	}
}

func TestDecodeJSONObjectStripsFences(t *testing.T) {
	obj, err := decodeJSONObject("```json\n{\"name\":\"Ada\"}\n```")
	if err != nil {
		t.Fatalf("decodeJSONObject() error = %v", err)
	}
	if obj["name"] != "Ada" {
		t.Fatalf("obj = %v", obj)
	}
	if _, err := decodeJSONObject("not json"); err == nil {
		t.Fatalf("garbage accepted")
	}
}

func TestMatchPriceBidirectional(t *testing.T) {
	pricing := []PriceItem{{Description: "Fence Panel", UnitPrice: 45}}
	if price, ok := matchPrice(pricing, "fence panel installation"); !ok || price != 45 {
		t.Fatalf("forward containment = %v, %v", price, ok)
	}
	if price, ok := matchPrice(pricing, "fence"); !ok || price != 45 {
		t.Fatalf("reverse containment = %v, %v", price, ok)
	}
	if _, ok := matchPrice(pricing, "driveway"); ok {
		t.Fatalf("unrelated item priced")
	}
}
