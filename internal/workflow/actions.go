package workflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// SMTPConfig carries the send_email transport settings; an empty Host makes
// the action a no-op.
type SMTPConfig struct {
	Host string
	Port string
	From string
	User string
	Pass string
}

// SMSConfig carries the send_sms provider settings; an empty URL makes the
// action a no-op.
type SMSConfig struct {
	URL    string
	APIKey string
	From   string
}

// ActionSet executes workflow steps against external collaborators.
type ActionSet struct {
	store      Store
	ai         *openai.Client
	aiModel    string
	httpClient *http.Client
	smtp       SMTPConfig
	sms        SMSConfig
	log        zerolog.Logger
}

func NewActionSet(store Store, ai *openai.Client, aiModel string, smtpCfg SMTPConfig, smsCfg SMSConfig, log zerolog.Logger) *ActionSet {
	if aiModel == "" {
		aiModel = openai.GPT4oMini
	}
	return &ActionSet{
		store:      store,
		ai:         ai,
		aiModel:    aiModel,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		smtp:       smtpCfg,
		sms:        smsCfg,
		log:        log.With().Str("component", "workflow.actions").Logger(),
	}
}

// Execute runs one step and returns its output object.
func (a *ActionSet) Execute(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	switch step.Action {
	case ActionSendEmail:
		return a.sendEmail(step, sc)
	case ActionSendSMS:
		return a.sendSMS(ctx, step, sc)
	case ActionFireWebhook:
		return a.fireWebhook(ctx, step, sc)
	case ActionAISummarize:
		return a.aiSummarize(ctx, sc)
	case ActionAIExtract:
		return a.aiExtract(ctx, step, sc)
	case ActionAIExtractQuote:
		return a.aiExtractQuote(ctx, sc)
	case ActionBuildQuote:
		return a.buildQuote(ctx, step, sc)
	case ActionStoreLead:
		return a.storeLead(ctx, step, sc)
	default:
		return nil, fmt.Errorf("unknown action %q", step.Action)
	}
}

type emailConfig struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (a *ActionSet) sendEmail(step Step, sc *StepContext) (map[string]any, error) {
	var cfg emailConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("send_email config: %w", err)
	}
	if cfg.To == "" {
		return nil, fmt.Errorf("send_email: to is required")
	}
	subject := Interpolate(cfg.Subject, sc)
	body := Interpolate(cfg.Body, sc)

	if a.smtp.Host == "" {
		a.log.Info().Str("to", cfg.To).Msg("smtp not configured, send_email skipped")
		return map[string]any{"sent": false, "skipped": true, "to": cfg.To}, nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", a.smtp.From, cfg.To, subject, body)
	var auth smtp.Auth
	if a.smtp.User != "" {
		auth = smtp.PlainAuth("", a.smtp.User, a.smtp.Pass, a.smtp.Host)
	}
	addr := a.smtp.Host + ":" + a.smtp.Port
	if err := smtp.SendMail(addr, auth, a.smtp.From, []string{cfg.To}, []byte(msg)); err != nil {
		return nil, fmt.Errorf("send_email: %w", err)
	}
	return map[string]any{"sent": true, "to": cfg.To}, nil
}

type smsConfig struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (a *ActionSet) sendSMS(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	var cfg smsConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("send_sms config: %w", err)
	}
	if cfg.To == "" {
		return nil, fmt.Errorf("send_sms: to is required")
	}
	if a.sms.URL == "" {
		a.log.Info().Str("to", cfg.To).Msg("sms provider not configured, send_sms skipped")
		return map[string]any{"sent": false, "to": cfg.To}, nil
	}

	payload, err := json.Marshal(map[string]string{
		"from": a.sms.From,
		"to":   cfg.To,
		"text": Interpolate(cfg.Body, sc),
	})
	if err != nil {
		return nil, fmt.Errorf("send_sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.sms.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("send_sms: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.sms.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.sms.APIKey)
	}
	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send_sms: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("send_sms: provider status %d", res.StatusCode)
	}
	return map[string]any{"sent": true, "to": cfg.To}, nil
}

type webhookConfig struct {
	URL                string `json:"url"`
	Secret             string `json:"secret"`
	IncludeTranscript  bool   `json:"includeTranscript"`
	IncludeStepOutputs bool   `json:"includeStepOutputs"`
}

func (a *ActionSet) fireWebhook(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	var cfg webhookConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("fire_webhook config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("fire_webhook: url is required")
	}

	payload := map[string]any{
		"tenant_id":   sc.Event.TenantID,
		"call_id":     sc.Event.CallID,
		"caller_id":   sc.Event.CallerID,
		"workflow":    sc.Workflow.Name,
		"workflow_id": sc.Workflow.ID,
		"run_id":      sc.RunID,
		"timestamp":   sc.Now.Format(time.RFC3339),
	}
	if cfg.IncludeTranscript {
		payload["transcript"] = sc.Event.Transcript
	}
	if cfg.IncludeStepOutputs {
		payload["step_outputs"] = sc.StepOutputs
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("fire_webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("fire_webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(cfg.Secret))
		mac.Write(body)
		req.Header.Set("X-Switchboard-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fire_webhook: %w", err)
	}
	defer res.Body.Close()
	io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("fire_webhook: status %d", res.StatusCode)
	}
	return map[string]any{"delivered": true, "status": res.StatusCode}, nil
}

func (a *ActionSet) aiSummarize(ctx context.Context, sc *StepContext) (map[string]any, error) {
	text, err := a.complete(ctx,
		"You summarise phone calls for a receptionist service. Reply with a short plain-text summary.",
		"Summarise this call transcript:\n\n"+sc.Event.Transcript)
	if err != nil {
		return nil, fmt.Errorf("ai_summarize: %w", err)
	}
	return map[string]any{"summary": strings.TrimSpace(text)}, nil
}

type extractConfig struct {
	Fields []string `json:"fields"`
}

func (a *ActionSet) aiExtract(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	var cfg extractConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("ai_extract config: %w", err)
	}
	fields := "name, phone, email, reason"
	if len(cfg.Fields) > 0 {
		fields = strings.Join(cfg.Fields, ", ")
	}
	text, err := a.complete(ctx,
		"You extract structured data from call transcripts. Reply with a single JSON object and nothing else.",
		fmt.Sprintf("Extract the fields %s from this transcript. Use null for anything not mentioned.\n\n%s", fields, sc.Event.Transcript))
	if err != nil {
		return nil, fmt.Errorf("ai_extract: %w", err)
	}
	extracted, err := decodeJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("ai_extract: %w", err)
	}
	sc.Extracted = extracted
	return map[string]any{"extracted": extracted}, nil
}

func (a *ActionSet) aiExtractQuote(ctx context.Context, sc *StepContext) (map[string]any, error) {
	text, err := a.complete(ctx,
		"You extract requested line items from call transcripts. Reply with a single JSON object of the form {\"items\":[{\"description\":string,\"quantity\":number}]} and nothing else.",
		"Extract the quoted line items from this transcript:\n\n"+sc.Event.Transcript)
	if err != nil {
		return nil, fmt.Errorf("ai_extract_quote: %w", err)
	}
	extracted, err := decodeJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("ai_extract_quote: %w", err)
	}
	sc.Extracted = extracted
	return map[string]any{"extracted": extracted}, nil
}

func (a *ActionSet) complete(ctx context.Context, system, user string) (string, error) {
	if a.ai == nil {
		return "", fmt.Errorf("ai endpoint not configured")
	}
	resp, err := a.ai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.aiModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

type quoteConfig struct {
	TaxRate float64 `json:"taxRate"`
}

type quoteLine struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Total       float64 `json:"total"`
}

func (a *ActionSet) buildQuote(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	var cfg quoteConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("build_quote config: %w", err)
	}
	items := extractedItems(sc)
	if len(items) == 0 {
		return nil, fmt.Errorf("build_quote: no extracted line items")
	}
	pricing, err := a.store.TenantPricing(ctx, sc.Event.TenantID)
	if err != nil {
		return nil, fmt.Errorf("build_quote: load pricing: %w", err)
	}

	var (
		lines    []quoteLine
		subtotal float64
	)
	for _, item := range items {
		line := quoteLine{Description: item.description, Quantity: item.quantity}
		if line.Quantity <= 0 {
			line.Quantity = 1
		}
		if price, ok := matchPrice(pricing, item.description); ok {
			line.UnitPrice = price
		}
		line.Total = round2(line.Quantity * line.UnitPrice)
		subtotal += line.Total
		lines = append(lines, line)
	}
	subtotal = round2(subtotal)
	tax := round2(subtotal * cfg.TaxRate)
	total := round2(subtotal + tax)

	number, err := quoteNumber(sc.Now)
	if err != nil {
		return nil, fmt.Errorf("build_quote: %w", err)
	}
	out := map[string]any{
		"quoteNumber": number,
		"lines":       lines,
		"subtotal":    subtotal,
		"tax":         tax,
		"total":       total,
	}
	sc.Extracted = out
	return out, nil
}

type lineItem struct {
	description string
	quantity    float64
}

// extractedItems reads the items array from the most recent extract step.
func extractedItems(sc *StepContext) []lineItem {
	if sc.Extracted == nil {
		return nil
	}
	raw, ok := sc.Extracted["items"].([]any)
	if !ok {
		return nil
	}
	var items []lineItem
	for _, entry := range raw {
		obj, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		desc, _ := obj["description"].(string)
		if desc == "" {
			continue
		}
		qty, _ := obj["quantity"].(float64)
		items = append(items, lineItem{description: desc, quantity: qty})
	}
	return items
}

// matchPrice finds the first pricing row whose description matches the item,
// case-insensitive, in either containment direction.
func matchPrice(pricing []PriceItem, description string) (float64, bool) {
	want := strings.ToLower(strings.TrimSpace(description))
	for _, p := range pricing {
		have := strings.ToLower(strings.TrimSpace(p.Description))
		if have == "" {
			continue
		}
		if strings.Contains(want, have) || strings.Contains(have, want) {
			return p.UnitPrice, true
		}
	}
	return 0, false
}

// quoteNumber generates Q-YYYYMMDD-XXXX with a random hex suffix.
func quoteNumber(now time.Time) (string, error) {
	suffix := make([]byte, 2)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	return fmt.Sprintf("Q-%s-%s", now.Format("20060102"), strings.ToUpper(hex.EncodeToString(suffix))), nil
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

type leadConfig struct {
	Fields map[string]string `json:"fields"`
}

// storeLead merges config fields over extracted fields over the event lead
// and persists the result.
func (a *ActionSet) storeLead(ctx context.Context, step Step, sc *StepContext) (map[string]any, error) {
	var cfg leadConfig
	if err := unmarshalConfig(step.Config, &cfg); err != nil {
		return nil, fmt.Errorf("store_lead config: %w", err)
	}

	lead := make(map[string]string)
	for k, v := range sc.Event.Lead {
		lead[k] = v
	}
	for k, v := range sc.Extracted {
		if s := renderValue(v); s != "" && s != "null" {
			lead[k] = s
		}
	}
	for k, v := range cfg.Fields {
		lead[k] = Interpolate(v, sc)
	}
	if lead["priority"] == "" {
		lead["priority"] = "normal"
	}

	if err := a.store.SaveLead(ctx, sc.Event.TenantID, sc.Event.CallID, lead); err != nil {
		return nil, fmt.Errorf("store_lead: %w", err)
	}
	return map[string]any{"stored": true, "lead": lead}, nil
}

// decodeJSONObject parses a model reply as a JSON object, tolerating markdown
// code fences around it.
func decodeJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, fmt.Errorf("parse model json: %w", err)
	}
	return obj, nil
}
