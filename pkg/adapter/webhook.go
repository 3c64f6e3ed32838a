package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
)

// WebhookConfig configures one outbound webhook target.
type WebhookConfig struct {
	// ID distinguishes multiple webhook adapters.
	ID string `yaml:"id" json:"id"`
	// URL is the POST target for outbound envelopes.
	URL string `yaml:"url" json:"url"`
	// SubjectPrefix is the sender namespace for inbound requests, e.g.
	// relay.hook.github. Outbound traffic to that prefix is forwarded.
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix"`
	// Secret, when set, is sent as the X-Relay-Signature header.
	Secret string `yaml:"secret" json:"secret"`
	// TimeoutMs bounds each outbound POST. Defaults to 10s.
	TimeoutMs int `yaml:"timeoutMs" json:"timeoutMs"`
}

// Webhook posts outbound envelopes to a remote HTTP endpoint and accepts
// inbound payloads through HandleInbound, which the HTTP surface mounts.
type Webhook struct {
	cfg    WebhookConfig
	client Doer
	logger zerolog.Logger

	mu        sync.Mutex
	publisher Publisher
	running   bool

	inbound   atomic.Int64
	outbound  atomic.Int64
	errors    atomic.Int64
	lastErr   atomic.Value // string
	startedAt atomic.Int64
}

// NewWebhook builds the adapter. A nil client uses a timeout-bounded
// default client.
func NewWebhook(cfg WebhookConfig, client Doer, logger zerolog.Logger) (*Webhook, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("webhook id is required")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "relay.hook." + cfg.ID
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond}
	}
	w := &Webhook{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("adapter", cfg.ID).Logger(),
	}
	w.lastErr.Store("")
	return w, nil
}

func (w *Webhook) ID() string                { return w.cfg.ID }
func (w *Webhook) DisplayName() string       { return "Webhook " + w.cfg.ID }
func (w *Webhook) SubjectPrefixes() []string { return []string{w.cfg.SubjectPrefix} }

// Start records the publisher. Webhooks have no background loop; inbound
// traffic arrives through HandleInbound.
func (w *Webhook) Start(publisher Publisher) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	w.publisher = publisher
	w.running = true
	w.startedAt.Store(time.Now().UnixMilli())
	return nil
}

// Stop marks the adapter stopped. Idempotent.
func (w *Webhook) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	return nil
}

// GetStatus snapshots the runtime counters.
func (w *Webhook) GetStatus() Status {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	state := StateDisconnected
	if running {
		state = StateConnected
	}
	s := Status{
		State:         state,
		InboundCount:  w.inbound.Load(),
		OutboundCount: w.outbound.Load(),
		ErrorCount:    w.errors.Load(),
		LastError:     w.lastErr.Load().(string),
	}
	if at := w.startedAt.Load(); at > 0 {
		s.StartedAt = &at
	}
	return s
}

// Deliver posts the full envelope as JSON to the configured URL. Any
// non-2xx status is a delivery failure.
func (w *Webhook) Deliver(subj string, env *envelope.Envelope) DeliveryResult {
	start := time.Now()
	body, err := json.Marshal(env)
	if err != nil {
		w.errors.Add(1)
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	req, err := http.NewRequest(http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		w.errors.Add(1)
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Subject", subj)
	if w.cfg.Secret != "" {
		req.Header.Set("X-Relay-Signature", w.cfg.Secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.errors.Add(1)
		w.lastErr.Store(err.Error())
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.errors.Add(1)
		errMsg := fmt.Sprintf("webhook %s: status %d", w.cfg.ID, resp.StatusCode)
		w.lastErr.Store(errMsg)
		return DeliveryResult{Success: false, Error: errMsg}
	}
	w.outbound.Add(1)
	return DeliveryResult{Success: true, DurationMs: time.Since(start).Milliseconds()}
}

// HandleInbound publishes one inbound webhook payload to the given
// subject. The HTTP surface calls this from its webhook route.
func (w *Webhook) HandleInbound(subj string, payload json.RawMessage) (*relay.PublishResult, error) {
	w.mu.Lock()
	pub := w.publisher
	running := w.running
	w.mu.Unlock()
	if !running || pub == nil {
		return nil, fmt.Errorf("webhook adapter %s is not running", w.cfg.ID)
	}
	sender := w.cfg.SubjectPrefix + ".inbound"
	res, err := pub.Publish(subj, payload, relay.PublishOptions{From: sender, ReplyTo: sender})
	if err != nil {
		w.errors.Add(1)
		w.lastErr.Store(err.Error())
		return nil, err
	}
	w.inbound.Add(1)
	return res, nil
}
