package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/subject"
)

// Telegram's hard limit on message text length.
const telegramTextLimit = 4096

// reconnectBackoff is the bounded retry sequence for the poll loop.
var reconnectBackoff = []time.Duration{
	5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second,
}

// errMaxReconnects is the terminal lastError after backoff exhaustion.
const errMaxReconnects = "Max reconnection attempts exhausted"

// Doer abstracts the HTTP client so tests inject canned responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token string `yaml:"token" json:"token"`
	// SubjectPrefix is the inbound sender namespace, e.g.
	// relay.human.telegram. Outbound subjects carry the chat id as their
	// last token.
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix"`
	// BaseURL overrides the Telegram API host (tests).
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	// PollTimeout is the long-poll window in seconds.
	PollTimeout int `yaml:"pollTimeout" json:"pollTimeout"`
}

// Telegram bridges a Telegram bot into the relay: a long-poll loop turns
// incoming chat messages into publishes, Deliver sends envelope content
// back out through sendMessage.
type Telegram struct {
	cfg    TelegramConfig
	client Doer
	logger zerolog.Logger

	mu        sync.Mutex
	publisher Publisher
	running   bool
	done      chan struct{}

	state     atomic.Value // string
	inbound   atomic.Int64
	outbound  atomic.Int64
	errors    atomic.Int64
	lastErr   atomic.Value // string
	startedAt atomic.Int64
}

// NewTelegram builds the adapter. A nil client uses http.DefaultClient.
func NewTelegram(cfg TelegramConfig, client Doer, logger zerolog.Logger) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "relay.human.telegram"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if client == nil {
		client = http.DefaultClient
	}
	t := &Telegram{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("adapter", "telegram").Logger(),
	}
	t.state.Store(StateDisconnected)
	t.lastErr.Store("")
	return t, nil
}

func (t *Telegram) ID() string                { return "telegram" }
func (t *Telegram) DisplayName() string       { return "Telegram" }
func (t *Telegram) SubjectPrefixes() []string { return []string{t.cfg.SubjectPrefix} }

// Start launches the long-poll loop. Idempotent.
func (t *Telegram) Start(publisher Publisher) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.publisher = publisher
	t.done = make(chan struct{})
	t.running = true
	t.state.Store(StateConnecting)
	t.startedAt.Store(time.Now().UnixMilli())
	go t.pollLoop(t.done)
	return nil
}

// Stop halts the poll loop. Idempotent.
func (t *Telegram) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil
	}
	t.state.Store(StateStopping)
	close(t.done)
	t.running = false
	t.state.Store(StateDisconnected)
	return nil
}

// GetStatus snapshots the runtime counters.
func (t *Telegram) GetStatus() Status {
	s := Status{
		State:         t.state.Load().(string),
		InboundCount:  t.inbound.Load(),
		OutboundCount: t.outbound.Load(),
		ErrorCount:    t.errors.Load(),
		LastError:     t.lastErr.Load().(string),
	}
	if at := t.startedAt.Load(); at > 0 {
		s.StartedAt = &at
	}
	return s
}

// TestConnection calls getMe without side effects.
func (t *Telegram) TestConnection() error {
	req, err := http.NewRequest(http.MethodGet, t.apiURL("getMe"), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram getMe: status %d", resp.StatusCode)
	}
	return nil
}

// Deliver sends the envelope's content to the chat named by the subject's
// last token. Chat ids must be plain integers; anything else rejects
// before any platform call.
func (t *Telegram) Deliver(subj string, env *envelope.Envelope) DeliveryResult {
	start := time.Now()
	chatToken := subject.LastToken(subj)
	chatID, err := strconv.ParseInt(chatToken, 10, 64)
	if err != nil {
		t.errors.Add(1)
		return DeliveryResult{
			Success:      false,
			Error:        fmt.Sprintf("invalid chat id %q: must be an integer", chatToken),
			DeadLettered: true,
		}
	}

	text := extractContent(env.Payload)
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit]
	}

	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		t.errors.Add(1)
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	req, err := http.NewRequest(http.MethodPost, t.apiURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		t.errors.Add(1)
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.errors.Add(1)
		t.lastErr.Store(err.Error())
		return DeliveryResult{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.errors.Add(1)
		errMsg := fmt.Sprintf("telegram sendMessage: status %d", resp.StatusCode)
		t.lastErr.Store(errMsg)
		return DeliveryResult{Success: false, Error: errMsg}
	}

	t.outbound.Add(1)
	return DeliveryResult{Success: true, DurationMs: time.Since(start).Milliseconds()}
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *Telegram) pollLoop(done chan struct{}) {
	var offset int64
	failures := 0

	for {
		select {
		case <-done:
			return
		default:
		}

		updates, err := t.getUpdates(offset)
		if err != nil {
			t.errors.Add(1)
			t.lastErr.Store(err.Error())
			t.state.Store(StateError)
			if failures >= len(reconnectBackoff) {
				t.lastErr.Store(errMaxReconnects)
				t.logger.Error().Msg("telegram poll loop giving up")
				return
			}
			wait := reconnectBackoff[failures]
			failures++
			t.logger.Warn().Err(err).Dur("backoff", wait).Msg("telegram poll failed, backing off")
			select {
			case <-done:
				return
			case <-time.After(wait):
			}
			continue
		}

		failures = 0
		t.state.Store(StateConnected)
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			t.publishInbound(u.Message.Chat.ID, u.Message.Text)
		}
	}
}

func (t *Telegram) getUpdates(offset int64) ([]telegramUpdate, error) {
	url := fmt.Sprintf("%s?offset=%d&timeout=%d", t.apiURL("getUpdates"), offset, t.cfg.PollTimeout)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram getUpdates: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if !out.OK {
		return nil, fmt.Errorf("telegram getUpdates: not ok")
	}
	return out.Result, nil
}

// publishInbound turns one chat message into an agent publish. The sender
// subject carries the chat id, which is also what the echo guard keys on.
func (t *Telegram) publishInbound(chatID int64, text string) {
	chat := strconv.FormatInt(chatID, 10)
	sender := fmt.Sprintf("%s.%s", t.cfg.SubjectPrefix, chat)
	sessionSubject := fmt.Sprintf("relay.agent.telegram-%s", chat)

	payload, err := json.Marshal(map[string]any{
		"content": text,
		"platformData": map[string]any{
			"platform": "telegram",
			"chatId":   chat,
			"clientId": chat,
		},
	})
	if err != nil {
		t.logger.Error().Err(err).Msg("inbound payload encode failed")
		return
	}
	if err := t.publisher.EnsureEndpoint(sessionSubject); err != nil {
		t.errors.Add(1)
		t.lastErr.Store(err.Error())
		t.logger.Warn().Err(err).Str("chat", chat).Msg("session endpoint registration failed")
		return
	}
	if _, err := t.publisher.Publish(sessionSubject, payload, relay.PublishOptions{
		From:    sender,
		ReplyTo: sender,
	}); err != nil {
		t.errors.Add(1)
		t.lastErr.Store(err.Error())
		t.logger.Warn().Err(err).Str("chat", chat).Msg("inbound publish rejected")
		return
	}
	t.inbound.Add(1)
}

func (t *Telegram) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.cfg.BaseURL, t.cfg.Token, method)
}

// extractContent pulls a human-readable text out of an opaque payload:
// the content field when present, else the raw JSON.
func extractContent(payload json.RawMessage) string {
	var probe struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil {
		if probe.Content != "" {
			return probe.Content
		}
		if probe.Text != "" {
			return probe.Text
		}
	}
	return string(payload)
}
