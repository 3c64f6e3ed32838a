// Package console bridges interactive clients onto the relay bus with a
// receipt-and-stream protocol: submits publish to the session's agent
// subject and return a receipt, responses fan back in over the client's
// console endpoint and out to SSE streams through the Hub.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/signal"
	"github.com/relayio/relay/pkg/subject"
)

// Submit budget: interactive turns get 5 hops and a 5 minute TTL window.
const (
	submitMaxHops = 5
	submitTTLMs   = 300000
)

// SubmitRequest is one console message submit.
type SubmitRequest struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Content   string `json:"content"`
	CWD       string `json:"cwd,omitempty"`
}

// Receipt acknowledges a relay-mode submit. The response itself arrives
// asynchronously on the session stream.
type Receipt struct {
	MessageID      string `json:"messageId"`
	TraceID        string `json:"traceId"`
	DeliveredCount int    `json:"deliveredCount"`
}

// Console owns the client-facing side of the bus.
type Console struct {
	core    *relay.Core
	runtime agentrt.Runtime
	hub     *Hub
	signals *signal.Emitter
	enabled func() bool
	logger  zerolog.Logger

	mu      sync.Mutex
	clients map[string]func() // clientID -> subscription cancel
}

// Deps are the console's collaborators. Enabled gates the relay path; when
// it reports false, submits fall back to direct runtime streaming. Signals
// is optional; when present, signals addressed at the client's console
// subject surface on the session stream as sync_update events.
type Deps struct {
	Core    *relay.Core
	Runtime agentrt.Runtime
	Hub     *Hub
	Signals *signal.Emitter
	Enabled func() bool
	Logger  zerolog.Logger
}

// New builds a console bridge.
func New(deps Deps) (*Console, error) {
	if deps.Core == nil {
		return nil, fmt.Errorf("relay core is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	if deps.Enabled == nil {
		deps.Enabled = func() bool { return true }
	}
	return &Console{
		core:    deps.Core,
		runtime: deps.Runtime,
		hub:     deps.Hub,
		signals: deps.Signals,
		enabled: deps.Enabled,
		logger:  deps.Logger.With().Str("component", "console").Logger(),
		clients: make(map[string]func()),
	}, nil
}

// Hub exposes the event hub for the HTTP surface.
func (c *Console) Hub() *Hub { return c.hub }

// RelayEnabled reports whether submits take the relay path.
func (c *Console) RelayEnabled() bool { return c.enabled() }

// Submit publishes one console message to the session's agent subject and
// returns a receipt. The response stream arrives on the session's SSE
// stream as relay_message events.
func (c *Console) Submit(req SubmitRequest) (*Receipt, error) {
	if req.SessionID == "" {
		return nil, &relay.Error{Kind: relay.KindInvalidInput, Reason: "sessionId is required"}
	}
	if req.ClientID == "" {
		return nil, &relay.Error{Kind: relay.KindInvalidInput, Reason: "clientId is required"}
	}
	if req.Content == "" {
		return nil, &relay.Error{Kind: relay.KindInvalidInput, Reason: "content is required"}
	}

	consoleSubject := "relay.human.console." + req.ClientID
	if err := c.ensureClient(req.ClientID, consoleSubject); err != nil {
		return nil, err
	}

	// The session's agent mailbox must exist before the publish fans out,
	// or the submit reaches nobody.
	agentSubject := "relay.agent." + req.SessionID
	if err := c.core.EnsureEndpoint(agentSubject); err != nil {
		return nil, fmt.Errorf("register agent endpoint: %w", err)
	}

	traceID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"content": req.Content,
		"platformData": map[string]any{
			"cwd":       req.CWD,
			"sessionId": req.SessionID,
			"clientId":  req.ClientID,
			"traceId":   traceID,
		},
	})
	if err != nil {
		return nil, err
	}

	res, err := c.core.Publish(agentSubject, payload, relay.PublishOptions{
		From:    consoleSubject,
		ReplyTo: consoleSubject,
		TraceID: traceID,
		Budget:  &envelope.Override{MaxHops: submitMaxHops, TTLMs: submitTTLMs},
	})
	if err != nil {
		return nil, err
	}

	receipt := &Receipt{MessageID: res.MessageID, TraceID: res.TraceID, DeliveredCount: res.DeliveredTo}
	c.hub.Broadcast(req.SessionID, Event{Name: EventRelayReceipt, Data: map[string]string{
		"messageId": receipt.MessageID,
		"traceId":   receipt.TraceID,
	}})
	if c.signals != nil {
		sig := signal.New(signal.TypeDeliveryReceipt, "delivered", consoleSubject)
		sig.Data = map[string]any{"sessionId": req.SessionID, "messageId": receipt.MessageID}
		if err := c.signals.Emit(sig); err != nil {
			c.logger.Warn().Err(err).Str("session", req.SessionID).Msg("delivery receipt signal failed")
		}
	}
	return receipt, nil
}

// SubmitDirect is the legacy path: the runtime is called synchronously and
// the stream is handed back for the caller to drain on the same request.
func (c *Console) SubmitDirect(ctx context.Context, req SubmitRequest) (<-chan agentrt.StreamEvent, error) {
	if req.SessionID == "" {
		return nil, &relay.Error{Kind: relay.KindInvalidInput, Reason: "sessionId is required"}
	}
	if req.Content == "" {
		return nil, &relay.Error{Kind: relay.KindInvalidInput, Reason: "content is required"}
	}
	if err := c.runtime.EnsureSession(ctx, req.SessionID, agentrt.SessionOptions{CWD: req.CWD}); err != nil {
		return nil, err
	}
	return c.runtime.SendMessage(ctx, req.SessionID, req.Content)
}

// ensureClient registers the client's console endpoint and response
// subscription on first use. Later submits reuse both.
func (c *Console) ensureClient(clientID, consoleSubject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; ok {
		return nil
	}

	if err := c.core.EnsureEndpoint(consoleSubject); err != nil {
		return fmt.Errorf("register console endpoint: %w", err)
	}
	cancel, err := c.core.Subscribe(consoleSubject, c.handleResponse)
	if err != nil {
		return fmt.Errorf("subscribe console endpoint: %w", err)
	}

	if c.signals != nil {
		sigCancel, err := c.signals.Subscribe(consoleSubject, c.handleSignal)
		if err != nil {
			cancel()
			return fmt.Errorf("subscribe console signals: %w", err)
		}
		inner := cancel
		cancel = func() {
			inner()
			sigCancel()
		}
	}
	c.clients[clientID] = cancel
	c.logger.Info().Str("client", clientID).Str("subject", consoleSubject).Msg("console client registered")
	return nil
}

// handleResponse fans one relay-originated envelope out to the SSE streams
// of the session it answers. The sender subject carries the session id.
func (c *Console) handleResponse(env *envelope.Envelope) error {
	sessionID := subject.LastToken(env.From)
	c.hub.Broadcast(sessionID, Event{Name: EventRelayMessage, Data: json.RawMessage(env.Payload)})
	c.hub.Broadcast(sessionID, Event{Name: EventMessageDelivered, Data: map[string]string{
		"messageId": env.ID,
		"subject":   env.Subject,
		"status":    "delivered",
	}})
	return nil
}

// handleSignal forwards one ephemeral signal (typing, receipts) to the SSE
// streams of the session it concerns. Signals never persist.
func (c *Console) handleSignal(sig signal.Signal) error {
	sessionID, _ := sig.Data["sessionId"].(string)
	if sessionID == "" {
		return nil
	}
	c.hub.Broadcast(sessionID, Event{Name: EventSyncUpdate, Data: sig})
	return nil
}

// Close cancels all client subscriptions.
func (c *Console) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.clients {
		cancel()
		delete(c.clients, id)
	}
}
