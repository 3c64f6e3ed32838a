// Package receiver bridges relay traffic into the agent runtime. It owns the
// two pattern families relay.agent.> (chat traffic) and relay.system.pulse.>
// (scheduled dispatch), streams runtime responses back over replyTo and
// keeps trace spans and pulse run records current.
package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/pulse"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/signal"
	"github.com/relayio/relay/pkg/subject"
	"github.com/relayio/relay/pkg/trace"
)

// Subscribed pattern families.
const (
	AgentPattern = "relay.agent.>"
	PulsePattern = "relay.system.pulse.>"
)

// Deps are the receiver's collaborators. Signals is optional; when present
// the receiver emits typing signals at replyTo while a turn is streaming.
type Deps struct {
	Core    *relay.Core
	Runtime agentrt.Runtime
	Runs    *pulse.Store
	Signals *signal.Emitter
	Logger  zerolog.Logger
}

// Receiver consumes agent and pulse traffic from the bus.
type Receiver struct {
	core    *relay.Core
	runtime agentrt.Runtime
	runs    *pulse.Store
	signals *signal.Emitter
	logger  zerolog.Logger
	cancels []func()
}

// New builds a receiver.
func New(deps Deps) (*Receiver, error) {
	if deps.Core == nil {
		return nil, fmt.Errorf("relay core is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("agent runtime is required")
	}
	if deps.Runs == nil {
		return nil, fmt.Errorf("pulse store is required")
	}
	return &Receiver{
		core:    deps.Core,
		runtime: deps.Runtime,
		runs:    deps.Runs,
		signals: deps.Signals,
		logger:  deps.Logger.With().Str("component", "receiver").Logger(),
	}, nil
}

// Start wires the handlers. Patterns restored from disk with inert handlers
// are rewired in place so their identity survives the restart; otherwise a
// fresh subscription is taken.
func (r *Receiver) Start() error {
	for _, binding := range []struct {
		pattern string
		handler func(*envelope.Envelope) error
	}{
		{AgentPattern, r.handleAgentMessage},
		{PulsePattern, r.handlePulseMessage},
	} {
		if r.core.Subscriptions().Rewire(binding.pattern, binding.handler) {
			continue
		}
		cancel, err := r.core.Subscribe(binding.pattern, binding.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", binding.pattern, err)
		}
		r.cancels = append(r.cancels, cancel)
	}
	r.logger.Info().Msg("message receiver started")
	return nil
}

// Stop cancels the subscriptions taken by Start.
func (r *Receiver) Stop() {
	for _, cancel := range r.cancels {
		cancel()
	}
	r.cancels = nil
}

type agentPayload struct {
	Content      string `json:"content"`
	PlatformData struct {
		CWD            string `json:"cwd"`
		SessionID      string `json:"sessionId"`
		ClientID       string `json:"clientId"`
		TraceID        string `json:"traceId"`
		PermissionMode string `json:"permissionMode"`
	} `json:"platformData"`
}

// handleAgentMessage drives one chat turn: session ensured from the payload's
// platformData, runtime stream republished to replyTo event by event.
func (r *Receiver) handleAgentMessage(env *envelope.Envelope) error {
	sessionID := subject.LastToken(env.Subject)
	r.updateSpan(env.ID, trace.StatusProcessing)

	var p agentPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		err = fmt.Errorf("malformed agent payload: %w", err)
		r.failSpan(env.ID, err.Error())
		return err
	}

	ctx := context.Background()
	if err := r.runtime.EnsureSession(ctx, sessionID, agentrt.SessionOptions{
		CWD:            p.PlatformData.CWD,
		PermissionMode: p.PlatformData.PermissionMode,
	}); err != nil {
		r.failSpan(env.ID, err.Error())
		return err
	}

	stream, err := r.runtime.SendMessage(ctx, sessionID, p.Content)
	if err != nil {
		r.failSpan(env.ID, err.Error())
		return err
	}

	r.emitTyping(env.ReplyTo, sessionID, "started")
	defer r.emitTyping(env.ReplyTo, sessionID, "stopped")

	traceID := p.PlatformData.TraceID
	for ev := range stream {
		if ev.Type == agentrt.EventError {
			r.failSpan(env.ID, ev.Err.Error())
			return ev.Err
		}
		r.republish(env, traceID, ev)
	}

	r.updateSpan(env.ID, trace.StatusDelivered)
	return nil
}

// handlePulseMessage executes one scheduled dispatch. The payload is
// validated first; an invalid dispatch dead-letters without touching the
// runtime. The budget TTL is the wall-clock bound for the run.
func (r *Receiver) handlePulseMessage(env *envelope.Envelope) error {
	p, err := pulse.ParseDispatchPayload(env.Payload)
	if err != nil {
		r.updateSpanStatus(env.ID, trace.StatusDeadLettered, err.Error())
		return nil
	}

	if err := r.runs.MarkRunning(p.RunID); err != nil {
		r.logger.Error().Err(err).Str("run", p.RunID).Msg("run status update failed")
	}

	ctx, cancel := context.WithDeadline(context.Background(), time.UnixMilli(env.Budget.TTL))
	defer cancel()

	sessionID := uuid.NewString()
	if err := r.runtime.EnsureSession(ctx, sessionID, agentrt.SessionOptions{
		CWD:            p.CWD,
		PermissionMode: p.PermissionMode,
	}); err != nil {
		return r.failPulse(env, p, err)
	}
	stream, err := r.runtime.SendMessage(ctx, sessionID, p.Prompt)
	if err != nil {
		return r.failPulse(env, p, err)
	}

	summary := pulse.NewSummary()
	for ev := range stream {
		if ev.Type == agentrt.EventError {
			return r.failPulse(env, p, ev.Err)
		}
		if ev.Type == agentrt.EventTextDelta {
			summary.Add(ev.Text)
		}
		r.republish(env, "", ev)
	}
	if ctx.Err() != nil {
		return r.failPulse(env, p, fmt.Errorf("pulse run exceeded TTL budget"))
	}

	if err := r.runs.CompleteRun(p.RunID, summary.String()); err != nil {
		r.logger.Error().Err(err).Str("run", p.RunID).Msg("run completion failed")
	}
	r.updateSpan(env.ID, trace.StatusDelivered)
	return nil
}

func (r *Receiver) failPulse(env *envelope.Envelope, p *pulse.DispatchPayload, cause error) error {
	if err := r.runs.FailRun(p.RunID, cause.Error()); err != nil {
		r.logger.Error().Err(err).Str("run", p.RunID).Msg("run failure update failed")
	}
	r.failSpan(env.ID, cause.Error())
	return cause
}

// republish forwards one stream event to the envelope's replyTo with the
// incoming budget advanced by one hop.
func (r *Receiver) republish(env *envelope.Envelope, traceID string, ev agentrt.StreamEvent) {
	if env.ReplyTo == "" {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("stream event encode failed")
		return
	}
	callBudget := env.Budget.CallBudgetRemaining
	_, err = r.core.Publish(env.ReplyTo, payload, relay.PublishOptions{
		From:    env.Subject,
		TraceID: traceID,
		Budget: &envelope.Override{
			HopCount:            env.Budget.HopCount + 1,
			MaxHops:             env.Budget.MaxHops,
			AncestorChain:       env.Budget.AncestorChain,
			TTL:                 env.Budget.TTL,
			CallBudgetRemaining: &callBudget,
		},
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("replyTo", env.ReplyTo).Msg("stream republish rejected")
	}
}

// emitTyping raises an ephemeral typing signal at the reply subject. No-op
// without an emitter or a reply subject.
func (r *Receiver) emitTyping(replyTo, sessionID, state string) {
	if r.signals == nil || replyTo == "" {
		return
	}
	sig := signal.New(signal.TypeTyping, state, replyTo)
	sig.Data = map[string]any{"sessionId": sessionID}
	if err := r.signals.Emit(sig); err != nil {
		r.logger.Warn().Err(err).Str("replyTo", replyTo).Msg("typing signal rejected")
	}
}

func (r *Receiver) updateSpan(messageID, status string) {
	now := time.Now().UnixMilli()
	u := trace.Update{Status: &status}
	switch status {
	case trace.StatusProcessing:
		u.ProcessedAt = &now
	case trace.StatusDelivered:
		u.DeliveredAt = &now
	}
	if err := r.core.Traces().UpdateSpan(messageID, u); err != nil {
		r.logger.Error().Err(err).Str("message", messageID).Msg("trace update failed")
	}
}

func (r *Receiver) updateSpanStatus(messageID, status, reason string) {
	if err := r.core.Traces().UpdateSpan(messageID, trace.Update{Status: &status, Error: &reason}); err != nil {
		r.logger.Error().Err(err).Str("message", messageID).Msg("trace update failed")
	}
}

func (r *Receiver) failSpan(messageID, reason string) {
	r.updateSpanStatus(messageID, trace.StatusFailed, reason)
}
