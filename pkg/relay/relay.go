// Package relay wires the stores and guards into the publish pipeline:
// validate, access check, rate limit, per-endpoint admission (breaker,
// backpressure, budget), durable delivery, then synchronous subscription
// dispatch. Per-endpoint rejections accumulate into the result; process-wide
// failures (access, rate limit, closed, invalid input) abort the publish.
package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/access"
	"github.com/relayio/relay/pkg/backpressure"
	"github.com/relayio/relay/pkg/breaker"
	"github.com/relayio/relay/pkg/endpoint"
	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/index"
	"github.com/relayio/relay/pkg/maildir"
	"github.com/relayio/relay/pkg/ratelimit"
	"github.com/relayio/relay/pkg/subject"
	"github.com/relayio/relay/pkg/subscription"
	"github.com/relayio/relay/pkg/trace"
)

// noEndpoint is the to_endpoint recorded on spans that never reached a
// mailbox (rate limited, no matching endpoint).
const noEndpoint = "(none)"

// Observer receives pipeline events for metrics export. All methods must be
// cheap and non-blocking.
type Observer interface {
	PublishOutcome(outcome string)
	EndpointRejection(kind string)
	MailboxPressure(hash string, pressure float64)
	DeliveryDuration(d time.Duration)
	InertDispatch()
}

type nopObserver struct{}

func (nopObserver) PublishOutcome(string)           {}
func (nopObserver) EndpointRejection(string)        {}
func (nopObserver) MailboxPressure(string, float64) {}
func (nopObserver) DeliveryDuration(time.Duration)  {}
func (nopObserver) InertDispatch()                  {}

// Deps are the collaborators a Core is assembled from. All fields except
// Observer are required.
type Deps struct {
	Maildir       *maildir.Store
	Index         *index.Index
	Traces        *trace.Store
	Endpoints     *endpoint.Registry
	Subscriptions *subscription.Registry
	Access        *access.Controller
	RateLimiter   *ratelimit.Limiter
	Breakers      *breaker.Registry
	Backpressure  *backpressure.Monitor
	Logger        zerolog.Logger
	Observer      Observer
}

// PublishOptions carries the caller-side publish parameters. From is
// required. TraceID joins this publish to an existing trace; when empty the
// payload's platformData.traceId is used, and failing that a fresh trace
// opens.
type PublishOptions struct {
	From    string
	ReplyTo string
	Budget  *envelope.Override
	TraceID string
}

// Rejection is one per-endpoint admission refusal inside an otherwise
// successful publish.
type Rejection struct {
	EndpointHash string `json:"endpointHash"`
	Reason       string `json:"reason"`
}

// PublishResult is the synchronous outcome of a publish.
type PublishResult struct {
	MessageID       string             `json:"messageId"`
	TraceID         string             `json:"traceId"`
	DeliveredTo     int                `json:"deliveredTo"`
	Rejected        []Rejection        `json:"rejected,omitempty"`
	MailboxPressure map[string]float64 `json:"mailboxPressure,omitempty"`
}

// Core is the relay pipeline.
type Core struct {
	deps     Deps
	gen      *envelope.Generator
	enforcer *envelope.Enforcer
	logger   zerolog.Logger
	obs      Observer

	mu     sync.RWMutex
	closed bool
}

// New assembles a Core from its collaborators.
func New(deps Deps) (*Core, error) {
	switch {
	case deps.Maildir == nil:
		return nil, fmt.Errorf("maildir store is required")
	case deps.Index == nil:
		return nil, fmt.Errorf("index is required")
	case deps.Traces == nil:
		return nil, fmt.Errorf("trace store is required")
	case deps.Endpoints == nil:
		return nil, fmt.Errorf("endpoint registry is required")
	case deps.Subscriptions == nil:
		return nil, fmt.Errorf("subscription registry is required")
	case deps.Access == nil:
		return nil, fmt.Errorf("access controller is required")
	case deps.RateLimiter == nil:
		return nil, fmt.Errorf("rate limiter is required")
	case deps.Breakers == nil:
		return nil, fmt.Errorf("breaker registry is required")
	case deps.Backpressure == nil:
		return nil, fmt.Errorf("backpressure monitor is required")
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Core{
		deps:     deps,
		gen:      envelope.NewGenerator(),
		enforcer: envelope.NewEnforcer(),
		logger:   deps.Logger.With().Str("component", "relay").Logger(),
		obs:      obs,
	}, nil
}

func (c *Core) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops the core. Idempotent; subsequent publish, subscribe and
// register calls reject.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Publish runs the full pipeline for one message and returns the delivery
// receipt. Payload is opaque; nil publishes as JSON null.
func (c *Core) Publish(subj string, payload json.RawMessage, opts PublishOptions) (*PublishResult, error) {
	start := time.Now()
	if c.isClosed() {
		return nil, errClosed()
	}
	if subject.IsPattern(subj) {
		return nil, &Error{Kind: KindInvalidInput, Reason: fmt.Sprintf("cannot publish to a pattern subject: %s", subj)}
	}

	env, err := envelope.New(c.gen, subj, opts.From, opts.ReplyTo,
		envelope.Merge(envelope.DefaultBudget(start), opts.Budget), payload)
	if err != nil {
		return nil, &Error{Kind: KindInvalidInput, Reason: err.Error()}
	}
	traceID := c.resolveTraceID(opts, payload)

	if d := c.deps.Access.Check(opts.From, subj); !d.Allowed {
		c.obs.PublishOutcome(string(KindAccessDenied))
		return nil, &Error{Kind: KindAccessDenied, Reason: fmt.Sprintf("access denied: %s -> %s", opts.From, subj)}
	}

	limit, err := c.deps.RateLimiter.Check(opts.From)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !limit.Allowed {
		c.recordRejectedSpan(env, traceID, noEndpoint, trace.StatusFailed, limit.Reason)
		c.obs.PublishOutcome(string(KindRateLimited))
		return nil, &Error{Kind: KindRateLimited, Reason: limit.Reason}
	}

	// Endpoints are concrete subjects, so fan-out reduces to equality.
	var candidates []endpoint.Endpoint
	for _, ep := range c.deps.Endpoints.List() {
		if ep.Subject == subj {
			candidates = append(candidates, ep)
		}
	}
	if len(candidates) == 0 {
		c.recordRejectedSpan(env, traceID, noEndpoint, trace.StatusDeadLettered,
			fmt.Sprintf("no_matching_endpoint: no endpoint registered for %s", subj))
		c.obs.PublishOutcome("no_matching_endpoint")
		return &PublishResult{MessageID: env.ID, TraceID: traceID}, nil
	}

	result := &PublishResult{
		MessageID:       env.ID,
		TraceID:         traceID,
		MailboxPressure: make(map[string]float64),
	}
	type delivery struct {
		ep  endpoint.Endpoint
		id  string
		env *envelope.Envelope
	}
	var deliveries []delivery

	for _, ep := range candidates {
		if br := c.deps.Breakers.Check(ep.Hash); !br.Allowed {
			result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: br.Reason})
			c.obs.EndpointRejection(string(KindCircuitOpen))
			continue
		}

		depth, err := c.deps.Index.CountNewByEndpoint(ep.Hash)
		if err != nil {
			return nil, fmt.Errorf("mailbox depth for %s: %w", ep.Hash, err)
		}
		bp := c.deps.Backpressure.Check(depth)
		result.MailboxPressure[ep.Hash] = bp.Pressure
		c.obs.MailboxPressure(ep.Hash, bp.Pressure)
		if !bp.Allowed {
			result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: bp.Reason})
			c.obs.EndpointRejection(string(KindBackpressure))
			continue
		}
		if bp.Warning {
			c.logger.Warn().Str("endpoint", ep.Hash).Float64("pressure", bp.Pressure).
				Msg("mailbox pressure elevated")
		}

		updated, violation := c.enforcer.Check(env.Budget, ep.Subject)
		if violation != nil {
			if err := c.deps.Maildir.FailDirect(ep.Hash, env, violation.Reason); err != nil {
				c.logger.Error().Err(err).Str("endpoint", ep.Hash).Msg("dead letter write failed")
			}
			if err := c.deps.Index.InsertMessage(index.Message{
				ID:           env.ID,
				Subject:      env.Subject,
				Sender:       env.From,
				EndpointHash: ep.Hash,
				Status:       index.StatusFailed,
				CreatedAt:    env.CreatedAt,
				TTL:          env.Budget.TTL,
			}); err != nil {
				c.logger.Error().Err(err).Msg("index insert failed for dead letter")
			}
			c.recordRejectedSpan(env, traceID, ep.Subject, trace.StatusDeadLettered, violation.TraceReason())
			result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: violation.Reason})
			c.obs.EndpointRejection(string(KindBudgetExceeded))
			continue
		}

		delivered := *env
		delivered.Budget = updated
		id, err := c.deps.Maildir.Deliver(ep.Hash, &delivered)
		if err != nil {
			c.recordRejectedSpan(env, traceID, ep.Subject, trace.StatusFailed,
				fmt.Sprintf("delivery failed: %v", err))
			result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: err.Error()})
			c.obs.EndpointRejection(string(KindDeliveryIO))
			continue
		}
		if err := c.deps.Index.InsertMessage(index.Message{
			ID:           id,
			Subject:      env.Subject,
			Sender:       env.From,
			EndpointHash: ep.Hash,
			Status:       index.StatusNew,
			CreatedAt:    env.CreatedAt,
			TTL:          updated.TTL,
		}); err != nil {
			c.logger.Error().Err(err).Str("id", id).Msg("index insert failed")
		}

		hops := updated.HopCount
		ttlLeft := updated.TTLRemaining(time.Now())
		if err := c.deps.Traces.InsertSpan(trace.Span{
			MessageID:            env.ID,
			TraceID:              traceID,
			SpanID:               uuid.NewString(),
			Subject:              env.Subject,
			FromEndpoint:         env.From,
			ToEndpoint:           ep.Subject,
			Status:               trace.StatusSent,
			BudgetHopsUsed:       &hops,
			BudgetTTLRemainingMs: &ttlLeft,
			SentAt:               start.UnixMilli(),
		}); err != nil {
			c.logger.Error().Err(err).Msg("trace insert failed")
		}

		deliveries = append(deliveries, delivery{ep: ep, id: id, env: &delivered})
		result.DeliveredTo++
	}

	matches := c.deps.Subscriptions.Matches(subj)
	for _, d := range deliveries {
		c.dispatch(d.ep, d.id, d.env, matches)
	}

	c.obs.PublishOutcome("accepted")
	c.obs.DeliveryDuration(time.Since(start))
	return result, nil
}

// dispatch runs matching subscription handlers synchronously in insertion
// order. With no matches at all the message stays in new/ for a later
// consumer. Matches that are all inert (restored but never rewired) consume
// the message: it is claimed and completed so a dead subscription cannot
// back a mailbox up, with a warning and a metric per inert match.
func (c *Core) dispatch(ep endpoint.Endpoint, id string, env *envelope.Envelope, matches []subscription.Match) {
	if len(matches) == 0 {
		return
	}
	live := matches[:0:0]
	for _, m := range matches {
		if m.Inert || m.Handler == nil {
			c.logger.Warn().Str("pattern", m.Pattern).Str("subject", env.Subject).
				Msg("subscription has no handler wired")
			c.obs.InertDispatch()
			continue
		}
		live = append(live, m)
	}

	claimed, err := c.deps.Maildir.Claim(ep.Hash, id)
	if err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("claim for dispatch failed")
		return
	}
	if err := c.deps.Index.UpdateStatus(id, index.StatusCur); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("index status update failed")
	}

	for _, m := range live {
		if err := m.Handler(claimed); err != nil {
			c.failDispatch(ep, id, env.ID, err)
			return
		}
	}

	if err := c.deps.Maildir.Complete(ep.Hash, id); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("complete failed")
	}
	if err := c.deps.Index.DeleteMessage(id); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("index delete failed")
	}
	status := trace.StatusDelivered
	now := time.Now().UnixMilli()
	if err := c.deps.Traces.UpdateSpan(env.ID, trace.Update{Status: &status, DeliveredAt: &now}); err != nil {
		c.logger.Error().Err(err).Msg("trace update failed")
	}
	c.deps.Breakers.RecordSuccess(ep.Hash)
}

func (c *Core) failDispatch(ep endpoint.Endpoint, id, messageID string, handlerErr error) {
	reason := handlerErr.Error()
	if err := c.deps.Maildir.Fail(ep.Hash, id, reason); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("fail transition failed")
	}
	if err := c.deps.Index.UpdateStatus(id, index.StatusFailed); err != nil {
		c.logger.Error().Err(err).Str("id", id).Msg("index status update failed")
	}
	status := trace.StatusFailed
	if err := c.deps.Traces.UpdateSpan(messageID, trace.Update{Status: &status, Error: &reason}); err != nil {
		c.logger.Error().Err(err).Msg("trace update failed")
	}
	c.deps.Breakers.RecordFailure(ep.Hash)
	c.obs.EndpointRejection(string(KindHandlerException))
}

func (c *Core) recordRejectedSpan(env *envelope.Envelope, traceID, toEndpoint, status, reason string) {
	hops := env.Budget.HopCount
	ttlLeft := env.Budget.TTLRemaining(time.Now())
	if err := c.deps.Traces.InsertSpan(trace.Span{
		MessageID:            env.ID,
		TraceID:              traceID,
		SpanID:               uuid.NewString(),
		Subject:              env.Subject,
		FromEndpoint:         env.From,
		ToEndpoint:           toEndpoint,
		Status:               status,
		BudgetHopsUsed:       &hops,
		BudgetTTLRemainingMs: &ttlLeft,
		SentAt:               time.Now().UnixMilli(),
		Error:                &reason,
	}); err != nil {
		c.logger.Error().Err(err).Msg("trace insert failed")
	}
}

// resolveTraceID prefers the explicit option, then platformData.traceId in
// the payload, then opens a fresh trace.
func (c *Core) resolveTraceID(opts PublishOptions, payload json.RawMessage) string {
	if opts.TraceID != "" {
		return opts.TraceID
	}
	if id := TraceIDFromPayload(payload); id != "" {
		return id
	}
	return uuid.NewString()
}

// TraceIDFromPayload extracts platformData.traceId from an opaque payload,
// returning empty when absent or unparsable.
func TraceIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var probe struct {
		PlatformData struct {
			TraceID string `json:"traceId"`
		} `json:"platformData"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.PlatformData.TraceID
}

// Subscribe registers a pattern handler through the subscription registry.
func (c *Core) Subscribe(pattern string, h subscription.Handler) (func(), error) {
	if c.isClosed() {
		return nil, errClosed()
	}
	return c.deps.Subscriptions.Subscribe(pattern, h)
}

// RegisterEndpoint creates the endpoint and its mailbox.
func (c *Core) RegisterEndpoint(subj string) (endpoint.Endpoint, error) {
	if c.isClosed() {
		return endpoint.Endpoint{}, errClosed()
	}
	return c.deps.Endpoints.Register(subj)
}

// EnsureEndpoint registers the subject's mailbox when it is not already
// registered. Safe for concurrent use; publishers call it for subjects they
// derive themselves (agent sessions, pulse dispatch).
func (c *Core) EnsureEndpoint(subj string) error {
	if c.isClosed() {
		return errClosed()
	}
	_, err := c.deps.Endpoints.Ensure(subj)
	return err
}

// UnregisterEndpoint removes the endpoint and deletes its mailbox.
func (c *Core) UnregisterEndpoint(subj string) (bool, error) {
	if c.isClosed() {
		return false, errClosed()
	}
	return c.deps.Endpoints.Unregister(subj)
}

// RebuildIndex reconstructs the message index from the maildir tree and
// returns the number of messages indexed.
func (c *Core) RebuildIndex() (int, error) {
	return c.deps.Index.Rebuild(c.deps.Maildir, c.deps.Endpoints.HashToSubject())
}

// GetDeadLetters enumerates dead-letter sidecars, for one endpoint hash or
// for every mailbox when hash is empty.
func (c *Core) GetDeadLetters(hash string) ([]maildir.DeadLetter, error) {
	hashes := []string{hash}
	if hash == "" {
		var err error
		hashes, err = c.deps.Maildir.ListMailboxes()
		if err != nil {
			return nil, err
		}
	}
	var out []maildir.DeadLetter
	for _, h := range hashes {
		ids, err := c.deps.Maildir.ListFailed(h)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			dl, err := c.deps.Maildir.ReadDeadLetter(h, id)
			if err != nil {
				return nil, err
			}
			if dl != nil {
				out = append(out, *dl)
			}
		}
	}
	return out, nil
}

// GetMetrics returns the index aggregate view.
func (c *Core) GetMetrics() (*index.Metrics, error) {
	return c.deps.Index.GetMetrics()
}

// GetDeliveryMetrics returns the trace aggregate view.
func (c *Core) GetDeliveryMetrics() (*trace.Metrics, error) {
	return c.deps.Traces.GetMetrics()
}

// GetTrace returns every span of a trace in sent order.
func (c *Core) GetTrace(traceID string) ([]trace.Span, error) {
	return c.deps.Traces.GetTrace(traceID)
}

// GetSpan returns the span recorded for a message id, or nil.
func (c *Core) GetSpan(messageID string) (*trace.Span, error) {
	return c.deps.Traces.GetSpanByMessageID(messageID)
}

// BreakerStates returns a copy of every endpoint breaker state.
func (c *Core) BreakerStates() map[string]string {
	return c.deps.Breakers.GetStates()
}

// Traces exposes the trace store to subsystems that update spans directly
// (the message receiver).
func (c *Core) Traces() *trace.Store { return c.deps.Traces }

// Endpoints exposes the endpoint registry for read-only listings.
func (c *Core) Endpoints() *endpoint.Registry { return c.deps.Endpoints }

// Subscriptions exposes the subscription registry.
func (c *Core) Subscriptions() *subscription.Registry { return c.deps.Subscriptions }

// Access exposes the access controller for rule listings.
func (c *Core) Access() *access.Controller { return c.deps.Access }
