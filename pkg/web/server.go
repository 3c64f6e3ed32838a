// Package web is the HTTP surface of the relay: console submit and
// session streams, trace and dead-letter retrieval, admin listings, the
// inbound webhook route and the Prometheus scrape endpoint.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/adapter"
	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/console"
	"github.com/relayio/relay/pkg/maildir"
	obsprom "github.com/relayio/relay/pkg/observability/prometheus"
	"github.com/relayio/relay/pkg/relay"
)

// clientHeader carries the console client identity on submits.
const clientHeader = "X-Relay-Client"

// InboundAdapter is implemented by adapters that accept HTTP-pushed
// payloads (webhooks).
type InboundAdapter interface {
	HandleInbound(subj string, payload json.RawMessage) (*relay.PublishResult, error)
}

// Config holds the HTTP listener settings.
type Config struct {
	Addr string `yaml:"addr" json:"addr"`
}

// Deps are the server's collaborators.
type Deps struct {
	Core     *relay.Core
	Console  *console.Console
	Adapters *adapter.Manager
	Metrics  *obsprom.Metrics
	Logger   zerolog.Logger
}

// Server serves the relay HTTP surface.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	http   *http.Server
}

// New builds the server and its router.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Core == nil {
		return nil, fmt.Errorf("relay core is required")
	}
	if deps.Console == nil {
		return nil, fmt.Errorf("console is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8420"
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "http").Logger(),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(obsprom.DefaultRegistry, promhttp.HandlerOpts{}))

	r.Route("/relay", func(r chi.Router) {
		r.Post("/sessions/{sessionId}/messages", s.handleSubmit)
		r.Get("/sessions/{sessionId}/stream", s.handleStream)
		r.Get("/sessions/{sessionId}/ws", s.handleWS)
		r.Get("/traces/{messageId}", s.handleTrace)
		r.Get("/metrics/delivery", s.handleDeliveryMetrics)
		r.Get("/dead-letters", s.handleDeadLetters)
		r.Post("/index/rebuild", s.handleRebuild)
		r.Get("/endpoints", s.handleEndpoints)
		r.Get("/subscriptions", s.handleSubscriptions)
		r.Get("/breakers", s.handleBreakers)
		r.Get("/access-rules", s.handleAccessRules)
		r.Post("/webhook/{adapterId}", s.handleWebhook)
	})
	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleSubmit accepts one console message. Relay mode answers 202 with a
// receipt; legacy mode streams the full runtime response on this request.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	clientID := r.Header.Get(clientHeader)
	if clientID == "" {
		clientID = "default"
	}

	var body struct {
		Content string `json:"content"`
		CWD     string `json:"cwd"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	req := console.SubmitRequest{
		SessionID: sessionID,
		ClientID:  clientID,
		Content:   body.Content,
		CWD:       body.CWD,
	}

	if !s.deps.Console.RelayEnabled() {
		s.streamDirect(w, r, req)
		return
	}

	receipt, err := s.deps.Console.Submit(req)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// streamDirect is the legacy path: runtime events are written as SSE on
// the submit request itself.
func (s *Server) streamDirect(w http.ResponseWriter, r *http.Request, req console.SubmitRequest) {
	stream, err := s.deps.Console.SubmitDirect(r.Context(), req)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sseHeaders(w)
	for ev := range stream {
		if ev.Type == agentrt.EventError {
			writeSSE(w, flusher, "error", map[string]string{"error": ev.Err.Error()})
			return
		}
		writeSSE(w, flusher, string(ev.Type), ev)
	}
}

// handleStream is the long-lived per-session SSE stream carrying sync and
// relay events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.deps.Console.Hub().Attach(sessionID)
	defer cancel()

	sseHeaders(w)
	writeSSE(w, flusher, console.EventSyncConnected, map[string]string{"sessionId": sessionID})

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, flusher, ev.Name, ev.Data)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWS mirrors the session stream over a websocket for clients that
// cannot hold SSE connections open.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Console.Hub().Attach(sessionID)
	defer cancel()

	// Reader loop detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(wsFrame{Event: console.EventSyncConnected, Data: map[string]string{"sessionId": sessionID}}); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsFrame{Event: ev.Name, Data: ev.Data}); err != nil {
				return
			}
		}
	}
}

type wsFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleTrace resolves the message id to its trace and returns every span
// in sent order.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageId")
	span, err := s.deps.Core.GetSpan(messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if span == nil {
		writeError(w, http.StatusNotFound, "no trace recorded for message "+messageID)
		return
	}
	spans, err := s.deps.Core.GetTrace(span.TraceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traceId": span.TraceID, "spans": spans})
}

func (s *Server) handleDeliveryMetrics(w http.ResponseWriter, _ *http.Request) {
	m, err := s.deps.Core.GetDeliveryMetrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.deps.Core.GetDeadLetters(r.URL.Query().Get("endpointHash"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []maildir.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadLetters": letters, "count": len(letters)})
}

func (s *Server) handleRebuild(w http.ResponseWriter, _ *http.Request) {
	n, err := s.deps.Core.RebuildIndex()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": n})
}

func (s *Server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": s.deps.Core.Endpoints().List()})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": s.deps.Core.Subscriptions().List()})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Core.BreakerStates()})
}

func (s *Server) handleAccessRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.deps.Core.Access().ListRules()})
}

// handleWebhook pushes an external payload through the named adapter.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Adapters == nil {
		writeError(w, http.StatusNotFound, "no adapters configured")
		return
	}
	adapterID := chi.URLParam(r, "adapterId")
	a, ok := s.deps.Adapters.Get(adapterID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown adapter: "+adapterID)
		return
	}
	inbound, ok := a.(InboundAdapter)
	if !ok {
		writeError(w, http.StatusBadRequest, "adapter does not accept inbound webhooks: "+adapterID)
		return
	}

	var body struct {
		Subject string          `json:"subject"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Subject == "" {
		writeError(w, http.StatusBadRequest, "body must carry subject and payload")
		return
	}
	res, err := inbound.HandleInbound(body.Subject, body.Payload)
	if err != nil {
		writeRelayError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// metricsMiddleware records request counts and latency per route pattern.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, pattern, fmt.Sprintf("%d", ww.Status()), time.Since(start))
	})
}
