package web

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/access"
	"github.com/relayio/relay/pkg/adapter"
	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/backpressure"
	"github.com/relayio/relay/pkg/breaker"
	"github.com/relayio/relay/pkg/console"
	"github.com/relayio/relay/pkg/endpoint"
	"github.com/relayio/relay/pkg/index"
	"github.com/relayio/relay/pkg/maildir"
	"github.com/relayio/relay/pkg/pulse"
	"github.com/relayio/relay/pkg/ratelimit"
	"github.com/relayio/relay/pkg/receiver"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/subscription"
	"github.com/relayio/relay/pkg/trace"
)

type fixture struct {
	core    *relay.Core
	console *console.Console
	server  *Server
	enabled bool
}

func newFixture(t *testing.T, script []agentrt.StreamEvent) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := maildir.New(filepath.Join(dir, "mailboxes"))
	if err != nil {
		t.Fatalf("maildir: %v", err)
	}
	idx, err := index.Open(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	traces, err := trace.Open(filepath.Join(dir, "traces.db"))
	if err != nil {
		t.Fatalf("traces: %v", err)
	}
	t.Cleanup(func() { _ = traces.Close() })
	acl, err := access.New(filepath.Join(dir, "access-rules.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("access: %v", err)
	}
	t.Cleanup(func() { _ = acl.Close() })
	runs, err := pulse.OpenStore(filepath.Join(dir, "pulse.db"))
	if err != nil {
		t.Fatalf("pulse: %v", err)
	}
	t.Cleanup(func() { _ = runs.Close() })

	core, err := relay.New(relay.Deps{
		Maildir:       store,
		Index:         idx,
		Traces:        traces,
		Endpoints:     endpoint.NewRegistry(store),
		Subscriptions: subscription.NewRegistry(filepath.Join(dir, "subscriptions.json")),
		Access:        acl,
		RateLimiter:   ratelimit.New(ratelimit.Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 1000}, idx),
		Breakers:      breaker.New(breaker.DefaultConfig()),
		Backpressure:  backpressure.New(backpressure.DefaultConfig()),
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	runtime := &agentrt.Scripted{Script: script}
	rec, err := receiver.New(receiver.Deps{Core: core, Runtime: runtime, Runs: runs, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("receiver.New: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("receiver start: %v", err)
	}
	t.Cleanup(rec.Stop)

	if _, err := core.RegisterEndpoint("relay.agent.sess1"); err != nil {
		t.Fatalf("register agent: %v", err)
	}

	f := &fixture{core: core, enabled: true}
	con, err := console.New(console.Deps{
		Core:    core,
		Runtime: runtime,
		Enabled: func() bool { return f.enabled },
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("console.New: %v", err)
	}
	t.Cleanup(con.Close)
	f.console = con

	srv, err := New(Config{Addr: ":0"}, Deps{
		Core:    core,
		Console: con,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("web.New: %v", err)
	}
	f.server = srv
	return f
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitRelayModeReturnsReceipt(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{
		{Type: agentrt.EventTextDelta, Text: "hi"},
		{Type: agentrt.EventCompleted},
	})
	h := f.server.Router()

	rec := doJSON(t, h, http.MethodPost, "/relay/sessions/sess1/messages",
		`{"content":"hello","cwd":"/proj"}`, map[string]string{clientHeader: "c1"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var receipt console.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.MessageID == "" || receipt.TraceID == "" || receipt.DeliveredCount != 1 {
		t.Fatalf("receipt = %+v", receipt)
	}
}

func TestSubmitWithoutClientIDUsesDefault(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{{Type: agentrt.EventCompleted}})
	rec := doJSON(t, f.server.Router(), http.MethodPost, "/relay/sessions/sess1/messages",
		`{"content":"hello"}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !f.core.Endpoints().Has("relay.human.console.default") {
		t.Fatal("default console endpoint not registered")
	}

	rec = doJSON(t, f.server.Router(), http.MethodPost, "/relay/sessions/sess1/messages",
		`{"content":""}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty content status = %d, want 400", rec.Code)
	}
}

func TestSubmitLegacyModeStreamsOnRequest(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{
		{Type: agentrt.EventTextDelta, Text: "direct"},
		{Type: agentrt.EventCompleted},
	})
	f.enabled = false

	rec := doJSON(t, f.server.Router(), http.MethodPost, "/relay/sessions/sess1/messages",
		`{"content":"hello"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: text_delta") || !strings.Contains(body, "direct") {
		t.Fatalf("body = %q", body)
	}
}

func TestTraceRetrieval(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{{Type: agentrt.EventCompleted}})
	h := f.server.Router()

	if rec := doJSON(t, h, http.MethodGet, "/relay/traces/unknown", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown trace status = %d, want 404", rec.Code)
	}

	receipt, err := f.console.Submit(console.SubmitRequest{SessionID: "sess1", ClientID: "c1", Content: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	rec := doJSON(t, h, http.MethodGet, "/relay/traces/"+receipt.MessageID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out struct {
		TraceID string       `json:"traceId"`
		Spans   []trace.Span `json:"spans"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TraceID != receipt.TraceID || len(out.Spans) == 0 {
		t.Fatalf("trace = %+v", out)
	}
}

func TestAdminListings(t *testing.T) {
	f := newFixture(t, nil)
	h := f.server.Router()

	for _, path := range []string{
		"/relay/metrics/delivery",
		"/relay/dead-letters",
		"/relay/endpoints",
		"/relay/subscriptions",
		"/relay/breakers",
		"/relay/access-rules",
		"/healthz",
		"/metrics",
	} {
		if rec := doJSON(t, h, http.MethodGet, path, "", nil); rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, rec.Code)
		}
	}

	rec := doJSON(t, h, http.MethodPost, "/relay/index/rebuild", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rebuild status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "indexed") {
		t.Fatalf("rebuild body = %s", rec.Body.String())
	}
}

func TestWebhookRoute(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{{Type: agentrt.EventCompleted}})

	mgr := adapter.NewManager(f.core, "", zerolog.Nop())
	wh, err := adapter.NewWebhook(adapter.WebhookConfig{ID: "gh", URL: "http://hook.local/in"}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if err := mgr.Register(wh); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := mgr.Start("gh"); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(mgr.StopAll)
	f.server.deps.Adapters = mgr

	h := f.server.Router()
	rec := doJSON(t, h, http.MethodPost, "/relay/webhook/gh",
		`{"subject":"relay.agent.sess1","payload":{"content":"deploy done"}}`, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if rec := doJSON(t, h, http.MethodPost, "/relay/webhook/nope", `{"subject":"x","payload":{}}`, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown adapter status = %d, want 404", rec.Code)
	}
}

func TestSessionStreamSendsSyncConnected(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Router())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/relay/sessions/sess1/stream", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(line, "sync_connected") {
		t.Fatalf("first event line = %q", line)
	}
	cancel()
}
