package receiver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/access"
	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/backpressure"
	"github.com/relayio/relay/pkg/breaker"
	"github.com/relayio/relay/pkg/endpoint"
	"github.com/relayio/relay/pkg/index"
	"github.com/relayio/relay/pkg/maildir"
	"github.com/relayio/relay/pkg/pulse"
	"github.com/relayio/relay/pkg/ratelimit"
	"github.com/relayio/relay/pkg/relay"
	"github.com/relayio/relay/pkg/subscription"
	"github.com/relayio/relay/pkg/trace"
)

type fixture struct {
	core    *relay.Core
	store   *maildir.Store
	traces  *trace.Store
	runs    *pulse.Store
	runtime *agentrt.Scripted
	rec     *Receiver
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
	rec, err := New(Deps{Core: core, Runtime: runtime, Runs: runs, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("receiver.New: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(rec.Stop)

	return &fixture{core: core, store: store, traces: traces, runs: runs, runtime: runtime, rec: rec}
}

func TestAgentMessage_StreamsBackToReplyTo(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{
		{Type: agentrt.EventTextDelta, Text: "hel"},
		{Type: agentrt.EventTextDelta, Text: "lo"},
		{Type: agentrt.EventCompleted},
	})
	if _, err := f.core.RegisterEndpoint("relay.agent.sess1"); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	console, err := f.core.RegisterEndpoint("relay.human.console.c1")
	if err != nil {
		t.Fatalf("register console: %v", err)
	}

	payload := json.RawMessage(`{
		"content": "hi",
		"platformData": {"cwd":"/proj","sessionId":"sess1","clientId":"c1","traceId":"t1"}
	}`)
	res, err := f.core.Publish("relay.agent.sess1", payload, relay.PublishOptions{
		From:    "relay.human.console.c1",
		ReplyTo: "relay.human.console.c1",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.DeliveredTo != 1 || res.TraceID != "t1" {
		t.Fatalf("result = %+v", res)
	}

	if len(f.runtime.Sessions) != 1 || f.runtime.Sessions[0] != "sess1" {
		t.Fatalf("sessions = %v", f.runtime.Sessions)
	}
	if len(f.runtime.Sent) != 1 || f.runtime.Sent[0] != "hi" {
		t.Fatalf("sent = %v", f.runtime.Sent)
	}

	// Each stream event lands in the console mailbox (no console subscriber,
	// so they wait in new/).
	ids, err := f.store.ListNew(console.Hash)
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("console new/ = %d", len(ids))
	}
	env, err := f.store.ReadEnvelope(console.Hash, maildir.BoxNew, ids[0])
	if err != nil || env == nil {
		t.Fatalf("ReadEnvelope: %v, %v", env, err)
	}
	if env.From != "relay.agent.sess1" {
		t.Fatalf("from = %q", env.From)
	}
	var ev agentrt.StreamEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.Type != agentrt.EventTextDelta || ev.Text != "hel" {
		t.Fatalf("event = %+v", ev)
	}

	sp, err := f.traces.GetSpanByMessageID(res.MessageID)
	if err != nil || sp == nil {
		t.Fatalf("span = %v, %v", sp, err)
	}
	if sp.Status != trace.StatusDelivered || sp.ProcessedAt == nil || sp.DeliveredAt == nil {
		t.Fatalf("span = %+v", sp)
	}

	// Replies join trace t1.
	spans, err := f.traces.GetTrace("t1")
	if err != nil {
		t.Fatalf("GetTrace: %v", err)
	}
	if len(spans) != 4 {
		t.Fatalf("trace spans = %d", len(spans))
	}
}

func TestAgentMessage_RuntimeErrorFailsSpan(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{
		{Type: agentrt.EventError, Err: fmt.Errorf("model unavailable")},
	})
	ep, _ := f.core.RegisterEndpoint("relay.agent.sess1")

	res, err := f.core.Publish("relay.agent.sess1",
		json.RawMessage(`{"content":"hi"}`),
		relay.PublishOptions{From: "relay.human.console.c1"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sp, _ := f.traces.GetSpanByMessageID(res.MessageID)
	if sp == nil || sp.Status != trace.StatusFailed || sp.Error == nil ||
		!strings.Contains(*sp.Error, "model unavailable") {
		t.Fatalf("span = %+v", sp)
	}
	failed, _ := f.store.ListFailed(ep.Hash)
	if len(failed) != 1 {
		t.Fatalf("failed/ = %d", len(failed))
	}
}

func TestPulseMessage_CompletesRunWithSummary(t *testing.T) {
	f := newFixture(t, []agentrt.StreamEvent{
		{Type: agentrt.EventTextDelta, Text: "report "},
		{Type: agentrt.EventTextDelta, Text: "ready"},
		{Type: agentrt.EventCompleted},
	})
	sc, err := f.runs.CreateSchedule(pulse.Schedule{Name: "n", Prompt: "do it", Cron: "* * * * *", Enabled: true})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	run, err := f.runs.CreateRun(sc.ID, "scheduled")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	subj := "relay.system.pulse." + sc.ID
	if _, err := f.core.RegisterEndpoint(subj); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload, _ := json.Marshal(pulse.DispatchPayload{
		Type:           pulse.DispatchType,
		ScheduleID:     sc.ID,
		RunID:          run.ID,
		Prompt:         "do it",
		PermissionMode: "default",
		ScheduleName:   sc.Name,
		Cron:           sc.Cron,
		Trigger:        "scheduled",
	})
	res, err := f.core.Publish(subj, payload, relay.PublishOptions{From: "relay.system.pulse"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if res.DeliveredTo != 1 {
		t.Fatalf("deliveredTo = %d", res.DeliveredTo)
	}

	got, err := f.runs.GetRun(run.ID)
	if err != nil || got == nil {
		t.Fatalf("run = %v, %v", got, err)
	}
	if got.Status != pulse.RunCompleted || got.Output != "report ready" {
		t.Fatalf("run = %+v", got)
	}
	if len(f.runtime.Sent) != 1 || f.runtime.Sent[0] != "do it" {
		t.Fatalf("sent = %v", f.runtime.Sent)
	}
}

func TestPulseMessage_InvalidPayloadDeadLettersWithoutExecuting(t *testing.T) {
	f := newFixture(t, nil)
	if _, err := f.core.RegisterEndpoint("relay.system.pulse.abc"); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := f.core.Publish("relay.system.pulse.abc",
		json.RawMessage(`{"type":"not_a_dispatch"}`),
		relay.PublishOptions{From: "relay.system.pulse"})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sp, _ := f.traces.GetSpanByMessageID(res.MessageID)
	if sp == nil || sp.Status != trace.StatusDeadLettered || sp.Error == nil ||
		!strings.Contains(*sp.Error, "invalid pulse dispatch payload") {
		t.Fatalf("span = %+v", sp)
	}
	if len(f.runtime.Sessions) != 0 {
		t.Fatal("invalid dispatch reached the runtime")
	}
}
