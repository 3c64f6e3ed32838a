package envelope

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGenerator_MonotonicIDs(t *testing.T) {
	g := NewGenerator()
	prev := g.Next()
	if len(prev) != 26 {
		t.Fatalf("ulid length = %d, want 26", len(prev))
	}
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if id <= prev {
			t.Fatalf("ids not monotonic: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestNew_ValidatesSubjects(t *testing.T) {
	g := NewGenerator()
	b := DefaultBudget(time.Now())

	if _, err := New(g, "relay.agent.*", "relay.human.console.c1", "", b, nil); err == nil {
		t.Fatal("wildcard subject must be rejected")
	}
	if _, err := New(g, "relay.agent.s", "", "", b, nil); err == nil {
		t.Fatal("empty sender must be rejected")
	}
	if _, err := New(g, "relay.agent.s", "relay.human.console.c1", "bad..reply", b, nil); err == nil {
		t.Fatal("invalid replyTo must be rejected")
	}

	env, err := New(g, "relay.agent.s", "relay.human.console.c1", "", b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if string(env.Payload) != "null" {
		t.Fatalf("nil payload should encode as null, got %q", env.Payload)
	}
}

func TestEnvelope_JSONRoundTrip(t *testing.T) {
	g := NewGenerator()
	b := DefaultBudget(time.Now())
	env, err := New(g, "relay.agent.sess1", "relay.human.console.c1", "relay.human.console.c1",
		b, json.RawMessage(`{"content":"hi"}`))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ID != env.ID || back.Subject != env.Subject || back.From != env.From ||
		back.ReplyTo != env.ReplyTo || back.CreatedAt != env.CreatedAt {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, env)
	}
	if back.Budget.HopCount != env.Budget.HopCount || back.Budget.MaxHops != env.Budget.MaxHops ||
		back.Budget.TTL != env.Budget.TTL || back.Budget.CallBudgetRemaining != env.Budget.CallBudgetRemaining {
		t.Fatalf("budget mismatch: %+v vs %+v", back.Budget, env.Budget)
	}
	if string(back.Payload) != `{"content":"hi"}` {
		t.Fatalf("payload = %s", back.Payload)
	}
}

func TestBudget_Next_DoesNotShareChain(t *testing.T) {
	b := Budget{HopCount: 0, MaxHops: 5, AncestorChain: []string{"a.b"}, TTL: 1, CallBudgetRemaining: 2}
	n := b.Next("c.d")
	n.AncestorChain[0] = "mutated"
	if b.AncestorChain[0] != "a.b" {
		t.Fatal("Next must copy the ancestor chain")
	}
	if n.HopCount != 1 {
		t.Fatalf("hopCount = %d", n.HopCount)
	}
}
