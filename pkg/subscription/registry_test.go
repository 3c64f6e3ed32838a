package subscription

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayio/relay/pkg/envelope"
)

func nopHandler(*envelope.Envelope) error { return nil }

func TestSubscribe_MatchOrderIsInsertionOrder(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "subscriptions.json"))

	var order []string
	mk := func(name string) Handler {
		return func(*envelope.Envelope) error {
			order = append(order, name)
			return nil
		}
	}
	if _, err := r.Subscribe("relay.agent.>", mk("first")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Subscribe("relay.agent.*", mk("second")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := r.Subscribe("relay.system.>", mk("other")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	matches := r.Matches("relay.agent.sess1")
	if len(matches) != 2 {
		t.Fatalf("matches = %d", len(matches))
	}
	for _, m := range matches {
		_ = m.Handler(nil)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestSubscribe_RejectsInvalidPatterns(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "subscriptions.json"))
	for _, p := range []string{"", "a..b", "relay.>.x"} {
		if _, err := r.Subscribe(p, nopHandler); err == nil {
			t.Fatalf("pattern %q accepted", p)
		}
	}
	if _, err := r.Subscribe("relay.agent.>", nil); err == nil {
		t.Fatal("nil handler accepted")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "subscriptions.json"))
	cancel, err := r.Subscribe("relay.agent.>", nopHandler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cancel()
	cancel() // no-op
	if len(r.Matches("relay.agent.s")) != 0 {
		t.Fatal("subscription survived cancel")
	}
	if len(r.List()) != 0 {
		t.Fatal("list not empty after cancel")
	}
}

func TestRemoveAll_HandlesBecomeNoOps(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "subscriptions.json"))
	cancel, _ := r.Subscribe("relay.agent.>", nopHandler)
	if err := r.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	cancel() // must not panic or resurrect anything
	if len(r.List()) != 0 {
		t.Fatal("subscriptions remain after RemoveAll")
	}
}

func TestPersistence_RestoresInertHandlers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")

	r1 := NewRegistry(path)
	if _, err := r1.Subscribe("relay.agent.>", nopHandler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	before := r1.List()

	r2 := NewRegistry(path)
	after := r2.List()
	if len(after) != 1 || after[0].ID != before[0].ID || after[0].Pattern != before[0].Pattern {
		t.Fatalf("identity not preserved: %+v vs %+v", after, before)
	}

	matches := r2.Matches("relay.agent.sess1")
	if len(matches) != 1 || !matches[0].Inert || matches[0].Handler != nil {
		t.Fatalf("restored handler should be inert: %+v", matches)
	}
}

func TestRewire_AttachesHandlerToRestoredEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	r1 := NewRegistry(path)
	if _, err := r1.Subscribe("relay.agent.>", nopHandler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r2 := NewRegistry(path)
	called := false
	if !r2.Rewire("relay.agent.>", func(*envelope.Envelope) error {
		called = true
		return nil
	}) {
		t.Fatal("Rewire found no inert entry")
	}

	matches := r2.Matches("relay.agent.sess1")
	if len(matches) != 1 || matches[0].Inert {
		t.Fatalf("entry still inert: %+v", matches)
	}
	_ = matches[0].Handler(nil)
	if !called {
		t.Fatal("rewired handler not invoked")
	}

	if r2.Rewire("relay.other.>", nopHandler) {
		t.Fatal("Rewire matched a pattern that was never persisted")
	}
}

func TestRestore_CorruptFileDegradesToEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := NewRegistry(path)
	if len(r.List()) != 0 {
		t.Fatal("corrupt file should restore as empty")
	}
	// Registry stays usable.
	if _, err := r.Subscribe("relay.agent.>", nopHandler); err != nil {
		t.Fatalf("Subscribe after corrupt restore: %v", err)
	}
}
