package access

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newController(t *testing.T, path string) *Controller {
	t.Helper()
	c, err := New(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCheck_DefaultAllow(t *testing.T) {
	c := newController(t, filepath.Join(t.TempDir(), "access-rules.json"))
	d := c.Check("relay.human.console.c1", "relay.agent.s1")
	if !d.Allowed || d.MatchedRule != nil {
		t.Fatalf("decision = %+v", d)
	}
}

func TestCheck_PriorityOrderFirstMatchWins(t *testing.T) {
	c := newController(t, filepath.Join(t.TempDir(), "access-rules.json"))
	if err := c.AddRule(Rule{From: "relay.human.>", To: "relay.agent.>", Action: ActionAllow, Priority: 10}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := c.AddRule(Rule{From: "relay.human.console.evil", To: "relay.agent.>", Action: ActionDeny, Priority: 100}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	d := c.Check("relay.human.console.evil", "relay.agent.s1")
	if d.Allowed {
		t.Fatal("high-priority deny rule should win")
	}
	if d.MatchedRule == nil || d.MatchedRule.Priority != 100 {
		t.Fatalf("matched = %+v", d.MatchedRule)
	}

	d = c.Check("relay.human.console.good", "relay.agent.s1")
	if !d.Allowed || d.MatchedRule == nil || d.MatchedRule.Priority != 10 {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAddRule_UpsertsByTriple(t *testing.T) {
	c := newController(t, filepath.Join(t.TempDir(), "access-rules.json"))
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 5})
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionAllow, Priority: 5})

	rules := c.ListRules()
	if len(rules) != 1 {
		t.Fatalf("rules = %+v", rules)
	}
	if rules[0].Action != ActionAllow {
		t.Fatalf("upsert did not replace action: %+v", rules[0])
	}

	// Same from/to at a different priority is a distinct rule.
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 9})
	if len(c.ListRules()) != 2 {
		t.Fatalf("rules = %+v", c.ListRules())
	}
}

func TestRemoveRule_RemovesAllPriorities(t *testing.T) {
	c := newController(t, filepath.Join(t.TempDir(), "access-rules.json"))
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 5})
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 9})
	_ = c.AddRule(Rule{From: "relay.x.>", To: "relay.b.>", Action: ActionDeny, Priority: 1})

	removed, err := c.RemoveRule("relay.a.>", "relay.b.>")
	if err != nil || !removed {
		t.Fatalf("RemoveRule = %v, %v", removed, err)
	}
	if len(c.ListRules()) != 1 {
		t.Fatalf("rules = %+v", c.ListRules())
	}

	removed, err = c.RemoveRule("relay.a.>", "relay.b.>")
	if err != nil || removed {
		t.Fatalf("second RemoveRule = %v, %v", removed, err)
	}
}

func TestListRules_ReturnsSnapshot(t *testing.T) {
	c := newController(t, filepath.Join(t.TempDir(), "access-rules.json"))
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 5})
	rules := c.ListRules()
	rules[0].Action = ActionAllow
	if c.ListRules()[0].Action != ActionDeny {
		t.Fatal("snapshot mutation leaked into controller")
	}
}

func TestLoad_CorruptFileDegradesToDefaultAllow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	if err := os.WriteFile(path, []byte("{broken"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c := newController(t, path)
	if d := c.Check("relay.a.x", "relay.b.y"); !d.Allowed {
		t.Fatal("corrupt rules file must default to allow")
	}
}

func TestHotReload_PicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	c := newController(t, path)

	if d := c.Check("relay.human.console.c1", "relay.agent.s1"); !d.Allowed {
		t.Fatal("expected default allow before edit")
	}

	data, err := json.Marshal([]Rule{{From: "relay.human.>", To: "relay.agent.>", Action: ActionDeny, Priority: 50}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d := c.Check("relay.human.console.c1", "relay.agent.s1"); !d.Allowed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("external edit was not picked up")
}

func TestHotReload_IgnoresTransientInvalidState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access-rules.json")
	c := newController(t, path)
	_ = c.AddRule(Rule{From: "relay.a.>", To: "relay.b.>", Action: ActionDeny, Priority: 5})

	// A half-written file must not wipe the live rule set.
	if err := os.WriteFile(path, []byte(`[{"from":"relay`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if d := c.Check("relay.a.x", "relay.b.y"); d.Allowed {
		t.Fatal("live rules were replaced by an invalid file")
	}
}
