package ratelimit

import (
	"strings"
	"testing"
	"time"
)

type fixedCounter struct {
	count int
	calls int
}

func (f *fixedCounter) CountSenderInWindow(sender, windowStartISO string) (int, error) {
	f.calls++
	return f.count, nil
}

func TestCheck_UnderLimitAllows(t *testing.T) {
	c := &fixedCounter{count: 4}
	l := New(Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 5}, c)

	res, err := l.Check("relay.human.console.c1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed || res.Count != 4 || res.Limit != 5 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCheck_AtLimitRejectsWithDiagnostics(t *testing.T) {
	c := &fixedCounter{count: 5}
	l := New(Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 5}, c)

	res, err := l.Check("relay.human.console.c1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Allowed {
		t.Fatal("count == limit must reject")
	}
	want := "rate limit exceeded: 5/5 messages in 60s window"
	if res.Reason != want {
		t.Fatalf("reason = %q, want %q", res.Reason, want)
	}
}

func TestCheck_DisabledSkipsCounter(t *testing.T) {
	c := &fixedCounter{count: 1000}
	l := New(Config{Enabled: false, WindowSecs: 60, MaxPerWindow: 1}, c)

	res, err := l.Check("relay.human.console.c1")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Allowed || res.Reason != "" {
		t.Fatalf("result = %+v", res)
	}
	if c.calls != 0 {
		t.Fatal("disabled limiter queried the counter")
	}
}

func TestResolveLimit_LongestPrefixWins(t *testing.T) {
	l := New(Config{
		Enabled:      true,
		WindowSecs:   60,
		MaxPerWindow: 100,
		PerSenderOverrides: map[string]int{
			"relay.human":            10,
			"relay.human.console":    20,
			"relay.human.console.c1": 3,
		},
	}, &fixedCounter{})

	cases := []struct {
		from string
		want int
	}{
		{"relay.human.console.c1", 3},
		{"relay.human.console.c2", 20},
		{"relay.human.telegram.u9", 10},
		{"relay.agent.s1", 100},
	}
	for _, tc := range cases {
		if got := l.ResolveLimit(tc.from); got != tc.want {
			t.Fatalf("ResolveLimit(%q) = %d, want %d", tc.from, got, tc.want)
		}
	}
}

func TestCheck_WindowStartIsRFC3339(t *testing.T) {
	var seen string
	l := New(Config{Enabled: true, WindowSecs: 60, MaxPerWindow: 5}, counterFunc(func(sender, windowStartISO string) (int, error) {
		seen = windowStartISO
		return 0, nil
	}))
	fixed := time.Date(2026, 8, 24, 12, 1, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if _, err := l.Check("relay.human.console.c1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !strings.HasPrefix(seen, "2026-08-24T12:00:00") {
		t.Fatalf("window start = %q", seen)
	}
}

type counterFunc func(sender, windowStartISO string) (int, error)

func (f counterFunc) CountSenderInWindow(sender, windowStartISO string) (int, error) {
	return f(sender, windowStartISO)
}
