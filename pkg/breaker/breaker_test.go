package breaker

import (
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{Enabled: true, FailureThreshold: 3, CooldownMs: 1000, SuccessToClose: 2}
}

func TestCheck_UnknownEndpointStartsClosed(t *testing.T) {
	r := New(testConfig())
	res := r.Check("abc123def456")
	if !res.Allowed || res.State != StateClosed {
		t.Fatalf("result = %+v", res)
	}
	if got := r.GetStates()["abc123def456"]; got != StateClosed {
		t.Fatalf("state = %q", got)
	}
}

func TestFailureThreshold_OpensAndRejects(t *testing.T) {
	r := New(testConfig())
	hash := "abc123def456"

	r.RecordFailure(hash)
	r.RecordFailure(hash)
	if res := r.Check(hash); !res.Allowed {
		t.Fatal("breaker opened below threshold")
	}
	r.RecordFailure(hash)

	res := r.Check(hash)
	if res.Allowed || res.State != StateOpen {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Reason, "circuit open for endpoint "+hash) {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestCooldown_TransitionsToHalfOpenThenCloses(t *testing.T) {
	r := New(testConfig())
	hash := "abc123def456"
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		r.RecordFailure(hash)
	}
	if res := r.Check(hash); res.Allowed {
		t.Fatal("open breaker admitted before cooldown")
	}

	now = now.Add(1100 * time.Millisecond)
	res := r.Check(hash)
	if !res.Allowed || res.State != StateHalfOpen {
		t.Fatalf("post-cooldown result = %+v", res)
	}

	r.RecordSuccess(hash)
	if got := r.GetStates()[hash]; got != StateHalfOpen {
		t.Fatalf("state after one success = %q", got)
	}
	r.RecordSuccess(hash)
	if got := r.GetStates()[hash]; got != StateClosed {
		t.Fatalf("state after successToClose = %q", got)
	}
}

func TestHalfOpenFailure_ReopensAndRestartsCooldown(t *testing.T) {
	r := New(testConfig())
	hash := "abc123def456"
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		r.RecordFailure(hash)
	}
	now = now.Add(1100 * time.Millisecond)
	if res := r.Check(hash); res.State != StateHalfOpen {
		t.Fatalf("state = %q", res.State)
	}

	r.RecordFailure(hash)
	if res := r.Check(hash); res.Allowed {
		t.Fatal("half-open failure did not reopen")
	}

	// Cooldown restarts from the half-open failure.
	now = now.Add(1100 * time.Millisecond)
	if res := r.Check(hash); !res.Allowed || res.State != StateHalfOpen {
		t.Fatalf("result = %+v", res)
	}
}

func TestRecordSuccess_UnknownEndpointIsNoOp(t *testing.T) {
	r := New(testConfig())
	r.RecordSuccess("never-seen")
	if len(r.GetStates()) != 0 {
		t.Fatal("success created an endpoint entry")
	}
}

func TestReset_NextCheckStartsClosed(t *testing.T) {
	r := New(testConfig())
	hash := "abc123def456"
	for i := 0; i < 3; i++ {
		r.RecordFailure(hash)
	}
	r.Reset(hash)

	res := r.Check(hash)
	if !res.Allowed || res.State != StateClosed {
		t.Fatalf("result after reset = %+v", res)
	}
}

func TestDisabled_AlwaysAllowsReportingClosed(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	r := New(cfg)
	hash := "abc123def456"

	for i := 0; i < 10; i++ {
		r.RecordFailure(hash)
	}
	res := r.Check(hash)
	if !res.Allowed || res.State != StateClosed {
		t.Fatalf("result = %+v", res)
	}
}
