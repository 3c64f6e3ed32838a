package envelope

import (
	"fmt"
	"time"
)

// Machine-readable budget violation codes. Trace spans embed these as error
// substrings so the §4.3-style aggregate counters stay deterministic.
const (
	CodeHopLimit        = "hop_limit_exceeded"
	CodeTTLExpired      = "ttl_expired"
	CodeCycleDetected   = "cycle_detected"
	CodeBudgetExhausted = "budget_exhausted"
)

// Violation is a budget rejection: a machine code plus the human reason
// written to dead letters.
type Violation struct {
	Code   string
	Reason string
}

func (v *Violation) Error() string { return v.Reason }

// TraceReason renders the form stored on trace spans, carrying both the
// machine code and the human phrase.
func (v *Violation) TraceReason() string { return v.Code + ": " + v.Reason }

// Enforcer applies the budget admission checks. The check order is part of
// the contract: hop limit, then cycle, then TTL, then call budget.
type Enforcer struct {
	// Now is the clock; defaults to time.Now. Tests override it.
	Now func() time.Time
}

// NewEnforcer returns an enforcer on the wall clock.
func NewEnforcer() *Enforcer {
	return &Enforcer{Now: time.Now}
}

// Check admits or rejects delivery of a budget to the target subject. On
// success it returns the updated budget: hop incremented, target appended to
// a fresh ancestor chain, call budget decremented, TTL and maxHops
// unchanged. The input budget is never mutated.
func (e *Enforcer) Check(b Budget, target string) (Budget, *Violation) {
	if b.HopCount >= b.MaxHops {
		return Budget{}, &Violation{
			Code:   CodeHopLimit,
			Reason: fmt.Sprintf("max hops exceeded (%d/%d)", b.HopCount, b.MaxHops),
		}
	}
	for _, ancestor := range b.AncestorChain {
		if ancestor == target {
			return Budget{}, &Violation{
				Code:   CodeCycleDetected,
				Reason: fmt.Sprintf("cycle detected: %s already in chain", target),
			}
		}
	}
	// Boundary: a TTL exactly equal to now still passes.
	if e.Now().UnixMilli() > b.TTL {
		return Budget{}, &Violation{
			Code:   CodeTTLExpired,
			Reason: "message expired (TTL)",
		}
	}
	if b.CallBudgetRemaining == 0 {
		return Budget{}, &Violation{
			Code:   CodeBudgetExhausted,
			Reason: "call budget exhausted",
		}
	}

	updated := b.Next(target)
	updated.CallBudgetRemaining--
	return updated, nil
}
