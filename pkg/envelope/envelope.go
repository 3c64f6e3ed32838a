// Package envelope defines the published unit of the Relay bus: an Envelope
// carrying an opaque JSON payload plus the delivery Budget that bounds
// multi-agent fan-out (hops, TTL, call budget, ancestor chain).
package envelope

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/relayio/relay/pkg/subject"
)

// Envelope is a published message. Payload is opaque to Relay.
type Envelope struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	Budget    Budget          `json:"budget"`
	CreatedAt string          `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Budget carries the per-message safety limits. Senders treat budgets as
// immutable: a downstream republish starts from the incoming budget with the
// hop incremented and the visited subject appended (see Next).
type Budget struct {
	HopCount            int      `json:"hopCount"`
	MaxHops             int      `json:"maxHops"`
	AncestorChain       []string `json:"ancestorChain"`
	TTL                 int64    `json:"ttl"` // absolute epoch ms deadline
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
}

// Default budget limits.
const (
	DefaultMaxHops    = 5
	DefaultCallBudget = 10
	DefaultTTLWindow  = time.Hour
)

// DefaultBudget returns the standard budget: 5 hops, 10 calls, 1h TTL.
func DefaultBudget(now time.Time) Budget {
	return Budget{
		HopCount:            0,
		MaxHops:             DefaultMaxHops,
		AncestorChain:       []string{},
		TTL:                 now.Add(DefaultTTLWindow).UnixMilli(),
		CallBudgetRemaining: DefaultCallBudget,
	}
}

// Override carries caller-supplied budget fields for a publish. Zero-valued
// fields keep the default. TTLMs is a window relative to now; TTL is an
// absolute deadline and wins when both are set.
type Override struct {
	HopCount            int
	MaxHops             int
	AncestorChain       []string
	TTL                 int64
	TTLMs               int64
	CallBudgetRemaining *int
}

// Merge applies an override on top of a default budget.
func Merge(def Budget, o *Override) Budget {
	if o == nil {
		return def
	}
	b := def
	if o.HopCount > 0 {
		b.HopCount = o.HopCount
	}
	if o.MaxHops > 0 {
		b.MaxHops = o.MaxHops
	}
	if o.AncestorChain != nil {
		b.AncestorChain = append([]string(nil), o.AncestorChain...)
	}
	if o.TTL > 0 {
		b.TTL = o.TTL
	} else if o.TTLMs > 0 {
		b.TTL = time.Now().UnixMilli() + o.TTLMs
	}
	if o.CallBudgetRemaining != nil {
		b.CallBudgetRemaining = *o.CallBudgetRemaining
	}
	return b
}

// Next derives the budget for a downstream republish from target: hop
// incremented, target appended to a fresh ancestor chain. The receiver
// bridge uses this when it forwards stream events.
func (b Budget) Next(target string) Budget {
	chain := make([]string, 0, len(b.AncestorChain)+1)
	chain = append(chain, b.AncestorChain...)
	chain = append(chain, target)
	n := b
	n.HopCount++
	n.AncestorChain = chain
	return n
}

// TTLRemaining returns the milliseconds left before the deadline (may be
// negative once expired).
func (b Budget) TTLRemaining(now time.Time) int64 {
	return b.TTL - now.UnixMilli()
}

// Generator produces monotonically increasing ULID identifiers. Two ids
// generated back-to-back from one Generator satisfy id1 < id2
// lexicographically, which is what keeps maildir filenames FIFO.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewGenerator creates a ULID generator with monotonic entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns a fresh 26-char ULID.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// New constructs an envelope for publish. The subject and from must be
// concrete subjects; replyTo may be empty.
func New(gen *Generator, subj, from, replyTo string, budget Budget, payload json.RawMessage) (*Envelope, error) {
	if err := subject.Validate(subj); err != nil {
		return nil, fmt.Errorf("invalid subject: %w", err)
	}
	if err := subject.Validate(from); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if replyTo != "" {
		if err := subject.Validate(replyTo); err != nil {
			return nil, fmt.Errorf("invalid replyTo: %w", err)
		}
	}
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return &Envelope{
		ID:        gen.Next(),
		Subject:   subj,
		From:      from,
		ReplyTo:   replyTo,
		Budget:    budget,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}, nil
}
