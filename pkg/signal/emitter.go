// Package signal is the ephemeral side-channel for typing, presence and
// receipt events. Pure in-memory: nothing here persists or touches the
// filesystem.
package signal

import (
	"fmt"
	"sync"
	"time"

	"github.com/relayio/relay/pkg/subject"
)

// Signal types.
const (
	TypeTyping          = "typing"
	TypePresence        = "presence"
	TypeReadReceipt     = "read_receipt"
	TypeDeliveryReceipt = "delivery_receipt"
	TypeProgress        = "progress"
)

// Signal is one ephemeral event addressed at an endpoint subject.
type Signal struct {
	Type            string         `json:"type"`
	State           string         `json:"state"`
	EndpointSubject string         `json:"endpointSubject"`
	Timestamp       int64          `json:"timestamp"`
	Data            map[string]any `json:"data,omitempty"`
}

// New builds a signal stamped with the current time.
func New(typ, state, endpointSubject string) Signal {
	return Signal{
		Type:            typ,
		State:           state,
		EndpointSubject: endpointSubject,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// Handler receives emitted signals. A returned error propagates to the
// emitter's caller and stops delivery to later handlers.
type Handler func(Signal) error

type sub struct {
	pattern  string
	handler  Handler
	canceled bool
}

// Emitter is a thin in-memory topic dispatcher with the same wildcard rules
// as subscriptions.
type Emitter struct {
	mu   sync.RWMutex
	subs []*sub
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a handler for endpoint subjects matching pattern and
// returns an idempotent cancellation handle.
func (e *Emitter) Subscribe(pattern string, h Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	s := &sub{pattern: pattern, handler: h}

	e.mu.Lock()
	e.subs = append(e.subs, s)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, cur := range e.subs {
				if cur == s {
					e.subs = append(e.subs[:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}, nil
}

// Emit delivers the signal to matching handlers in subscription order.
// The first handler error aborts delivery and is returned to the caller;
// later handlers do not fire on that emission.
func (e *Emitter) Emit(sig Signal) error {
	e.mu.RLock()
	matched := make([]Handler, 0, len(e.subs))
	for _, s := range e.subs {
		if subject.Match(s.pattern, sig.EndpointSubject) {
			matched = append(matched, s.handler)
		}
	}
	e.mu.RUnlock()

	for _, h := range matched {
		if err := h(sig); err != nil {
			return err
		}
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions.
func (e *Emitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
