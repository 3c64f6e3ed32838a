// Package adapter bridges remote channels (Telegram, outbound webhooks)
// into the relay bus. Adapters own their protocol specifics; the manager
// owns lifecycle, outbound routing and status persistence.
package adapter

import (
	"encoding/json"

	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
)

// Adapter states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateError        = "error"
	StateStopping     = "stopping"
)

// Publisher is the slice of the relay core adapters publish inbound
// traffic through.
type Publisher interface {
	Publish(subj string, payload json.RawMessage, opts relay.PublishOptions) (*relay.PublishResult, error)
	// EnsureEndpoint registers a mailbox for a subject the adapter derives
	// itself, so inbound publishes have somewhere to land.
	EnsureEndpoint(subj string) error
}

// DeliveryResult is the outcome of one outbound delivery.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	DeadLettered      bool   `json:"deadLettered,omitempty"`
	ResponseMessageID string `json:"responseMessageId,omitempty"`
	DurationMs        int64  `json:"durationMs,omitempty"`
}

// Status is a snapshot of an adapter's runtime state.
type Status struct {
	State         string `json:"state"`
	InboundCount  int64  `json:"inboundCount"`
	OutboundCount int64  `json:"outboundCount"`
	ErrorCount    int64  `json:"errorCount"`
	LastError     string `json:"lastError,omitempty"`
	StartedAt     *int64 `json:"startedAt,omitempty"`
}

// Adapter is the channel bridge contract. Start and Stop are idempotent;
// Stop must drain in-flight work.
type Adapter interface {
	ID() string
	SubjectPrefixes() []string
	DisplayName() string
	Start(publisher Publisher) error
	Stop() error
	Deliver(subj string, env *envelope.Envelope) DeliveryResult
	GetStatus() Status
}

// ConnectionTester is implemented by adapters that support a
// non-destructive credential check.
type ConnectionTester interface {
	TestConnection() error
}
