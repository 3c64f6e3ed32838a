package agentrt

import (
	"context"
	"sync"
)

// Scripted is a Runtime that replays a fixed event script. Used by tests and
// by the receiver and scheduler packages' own tests.
type Scripted struct {
	mu sync.Mutex

	// Script is replayed on every SendMessage call.
	Script []StreamEvent
	// EnsureErr, when set, fails EnsureSession.
	EnsureErr error
	// SendErr, when set, fails SendMessage before any event.
	SendErr error

	Sessions []string
	Sent     []string
}

// EnsureSession records the session id.
func (s *Scripted) EnsureSession(ctx context.Context, sessionID string, opts SessionOptions) error {
	if s.EnsureErr != nil {
		return s.EnsureErr
	}
	s.mu.Lock()
	s.Sessions = append(s.Sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// SendMessage records the content and streams the script, honoring ctx
// cancellation between events.
func (s *Scripted) SendMessage(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error) {
	if s.SendErr != nil {
		return nil, s.SendErr
	}
	s.mu.Lock()
	s.Sent = append(s.Sent, content)
	script := append([]StreamEvent(nil), s.Script...)
	s.mu.Unlock()

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
