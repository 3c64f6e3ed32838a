package agentrt

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// CLI runs an agent as a subprocess per message: the prompt goes on argv,
// stdout lines stream back as text deltas. Session state lives with the
// agent binary; the CLI only remembers per-session working directories.
type CLI struct {
	// Command is the argv prefix, e.g. ["agent", "--print"].
	Command []string

	mu       sync.Mutex
	sessions map[string]SessionOptions
}

// NewCLI builds a subprocess-backed runtime.
func NewCLI(command []string) (*CLI, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command is required")
	}
	return &CLI{
		Command:  append([]string(nil), command...),
		sessions: make(map[string]SessionOptions),
	}, nil
}

// EnsureSession records the session's options for later sends.
func (c *CLI) EnsureSession(_ context.Context, sessionID string, opts SessionOptions) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	c.mu.Lock()
	c.sessions[sessionID] = opts
	c.mu.Unlock()
	return nil
}

// SendMessage launches one subprocess turn and streams its stdout.
func (c *CLI) SendMessage(ctx context.Context, sessionID, content string) (<-chan StreamEvent, error) {
	c.mu.Lock()
	opts, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}

	args := append(append([]string(nil), c.Command[1:]...), "--session", sessionID, content)
	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	if opts.CWD != "" {
		cmd.Dir = opts.CWD
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case out <- StreamEvent{Type: EventTextDelta, Text: scanner.Text() + "\n"}:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				out <- StreamEvent{Type: EventError, Err: ctx.Err()}
				return
			}
		}
		if err := cmd.Wait(); err != nil {
			out <- StreamEvent{Type: EventError, Err: err}
			return
		}
		out <- StreamEvent{Type: EventCompleted}
	}()
	return out, nil
}
