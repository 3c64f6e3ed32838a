package agentrt

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collectCLI(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream events, got %d so far", len(events))
		}
	}
}

func TestNewCLIRequiresCommand(t *testing.T) {
	if _, err := NewCLI(nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCLISendMessageStreamsStdoutLines(t *testing.T) {
	// sh -c ignores the trailing --session/content args as positional
	// parameters, so the script output is deterministic.
	cli, err := NewCLI([]string{"sh", "-c", "echo alpha; echo beta"})
	if err != nil {
		t.Fatalf("NewCLI: %v", err)
	}
	ctx := context.Background()
	if err := cli.EnsureSession(ctx, "s1", SessionOptions{CWD: t.TempDir()}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}

	ch, err := cli.SendMessage(ctx, "s1", "hello")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	events := collectCLI(t, ch)

	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Type != EventTextDelta {
			t.Fatalf("event type = %q, want text_delta", ev.Type)
		}
		text.WriteString(ev.Text)
	}
	if got := text.String(); got != "alpha\nbeta\n" {
		t.Fatalf("streamed text = %q", got)
	}
	if last := events[len(events)-1]; last.Type != EventCompleted {
		t.Fatalf("final event = %+v, want completed", last)
	}
}

func TestCLISendMessageUnknownSession(t *testing.T) {
	cli, err := NewCLI([]string{"true"})
	if err != nil {
		t.Fatalf("NewCLI: %v", err)
	}
	if _, err := cli.SendMessage(context.Background(), "ghost", "hi"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestCLISendMessageReportsExitFailure(t *testing.T) {
	cli, err := NewCLI([]string{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("NewCLI: %v", err)
	}
	ctx := context.Background()
	if err := cli.EnsureSession(ctx, "s1", SessionOptions{}); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	ch, err := cli.SendMessage(ctx, "s1", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	events := collectCLI(t, ch)
	last := events[len(events)-1]
	if last.Type != EventError || last.Err == nil {
		t.Fatalf("final event = %+v, want error", last)
	}
}
