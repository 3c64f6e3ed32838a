package main

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/config"
	"github.com/relayio/relay/pkg/console"
	"github.com/relayio/relay/pkg/pulse"
)

// testConfig wires the daemon against a throwaway data dir and a shell
// stand-in for the agent binary.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Agent.Command = []string{"sh", "-c", "echo pong"}
	return cfg
}

func drainEvents(ch <-chan console.Event) map[string]int {
	counts := make(map[string]int)
	for {
		select {
		case ev := <-ch:
			counts[ev.Name]++
		default:
			return counts
		}
	}
}

func TestDaemonConsoleSubmitRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	config.SetRelayEnabled(cfg.Enabled)
	d, err := buildDaemon(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	t.Cleanup(d.Close)

	stream, cancel := d.console.Hub().Attach("sess1")
	defer cancel()

	receipt, err := d.console.Submit(console.SubmitRequest{
		SessionID: "sess1",
		ClientID:  "c1",
		Content:   "ping",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if receipt.DeliveredCount != 1 {
		t.Fatalf("deliveredCount = %d, want 1", receipt.DeliveredCount)
	}
	if receipt.MessageID == "" || receipt.TraceID == "" {
		t.Fatalf("receipt = %+v", receipt)
	}

	// One text delta plus the completion event, streamed back through the
	// console endpoint.
	counts := drainEvents(stream)
	if counts[console.EventRelayMessage] != 2 {
		t.Fatalf("relay_message events = %d, want 2", counts[console.EventRelayMessage])
	}
	if counts[console.EventRelayReceipt] != 1 {
		t.Fatalf("relay_receipt events = %d, want 1", counts[console.EventRelayReceipt])
	}
}

func TestDaemonPulseDispatchRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	config.SetRelayEnabled(cfg.Enabled)
	d, err := buildDaemon(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildDaemon: %v", err)
	}
	t.Cleanup(d.Close)

	sc, err := d.scheduler.AddSchedule(pulse.Schedule{
		Name:    "nightly",
		Prompt:  "summarize the day",
		Cron:    "0 3 * * *",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("AddSchedule: %v", err)
	}
	d.scheduler.Dispatch(sc.ID, "manual")

	runs, err := d.runs.ListRuns(sc.ID, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %v, %v", runs, err)
	}
	run := runs[0]
	if run.Status != pulse.RunCompleted {
		t.Fatalf("run = %+v", run)
	}
	if !strings.Contains(run.Output, "pong") {
		t.Fatalf("output = %q", run.Output)
	}
}
