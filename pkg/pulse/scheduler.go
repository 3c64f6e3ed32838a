package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/relayio/relay/pkg/agentrt"
	"github.com/relayio/relay/pkg/envelope"
	"github.com/relayio/relay/pkg/relay"
)

// DefaultTTL bounds a dispatch when the schedule carries no maxRuntime.
const DefaultTTL = time.Hour

// DefaultRetainRuns is how many runs are kept per schedule.
const DefaultRetainRuns = 50

// Publisher is the slice of the relay core the scheduler publishes through.
// EnsureEndpoint must register the dispatch subject's mailbox so the
// publish has a receiver to fan out to.
type Publisher interface {
	Publish(subj string, payload json.RawMessage, opts relay.PublishOptions) (*relay.PublishResult, error)
	EnsureEndpoint(subj string) error
}

// Config controls the scheduler.
type Config struct {
	MaxConcurrentRuns int           `yaml:"maxConcurrentRuns" json:"maxConcurrentRuns"`
	RetainRuns        int           `yaml:"retainRuns" json:"retainRuns"`
	RelayMode         bool          `yaml:"relayMode" json:"relayMode"`
	DrainTimeout      time.Duration `yaml:"drainTimeout" json:"drainTimeout"`
}

// DefaultConfig allows 3 concurrent runs, keeps 50 runs per schedule and
// drains for up to 30s on shutdown.
func DefaultConfig() Config {
	return Config{MaxConcurrentRuns: 3, RetainRuns: DefaultRetainRuns, RelayMode: true, DrainTimeout: 30 * time.Second}
}

// Scheduler fires schedules on their cron expressions. In relay mode each
// firing publishes a dispatch message and the receiver drives the run
// lifecycle; in direct mode the scheduler calls the agent runtime inline.
type Scheduler struct {
	cfg       Config
	store     *Store
	publisher Publisher
	runtime   agentrt.Runtime
	logger    zerolog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
	started bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler builds a scheduler. In relay mode publisher is required; in
// direct mode runtime is required.
func NewScheduler(cfg Config, store *Store, publisher Publisher, runtime agentrt.Runtime, logger zerolog.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("pulse store is required")
	}
	if cfg.RelayMode && publisher == nil {
		return nil, fmt.Errorf("publisher is required in relay mode")
	}
	if !cfg.RelayMode && runtime == nil {
		return nil, fmt.Errorf("agent runtime is required in direct mode")
	}
	if cfg.RetainRuns <= 0 {
		cfg.RetainRuns = DefaultRetainRuns
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		publisher: publisher,
		runtime:   runtime,
		logger:    logger.With().Str("component", "pulse").Logger(),
		cron:      cron.New(),
		entries:   make(map[string]cron.EntryID),
		rootCtx:   ctx,
		cancel:    cancel,
	}, nil
}

// Start recovers interrupted runs, registers every stored schedule and
// starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	recovered, err := s.store.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn().Int("runs", recovered).Msg("recovered interrupted runs")
	}
	if err := s.store.Prune(s.cfg.RetainRuns); err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}

	schedules, err := s.store.ListSchedules()
	if err != nil {
		return err
	}
	for _, sc := range schedules {
		if err := s.registerLocked(sc); err != nil {
			s.logger.Error().Err(err).Str("schedule", sc.ID).Msg("skipping unschedulable entry")
		}
	}
	s.cron.Start()
	s.started = true
	s.logger.Info().Int("schedules", len(s.entries)).Msg("pulse scheduler started")
	return nil
}

// AddSchedule persists a schedule and registers its cron entry.
func (s *Scheduler) AddSchedule(sc Schedule) (Schedule, error) {
	created, err := s.store.CreateSchedule(sc)
	if err != nil {
		return Schedule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.registerLocked(created); err != nil {
		return Schedule{}, err
	}
	return created, nil
}

// RemoveSchedule deregisters the cron entry and deletes the schedule.
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return s.store.DeleteSchedule(id)
}

func (s *Scheduler) registerLocked(sc Schedule) error {
	spec := sc.Cron
	if sc.Timezone != "" {
		spec = "CRON_TZ=" + sc.Timezone + " " + spec
	}
	id := sc.ID
	entryID, err := s.cron.AddFunc(spec, func() { s.Dispatch(id, "scheduled") })
	if err != nil {
		return fmt.Errorf("register schedule %s: %w", sc.ID, err)
	}
	s.entries[sc.ID] = entryID
	return nil
}

// Dispatch fires one schedule now. The ordering contract per tick:
// concurrency ceiling first (skip, no run record), then overlap protection,
// then a re-read of the schedule, then the run record opens.
func (s *Scheduler) Dispatch(scheduleID, trigger string) {
	active, err := s.store.ActiveRunCount()
	if err != nil {
		s.logger.Error().Err(err).Msg("active run count failed")
		return
	}
	if s.cfg.MaxConcurrentRuns > 0 && active >= s.cfg.MaxConcurrentRuns {
		s.logger.Warn().Str("schedule", scheduleID).Int("active", active).
			Msg("concurrency ceiling reached, skipping tick")
		return
	}

	busy, err := s.store.HasActiveRun(scheduleID)
	if err != nil {
		s.logger.Error().Err(err).Msg("overlap check failed")
		return
	}
	if busy {
		s.logger.Warn().Str("schedule", scheduleID).Msg("previous run still active, skipping tick")
		return
	}

	sc, err := s.store.GetSchedule(scheduleID)
	if err != nil || sc == nil {
		s.logger.Error().Err(err).Str("schedule", scheduleID).Msg("schedule vanished")
		return
	}
	if !sc.Enabled || sc.Status != ScheduleActive {
		return
	}

	run, err := s.store.CreateRun(sc.ID, trigger)
	if err != nil {
		s.logger.Error().Err(err).Msg("create run failed")
		return
	}

	if s.cfg.RelayMode {
		s.dispatchRelay(sc, run, trigger)
	} else {
		s.wg.Add(1)
		go s.runDirect(sc, run)
	}

	if err := s.store.Prune(s.cfg.RetainRuns); err != nil {
		s.logger.Error().Err(err).Msg("run pruning failed")
	}
}

func (s *Scheduler) dispatchRelay(sc *Schedule, run Run, trigger string) {
	payload, err := json.Marshal(DispatchPayload{
		Type:           DispatchType,
		ScheduleID:     sc.ID,
		RunID:          run.ID,
		Prompt:         sc.Prompt,
		CWD:            sc.CWD,
		PermissionMode: sc.PermissionMode,
		ScheduleName:   sc.Name,
		Cron:           sc.Cron,
		Trigger:        trigger,
	})
	if err != nil {
		_ = s.store.FailRun(run.ID, err.Error())
		return
	}

	ttl := sc.MaxRuntimeMs
	if ttl <= 0 {
		ttl = DefaultTTL.Milliseconds()
	}
	subj := "relay.system.pulse." + sc.ID
	if err := s.publisher.EnsureEndpoint(subj); err != nil {
		s.logger.Error().Err(err).Str("schedule", sc.ID).Msg("dispatch endpoint registration failed")
		_ = s.store.FailRun(run.ID, err.Error())
		return
	}
	res, err := s.publisher.Publish(subj, payload, relay.PublishOptions{
		From:    "relay.system.pulse",
		ReplyTo: subj + ".response",
		Budget:  &envelope.Override{MaxHops: 3, TTLMs: ttl},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("schedule", sc.ID).Msg("dispatch publish failed")
		_ = s.store.FailRun(run.ID, err.Error())
		return
	}
	if res.DeliveredTo == 0 {
		s.logger.Warn().Str("schedule", sc.ID).Msg("no relay receiver for pulse dispatch")
		_ = s.store.FailRun(run.ID, "No Relay receiver for Pulse dispatch")
	}
}

// runDirect drives the run inline against the agent runtime (legacy path).
func (s *Scheduler) runDirect(sc *Schedule, run Run) {
	defer s.wg.Done()

	ttl := time.Duration(sc.MaxRuntimeMs) * time.Millisecond
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ctx, cancel := context.WithTimeout(s.rootCtx, ttl)
	defer cancel()

	sessionID := uuid.NewString()
	if err := s.runtime.EnsureSession(ctx, sessionID, agentrt.SessionOptions{
		CWD:            sc.CWD,
		PermissionMode: sc.PermissionMode,
	}); err != nil {
		_ = s.store.FailRun(run.ID, err.Error())
		return
	}
	stream, err := s.runtime.SendMessage(ctx, sessionID, sc.Prompt)
	if err != nil {
		_ = s.store.FailRun(run.ID, err.Error())
		return
	}

	summary := NewSummary()
	for ev := range stream {
		if ev.Type == agentrt.EventError {
			_ = s.store.FailRun(run.ID, ev.Err.Error())
			return
		}
		if ev.Type == agentrt.EventTextDelta {
			summary.Add(ev.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		_ = s.store.FailRun(run.ID, "Run exceeded maximum runtime")
		return
	}
	_ = s.store.CompleteRun(run.ID, summary.String())
}

// Stop halts cron firings, aborts active direct runs and waits up to the
// drain timeout.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	drain := s.cfg.DrainTimeout
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		s.logger.Warn().Msg("drain timeout reached, abandoning active runs")
	}
	<-cronCtx.Done()
	if wasStarted {
		s.logger.Info().Msg("pulse scheduler stopped")
	}
}
