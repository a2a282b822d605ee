package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/harvest"
)

// Harvester is the part of the harvest engine the scheduler drives.
type Harvester interface {
	TriggerReload(ctx context.Context, opts harvest.TriggerOptions) (harvest.RunResult, error)
}

// Status describes the scheduler for the status endpoints.
type Status struct {
	Running       bool       `json:"running"`
	Spec          string     `json:"spec,omitempty"`
	Jobs          int        `json:"jobs"`
	NextHarvest   *time.Time `json:"next_harvest,omitempty" format:"date-time"`
	IntervalHours int        `json:"harvest_interval_hours"`
	LastRun       *time.Time `json:"last_run,omitempty" format:"date-time"`
	LastOutcome   string     `json:"last_outcome,omitempty"`
	Skipped       int        `json:"skipped"`
}

// Scheduler triggers periodic harvests and skips a tick while another
// reload is active.
type Scheduler struct {
	h     Harvester
	log   zerolog.Logger
	cron  *cron.Cron
	spec  string
	hours int

	mu          sync.Mutex
	ctx         context.Context
	running     bool
	lastRun     *time.Time
	lastOutcome string
	skipped     int
}

// Spec returns the cron expression for cfg: the explicit schedule when set,
// else an interval descriptor. An empty result disables scheduling.
func Spec(cfg config.Harvest) string {
	if cfg.Schedule != "" {
		return cfg.Schedule
	}
	if cfg.IntervalHours > 0 {
		return fmt.Sprintf("@every %dh", cfg.IntervalHours)
	}
	return ""
}

func New(cfg config.Harvest, h Harvester, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{h: h, log: log, spec: Spec(cfg), hours: cfg.IntervalHours, ctx: context.Background()}
	cl := cronLogger{log: log}
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cl)),
		cron.WithLogger(cl),
		cron.WithLocation(time.UTC),
	)
	if s.spec == "" {
		log.Info().Msg("scheduled harvests disabled")
		return s, nil
	}
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid harvest schedule %q: %w", s.spec, err)
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for a
// running job to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.log.Info().Str("spec", s.spec).Msg("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.log.Info().Msg("scheduler stopped")
	return nil
}

// RunNow triggers one harvest immediately with the scheduler's skip rule.
// It is used for the startup check after recovery.
func (s *Scheduler) RunNow(ctx context.Context, reason string) {
	s.log.Info().Str("reason", reason).Msg("startup harvest triggered")
	s.trigger(ctx, domain.SourceAutomatic, "startup")
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	s.trigger(ctx, domain.SourceScheduled, "scheduler")
}

func (s *Scheduler) trigger(ctx context.Context, source domain.ReloadSource, by string) {
	start := time.Now().UTC()
	res, err := s.h.TriggerReload(ctx, harvest.TriggerOptions{Source: source, TriggeredBy: by})
	outcome := string(res.Status)
	var active *harvest.ActiveReloadError
	switch {
	case errors.As(err, &active):
		outcome = "skipped"
		s.log.Info().Int64("active_reload", active.Active.ID).Msg("harvest skipped, another reload is active")
	case err != nil:
		if outcome == "" {
			outcome = string(domain.ReloadFailed)
		}
		s.log.Error().Err(err).Str("source", string(source)).Msg("scheduled harvest failed")
	default:
		s.log.Info().Str("run_id", res.RunID).Int("records_processed", res.RecordsProcessed).Msg("scheduled harvest completed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome == "skipped" {
		s.skipped++
	}
	s.lastRun = &start
	s.lastOutcome = outcome
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:       s.running,
		Spec:          s.spec,
		IntervalHours: s.hours,
		LastRun:       s.lastRun,
		LastOutcome:   s.lastOutcome,
		Skipped:       s.skipped,
	}
	entries := s.cron.Entries()
	st.Jobs = len(entries)
	for _, e := range entries {
		if e.Next.IsZero() {
			continue
		}
		next := e.Next
		if st.NextHarvest == nil || next.Before(*st.NextHarvest) {
			st.NextHarvest = &next
		}
	}
	return st
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
