package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"harvestline/internal/config"
	"harvestline/internal/domain"
	"harvestline/internal/harvest"
)

type fakeHarvester struct {
	mu    sync.Mutex
	calls []harvest.TriggerOptions
	err   error
}

func (f *fakeHarvester) TriggerReload(ctx context.Context, opts harvest.TriggerOptions) (harvest.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.err != nil {
		return harvest.RunResult{}, f.err
	}
	return harvest.RunResult{RunID: "run-1", Status: domain.ReloadCompleted}, nil
}

func TestSpec(t *testing.T) {
	cases := []struct {
		cfg  config.Harvest
		want string
	}{
		{config.Harvest{IntervalHours: 24}, "@every 24h"},
		{config.Harvest{IntervalHours: 24, Schedule: "0 3 * * *"}, "0 3 * * *"},
		{config.Harvest{}, ""},
	}
	for _, c := range cases {
		if got := Spec(c.cfg); got != c.want {
			t.Fatalf("Spec(%+v) = %q, want %q", c.cfg, got, c.want)
		}
	}
}

func TestInvalidSchedule(t *testing.T) {
	if _, err := New(config.Harvest{Schedule: "every tuesday"}, &fakeHarvester{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}

func TestTickTriggersScheduledReload(t *testing.T) {
	h := &fakeHarvester{}
	s, err := New(config.Harvest{IntervalHours: 6}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.tick()
	if len(h.calls) != 1 || h.calls[0].Source != domain.SourceScheduled || h.calls[0].Force {
		t.Fatalf("unexpected trigger: %+v", h.calls)
	}
	st := s.Status()
	if st.LastOutcome != string(domain.ReloadCompleted) || st.LastRun == nil || st.Jobs != 1 || st.IntervalHours != 6 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestTickSkipsWhileActive(t *testing.T) {
	h := &fakeHarvester{err: &harvest.ActiveReloadError{Active: domain.ReloadRecord{ID: 7}}}
	s, err := New(config.Harvest{IntervalHours: 1}, h, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.tick()
	s.tick()
	st := s.Status()
	if st.Skipped != 2 || st.LastOutcome != "skipped" {
		t.Fatalf("expected two skips: %+v", st)
	}
}

func TestTickRecordsFailure(t *testing.T) {
	h := &fakeHarvester{err: errors.New("upstream down")}
	s, _ := New(config.Harvest{IntervalHours: 1}, h, zerolog.Nop())
	s.RunNow(context.Background(), "no previous harvest")
	if h.calls[0].Source != domain.SourceAutomatic {
		t.Fatalf("startup run should be automatic: %+v", h.calls[0])
	}
	if st := s.Status(); st.LastOutcome != string(domain.ReloadFailed) || st.Skipped != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(config.Harvest{IntervalHours: 24}, &fakeHarvester{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Status().Running {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st := s.Status(); st.NextHarvest == nil {
		t.Fatalf("expected a next harvest time: %+v", st)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
	if s.Status().Running {
		t.Fatalf("scheduler should report stopped")
	}
}
