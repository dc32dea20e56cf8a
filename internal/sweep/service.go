package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MEKXH/picard/internal/directory"
	"github.com/MEKXH/picard/internal/orchestrator"
	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule    = "0 9 * * 1-5"
	defaultConcurrency = 4
)

// Deliverer sends one user their pending approvals.
type Deliverer interface {
	DeliverApprovals(ctx context.Context, userID string) error
}

// Options tunes a Service.
type Options struct {
	Schedule    string
	Concurrency int
	// StatePath persists schedule bookkeeping; empty keeps it in memory.
	StatePath string
	Tick      time.Duration
	Now       func() time.Time
}

// Service runs the sweep on a cron schedule with a ticker-based polling loop.
type Service struct {
	users       directory.Source
	deliverer   Deliverer
	expr        string
	concurrency int
	tick        time.Duration
	now         func() time.Time
	store       *stateStore

	mu       sync.RWMutex
	stopChan chan struct{}
	stopped  chan struct{}
	cancel   context.CancelFunc
	running  bool
}

// NewService validates the schedule and creates a stopped service.
func NewService(users directory.Source, deliverer Deliverer, opts Options) (*Service, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if !gronx.New().IsValid(opts.Schedule) {
		return nil, fmt.Errorf("invalid sweep schedule: %q", opts.Schedule)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		users:       users,
		deliverer:   deliverer,
		expr:        opts.Schedule,
		concurrency: opts.Concurrency,
		tick:        opts.Tick,
		now:         opts.Now,
		store:       newStateStore(opts.StatePath),
	}, nil
}

// Start loads state from disk and begins the polling loop.
func (s *Service) Start() error {
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("sweep service start: %w", err)
	}
	s.store.Update(func(st *State) {
		if st.Schedule != s.expr {
			st.Schedule = s.expr
			st.NextRunAtMS = nil
		}
		if st.NextRunAtMS == nil {
			st.NextRunAtMS = s.nextRun()
		}
	})
	if err := s.store.Save(); err != nil {
		slog.Warn("sweep: failed to save after init", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stopChan = make(chan struct{})
	s.stopped = make(chan struct{})
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.loop(ctx)

	slog.Info("sweep service started", "schedule", s.expr, "next_run", formatMS(s.store.Get().NextRunAtMS))
	return nil
}

// Stop cancels an in-flight sweep and waits for the loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	close(s.stopChan)
	s.mu.Unlock()

	<-s.stopped
	slog.Info("sweep service stopped")
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.stopped)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Service) tickOnce(ctx context.Context) {
	st := s.store.Get()
	if st.NextRunAtMS == nil || *st.NextRunAtMS > s.now().UnixMilli() {
		return
	}
	// Clear NextRunAtMS to prevent re-firing.
	s.store.Update(func(st *State) { st.NextRunAtMS = nil })

	report, err := s.RunOnce(ctx)
	s.record(report, err)
}

func (s *Service) record(report Report, runErr error) {
	now := s.now().UnixMilli()
	s.store.Update(func(st *State) {
		st.LastRunAtMS = &now
		st.LastReport = &report
		if runErr != nil {
			st.LastStatus = "error"
			st.LastError = runErr.Error()
		} else {
			st.LastStatus = "ok"
			st.LastError = ""
		}
		st.NextRunAtMS = s.nextRun()
	})
	if err := s.store.Save(); err != nil {
		slog.Warn("sweep: failed to save after run", "error", err)
	}
}

func (s *Service) nextRun() *int64 {
	next, err := gronx.NextTickAfter(s.expr, s.now(), false)
	if err != nil {
		slog.Warn("sweep: failed to compute next run", "expr", s.expr, "error", err)
		return nil
	}
	ms := next.UnixMilli()
	return &ms
}

// RunOnce delivers approvals to every active user, at most Concurrency at a
// time. One user's failure never stops the others.
func (s *Service) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.now()}
	users, err := s.users.ActiveUsers(ctx)
	if err != nil {
		report.FinishedAt = s.now()
		return report, fmt.Errorf("list active users: %w", err)
	}
	report.Users = len(users)
	slog.Info("sweep: starting run", "users", len(users))

	var delivered, busy, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, userID := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := s.deliverer.DeliverApprovals(gctx, userID)
			switch {
			case err == nil:
				delivered.Add(1)
			case errors.Is(err, orchestrator.ErrBusy):
				busy.Add(1)
				slog.Info("sweep: user busy, skipped", "user", userID)
			default:
				failed.Add(1)
				slog.Warn("sweep: delivery failed", "user", userID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Delivered = int(delivered.Load())
	report.Busy = int(busy.Load())
	report.Failed = int(failed.Load())
	report.FinishedAt = s.now()
	slog.Info("sweep: run finished",
		"users", report.Users,
		"delivered", report.Delivered,
		"busy", report.Busy,
		"failed", report.Failed,
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sweep interrupted: %w", err)
	}
	return report, nil
}

// State returns the current schedule bookkeeping.
func (s *Service) State() State {
	return s.store.Get()
}

func formatMS(ms *int64) string {
	if ms == nil {
		return ""
	}
	return time.UnixMilli(*ms).Format(time.RFC3339)
}
