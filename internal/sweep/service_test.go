package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MEKXH/picard/internal/directory"
	"github.com/MEKXH/picard/internal/orchestrator"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDeliverer struct {
	results map[string]error
	delay   time.Duration

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeDeliverer) DeliverApprovals(_ context.Context, userID string) error {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.results[userID]
}

type failingSource struct{}

func (failingSource) ActiveUsers(context.Context) ([]string, error) {
	return nil, errors.New("okta unavailable")
}

func TestRunOnce_ClassifiesOutcomes(t *testing.T) {
	d := &fakeDeliverer{results: map[string]error{
		"U2": orchestrator.ErrBusy,
		"U3": errors.New("slack down"),
	}}
	svc, err := NewService(directory.NewStatic([]string{"U1", "U2", "U3", "U4"}), d, Options{})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}

	report, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if report.Users != 4 || report.Delivered != 2 || report.Busy != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRunOnce_BoundsConcurrency(t *testing.T) {
	d := &fakeDeliverer{delay: 20 * time.Millisecond}
	users := []string{"U1", "U2", "U3", "U4", "U5", "U6", "U7", "U8"}
	svc, err := NewService(directory.NewStatic(users), d, Options{Concurrency: 2})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if _, err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if got := d.calls.Load(); got != int32(len(users)) {
		t.Fatalf("expected %d deliveries, got %d", len(users), got)
	}
	if got := d.maxInFlight.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent deliveries, got %d", got)
	}
}

func TestRunOnce_DirectoryFailure(t *testing.T) {
	d := &fakeDeliverer{}
	svc, err := NewService(failingSource{}, d, Options{})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if _, err := svc.RunOnce(context.Background()); err == nil {
		t.Fatal("expected directory error")
	}
	if d.calls.Load() != 0 {
		t.Fatal("expected no deliveries")
	}
}

func TestNewService_RejectsInvalidSchedule(t *testing.T) {
	if _, err := NewService(directory.NewStatic(nil), &fakeDeliverer{}, Options{Schedule: "every day"}); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestService_FiresOnScheduleAndPersists(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 6, 8, 59, 30, 0, time.Local)}
	d := &fakeDeliverer{}
	statePath := filepath.Join(t.TempDir(), "sweep", "state.json")
	svc, err := NewService(directory.NewStatic([]string{"U1"}), d, Options{
		Schedule:  "0 9 * * 1-5",
		StatePath: statePath,
		Tick:      10 * time.Millisecond,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer svc.Stop()

	st := svc.State()
	if st.NextRunAtMS == nil {
		t.Fatal("expected next run computed on start")
	}
	want := time.Date(2024, 5, 6, 9, 0, 0, 0, time.Local).UnixMilli()
	if *st.NextRunAtMS != want {
		t.Fatalf("expected next run %d, got %d", want, *st.NextRunAtMS)
	}

	time.Sleep(50 * time.Millisecond)
	if d.calls.Load() != 0 {
		t.Fatal("expected no run before the schedule")
	}

	clock.Advance(time.Minute)
	var saved State
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, err := ReadState(statePath); err == nil && st.LastStatus != "" {
			saved = st
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweep did not fire")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", d.calls.Load())
	}
	if saved.LastStatus != "ok" || saved.LastReport == nil || saved.LastReport.Delivered != 1 {
		t.Fatalf("unexpected persisted state %+v", saved)
	}
	if saved.NextRunAtMS == nil || *saved.NextRunAtMS <= want {
		t.Fatal("expected the next run rescheduled")
	}
}

func TestService_StopIsIdempotent(t *testing.T) {
	svc, err := NewService(directory.NewStatic(nil), &fakeDeliverer{}, Options{})
	if err != nil {
		t.Fatalf("NewService error: %v", err)
	}
	svc.Stop()
	if err := svc.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	svc.Stop()
	svc.Stop()
	svc.mu.RLock()
	running := svc.running
	svc.mu.RUnlock()
	if running {
		t.Fatal("expected stopped service")
	}
}
