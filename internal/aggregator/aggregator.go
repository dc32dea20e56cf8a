package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/backend"
	"github.com/MEKXH/picard/internal/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultCallTimeout = 20 * time.Second
	defaultLimit       = 4
)

// Result is the merged view for one user.
type Result struct {
	Approvals []approval.Item
	Failed    []approval.SystemID
	Queried   int
}

// AllFailed reports whether no adapter answered.
func (r Result) AllFailed() bool {
	return r.Queried > 0 && len(r.Failed) == r.Queried
}

type adapterSlot struct {
	adapter backend.Adapter
	sem     *semaphore.Weighted
}

// Aggregator fans out to every registered adapter.
type Aggregator struct {
	slots       []adapterSlot
	callTimeout time.Duration
	metrics     *metrics.RuntimeMetrics
}

// Options tunes an Aggregator.
type Options struct {
	CallTimeout time.Duration
	Metrics     *metrics.RuntimeMetrics
}

// New creates an aggregator over adapters, in the given order. The per-adapter
// concurrency cap is shared by every Collect call.
func New(adapters []backend.Adapter, opts Options) *Aggregator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	slots := make([]adapterSlot, 0, len(adapters))
	for _, a := range adapters {
		limit := defaultLimit
		if l, ok := a.(backend.Limited); ok && l.MaxConcurrency() > 0 {
			limit = l.MaxConcurrency()
		}
		slots = append(slots, adapterSlot{adapter: a, sem: semaphore.NewWeighted(int64(limit))})
	}
	return &Aggregator{slots: slots, callTimeout: opts.CallTimeout, metrics: opts.Metrics}
}

// Collect fetches userID's approvals from every adapter concurrently. A failing
// adapter lands in Failed; the others still contribute.
func (a *Aggregator) Collect(ctx context.Context, userID string) Result {
	lists := make([][]approval.Item, len(a.slots))
	errs := make([]error, len(a.slots))

	var g errgroup.Group
	for i, slot := range a.slots {
		g.Go(func() error {
			lists[i], errs[i] = a.fetch(ctx, slot, userID)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Approvals: make([]approval.Item, 0), Queried: len(a.slots)}
	seen := make(map[approval.Key]struct{})
	for i, slot := range a.slots {
		system := slot.adapter.System()
		if errs[i] != nil {
			slog.Warn("approval fetch failed", "system", system, "user", userID, "error", errs[i])
			res.Failed = append(res.Failed, system)
			continue
		}
		for _, item := range lists[i] {
			item.System = system
			if _, dup := seen[item.Key()]; dup {
				continue
			}
			seen[item.Key()] = struct{}{}
			res.Approvals = append(res.Approvals, item)
		}
	}
	return res
}

func (a *Aggregator) fetch(ctx context.Context, slot adapterSlot, userID string) (items []approval.Item, err error) {
	ctx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	if err := slot.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: waiting for fetch slot: %w", slot.adapter.System(), err)
	}
	defer slot.sem.Release(1)

	start := time.Now()
	defer func() {
		if _, mErr := a.metrics.RecordFetch(string(slot.adapter.System()), time.Since(start), err); mErr != nil {
			slog.Warn("failed to persist fetch metrics", "error", mErr)
		}
	}()

	type fetched struct {
		items []approval.Item
		err   error
	}
	done := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetched{err: fmt.Errorf("%s: adapter panic: %v", slot.adapter.System(), r)}
			}
		}()
		items, err := slot.adapter.FetchApprovals(ctx, userID)
		done <- fetched{items: items, err: err}
	}()

	select {
	case f := <-done:
		return f.items, f.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: fetch: %w", slot.adapter.System(), ctx.Err())
	}
}
