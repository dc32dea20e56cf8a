package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/audit"
	"github.com/MEKXH/picard/internal/backend"
	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/metrics"
	"github.com/lestrrat-go/backoff/v2"
)

const auditTimeout = 5 * time.Second

// ConfigurationError means a decision names a system with no registered adapter.
type ConfigurationError struct {
	System approval.SystemID
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no adapter registered for system %q", e.System)
}

// Resolver finds the adapter for a system.
type Resolver interface {
	Lookup(id approval.SystemID) (backend.Adapter, bool)
}

// Options tunes a Dispatcher.
type Options struct {
	// Policy paces retries; MaxRetries bounds them.
	Policy     backoff.Policy
	MaxRetries int
	Metrics    *metrics.RuntimeMetrics
	Now        func() time.Time
}

// Dispatcher sends confirmed decisions to the owning backend.
type Dispatcher struct {
	adapters   Resolver
	audit      audit.Recorder
	policy     backoff.Policy
	maxRetries int
	metrics    *metrics.RuntimeMetrics
	now        func() time.Time
}

// PolicyFromConfig builds the exponential retry policy.
func PolicyFromConfig(cfg config.DispatchConfig) backoff.Policy {
	return backoff.Exponential(
		backoff.WithMinInterval(time.Duration(cfg.MinBackoffMS)*time.Millisecond),
		backoff.WithMaxInterval(time.Duration(cfg.MaxBackoffMS)*time.Millisecond),
		backoff.WithJitterFactor(0.1),
		backoff.WithMaxRetries(cfg.MaxRetries+1),
	)
}

// New creates a dispatcher. rec may be nil to skip auditing.
func New(adapters Resolver, rec audit.Recorder, opts Options) *Dispatcher {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Policy == nil {
		opts.Policy = backoff.Constant(
			backoff.WithInterval(250*time.Millisecond),
			backoff.WithMaxRetries(opts.MaxRetries+1),
		)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{
		adapters:   adapters,
		audit:      rec,
		policy:     opts.Policy,
		maxRetries: opts.MaxRetries,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

// Dispatch submits dec and reports the backend's verdict. Backend rejection and
// exhausted retries are Failure results; only a missing adapter is an error.
func (d *Dispatcher) Dispatch(ctx context.Context, dec approval.Decision) (approval.DispatchResult, error) {
	adapter, ok := d.adapters.Lookup(dec.Approval.System)
	if !ok {
		err := &ConfigurationError{System: dec.Approval.System}
		return approval.DispatchResult{Status: approval.StatusFailure, Message: err.Error()}, err
	}

	result, retries := d.submit(ctx, adapter, dec)

	auditFailed := false
	if result.Succeeded() {
		auditFailed = !d.record(ctx, dec)
	}
	if _, err := d.metrics.RecordDispatch(metrics.DispatchOutcome{
		Success:     result.Succeeded(),
		Retries:     retries,
		AuditFailed: auditFailed,
	}); err != nil {
		slog.Warn("failed to persist dispatch metrics", "error", err)
	}
	return result, nil
}

func (d *Dispatcher) submit(ctx context.Context, adapter backend.Adapter, dec approval.Decision) (approval.DispatchResult, int) {
	// The backoff controller runs until its context ends.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b := d.policy.Start(ctx)
	attempts := 0
	var lastErr error
	for backoff.Continue(b) {
		attempts++
		res, err := adapter.SubmitDecision(ctx, dec.User, dec.Approval, dec.Action, dec.Comment)
		if err == nil {
			if res.Status != approval.StatusSuccess {
				slog.Info("backend rejected decision",
					"system", dec.Approval.System, "approval_id", dec.Approval.ID, "message", res.Message)
				return approval.DispatchResult{Status: approval.StatusFailure, Message: res.Message}, attempts - 1
			}
			return approval.DispatchResult{Status: approval.StatusSuccess, Message: res.Message}, attempts - 1
		}

		lastErr = err
		if !backend.IsRetryable(err) || attempts > d.maxRetries {
			break
		}
		slog.Warn("decision submit failed, retrying",
			"system", dec.Approval.System, "approval_id", dec.Approval.ID, "attempt", attempts, "error", err)
	}

	if lastErr == nil {
		lastErr = ctx.Err()
	}
	slog.Error("decision submit failed",
		"system", dec.Approval.System, "approval_id", dec.Approval.ID, "attempts", attempts, "error", lastErr)

	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	msg := "backend unavailable"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return approval.DispatchResult{Status: approval.StatusFailure, Message: msg}, retries
}

func (d *Dispatcher) record(ctx context.Context, dec approval.Decision) bool {
	if d.audit == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	err := d.audit.Record(ctx, audit.Record{
		Time:       d.now().UTC(),
		User:       dec.User,
		System:     string(dec.Approval.System),
		ApprovalID: dec.Approval.ID,
		Status:     dec.Action.PastTense(),
		Comment:    dec.Comment,
	})
	if err != nil {
		slog.Warn("failed to record audit entry",
			"user", dec.User, "approval_id", dec.Approval.ID, "error", err)
		return false
	}
	return true
}
