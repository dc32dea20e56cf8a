package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MEKXH/picard/internal/aggregator"
	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/bus"
	"github.com/MEKXH/picard/internal/channel"
	"github.com/MEKXH/picard/internal/command"
	"github.com/MEKXH/picard/internal/dispatch"
	"github.com/MEKXH/picard/internal/session"
)

const (
	defaultConfirmTimeout = 5 * time.Minute
	defaultCommentTimeout = 10 * time.Minute
)

// Collector gathers a user's pending approvals.
type Collector interface {
	Collect(ctx context.Context, userID string) aggregator.Result
}

// Dispatcher submits a confirmed decision.
type Dispatcher interface {
	Dispatch(ctx context.Context, dec approval.Decision) (approval.DispatchResult, error)
}

// Options tunes an Orchestrator.
type Options struct {
	ConfirmTimeout time.Duration
	CommentTimeout time.Duration
	Now            func() time.Time
}

// Orchestrator runs the list, confirm, comment, dispatch conversation for every
// user. Session locks are never held across backend or messaging calls.
type Orchestrator struct {
	sessions   *session.Store
	collector  Collector
	dispatcher Dispatcher
	messenger  channel.Messenger
	deadlines  deadlines
	now        func() time.Time
}

// New creates an orchestrator.
func New(store *session.Store, collector Collector, dispatcher Dispatcher, messenger channel.Messenger, opts Options) *Orchestrator {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaultConfirmTimeout
	}
	if opts.CommentTimeout <= 0 {
		opts.CommentTimeout = defaultCommentTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		sessions:   store,
		collector:  collector,
		dispatcher: dispatcher,
		messenger:  messenger,
		deadlines:  deadlines{confirm: opts.ConfirmTimeout, comment: opts.CommentTimeout},
		now:        opts.Now,
	}
}

// HandleEvent routes one bus event.
func (o *Orchestrator) HandleEvent(ctx context.Context, ev *bus.Event) error {
	if ev == nil {
		return nil
	}
	ctx = bus.WithRequestID(ctx, ev.RequestID)
	switch ev.Kind {
	case bus.KindInteraction:
		return o.HandleInteraction(ctx, ev.UserID, ev.ActionID, ev.Value)
	default:
		return o.HandleMessage(ctx, ev.UserID, ev.Text)
	}
}

// HandleMessage processes one text message from userID.
func (o *Orchestrator) HandleMessage(ctx context.Context, userID, text string) error {
	return o.handle(ctx, userID, command.Parse(text))
}

// HandleInteraction processes one button press from userID.
func (o *Orchestrator) HandleInteraction(ctx context.Context, userID, actionID, value string) error {
	return o.handle(ctx, userID, command.ParseInteractive(actionID, value))
}

func (o *Orchestrator) handle(ctx context.Context, userID string, cmd command.Command) error {
	if userID == "" {
		return fmt.Errorf("missing user id")
	}

	var (
		p     plan
		phase session.Phase
	)
	_ = o.sessions.WithSession(userID, func(s *session.Session) error {
		p = step(s, cmd, o.now(), o.deadlines)
		phase = s.Phase
		return nil
	})
	slog.Debug("command handled",
		"request_id", bus.RequestIDFromContext(ctx),
		"user", userID,
		"command", cmd.Kind.String(),
		"outcome", p.outcome,
		"phase", phase.String(),
	)

	var errs []error
	for _, msg := range p.messages {
		errs = append(errs, o.send(ctx, userID, msg))
	}
	if p.fetch {
		errs = append(errs, o.refresh(ctx, userID, false))
	}
	if p.dispatch != nil {
		errs = append(errs, o.submit(ctx, *p.dispatch))
	}
	return errors.Join(errs...)
}

// DeliverApprovals fetches and sends userID's list, unless the user is in the
// middle of confirming something.
func (o *Orchestrator) DeliverApprovals(ctx context.Context, userID string) error {
	return o.refresh(ctx, userID, true)
}

// ErrBusy is returned by DeliverApprovals when the user has a pending action.
var ErrBusy = errors.New("session has a pending action")

// ErrUnreachable means every approval system failed.
var ErrUnreachable = errors.New("no approval system reachable")

func (o *Orchestrator) refresh(ctx context.Context, userID string, onlyIdle bool) error {
	if onlyIdle {
		var (
			idle    bool
			expired *session.PendingAction
		)
		_ = o.sessions.WithSession(userID, func(s *session.Session) error {
			if p, ok := s.ExpirePending(o.now()); ok {
				expired = &p
			}
			idle = s.Phase == session.Idle
			return nil
		})
		if expired != nil {
			if err := o.send(ctx, userID, timedOutMessage(*expired)); err != nil {
				slog.Warn("failed to send timeout notice", "user", userID, "error", err)
			}
		}
		if !idle {
			return ErrBusy
		}
	}

	res := o.collector.Collect(ctx, userID)
	if res.AllFailed() {
		slog.Error("all approval systems failed", "request_id", bus.RequestIDFromContext(ctx), "user", userID, "systems", res.Failed)
		if onlyIdle {
			return ErrUnreachable
		}
		return errors.Join(ErrUnreachable, o.send(ctx, userID, msgUnreachable))
	}
	if onlyIdle && len(res.Approvals) == 0 && len(res.Failed) == 0 {
		return nil
	}

	var msg string
	_ = o.sessions.WithSession(userID, func(s *session.Session) error {
		if onlyIdle && s.Phase != session.Idle {
			return nil
		}
		s.ReplaceApprovals(res.Approvals)
		msg = listMessage(s.Approvals, res.Failed)
		return nil
	})
	if msg == "" {
		return ErrBusy
	}
	return o.send(ctx, userID, msg)
}

func (o *Orchestrator) submit(ctx context.Context, dec approval.Decision) error {
	res, err := o.dispatcher.Dispatch(ctx, dec)
	var cfgErr *dispatch.ConfigurationError
	if errors.As(err, &cfgErr) {
		slog.Error("decision for unregistered system", "request_id", bus.RequestIDFromContext(ctx), "user", dec.User, "system", cfgErr.System, "approval_id", dec.Approval.ID)
	} else if err != nil {
		slog.Error("dispatch failed", "request_id", bus.RequestIDFromContext(ctx), "user", dec.User, "error", err)
	}

	if !res.Succeeded() {
		slog.Warn("decision not accepted",
			"request_id", bus.RequestIDFromContext(ctx),
			"user", dec.User,
			"system", dec.Approval.System,
			"approval_id", dec.Approval.ID,
			"action", dec.Action,
			"message", res.Message,
		)
		return errors.Join(err, o.send(ctx, dec.User, failureMessage(dec, res.Message)))
	}

	_ = o.sessions.WithSession(dec.User, func(s *session.Session) error {
		s.MarkDecided(dec.Approval.Key(), dec.Action)
		return nil
	})
	slog.Info("decision dispatched",
		"request_id", bus.RequestIDFromContext(ctx),
		"user", dec.User,
		"system", dec.Approval.System,
		"approval_id", dec.Approval.ID,
		"action", dec.Action,
	)
	return errors.Join(err, o.send(ctx, dec.User, successMessage(dec, o.now())))
}

// ExpireStale cancels every pending action past its deadline and tells the user.
func (o *Orchestrator) ExpireStale(ctx context.Context) int {
	expired := o.sessions.Sweep(o.now())
	slog.Debug("session sweep", "live", o.sessions.Len(), "expired", len(expired))
	for _, e := range expired {
		slog.Info("pending action expired", "user", e.UserID, "action", e.Pending.Action, "system", e.Pending.Approval.System, "approval_id", e.Pending.Approval.ID)
		if err := o.send(ctx, e.UserID, timedOutMessage(e.Pending)); err != nil {
			slog.Warn("failed to send timeout notice", "user", e.UserID, "error", err)
		}
	}
	return len(expired)
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (o *Orchestrator) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ExpireStale(ctx)
		}
	}
}

func (o *Orchestrator) send(ctx context.Context, userID, text string) error {
	if o.messenger == nil {
		return nil
	}
	if err := o.messenger.Deliver(ctx, userID, text); err != nil {
		return fmt.Errorf("deliver to %s: %w", userID, err)
	}
	return nil
}
