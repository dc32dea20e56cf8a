package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MEKXH/picard/internal/metrics"
)

const defaultMaxConcurrentSends = 16

// Metered wraps a Messenger with bounded send concurrency and delivery metrics.
type Metered struct {
	next    Messenger
	sendSem chan struct{}
	metrics *metrics.RuntimeMetrics
}

// NewMetered wraps next. maxConcurrentSends <= 0 uses the default.
func NewMetered(next Messenger, recorder *metrics.RuntimeMetrics, maxConcurrentSends int) *Metered {
	if maxConcurrentSends <= 0 {
		maxConcurrentSends = defaultMaxConcurrentSends
	}
	return &Metered{
		next:    next,
		sendSem: make(chan struct{}, maxConcurrentSends),
		metrics: recorder,
	}
}

// Deliver waits for a send slot, delivers, and records the outcome.
func (m *Metered) Deliver(ctx context.Context, userID, text string) error {
	select {
	case m.sendSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for send slot: %w", ctx.Err())
	}
	defer func() { <-m.sendSem }()

	err := m.next.Deliver(ctx, userID, text)

	snapshot, recordErr := m.metrics.RecordChannelSend(err == nil)
	if recordErr != nil {
		slog.Warn("record runtime metrics failed", "scope", "channel", "error", recordErr)
	}
	if err != nil {
		slog.Error("deliver message failed",
			"user", userID,
			"error", err,
			"channel_send_attempts", snapshot.Channel.SendAttempts,
			"channel_send_failure_ratio", snapshot.Channel.FailureRatio(),
		)
		return err
	}
	return nil
}
