package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// Kind tells message events from interactive button presses.
type Kind string

const (
	KindMessage     Kind = "message"
	KindInteraction Kind = "interaction"
)

// Event is one inbound user event, already authenticated by the transport.
type Event struct {
	Kind      Kind
	Source    string
	UserID    string
	ChannelID string
	// Text is set for messages.
	Text string
	// ActionID and Value are set for interactions.
	ActionID  string
	Value     string
	Timestamp time.Time
	RequestID string
}

// NewMessage builds a message event with a fresh request id.
func NewMessage(source, userID, channelID, text string) *Event {
	return &Event{
		Kind:      KindMessage,
		Source:    source,
		UserID:    userID,
		ChannelID: channelID,
		Text:      text,
		Timestamp: time.Now(),
		RequestID: NewRequestID(),
	}
}

// NewInteraction builds an interaction event with a fresh request id.
func NewInteraction(source, userID, channelID, actionID, value string) *Event {
	return &Event{
		Kind:      KindInteraction,
		Source:    source,
		UserID:    userID,
		ChannelID: channelID,
		ActionID:  actionID,
		Value:     value,
		Timestamp: time.Now(),
		RequestID: NewRequestID(),
	}
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
