package session

import (
	"fmt"
	"time"

	"github.com/MEKXH/picard/internal/approval"
)

// Phase is the state of a session's confirmation protocol.
type Phase int

const (
	Idle Phase = iota
	AwaitingConfirmation
	AwaitingComment
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case AwaitingComment:
		return "awaiting_comment"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// PendingAction is the decision a user has started but not finished.
type PendingAction struct {
	Action   approval.Action
	Approval approval.Item
	Index    int
}

// Session is one user's conversational state.
//
// Pending is non-nil exactly when Phase is not Idle. Begin, Advance and Reset
// are the only methods that change Phase.
type Session struct {
	UserID           string
	Approvals        []approval.Item
	Phase            Phase
	Pending          *PendingAction
	PendingExpiresAt time.Time
	Decided          map[approval.Key]approval.Action
	UpdatedAt        time.Time
}

func newSession(userID string, now time.Time) *Session {
	return &Session{UserID: userID, Phase: Idle, UpdatedAt: now}
}

// Item returns the approval shown at 1-based position index.
func (s *Session) Item(index int) (approval.Item, bool) {
	if index < 1 || index > len(s.Approvals) {
		return approval.Item{}, false
	}
	return s.Approvals[index-1], true
}

// ReplaceApprovals swaps in a freshly fetched list; numbering restarts at 1.
func (s *Session) ReplaceApprovals(items []approval.Item) {
	s.Approvals = append([]approval.Item(nil), items...)
	s.Decided = nil
}

// Begin records a pending action and moves Idle to AwaitingConfirmation.
func (s *Session) Begin(action approval.Action, index int, expiresAt time.Time) error {
	if s.Phase != Idle {
		return fmt.Errorf("begin from %s", s.Phase)
	}
	item, ok := s.Item(index)
	if !ok {
		return fmt.Errorf("item %d out of range", index)
	}
	s.Phase = AwaitingConfirmation
	s.Pending = &PendingAction{Action: action, Approval: item, Index: index}
	s.PendingExpiresAt = expiresAt
	return nil
}

// Advance moves a confirmed action to AwaitingComment.
func (s *Session) Advance(expiresAt time.Time) error {
	if s.Phase != AwaitingConfirmation || s.Pending == nil {
		return fmt.Errorf("advance from %s", s.Phase)
	}
	s.Phase = AwaitingComment
	s.PendingExpiresAt = expiresAt
	return nil
}

// Reset returns the session to Idle and hands back whatever was pending.
func (s *Session) Reset() (PendingAction, bool) {
	var prev PendingAction
	had := s.Pending != nil
	if had {
		prev = *s.Pending
	}
	s.Phase = Idle
	s.Pending = nil
	s.PendingExpiresAt = time.Time{}
	return prev, had
}

// ExpirePending forces Idle if the pending deadline has passed.
func (s *Session) ExpirePending(now time.Time) (PendingAction, bool) {
	if s.Pending == nil || s.PendingExpiresAt.IsZero() || now.Before(s.PendingExpiresAt) {
		return PendingAction{}, false
	}
	return s.Reset()
}

// MarkDecided notes that key was confirmed by its backend during this display.
func (s *Session) MarkDecided(key approval.Key, action approval.Action) {
	if s.Decided == nil {
		s.Decided = make(map[approval.Key]approval.Action)
	}
	s.Decided[key] = action
}

// DecidedAction reports how key was decided during this display, if at all.
func (s *Session) DecidedAction(key approval.Key) (approval.Action, bool) {
	a, ok := s.Decided[key]
	return a, ok
}

func (s *Session) clone() Session {
	out := *s
	out.Approvals = append([]approval.Item(nil), s.Approvals...)
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	if s.Decided != nil {
		out.Decided = make(map[approval.Key]approval.Action, len(s.Decided))
		for k, v := range s.Decided {
			out.Decided[k] = v
		}
	}
	return out
}
