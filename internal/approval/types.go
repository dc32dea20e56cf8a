package approval

import (
	"fmt"
	"strings"
	"time"
)

// SystemID names one backend approval system.
type SystemID string

const (
	SystemCoupa      SystemID = "coupa"
	SystemBrex       SystemID = "brex"
	SystemJira       SystemID = "jira"
	SystemServiceNow SystemID = "servicenow"
	SystemWorkday    SystemID = "workday"
)

// Systems lists every known system in registration order.
var Systems = []SystemID{SystemCoupa, SystemBrex, SystemJira, SystemServiceNow, SystemWorkday}

// ParseSystemID validates a system name against the closed set.
func ParseSystemID(raw string) (SystemID, error) {
	id := SystemID(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Systems {
		if id == known {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown approval system: %q", raw)
}

// Action is the user's decision on an item.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction accepts approve or reject in any case.
func ParseAction(raw string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionApprove:
		return ActionApprove, true
	case ActionReject:
		return ActionReject, true
	default:
		return "", false
	}
}

// PastTense returns "approved" or "rejected".
func (a Action) PastTense() string {
	if a == ActionReject {
		return "rejected"
	}
	return "approved"
}

// Key identifies an item across systems.
type Key struct {
	System SystemID
	ID     string
}

// Item is one pending approval fetched from a backend. Items are immutable once fetched.
type Item struct {
	System  SystemID  `json:"system"`
	ID      string    `json:"id"`
	Summary string    `json:"summary"`
	Date    time.Time `json:"date"`
	Link    string    `json:"link"`
}

// Key returns the (system, id) identity of the item.
func (i Item) Key() Key {
	return Key{System: i.System, ID: i.ID}
}

// Decision is a fully specified action ready for dispatch.
type Decision struct {
	User     string
	Approval Item
	Action   Action
	Comment  string
}

// Status is the outcome reported by a backend or the dispatcher.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// SubmitResult is what an adapter reports for a submitted decision.
type SubmitResult struct {
	Status  Status
	Message string
}

// DispatchResult is the dispatcher's final answer for a decision.
type DispatchResult struct {
	Status  Status
	Message string
}

// Succeeded reports whether the backend confirmed the decision.
func (r DispatchResult) Succeeded() bool {
	return r.Status == StatusSuccess
}
