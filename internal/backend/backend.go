package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/config"
)

// Adapter is the integration point for one backend approval system.
type Adapter interface {
	System() approval.SystemID
	FetchApprovals(ctx context.Context, userID string) ([]approval.Item, error)
	SubmitDecision(ctx context.Context, userID string, item approval.Item, action approval.Action, comment string) (approval.SubmitResult, error)
}

// Limited is implemented by adapters that cap concurrent calls to their backend.
type Limited interface {
	MaxConcurrency() int
}

// Error describes a failed backend call.
type Error struct {
	System     approval.SystemID
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.System, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.System, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable backend failure.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// Registry is the fixed set of adapters built at start-up.
type Registry struct {
	ordered []Adapter
	byID    map[approval.SystemID]Adapter
}

// NewRegistry indexes adapters by system, keeping registration order.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byID: make(map[approval.SystemID]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			return nil, fmt.Errorf("nil adapter")
		}
		id, err := approval.ParseSystemID(string(a.System()))
		if err != nil {
			return nil, err
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("adapter already registered: %s", id)
		}
		r.byID[id] = a
		r.ordered = append(r.ordered, a)
	}
	return r, nil
}

// Adapters returns adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	out := make([]Adapter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Lookup resolves the adapter for a system.
func (r *Registry) Lookup(id approval.SystemID) (Adapter, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// Systems returns registered system ids in registration order.
func (r *Registry) Systems() []approval.SystemID {
	out := make([]approval.SystemID, 0, len(r.ordered))
	for _, a := range r.ordered {
		out = append(out, a.System())
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int { return len(r.ordered) }

// FromConfig builds every enabled adapter exactly once, each from its own
// config section, in the canonical system order.
func FromConfig(cfg config.BackendsConfig, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{}
	}
	var adapters []Adapter
	if cfg.Coupa.Enabled {
		adapters = append(adapters, NewCoupa(cfg.Coupa, client))
	}
	if cfg.Brex.Enabled {
		adapters = append(adapters, NewBrex(cfg.Brex, client))
	}
	if cfg.Jira.Enabled {
		adapters = append(adapters, NewJira(cfg.Jira, client))
	}
	if cfg.ServiceNow.Enabled {
		adapters = append(adapters, NewServiceNow(cfg.ServiceNow, client))
	}
	if cfg.Workday.Enabled {
		adapters = append(adapters, NewWorkday(cfg.Workday, client))
	}
	return NewRegistry(adapters...)
}
