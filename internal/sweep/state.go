package sweep

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Report summarizes one sweep over the directory.
type Report struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Users      int       `json:"users"`
	Delivered  int       `json:"delivered"`
	Busy       int       `json:"busy"`
	Failed     int       `json:"failed"`
}

// State is the persisted schedule bookkeeping.
type State struct {
	Schedule    string  `json:"schedule"`
	NextRunAtMS *int64  `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64  `json:"last_run_at_ms,omitempty"`
	LastStatus  string  `json:"last_status,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	LastReport  *Report `json:"last_report,omitempty"`
}

// stateStore persists State as a JSON file. An empty path keeps it in memory.
type stateStore struct {
	path  string
	mu    sync.RWMutex
	state State
}

func newStateStore(path string) *stateStore {
	return &stateStore{path: path}
}

// Load reads state from disk. If the file does not exist, the store starts empty.
func (s *stateStore) Load() error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.state = State{}
			return nil
		}
		return fmt.Errorf("read sweep state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse sweep state: %w", err)
	}
	s.state = st
	return nil
}

// Save writes the current state to disk.
func (s *stateStore) Save() error {
	if s.path == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal sweep state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create sweep state dir: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

func (s *stateStore) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyState(s.state)
}

func (s *stateStore) Update(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// ReadState loads the state file written by a running service.
func ReadState(path string) (State, error) {
	st := newStateStore(path)
	if err := st.Load(); err != nil {
		return State{}, err
	}
	return st.Get(), nil
}

func copyState(st State) State {
	cp := st
	if st.NextRunAtMS != nil {
		v := *st.NextRunAtMS
		cp.NextRunAtMS = &v
	}
	if st.LastRunAtMS != nil {
		v := *st.LastRunAtMS
		cp.LastRunAtMS = &v
	}
	if st.LastReport != nil {
		r := *st.LastReport
		cp.LastReport = &r
	}
	return cp
}
