package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const runtimeMetricsFileName = "runtime_metrics.json"

var latencyBucketUpperBoundsMs = []int64{
	10, 25, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000,
}

// RuntimeSnapshot contains aggregated runtime metrics for backend fetches,
// decision dispatch and outbound messages.
type RuntimeSnapshot struct {
	UpdatedAt time.Time              `json:"updated_at"`
	Fetch     FetchStats             `json:"fetch"`
	Systems   map[string]SystemStats `json:"systems,omitempty"`
	Dispatch  DispatchStats          `json:"dispatch"`
	Channel   ChannelStats           `json:"channel"`
}

// FetchStats tracks adapter fetch calls across all systems.
type FetchStats struct {
	Total             int64 `json:"total"`
	Errors            int64 `json:"errors"`
	Timeouts          int64 `json:"timeouts"`
	TotalLatencyMs    int64 `json:"total_latency_ms"`
	MaxLatencyMs      int64 `json:"max_latency_ms"`
	LastLatencyMs     int64 `json:"last_latency_ms"`
	P95ProxyLatencyMs int64 `json:"p95_proxy_latency_ms"`
}

// ErrorRatio returns errors/total in [0,1].
func (f FetchStats) ErrorRatio() float64 {
	if f.Total <= 0 {
		return 0
	}
	return float64(f.Errors) / float64(f.Total)
}

// TimeoutRatio returns timeouts/total in [0,1].
func (f FetchStats) TimeoutRatio() float64 {
	if f.Total <= 0 {
		return 0
	}
	return float64(f.Timeouts) / float64(f.Total)
}

// AvgLatencyMs returns average latency in milliseconds.
func (f FetchStats) AvgLatencyMs() float64 {
	if f.Total <= 0 {
		return 0
	}
	return float64(f.TotalLatencyMs) / float64(f.Total)
}

// SystemStats is the per-system fetch breakdown.
type SystemStats struct {
	Fetches       int64     `json:"fetches"`
	FetchFailures int64     `json:"fetch_failures"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// DispatchStats tracks decisions sent back to backends.
type DispatchStats struct {
	Total         int64 `json:"total"`
	Successes     int64 `json:"successes"`
	Failures      int64 `json:"failures"`
	Retries       int64 `json:"retries"`
	AuditFailures int64 `json:"audit_failures"`
}

// SuccessRatio returns successes/total in [0,1].
func (d DispatchStats) SuccessRatio() float64 {
	if d.Total <= 0 {
		return 0
	}
	return float64(d.Successes) / float64(d.Total)
}

// ChannelStats tracks outbound message delivery.
type ChannelStats struct {
	SendAttempts int64 `json:"send_attempts"`
	SendFailures int64 `json:"send_failures"`
}

// FailureRatio returns failures/attempts in [0,1].
func (c ChannelStats) FailureRatio() float64 {
	if c.SendAttempts <= 0 {
		return 0
	}
	return float64(c.SendFailures) / float64(c.SendAttempts)
}

// HasData reports whether any runtime metrics were recorded.
func (s RuntimeSnapshot) HasData() bool {
	return s.Fetch.Total > 0 || s.Dispatch.Total > 0 || s.Channel.SendAttempts > 0
}

// DispatchOutcome is what the dispatcher reports per decision.
type DispatchOutcome struct {
	Success     bool
	Retries     int
	AuditFailed bool
}

// RuntimeMetrics records and persists runtime metrics.
type RuntimeMetrics struct {
	path string

	mu      sync.Mutex
	snap    RuntimeSnapshot
	buckets []int64
}

// NewRuntimeMetrics creates a metrics recorder rooted at <stateDir>/runtime_metrics.json.
func NewRuntimeMetrics(stateDir string) *RuntimeMetrics {
	return &RuntimeMetrics{
		path:    runtimeMetricsPath(stateDir),
		buckets: make([]int64, len(latencyBucketUpperBoundsMs)+1),
	}
}

// Snapshot returns the latest in-memory snapshot.
func (m *RuntimeMetrics) Snapshot() RuntimeSnapshot {
	if m == nil {
		return RuntimeSnapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyLocked()
}

// RecordFetch updates fetch metrics for one adapter call and persists the snapshot.
func (m *RuntimeMetrics) RecordFetch(system string, duration time.Duration, fetchErr error) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	now := time.Now().UTC()
	latencyMs := duration.Milliseconds()
	if latencyMs < 0 {
		latencyMs = 0
	}

	m.mu.Lock()
	m.snap.UpdatedAt = now
	m.snap.Fetch.Total++
	m.snap.Fetch.TotalLatencyMs += latencyMs
	m.snap.Fetch.LastLatencyMs = latencyMs
	if latencyMs > m.snap.Fetch.MaxLatencyMs {
		m.snap.Fetch.MaxLatencyMs = latencyMs
	}
	if m.snap.Systems == nil {
		m.snap.Systems = make(map[string]SystemStats)
	}
	sys := m.snap.Systems[system]
	sys.Fetches++
	if fetchErr != nil {
		m.snap.Fetch.Errors++
		if isTimeoutError(fetchErr) {
			m.snap.Fetch.Timeouts++
		}
		sys.FetchFailures++
		sys.LastFailureAt = now
	}
	m.snap.Systems[system] = sys

	m.buckets[latencyBucketIndex(latencyMs)]++
	m.snap.Fetch.P95ProxyLatencyMs = p95ProxyFromBuckets(m.buckets, m.snap.Fetch.Total)

	snapshot := m.copyLocked()
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// RecordDispatch updates decision dispatch metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordDispatch(outcome DispatchOutcome) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Dispatch.Total++
	if outcome.Success {
		m.snap.Dispatch.Successes++
	} else {
		m.snap.Dispatch.Failures++
	}
	if outcome.Retries > 0 {
		m.snap.Dispatch.Retries += int64(outcome.Retries)
	}
	if outcome.AuditFailed {
		m.snap.Dispatch.AuditFailures++
	}
	snapshot := m.copyLocked()
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// RecordChannelSend updates outbound message metrics and persists the snapshot.
func (m *RuntimeMetrics) RecordChannelSend(success bool) (RuntimeSnapshot, error) {
	if m == nil {
		return RuntimeSnapshot{}, nil
	}

	m.mu.Lock()
	m.snap.UpdatedAt = time.Now().UTC()
	m.snap.Channel.SendAttempts++
	if !success {
		m.snap.Channel.SendFailures++
	}
	snapshot := m.copyLocked()
	m.mu.Unlock()

	return snapshot, persistRuntimeSnapshot(m.path, snapshot)
}

// Close writes the final snapshot.
func (m *RuntimeMetrics) Close() error {
	if m == nil {
		return nil
	}
	return persistRuntimeSnapshot(m.path, m.Snapshot())
}

func (m *RuntimeMetrics) copyLocked() RuntimeSnapshot {
	out := m.snap
	if m.snap.Systems != nil {
		out.Systems = make(map[string]SystemStats, len(m.snap.Systems))
		for k, v := range m.snap.Systems {
			out.Systems[k] = v
		}
	}
	return out
}

// ReadRuntimeSnapshot reads the persisted snapshot from the state dir.
// If no file exists yet, it returns a zero-value snapshot and nil error.
func ReadRuntimeSnapshot(stateDir string) (RuntimeSnapshot, error) {
	path := runtimeMetricsPath(stateDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeSnapshot{}, nil
		}
		return RuntimeSnapshot{}, fmt.Errorf("read runtime metrics: %w", err)
	}

	var snap RuntimeSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return RuntimeSnapshot{}, fmt.Errorf("decode runtime metrics: %w", err)
	}
	return snap, nil
}

func runtimeMetricsPath(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		return ""
	}
	return filepath.Join(stateDir, runtimeMetricsFileName)
}

func persistRuntimeSnapshot(path string, snapshot RuntimeSnapshot) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create runtime metrics dir: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encode runtime metrics: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, payload, 0o644); err != nil {
		return fmt.Errorf("write runtime metrics temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename runtime metrics file: %w", err)
	}
	return nil
}

func latencyBucketIndex(latencyMs int64) int {
	for i, upper := range latencyBucketUpperBoundsMs {
		if latencyMs <= upper {
			return i
		}
	}
	return len(latencyBucketUpperBoundsMs)
}

func p95ProxyFromBuckets(buckets []int64, total int64) int64 {
	if total <= 0 {
		return 0
	}
	target := int64(float64(total) * 0.95)
	if target <= 0 {
		target = 1
	}

	var cumulative int64
	for i, count := range buckets {
		cumulative += count
		if cumulative < target {
			continue
		}
		if i >= len(latencyBucketUpperBoundsMs) {
			return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
		}
		return latencyBucketUpperBoundsMs[i]
	}
	return latencyBucketUpperBoundsMs[len(latencyBucketUpperBoundsMs)-1]
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	lowered := strings.ToLower(err.Error())
	return strings.Contains(lowered, "deadline exceeded") ||
		strings.Contains(lowered, "timeout") ||
		strings.Contains(lowered, "timed out")
}
