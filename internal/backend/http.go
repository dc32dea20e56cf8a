package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MEKXH/picard/internal/approval"
	"github.com/MEKXH/picard/internal/config"
	"github.com/tidwall/gjson"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultConcurrency = 4
	maxResponseBytes   = 4 * 1024 * 1024
)

var errMalformed = errors.New("malformed payload")

type request struct {
	method string
	path   string
	query  url.Values
	body   any
}

// variant holds what differs between backends; transport and error
// classification are shared by HTTPAdapter.
type variant interface {
	fetch(userID string) request
	listPath() string
	item(raw gjson.Result, baseURL string) approval.Item
	submit(userID string, item approval.Item, action approval.Action, comment string) request
	accepted(status int, body gjson.Result) (bool, string)
}

// HTTPAdapter talks to one backend's REST API.
type HTTPAdapter struct {
	system      approval.SystemID
	baseURL     string
	token       string
	timeout     time.Duration
	concurrency int
	client      *http.Client
	variant     variant
}

func newHTTPAdapter(system approval.SystemID, cfg config.BackendConfig, v variant, client *http.Client) *HTTPAdapter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAdapter{
		system:      system,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:       strings.TrimSpace(cfg.APIToken),
		timeout:     timeout,
		concurrency: concurrency,
		client:      client,
		variant:     v,
	}
}

func (a *HTTPAdapter) System() approval.SystemID { return a.system }

func (a *HTTPAdapter) MaxConcurrency() int { return a.concurrency }

// FetchApprovals lists the user's pending items.
func (a *HTTPAdapter) FetchApprovals(ctx context.Context, userID string) ([]approval.Item, error) {
	status, data, err := a.do(ctx, "fetch", a.variant.fetch(userID))
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &Error{System: a.system, Op: "fetch", StatusCode: status, Retryable: retryableStatus(status), Err: fmt.Errorf("unexpected response")}
	}
	if !gjson.ValidBytes(data) {
		return nil, &Error{System: a.system, Op: "fetch", Err: errMalformed}
	}

	list := gjson.ParseBytes(data)
	if path := a.variant.listPath(); path != "" {
		list = list.Get(path)
	}
	if !list.IsArray() {
		return nil, &Error{System: a.system, Op: "fetch", Err: fmt.Errorf("%w: expected array", errMalformed)}
	}

	items := make([]approval.Item, 0)
	list.ForEach(func(_, raw gjson.Result) bool {
		item := a.variant.item(raw, a.baseURL)
		if strings.TrimSpace(item.ID) == "" {
			return true
		}
		item.System = a.system
		items = append(items, item)
		return true
	})
	return items, nil
}

// SubmitDecision sends an approve or reject back to the backend.
func (a *HTTPAdapter) SubmitDecision(ctx context.Context, userID string, item approval.Item, action approval.Action, comment string) (approval.SubmitResult, error) {
	status, data, err := a.do(ctx, "submit", a.variant.submit(userID, item, action, comment))
	if err != nil {
		return approval.SubmitResult{}, err
	}
	if retryableStatus(status) {
		return approval.SubmitResult{}, &Error{System: a.system, Op: "submit", StatusCode: status, Retryable: true, Err: fmt.Errorf("backend unavailable")}
	}

	var body gjson.Result
	if gjson.ValidBytes(data) {
		body = gjson.ParseBytes(data)
	}
	ok, msg := a.variant.accepted(status, body)
	if !ok {
		if msg == "" {
			msg = fmt.Sprintf("%s returned status %d", a.system, status)
		}
		return approval.SubmitResult{Status: approval.StatusFailure, Message: msg}, nil
	}
	return approval.SubmitResult{Status: approval.StatusSuccess, Message: msg}, nil
}

func (a *HTTPAdapter) do(ctx context.Context, op string, req request) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	target := a.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return 0, nil, &Error{System: a.system, Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
	if err != nil {
		return 0, nil, &Error{System: a.system, Op: op, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return 0, nil, &Error{System: a.system, Op: op, Retryable: !errors.Is(err, context.Canceled), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &Error{System: a.system, Op: op, StatusCode: resp.StatusCode, Retryable: true, Err: fmt.Errorf("read response: %w", err)}
	}
	return resp.StatusCode, data, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func success(status int) bool {
	return status >= 200 && status < 300
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime accepts the date formats the backends emit; unknown formats yield zero.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
