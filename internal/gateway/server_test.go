package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/version"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type mockSink struct {
	mu           sync.Mutex
	events       []slackevents.EventsAPIEvent
	interactions []slack.InteractionCallback
	commands     []slack.SlashCommand
}

func (m *mockSink) HandleEventsAPI(_ context.Context, evt slackevents.EventsAPIEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockSink) HandleInteraction(_ context.Context, cb slack.InteractionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, cb)
}

func (m *mockSink) HandleSlashCommand(_ context.Context, cmd slack.SlashCommand) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	return out
}

func signedRequest(t *testing.T, path, contentType, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("v0:" + ts + ":" + body))

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["status"] != "ok" {
		t.Fatalf("expected status=ok, got %v", body["status"])
	}
	if body["request_id"] == "" {
		t.Fatal("expected non-empty request_id")
	}
}

func TestVersionEndpoint(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["version"] != version.Version {
		t.Fatalf("expected version=%s, got %v", version.Version, body["version"])
	}
	if body["request_id"] != "req-123" {
		t.Fatalf("expected request id echoed, got %v", body["request_id"])
	}
}

func TestSlackEvents_URLVerification(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	req := signedRequest(t, "/slack/events", "application/json",
		`{"token":"t","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","type":"url_verification"}`)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr.Body)
	if body["challenge"] != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Fatalf("unexpected challenge response %v", body)
	}
}

const messageEvent = `{"token":"t","team_id":"T1","api_app_id":"A1","type":"event_callback","event_id":"Ev1","event_time":1700000000,` +
	`"event":{"type":"message","channel":"D1","user":"U1","text":"approve 1","ts":"1700000000.000100","channel_type":"im"}}`

func TestSlackEvents_MessageReachesSink(t *testing.T) {
	sink := &mockSink{}
	h := NewHandler(testSecret, sink)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/events", "application/json", messageEvent))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	msg, ok := sink.events[0].InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || msg.User != "U1" || msg.Text != "approve 1" {
		t.Fatalf("unexpected inner event %#v", sink.events[0].InnerEvent.Data)
	}
}

func TestSlackEvents_RetriesAreAcknowledgedOnly(t *testing.T) {
	sink := &mockSink{}
	h := NewHandler(testSecret, sink)
	req := signedRequest(t, "/slack/events", "application/json", messageEvent)
	req.Header.Set("X-Slack-Retry-Num", "1")
	req.Header.Set("X-Slack-Retry-Reason", "http_timeout")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected retry dropped, got %d events", len(sink.events))
	}
}

func TestSlackEvents_RejectsBadSignature(t *testing.T) {
	sink := &mockSink{}
	h := NewHandler(testSecret, sink)
	req := signedRequest(t, "/slack/events", "application/json", messageEvent)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	body := decodeJSON(t, rr.Body)
	if body["code"] != "unauthorized" {
		t.Fatalf("expected code=unauthorized, got %v", body["code"])
	}
	if len(sink.events) != 0 {
		t.Fatal("expected no events delivered")
	}
}

func TestResponsesCarryRequestIDHeader(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/events", "application/json", messageEvent))
	rid := rr.Header().Get("X-Request-ID")
	if rid == "" {
		t.Fatal("expected X-Request-ID on event ack")
	}
	if body := decodeJSON(t, rr.Body); body["request_id"] != rid {
		t.Fatalf("expected body request_id %q, got %v", rid, body["request_id"])
	}

	req := signedRequest(t, "/slack/events", "application/json", messageEvent)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	req.Header.Set("X-Request-ID", "req-7")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("X-Request-ID") != "req-7" {
		t.Fatalf("expected 401 echoing req-7, got %d %q", rr.Code, rr.Header().Get("X-Request-ID"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/commands", "application/x-www-form-urlencoded", "command=%2Fpicard&text=list&user_id=U1"))
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID on slash command ack")
	}
}

func TestSlackEvents_RequiresSigningSecret(t *testing.T) {
	h := NewHandler("", &mockSink{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/events", "application/json", messageEvent))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
}

func TestSlackEvents_MethodNotAllowed(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/slack/events", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestSlackEvents_BadJSON(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/events", "application/json", `{"type":`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSlackInteractive_BlockAction(t *testing.T) {
	sink := &mockSink{}
	h := NewHandler(testSecret, sink)
	payload := `{"type":"block_actions","user":{"id":"U1"},"channel":{"id":"D1"},` +
		`"actions":[{"type":"button","block_id":"b1","action_id":"approve","value":"2"}]}`
	body := url.Values{"payload": {payload}}.Encode()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/interactive", "application/x-www-form-urlencoded", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(sink.interactions) != 1 {
		t.Fatalf("expected one interaction, got %d", len(sink.interactions))
	}
	cb := sink.interactions[0]
	if cb.Type != slack.InteractionTypeBlockActions || cb.User.ID != "U1" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if len(cb.ActionCallback.BlockActions) != 1 || cb.ActionCallback.BlockActions[0].ActionID != "approve" || cb.ActionCallback.BlockActions[0].Value != "2" {
		t.Fatalf("unexpected actions %+v", cb.ActionCallback)
	}
}

func TestSlackInteractive_MissingPayload(t *testing.T) {
	h := NewHandler(testSecret, &mockSink{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/interactive", "application/x-www-form-urlencoded", "foo=bar"))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestSlackCommands(t *testing.T) {
	sink := &mockSink{}
	h := NewHandler(testSecret, sink)
	body := url.Values{
		"command":    {"/picard"},
		"text":       {"list"},
		"user_id":    {"U1"},
		"channel_id": {"D1"},
	}.Encode()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, signedRequest(t, "/slack/commands", "application/x-www-form-urlencoded", body))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(sink.commands) != 1 || sink.commands[0].UserID != "U1" || sink.commands[0].Text != "list" {
		t.Fatalf("unexpected commands %+v", sink.commands)
	}
}

func TestServerDefaults(t *testing.T) {
	s := New(config.GatewayConfig{}, testSecret, nil)
	if s.Addr() != "0.0.0.0:3000" {
		t.Fatalf("unexpected default addr %q", s.Addr())
	}
}
