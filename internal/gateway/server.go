package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MEKXH/picard/internal/config"
	"github.com/MEKXH/picard/internal/version"
	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

const maxBodyBytes = 1 << 20

// EventSink receives verified Slack payloads.
type EventSink interface {
	HandleEventsAPI(ctx context.Context, evt slackevents.EventsAPIEvent)
	HandleInteraction(ctx context.Context, cb slack.InteractionCallback)
	HandleSlashCommand(ctx context.Context, cmd slack.SlashCommand)
}

type Server struct {
	cfg           config.GatewayConfig
	signingSecret string
	sink          EventSink
	httpServer    *http.Server
}

func New(cfg config.GatewayConfig, signingSecret string, sink EventSink) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Port
	if port <= 0 {
		port = 3000
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:           cfg,
		signingSecret: signingSecret,
		sink:          sink,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	mux := NewHandler(s.signingSecret, s.sink)
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// NewHandler serves the health endpoints and the Slack webhooks. Every Slack
// request must carry a valid signature for signingSecret.
func NewHandler(signingSecret string, sink EventSink) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"request_id": requestID,
		})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		if r.Method != http.MethodGet {
			writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"version":    version.Version,
			"commit":     version.Commit,
			"request_id": requestID,
		})
	})

	mux.HandleFunc("/slack/events", func(w http.ResponseWriter, r *http.Request) {
		requestID, body, ok := readSlackRequest(w, r, signingSecret)
		if !ok {
			return
		}
		evt, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid event payload")
			return
		}

		switch evt.Type {
		case slackevents.URLVerification:
			challenge, ok := evt.Data.(*slackevents.EventsAPIURLVerificationEvent)
			if !ok {
				writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid url_verification payload")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge.Challenge})
		case slackevents.CallbackEvent:
			// Slack resends events it thinks were missed; the first delivery was already handled.
			if retry := r.Header.Get("X-Slack-Retry-Num"); retry != "" {
				slog.Info("ignoring slack retry", "request_id", requestID, "retry", retry, "reason", r.Header.Get("X-Slack-Retry-Reason"))
				writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": requestID})
				return
			}
			if sink != nil {
				sink.HandleEventsAPI(r.Context(), evt)
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": requestID})
		default:
			slog.Debug("ignoring slack event", "request_id", requestID, "type", evt.Type)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "request_id": requestID})
		}
	})

	mux.HandleFunc("/slack/interactive", func(w http.ResponseWriter, r *http.Request) {
		requestID, body, ok := readSlackRequest(w, r, signingSecret)
		if !ok {
			return
		}
		form, err := url.ParseQuery(string(body))
		if err != nil || strings.TrimSpace(form.Get("payload")) == "" {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "payload is required")
			return
		}
		var cb slack.InteractionCallback
		if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid interaction payload")
			return
		}
		if sink != nil {
			sink.HandleInteraction(r.Context(), cb)
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/slack/commands", func(w http.ResponseWriter, r *http.Request) {
		requestID, body, ok := readSlackRequest(w, r, signingSecret)
		if !ok {
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		cmd, err := slack.SlashCommandParse(r)
		if err != nil {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid slash command")
			return
		}
		if sink != nil {
			sink.HandleSlashCommand(r.Context(), cmd)
		}
		w.WriteHeader(http.StatusOK)
	})
	return withRequestID(mux)
}

// withRequestID settles the request id once and returns it in X-Request-ID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getRequestID(r)
		r.Header.Set("X-Request-ID", requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

// readSlackRequest enforces POST, reads the body and checks the Slack signature.
func readSlackRequest(w http.ResponseWriter, r *http.Request, signingSecret string) (string, []byte, bool) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return requestID, nil, false
	}
	if strings.TrimSpace(signingSecret) == "" {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "slack signing secret is not configured")
		return requestID, nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "unreadable request body")
		return requestID, nil, false
	}
	if err := verifySignature(r.Header, body, signingSecret); err != nil {
		slog.Warn("rejected slack request", "request_id", requestID, "path", r.URL.Path, "error", err)
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "invalid slack signature")
		return requestID, nil, false
	}
	return requestID, body, true
}

func verifySignature(header http.Header, body []byte, signingSecret string) error {
	sv, err := slack.NewSecretsVerifier(header, signingSecret)
	if err != nil {
		return err
	}
	if _, err := sv.Write(body); err != nil {
		return err
	}
	return sv.Ensure()
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
