// Package gateway is the caller-facing HTTP API of the sandbox daemon.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zhubert/plural-sandbox/container"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/sandbox"
	"github.com/zhubert/plural-sandbox/session"
	"github.com/zhubert/plural-sandbox/store"
	"github.com/zhubert/plural-sandbox/stream"
)

const maxRequestBody = 1 << 20

// Executor is the sandbox surface the gateway serves.
type Executor interface {
	Submit(ctx context.Context, sessionID string, req sandbox.TaskRequest) (*sandbox.Handle, error)
	Task(taskID, userID string) (*sandbox.Handle, error)
	Session(sessionID, userID string) (session.Session, error)
	Health(ctx context.Context, sessionID string) (container.HealthStatus, error)
	Tasks(ctx context.Context, sessionID, userID string, limit int) ([]store.TaskRecord, error)
	CloseSession(ctx context.Context, sessionID, userID string) error
}

// SubmitRequest is the POST /v1/sessions/{id}/tasks payload.
type SubmitRequest struct {
	Prompt   string `json:"prompt"`
	ToolMode string `json:"tool_mode,omitempty"`
}

// SubmitResponse is returned when a task is accepted.
type SubmitResponse struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
}

// CancelResponse is returned by the cancel endpoint.
type CancelResponse struct {
	TaskID    string        `json:"task_id"`
	Status    runner.Status `json:"status"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// HealthResponse is the session health payload. Container is nil when the
// session has no container.
type HealthResponse struct {
	Session   session.Session         `json:"session"`
	Container *container.HealthStatus `json:"container,omitempty"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string       `json:"error"`
	Kind  sandbox.Kind `json:"kind,omitempty"`
}

// Config holds gateway settings.
type Config struct {
	// RequireAuth rejects requests the Authenticator does not accept.
	RequireAuth bool
	// TaskTimeout bounds submit, cancel and health calls. Event streams are
	// bounded only by the caller's connection.
	TaskTimeout time.Duration
}

// Server serves the caller API.
type Server struct {
	cfg  Config
	exec Executor
	auth Authenticator
	log  *slog.Logger
	mux  *http.ServeMux
}

// New creates a gateway. auth may be nil, in which case every request is
// anonymous.
func New(cfg Config, exec Executor, auth Authenticator, log *slog.Logger) *Server {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}
	s := &Server{cfg: cfg, exec: exec, auth: auth, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("POST /v1/sessions", s.authed(s.handleCreateSession))
	s.mux.HandleFunc("POST /v1/sessions/{id}/tasks", s.authed(s.handleSubmit))
	s.mux.HandleFunc("GET /v1/sessions/{id}/tasks", s.authed(s.handleListTasks))
	s.mux.HandleFunc("GET /v1/sessions/{id}/health", s.authed(s.handleSessionHealth))
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.authed(s.handleDeleteSession))
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.authed(s.handleGetTask))
	s.mux.HandleFunc("GET /v1/tasks/{id}/events", s.authed(s.handleEvents))
	s.mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.authed(s.handleCancel))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var user string
		if s.auth != nil {
			var ok bool
			user, ok = s.auth.Authenticate(r)
			if !ok && s.cfg.RequireAuth {
				writeError(w, http.StatusUnauthorized, "", "unauthorized")
				return
			}
		} else if s.cfg.RequireAuth {
			writeError(w, http.StatusUnauthorized, "", "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession submits the first task of a new session whose id the
// gateway picks.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, uuid.NewString())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, r.PathValue("id"))
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, sessionID string) {
	var req SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, sandbox.KindInvalidRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TaskTimeout)
	defer cancel()
	h, err := s.exec.Submit(ctx, sessionID, sandbox.TaskRequest{
		Prompt:   req.Prompt,
		ToolMode: req.ToolMode,
		OwnerID:  userFrom(r.Context()),
	})
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: h.ID(), SessionID: h.SessionID()})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	h, err := s.exec.Task(r.PathValue("id"), userFrom(r.Context()))
	if err != nil {
		s.fail(w, "task", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Info())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	h, err := s.exec.Task(r.PathValue("id"), userFrom(r.Context()))
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	events, err := h.Events(r.Context())
	if err != nil {
		s.fail(w, "events", err)
		return
	}
	if err := stream.Serve(w, events); err != nil {
		s.log.Debug("event stream ended", "taskID", h.ID(), "error", err)
		// Drain so the relay notices the disconnect through the context.
		for range events {
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	h, err := s.exec.Task(r.PathValue("id"), userFrom(r.Context()))
	if err != nil {
		s.fail(w, "cancel", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TaskTimeout)
	defer cancel()
	status, err := h.Cancel(ctx)
	resp := CancelResponse{TaskID: h.ID(), Status: status}
	if err != nil {
		if sandbox.KindOf(err) != sandbox.KindCancellationTimeout {
			s.fail(w, "cancel", err)
			return
		}
		resp.ErrorKind = string(sandbox.KindCancellationTimeout)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TaskTimeout)
	defer cancel()
	if err := s.exec.CloseSession(ctx, r.PathValue("id"), userFrom(r.Context())); err != nil {
		s.fail(w, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.exec.Session(id, userFrom(r.Context()))
	if err != nil {
		s.fail(w, "health", err)
		return
	}

	resp := HealthResponse{Session: sess}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TaskTimeout)
	defer cancel()
	st, err := s.exec.Health(ctx, id)
	switch {
	case err == nil:
		resp.Container = &st
	case errors.Is(err, container.ErrNotFound):
	default:
		s.fail(w, "health", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, sandbox.KindInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	recs, err := s.exec.Tasks(r.Context(), r.PathValue("id"), userFrom(r.Context()), limit)
	if err != nil {
		s.fail(w, "list tasks", err)
		return
	}
	if recs == nil {
		recs = []store.TaskRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": recs})
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	kind := sandbox.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "op", op, "kind", kind, "error", err)
	} else {
		s.log.Debug("request rejected", "op", op, "kind", kind, "error", err)
	}
	writeError(w, status, kind, err.Error())
}

// statusFor maps an executor error kind to an HTTP status.
func statusFor(kind sandbox.Kind) int {
	switch kind {
	case sandbox.KindNotFound:
		return http.StatusNotFound
	case sandbox.KindBusy:
		return http.StatusConflict
	case sandbox.KindInvalidRequest:
		return http.StatusBadRequest
	case sandbox.KindTimeout, sandbox.KindCancellationTimeout:
		return http.StatusGatewayTimeout
	case sandbox.KindContainerUnreachable, sandbox.KindUpstreamError,
		sandbox.KindProvisioning, sandbox.KindProtocolError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, kind sandbox.Kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}
