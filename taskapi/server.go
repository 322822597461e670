// Package taskapi is the HTTP protocol between the host and the agent
// runner inside a sandbox container: the server side runs in the container,
// the Client is used by the host.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zhubert/plural-sandbox/event"
	"github.com/zhubert/plural-sandbox/runner"
	"github.com/zhubert/plural-sandbox/stream"
)

// Endpoint paths.
const (
	PathExecute = "/api/tasks/execute"
	PathStream  = "/api/tasks/stream"
	PathCancel  = "/api/tasks/cancel"
	PathHealth  = "/health"
)

// maxRequestBody bounds execute and cancel bodies.
const maxRequestBody = 1 << 20

// ExecuteRequest is the POST /api/tasks/execute payload.
type ExecuteRequest = runner.Request

// TaskResponse is returned by execute and cancel.
type TaskResponse struct {
	TaskID string        `json:"task_id"`
	Status runner.Status `json:"status"`
}

// CancelRequest is the POST /api/tasks/cancel payload.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// HealthResponse is the GET /health response.
type HealthResponse = runner.Health

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// TaskRunner is the runner surface the server exposes.
type TaskRunner interface {
	Execute(ctx context.Context, req runner.Request) (runner.Task, error)
	Attach(taskID string) (*event.Subscription, error)
	Cancel(taskID string) (runner.Task, error)
	Health() runner.Health
}

// Server serves the Task API.
type Server struct {
	runner TaskRunner
	log    *slog.Logger
	mux    *http.ServeMux
	now    func() time.Time
}

// NewServer creates a server for r.
func NewServer(r TaskRunner, log *slog.Logger) *Server {
	s := &Server{runner: r, log: log, mux: http.NewServeMux(), now: time.Now}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST "+PathExecute, s.handleExecute)
	s.mux.HandleFunc("GET "+PathStream, s.handleStream)
	s.mux.HandleFunc("POST "+PathCancel, s.handleCancel)
	s.mux.HandleFunc("GET "+PathHealth, s.handleHealth)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	task, err := s.runner.Execute(r.Context(), req)
	switch {
	case errors.Is(err, runner.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, runner.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("execute failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, Status: task.Status})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}
	sub, err := s.runner.Attach(taskID)
	if errors.Is(err, runner.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := s.log.With("taskID", taskID)
	log.Debug("stream attached", "from", sub.Cursor())

	stream.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	enc := stream.NewEncoder(w)

	for {
		ev, err := sub.Next(r.Context())
		switch {
		case errors.Is(err, io.EOF):
			return
		case errors.Is(err, event.ErrLagged):
			// Keep the reader's sequence contiguous: the lag notice takes
			// the sequence number it was waiting for.
			log.Warn("stream subscriber lagged", "cursor", sub.Cursor())
			enc.Encode(event.NewError(sub.Cursor(), event.KindStreamLagged,
				"stream reader fell behind the replay window", s.now().UTC()))
			return
		case err != nil:
			log.Debug("stream detached", "error", err)
			return
		}
		if err := enc.Encode(ev); err != nil {
			log.Debug("stream write failed", "error", err)
			return
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id required")
		return
	}

	task, err := s.runner.Cancel(req.TaskID)
	if errors.Is(err, runner.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, Status: task.Status})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Health())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
