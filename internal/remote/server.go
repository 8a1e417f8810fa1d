package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/vanishlist/vanish/internal/schema"
)

// InsertRequest is the body of POST /tasks.
type InsertRequest struct {
	ID      string `json:"id,omitempty" validate:"omitempty,max=64"`
	Text    string `json:"text" validate:"required,max=255"`
	Checked bool   `json:"checked"`
	Time    string `json:"time" validate:"required"`
}

// InsertResponse is the body returned by POST /tasks.
type InsertResponse struct {
	ID string `json:"id"`
}

// EditRequest is the body of PATCH /tasks/{id}.
type EditRequest struct {
	Text string `json:"text" validate:"required,max=255"`
}

// ToggleResponse is the body returned by POST /tasks/{id}/toggle.
type ToggleResponse struct {
	Checked bool `json:"checked"`
}

// ErrorResponse is the body of every non-2xx answer. Code names the
// failure for clients; answers from anything other than this server carry
// no code.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried by ErrorResponse.
const (
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeInvalidTask   = "invalid_task"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal"
)

// pinger is implemented by stores that can report their own health.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes a Store as a JSON HTTP API.
type Server struct {
	store     Store
	validator *validator.Validate
	logger    *slog.Logger
}

// NewServer creates a server for store.
func NewServer(store Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     store,
		validator: validator.New(),
		logger:    logger.With("component", "remote-server"),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.health)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Post("/", s.insertTask)
		r.Delete("/{id}", s.deleteTask)
		r.Patch("/{id}", s.editText)
		r.Post("/{id}/toggle", s.toggleChecked)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.ListTasks(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) insertTask(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if !s.decode(w, r, &req) {
		return
	}

	id, err := s.store.InsertTask(r.Context(), schema.Record{
		ID:      req.ID,
		Text:    req.Text,
		Checked: req.Checked,
		Time:    req.Time,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, InsertResponse{ID: id})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toggleChecked(w http.ResponseWriter, r *http.Request) {
	checked, err := s.store.ToggleChecked(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ToggleResponse{Checked: checked})
}

func (s *Server) editText(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.store.EditText(r.Context(), chi.URLParam(r, "id"), req.Text); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads and validates a JSON body. It writes a 400 and returns false
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: invalid request body: %v", schema.ErrInvalidTask, err))
		return false
	}
	if err := s.validator.Struct(v); err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %v", schema.ErrInvalidTask, err))
		return false
	}
	return true
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err)
	} else {
		s.logger.Debug("request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict, CodeAlreadyExists
	case errors.Is(err, schema.ErrInvalidTask):
		return http.StatusBadRequest, CodeInvalidTask
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
