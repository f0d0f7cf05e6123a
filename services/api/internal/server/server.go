package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gaole-2025/rizzify-sub001/internal/util"
	"github.com/gaole-2025/rizzify-sub001/pkg/domain"
	"github.com/gaole-2025/rizzify-sub001/services/api/internal/app"
)

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	VerifySubject(token string) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier TokenVerifier
	CORSOrigins   []string
	// Health reports backing service readiness for /healthz. Optional.
	Health func(ctx context.Context) error
}

// Server exposes HTTP endpoints for the generation API.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	corsOrigins    []string
	health         func(ctx context.Context) error
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		corsOrigins:    cfg.CORSOrigins,
		health:         cfg.Health,
		mux:            http.NewServeMux(),
		maxUploadBytes: cfg.App.MaxUploadBytes(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.Chain(s.mux,
		util.WithRequestID,
		util.WithRequestLog,
		util.WithSecurityHeaders,
		util.WithCORS(s.corsOrigins),
	)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /uploads", s.withUser(s.handleUpload))
	s.mux.Handle("POST /generations", s.withUser(s.handleSubmit))
	s.mux.Handle("GET /tasks/{id}", s.withUser(s.handleGetTask))
	s.mux.Handle("GET /tasks/{id}/photos", s.withUser(s.handleTaskPhotos))

	// photos
	s.mux.Handle("GET /photos", s.withUser(s.handleListPhotos))
	s.mux.Handle("GET /photos/summary", s.withUser(s.handleSummary))
	s.mux.Handle("DELETE /photos", s.withUser(s.handleDeleteSection))
	s.mux.Handle("DELETE /photos/{id}", s.withUser(s.handleDeletePhoto))

	s.mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", userID))
		next(w, r.WithContext(ctx), userID)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, userID string) {
	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, domain.CodeValidation, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "file is required (field: file)")
		return
	}
	defer file.Close()
	upload, err := s.app.RegisterUpload(r.Context(), userID, header.Filename, file, header.Size)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

type submitRequest struct {
	Plan           string `json:"plan"`
	Gender         string `json:"gender"`
	UploadID       string `json:"uploadId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, userID string) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "invalid json body")
		return
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}
	sub, err := s.app.Submit(r.Context(), app.SubmitRequest{
		UserID:         userID,
		Plan:           domain.Plan(req.Plan),
		Gender:         domain.Gender(req.Gender),
		UploadID:       req.UploadID,
		IdempotencyKey: key,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sub)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, userID string) {
	view, err := s.app.GetTask(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTaskPhotos(w http.ResponseWriter, r *http.Request, userID string) {
	s.listSection(w, r, app.Scope{UserID: userID, TaskID: r.PathValue("id")})
}

func (s *Server) handleListPhotos(w http.ResponseWriter, r *http.Request, userID string) {
	s.listSection(w, r, app.Scope{UserID: userID})
}

func (s *Server) listSection(w http.ResponseWriter, r *http.Request, scope app.Scope) {
	query := r.URL.Query()
	page, ok := parseCount(query.Get("page"))
	if !ok {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "page must be a positive integer")
		return
	}
	limit, ok := parseCount(query.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, domain.CodeValidation, "limit must be a positive integer")
		return
	}
	result, err := s.app.ListSection(r.Context(), scope, query.Get("section"), page, limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, userID string) {
	sum, err := s.app.Summary(r.Context(), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDeletePhoto(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.app.DeletePhoto(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": res.Success, "status": res.Status})
}

func (s *Server) handleDeleteSection(w http.ResponseWriter, r *http.Request, userID string) {
	query := r.URL.Query()
	res, err := s.app.DeleteSection(r.Context(), userID, query.Get("section"), query.Get("taskId"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// parseCount reads an optional non-negative integer query value; empty is zero.
func parseCount(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RequestID         string `json:"requestId,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps the domain error taxonomy onto HTTP.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	resp := errorResponse{
		Error:     de.Message,
		Code:      de.Code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(de, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(de, domain.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(de, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(de, domain.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
		if de.RetryAfter > 0 {
			secs := int(math.Ceil(de.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			resp.RetryAfterSeconds = secs
		}
	case errors.Is(de, domain.ErrEnqueueFailed):
		status = http.StatusServiceUnavailable
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
	}
	writeJSON(w, status, resp)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
