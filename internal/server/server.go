// Package server exposes the query engine over HTTP: login, query
// submission, and the audit projections. Sessions are bearer JWTs
// issued by POST /v1/login.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/securequery-labs/securequery/internal/audit"
	"github.com/securequery-labs/securequery/internal/auth"
	"github.com/securequery-labs/securequery/internal/engine"
	"github.com/securequery-labs/securequery/internal/errors"
	"github.com/securequery-labs/securequery/internal/observability"
)

// Server is the HTTP gateway.
type Server struct {
	auth         *auth.Service
	orchestrator *engine.Orchestrator
	auditStore   audit.Store
	logger       observability.QueryLogger
	version      string
	router       chi.Router
}

// New creates the gateway and mounts its routes.
func New(authService *auth.Service, orchestrator *engine.Orchestrator,
	auditStore audit.Store, logger observability.QueryLogger, version string) *Server {

	s := &Server{
		auth:         authService,
		orchestrator: orchestrator,
		auditStore:   auditStore,
		logger:       logger,
		version:      version,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Post("/v1/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)
		r.Post("/v1/query", s.handleQuery)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/v1/audit/recent", s.handleAuditRecent)
			r.Get("/v1/audit/denied", s.handleAuditDenied)
			r.Get("/v1/audit/user/{username}", s.handleAuditByUser)
			r.Get("/v1/audit/table/{table}", s.handleAuditByTable)
			r.Get("/v1/summary", s.handleSummary)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewAuthFailed("request body must be JSON with username and password"))
		return
	}
	user, err := s.auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := s.auth.IssueToken(user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

type queryRequest struct {
	SQL string `json:"sql"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.NewParseError("", "request body must be JSON with a sql field", "POST {\"sql\": \"SELECT ...\"}"))
		return
	}
	result, err := s.orchestrator.AuthorizeAndExecute(r.Context(), user, req.SQL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	records, err := s.auditStore.Recent(r.Context(), limitParam(r))
	s.writeAudit(w, records, err)
}

func (s *Server) handleAuditDenied(w http.ResponseWriter, r *http.Request) {
	records, err := s.auditStore.Denied(r.Context(), limitParam(r))
	s.writeAudit(w, records, err)
}

func (s *Server) handleAuditByUser(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	records, err := s.auditStore.ByUser(r.Context(), username, limitParam(r))
	s.writeAudit(w, records, err)
}

func (s *Server) handleAuditByTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	records, err := s.auditStore.ByTable(r.Context(), table, limitParam(r))
	s.writeAudit(w, records, err)
}

func (s *Server) writeAudit(w http.ResponseWriter, records []audit.Record, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.logger.Summary())
}

// requireUser authenticates the bearer token and attaches the user to
// the request context.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, errors.NewAuthFailed("missing bearer token"))
			return
		}
		user, err := s.auth.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithUser(r.Context(), user)))
	})
}

// requireAdmin restricts a route to admin users.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := auth.UserFromContext(r.Context())
		if user == nil || user.Role != auth.RoleAdmin {
			writeError(w, errors.NewPermissionDenied("audit_log", "", "audit projections require the admin role"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitParam(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

type errorBody struct {
	Message    string `json:"message"`
	Reason     string `json:"reason,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// writeError maps the error taxonomy onto HTTP statuses. Permission
// denials are 403, never 500; audit write failures are 500, never a
// denial.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.CodeParse:
		status = http.StatusBadRequest
	case errors.CodeDenied:
		status = http.StatusForbidden
	case errors.CodeAuth:
		status = http.StatusUnauthorized
	case errors.CodeExecution:
		status = http.StatusBadGateway
	}

	body := errorBody{Message: err.Error()}
	if base := errors.BaseOf(err); base != nil {
		body = errorBody{Message: base.Message, Reason: base.Reason, Suggestion: base.Suggestion}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
