package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/middleware"
	"silvenger/internal/privacy"
	"silvenger/internal/realtime"
	"silvenger/internal/tracing"
	"silvenger/pkg/backend"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// maxRequestBytes bounds a REST request body.
const maxRequestBytes = 64 * 1024

type Server struct {
	router *mux.Router
	logger *logrus.Logger
	store  MessageStore
	hub    *realtime.Hub
	tokens *middleware.TokenTable
	apiKey string
	server *http.Server
}

func NewServer(store MessageStore, hub *realtime.Hub, tokens *middleware.TokenTable, apiKey string, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		store:  store,
		hub:    hub,
		tokens: tokens,
		apiKey: apiKey,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	// Unauthenticated
	s.router.HandleFunc(backend.HealthPath, s.handleHealth()).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	auth := middleware.BearerAuth(s.tokens, s.apiKey, s.logger)

	rest := s.router.NewRoute().Subrouter()
	rest.Use(auth, requestTimeout(time.Duration(constants.DefaultServerWriteTimeoutSec)*time.Second))
	rest.HandleFunc(backend.UserPath, s.handleCurrentUser()).Methods(http.MethodGet)
	rest.HandleFunc(backend.MessagesPath, s.handleInsertMessage()).Methods(http.MethodPost)
	rest.HandleFunc(backend.MessagesPath, s.handleListMessages()).Methods(http.MethodGet)
	rest.HandleFunc(backend.MessagesPath, s.handleMarkRead()).Methods(http.MethodPatch)

	ws := s.router.PathPrefix("/realtime").Subrouter()
	ws.Use(auth)
	ws.HandleFunc(realtime.MessagesPath+"{conversationID}", s.handleChangeFeed()).Methods(http.MethodGet)
	ws.HandleFunc(realtime.BroadcastPath+"{topic}", s.handleBroadcast()).Methods(http.MethodGet)
}

// requestTimeout caps REST handlers. Websocket routes are not wrapped
// because the timeout handler cannot be hijacked.
func requestTimeout(d time.Duration) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) Start(port int) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting development backend on port %d", port)
	return s.server.ListenAndServe()
}

// Shutdown closes realtime peers first so their handlers return before the
// HTTP server drains.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.WithError(err).Warn("Health check failed")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func (s *Server) handleCurrentUser() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserID(r.Context())
		s.writeJSON(w, r, http.StatusOK, backend.UserResponse{ID: userID})
	}
}

func (s *Server) handleChangeFeed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeChanges(w, r, mux.Vars(r)["conversationID"])
	}
}

func (s *Server) handleBroadcast() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeBroadcast(w, r, mux.Vars(r)["topic"])
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithFields(logrus.Fields{
			constants.LogFieldRequestID: tracing.GetRequestID(r.Context()),
			constants.LogFieldEndpoint:  r.URL.Path,
		}).WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)

	fields := logrus.Fields{}
	if appErr, ok := apperrors.As(err); ok {
		apperrors.WithContextFromRequest(appErr, errorContext(r, requestID))
		for k, v := range privacy.MaskSensitiveFields(appErr.Context) {
			fields[k] = v
		}
	}
	fields[constants.LogFieldRequestID] = requestID
	fields[constants.LogFieldEndpoint] = r.URL.Path
	fields[constants.LogFieldMethod] = r.Method
	fields[constants.LogFieldStatusCode] = status
	fields[constants.LogFieldErrorCode] = apperrors.GetCode(err)

	entry := s.logger.WithFields(fields).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}

	s.writeJSON(w, r, status, apperrors.ToHTTPResponse(err, requestID))
}

// errorContext collects what is known about the request for error bodies.
// Handlers add the conversation with withConversation once it is parsed.
func errorContext(r *http.Request, requestID string) context.Context {
	ctx := r.Context()
	if requestID != "" {
		ctx = apperrors.WithRequestID(ctx, requestID)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		ctx = apperrors.WithTraceID(ctx, traceID)
	}
	if userID, ok := middleware.UserID(ctx); ok {
		ctx = apperrors.WithUserID(ctx, userID)
	}
	return ctx
}

func withConversation(r *http.Request, conversationID string) *http.Request {
	return r.WithContext(apperrors.WithConversationID(r.Context(), conversationID))
}
