// Package api provides the HTTP surface of AgendaBot.
//
// It exposes the inbound message webhook, a session state introspection
// endpoint and a health check, and guards message processing with a per-user
// exclusivity gate plus panic recovery.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/glassystudio/agendabot/internal/flow"
	"github.com/glassystudio/agendabot/internal/messages"
	"github.com/glassystudio/agendabot/internal/models"
	"github.com/glassystudio/agendabot/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// MessageHandler processes one inbound client message end to end.
type MessageHandler interface {
	HandleMessage(ctx context.Context, userID, raw string) error
}

var _ MessageHandler = (*flow.Engine)(nil)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server ties the webhook endpoints to the dialogue engine and the store.
type Server struct {
	addr    string
	st      store.Store
	handler MessageHandler
	catalog *messages.Catalog
	gate    *Gate
	mux     *http.ServeMux
	httpSrv *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(st store.Store, handler MessageHandler, catalog *messages.Catalog, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}

	s := &Server{
		addr:    cfg.Addr,
		st:      st,
		handler: handler,
		catalog: catalog,
		gate:    NewGate(),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("/webhook", s.webhookHandler)
	s.mux.HandleFunc("/check-state", s.checkStateHandler)
	s.mux.HandleFunc("/health", s.healthHandler)
	return s
}

// Handle mounts an extra route on the server mux (e.g. the Twilio form
// webhook when that backend is selected).
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Handler returns the root HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.mux}
	slog.Info("Server.Start: API listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpSrv.Shutdown(ctx)
}

// Process runs one inbound message through the engine with the exclusivity
// gate and panic recovery applied. It reports whether the message was
// accepted; a second concurrent message from the same user is dropped.
func (s *Server) Process(ctx context.Context, userID, message string) (bool, error) {
	if !s.gate.TryAcquire(userID) {
		slog.Warn("Server.Process: message dropped, user already in flight", "user_id", userID)
		return false, nil
	}
	defer s.gate.Release(userID)

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Server.Process: panic during message handling", "user_id", userID, "panic", r)
				if _, qErr := s.st.EnqueueJob(userID, s.catalog.Get("CRITICAL_ERROR_WEBHOOK"), nil, ""); qErr != nil {
					slog.Error("Server.Process: failed to enqueue error notice", "error", qErr, "user_id", userID)
				}
				err = fmt.Errorf("message handling panicked: %v", r)
			}
		}()
		err = s.handler.HandleMessage(ctx, userID, message)
	}()
	return true, err
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.webhookHandler: processing inbound message", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.webhookHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.webhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.webhookHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	accepted, err := s.Process(r.Context(), req.UserID, req.Message)
	if !accepted {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message ignored, user already being processed", nil))
		return
	}
	if err != nil {
		slog.Error("Server.webhookHandler: message handling failed", "error", err, "user_id", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}

	slog.Info("Server.webhookHandler: message processed", "user_id", req.UserID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message processed", nil))
}

func (s *Server) checkStateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(models.ErrEmptyUserID.Error()))
		return
	}

	session, err := s.st.GetSession(req.UserID)
	if err != nil {
		slog.Error("Server.checkStateHandler: failed to load session", "error", err, "user_id", req.UserID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session"))
		return
	}
	state := models.StateInitial
	if session != nil {
		state = session.State
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"state": string(state)}))
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}
