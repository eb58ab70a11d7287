package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-composer/internal/composer"
	"github.com/example/ride-composer/internal/dispatch"
	"github.com/example/ride-composer/internal/logging"
)

// Server exposes composer sessions over HTTP and a websocket for suggestion
// pushes.
type Server struct {
	Sessions *composer.Manager
	WSReg    *dispatch.WSRegistry
	Ready    func(ctx context.Context) error // optional readiness probe

	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(sessions *composer.Manager, wsreg *dispatch.WSRegistry, ready func(context.Context) error, logger *slog.Logger) *Server {
	s := &Server{
		Sessions: sessions,
		WSReg:    wsreg,
		Ready:    ready,
		logger:   logging.OrDefault(logger),
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	if wsreg != nil {
		sessions.OnDispose(wsreg.CloseSession)
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/sessions").Subrouter()
	api.HandleFunc("", s.handleCreateSession).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.handleGetSession).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	api.HandleFunc("/{id}/locations/{field}/query", s.handleQuery).Methods(http.MethodPost)
	api.HandleFunc("/{id}/locations/{field}/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	api.HandleFunc("/{id}/locations/{field}/select", s.handleSelect).Methods(http.MethodPost)
	api.HandleFunc("/{id}/locations/{field}/pin", s.handlePin).Methods(http.MethodPost)

	api.HandleFunc("/{id}/mode", s.handleMode).Methods(http.MethodPut)
	api.HandleFunc("/{id}/vehicle", s.handleVehicle).Methods(http.MethodPut)
	api.HandleFunc("/{id}/seats", s.handleSeats).Methods(http.MethodPut)
	api.HandleFunc("/{id}/time", s.handleTime).Methods(http.MethodPut)

	api.HandleFunc("/{id}/dates/stage", s.handleStageDate).Methods(http.MethodPost)
	api.HandleFunc("/{id}/dates/confirm", s.handleConfirmDate).Methods(http.MethodPost)
	api.HandleFunc("/{id}/dates/cancel", s.handleCancelDate).Methods(http.MethodPost)
	api.HandleFunc("/{id}/days/{day}/toggle", s.handleToggleDay).Methods(http.MethodPost)

	api.HandleFunc("/{id}/routes", s.handleSaveRoute).Methods(http.MethodPost)
	api.HandleFunc("/{id}/routes/{index:[0-9]+}/apply", s.handleApplyRecent).Methods(http.MethodPost)
	api.HandleFunc("/{id}/search", s.handleSearch).Methods(http.MethodPost)
	api.HandleFunc("/{id}/submit", s.handleSubmit).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func newID() string { return uuid.NewString() }
