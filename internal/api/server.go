package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"

	"github.com/foxzi/groupsend/internal/batch"
	"github.com/foxzi/groupsend/internal/config"
	"github.com/foxzi/groupsend/internal/connection"
	"github.com/foxzi/groupsend/internal/events"
	"github.com/foxzi/groupsend/internal/ipfilter"
	"github.com/foxzi/groupsend/internal/metrics"
	"github.com/foxzi/groupsend/internal/scheduler"
	"github.com/foxzi/groupsend/internal/session"
)

// Connection reports the chat session state
type Connection interface {
	State() connection.State
	Connected() bool
	LatestQR() (string, bool)
}

// GroupLister lists the groups of the connected account
type GroupLister interface {
	Groups(ctx context.Context) ([]session.Group, error)
}

// Gate accepts validated batches
type Gate interface {
	Submit(ctx context.Context, b *batch.Batch) (scheduler.Result, error)
	Pending() []scheduler.Job
}

// EventSource is the status event bus
type EventSource interface {
	Subscribe(buffer int) (<-chan events.Event, func())
	History() []events.Event
}

// Deps are the collaborators behind the HTTP surface
type Deps struct {
	Conn      Connection
	Groups    GroupLister
	Gate      Gate
	Bus       EventSource
	Validator *batch.Validator
	Location  *time.Location // for the scheduled-at summary
	Filter    *ipfilter.Filter
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *config.APIConfig
	deps       Deps
	groups     *cache.Cache
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.APIConfig, groupsTTL time.Duration, deps Deps, logger *slog.Logger) *Server {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	if deps.Validator == nil {
		deps.Validator = batch.NewValidator(deps.Location)
	}

	s := &Server{
		router:    chi.NewRouter(),
		config:    cfg,
		deps:      deps,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     allowOrigins(cfg.CORSOrigins),
		},
	}
	if groupsTTL > 0 {
		s.groups = cache.New(groupsTTL, 2*groupsTTL)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	if s.config.TrustProxy {
		s.router.Use(middleware.RealIP)
	}
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))
	s.router.Use(s.deps.Filter.HTTPMiddleware)

	// No auth required
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/whatsapp-qr", s.handleQR)
		r.Get("/get-groups", s.handleGroups)
		r.Post("/upload-csv", s.handleUploadCSV)
		r.Post("/send-messages", s.handleSendMessages)
		r.Get("/scheduled", s.handleScheduled)
		r.Get("/events", s.handleEvents)
		r.Get("/events/history", s.handleHistory)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. A non-nil tlsConfig serves HTTPS.
func (s *Server) ListenAndServe(tlsConfig *tls.Config) error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		TLSConfig:      tlsConfig,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr, "tls", tlsConfig != nil)
	if tlsConfig != nil {
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
