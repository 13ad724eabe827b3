// Package relay is the reference chat server: REST endpoints for history
// and mutations plus a websocket hub that fans events out to conversation
// members.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"gigchat/internal/constants"
	"gigchat/internal/middleware"
	"gigchat/internal/models"
	"gigchat/internal/moderation"
	"gigchat/pkg/api"
	"gigchat/pkg/mediastore"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxFilesPerMessage = 10

// policy is the moderation state swapped in on config reload.
type policy struct {
	gate      *moderation.Gate
	threshold models.Severity
}

func newPolicy(cfg models.Config) (*policy, error) {
	threshold, ok := models.ParseSeverity(cfg.Relay.RejectSeverity)
	if !ok {
		return nil, fmt.Errorf("relay: invalid reject severity %q", cfg.Relay.RejectSeverity)
	}
	return &policy{gate: moderation.NewGateFromConfig(cfg.Moderation), threshold: threshold}, nil
}

// Deps are the collaborators the server does not own.
type Deps struct {
	Store  Storage
	Media  *mediastore.Store
	Logger *logrus.Logger
}

type Server struct {
	cfg       models.RelayConfig
	store     Storage
	media     *mediastore.Store
	logger    *logrus.Logger
	hub       *Hub
	policy    atomic.Pointer[policy]
	maxUpload int64
	limiter   *middleware.RateLimiter
	upgrader  websocket.Upgrader
	handler   http.Handler
	server    *http.Server
	now       func() time.Time
}

// NewServer wires routes and starts the hub. Close or Shutdown stops it.
func NewServer(cfg models.Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Media == nil {
		return nil, errors.New("relay: store and media are required")
	}
	pol, err := newPolicy(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	maxUpload := int64(cfg.Media.MaxUploadSizeMB) * constants.BytesPerMegabyte
	if maxUpload <= 0 {
		maxUpload = constants.DefaultMaxUploadSizeMB * constants.BytesPerMegabyte
	}

	perMinute := cfg.Relay.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = constants.DefaultRelayRateLimitPerMinute
	}

	s := &Server{
		cfg:       cfg.Relay,
		store:     deps.Store,
		media:     deps.Media,
		logger:    logger,
		hub:       NewHub(logger),
		maxUpload: maxUpload,
		limiter:   middleware.NewRateLimiter(perMinute, time.Minute),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// identity is a header, not a cookie, so cross-origin pages cannot ride it
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	s.policy.Store(pol)
	go s.hub.Run()

	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.Observability(s.logger))
	router.Use(middleware.DetailedLogging(s.logger, middleware.DefaultDetailedLoggingConfig()))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	router.HandleFunc(mediastore.URLPrefix+"{name}", s.handleMedia).Methods(http.MethodGet, http.MethodHead)

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(requireUser, s.rateLimit)
	apiRouter.HandleFunc("/conversations/{id}", s.handleGetConversation).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", s.handleListMessages).Methods(http.MethodGet)
	apiRouter.HandleFunc("/conversations/{id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	apiRouter.HandleFunc("/messages/{id}/reactions", s.handleReact).Methods(http.MethodPost)
	apiRouter.HandleFunc("/messages/{id}", s.handleEdit).Methods(http.MethodPatch)
	apiRouter.HandleFunc("/messages/{id}", s.handleDelete).Methods(http.MethodDelete)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", api.UserIDHeader, middleware.RequestIDHeader}),
		handlers.ExposedHeaders([]string{middleware.RequestIDHeader}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(s.logger.IsLevelEnabled(logrus.DebugLevel)),
	)
	return recovery(cors(router))
}

// UpdatePolicy applies the moderation settings and reject severity of a
// reloaded config. Everything else in cfg is ignored.
func (s *Server) UpdatePolicy(cfg *models.Config) error {
	pol, err := newPolicy(*cfg)
	if err != nil {
		return err
	}
	s.policy.Store(pol)
	s.logger.WithField("reject_severity", pol.threshold.String()).Info("Moderation policy updated")
	return nil
}

// Handler exposes the full route tree, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start blocks serving on the configured port until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.WithField("port", s.cfg.Port).Info("Starting relay")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then closes every websocket.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.hub.Close()
	return err
}

// Close stops the hub without touching the listener.
func (s *Server) Close() {
	s.hub.Close()
}
