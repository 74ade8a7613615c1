// Package gateway serves the desktop session and action API. It wires the
// session lifecycle manager, the action dispatcher and authentication into an
// HTTP server.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/deskgate/deskgate/pkg/gateway/auth"
	"github.com/deskgate/deskgate/pkg/gateway/config"
	"github.com/deskgate/deskgate/pkg/gateway/dispatch"
	apperrors "github.com/deskgate/deskgate/pkg/gateway/errors"
	"github.com/deskgate/deskgate/pkg/gateway/local"
	"github.com/deskgate/deskgate/pkg/gateway/metrics"
	"github.com/deskgate/deskgate/pkg/gateway/session"
	"github.com/deskgate/deskgate/pkg/gateway/store"
)

const clientName = "deskgate"

// App represents the gateway application
type App struct {
	Config        *config.Config
	Sessions      *session.Manager
	Dispatcher    *dispatch.Dispatcher
	Authenticator auth.Authenticator
	TokenService  *auth.TokenService
	Metrics       *metrics.Metrics

	store       session.Store
	closeStore  func() error
	provisioner session.Provisioner
	desktops    dispatch.DesktopClient
	clock       clock.WithTicker
	registry    *prometheus.Registry
	log         logr.Logger
	router      *mux.Router
	reaper      sync.WaitGroup
	stopReaper  context.CancelFunc
}

type Option func(*App)

// WithBackend replaces the provisioner and desktop client chosen by the
// backend mode.
func WithBackend(p session.Provisioner, d dispatch.DesktopClient) Option {
	return func(a *App) {
		a.provisioner = p
		a.desktops = d
	}
}

// WithStore replaces the store chosen by the store driver.
func WithStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

func WithClock(c clock.WithTicker) Option {
	return func(a *App) { a.clock = c }
}

func WithLogger(log logr.Logger) Option {
	return func(a *App) { a.log = log }
}

// NewApp creates a new gateway application
func NewApp(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	app := &App{
		Config:   cfg,
		clock:    clock.RealClock{},
		log:      logr.Discard(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(app)
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.Metrics = metrics.New(app.registry)

	app.TokenService = auth.NewTokenService(clientName, cfg.Auth.TokenPath,
		auth.WithRefreshPeriod(cfg.Auth.RefreshPeriod),
		auth.WithTokenLogger(app.log))

	keys, err := auth.NewStaticKeys(cfg.Auth.KeyMap())
	if err != nil {
		return nil, err
	}
	app.Authenticator = keys

	if err := app.initializeStore(ctx); err != nil {
		return nil, err
	}
	app.initializeBackend()

	app.Sessions = session.NewManager(app.store, app.provisioner, cfg.Session,
		session.WithClock(app.clock),
		session.WithLogger(app.log),
		session.WithMetrics(app.Metrics))
	app.Dispatcher = dispatch.New(app.Sessions, app.desktops, cfg.Dispatch,
		dispatch.WithLogger(app.log),
		dispatch.WithMetrics(app.Metrics))

	app.router = mux.NewRouter()
	app.setupRoutes()
	return app, nil
}

func (a *App) initializeStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.Config.Store.Driver == store.DriverMemory {
		a.store = session.NewMemoryStore()
		return nil
	}
	sqlStore, err := store.Open(ctx, a.Config.Store, a.log)
	if err != nil {
		return err
	}
	a.store = sqlStore
	a.closeStore = sqlStore.Close
	return nil
}

func (a *App) initializeBackend() {
	if a.provisioner != nil && a.desktops != nil {
		return
	}
	if a.Config.Backend.Mode == config.BackendLocal {
		backend := local.NewBackend(a.Config.Backend.Local, a.log)
		a.provisioner, a.desktops = backend, backend
		return
	}
	a.provisioner = session.NewHTTPProvisioner(a.Config.Backend.ProvisionerURL,
		a.Config.Backend.RequestTimeout, a.TokenService.GetToken)
	a.desktops = dispatch.NewHTTPClient(a.Config.Backend.ActionURL, a.TokenService.GetToken)
}

// Handler returns the routed API.
func (a *App) Handler() http.Handler {
	return a.router
}

// Start runs the token refresh and the session reaper until ctx is done or
// Close is called.
func (a *App) Start(ctx context.Context) error {
	if err := a.TokenService.Start(ctx); err != nil {
		return err
	}
	ctx, a.stopReaper = context.WithCancel(ctx)
	a.reaper.Add(1)
	go func() {
		defer a.reaper.Done()
		a.Sessions.RunReaper(ctx)
	}()
	return nil
}

// Build starts the background services and returns the HTTP server.
func (a *App) Build(ctx context.Context) (*http.Server, error) {
	if err := a.Start(ctx); err != nil {
		return nil, err
	}

	// Long enough for a readiness wait or a retried action plus its pause.
	writeTimeout := a.Config.Session.Poll.Deadline + 2*a.Config.Dispatch.ActionTimeout + time.Minute

	return &http.Server{
		Addr:              a.Config.Server.Address,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
	}, nil
}

// Close stops the token service, waits for the reaper and closes the store.
func (a *App) Close() error {
	a.TokenService.Stop()
	if a.stopReaper != nil {
		a.stopReaper()
	}
	a.reaper.Wait()
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			return apperrors.New(apperrors.ErrCodeStore, "failed to close store", err)
		}
	}
	return nil
}

func (a *App) setupRoutes() {
	a.router.Use(a.requestLogging)

	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := a.router.PathPrefix("/desktop").Subrouter()
	api.Handle("", a.authenticate(http.HandlerFunc(a.handleCreate))).Methods(http.MethodPost)
	api.Handle("/{id}", a.authenticate(http.HandlerFunc(a.handleGet))).Methods(http.MethodGet)
	api.Handle("/{id}/stop", a.authenticateBeacon(http.HandlerFunc(a.handleStop))).Methods(http.MethodPost)
	api.Handle("/{id}/computer-action", a.authenticate(http.HandlerFunc(a.handleComputerAction))).Methods(http.MethodPost)
	api.Handle("/{id}/bash-action", a.authenticate(http.HandlerFunc(a.handleBashAction))).Methods(http.MethodPost)

	a.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Reason: "NOT_FOUND", Message: "no such route"})
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "healthy", "backend": a.Config.Backend.Mode}
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			a.log.Error(err, "Store health check failed")
			status["status"] = "unhealthy"
			writeJSON(w, http.StatusServiceUnavailable, status)
			return
		}
	}
	writeJSON(w, http.StatusOK, status)
}
