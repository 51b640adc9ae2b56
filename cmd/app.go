package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lryan599/grageng/kg"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const snapshotPublishTimeout = 2 * time.Minute

// requestIDHeader carries the caller's request id, or the one assigned here.
const requestIDHeader = echo.HeaderXRequestID

// requestIDContextKey is the echo context key for the resolved request id.
const requestIDContextKey = "request_id"

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// GraphID names the graph in published snapshots.
	GraphID string
	// SnapshotInterval <= 0 disables the background snapshot loop.
	SnapshotInterval time.Duration
	Logger           *slog.Logger
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		GraphID:           "default",
		Logger:            slog.Default(),
	}
}

// AppOption attaches an optional service to the App.
type AppOption func(*App)

// WithGraphBuilder enables POST /graph/ingest.
func WithGraphBuilder(builder *kg.GraphBuilder) AppOption {
	return func(a *App) { a.builder = builder }
}

// WithChatModel enables POST /chat.
func WithChatModel(chat kg.ChatModel) AppOption {
	return func(a *App) { a.chat = chat }
}

// WithSnapshotPublisher enables the snapshot routes and the background
// snapshot loop. The store passed to NewApp must implement kg.Snapshotter.
func WithSnapshotPublisher(publisher *kg.SnapshotPublisher) AppOption {
	return func(a *App) { a.publisher = publisher }
}

// WithAppMetrics replaces the default in-memory metrics.
func WithAppMetrics(metrics kg.AppMetrics) AppOption {
	return func(a *App) {
		if metrics != nil {
			a.metrics = metrics
		}
	}
}

type App struct {
	store     kg.GraphStore
	builder   *kg.GraphBuilder
	chat      kg.ChatModel
	publisher *kg.SnapshotPublisher
	echo      *echo.Echo
	config    AppConfig
	logger    *slog.Logger
	metrics   kg.AppMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	snapshotCancel context.CancelFunc
	snapshotDone   chan struct{}
}

func NewApp(store kg.GraphStore, cfg AppConfig, opts ...AppOption) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger

	app := &App{
		store:   store,
		config:  cfg,
		logger:  logger,
		metrics: kg.NewInMemAppMetrics(),
		errCh:   make(chan error, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator:    uuid.NewString,
		TargetHeader: requestIDHeader,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(requestIDContextKey, id)
		},
	}))
	e.Use(requestLoggerMiddleware(logger, app.metrics))
	app.echo = e

	app.registerRoutes()
	return app
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if strings.TrimSpace(cfg.GraphID) != "" {
		d.GraphID = strings.TrimSpace(cfg.GraphID)
	}
	if cfg.SnapshotInterval > 0 {
		d.SnapshotInterval = cfg.SnapshotInterval
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics kg.AppMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = kg.NoopAppMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}
			if id, ok := c.Get(requestIDContextKey).(string); ok {
				attrs = append(attrs, "request_id", id)
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Store:      a.store,
		Builder:    a.builder,
		Chat:       a.chat,
		Logger:     a.logger,
		AppMetrics: a.metrics,
	}
	if a.publisher != nil {
		deps.PublishSnapshot = a.publishSnapshot
		deps.SnapshotHistory = func(ctx context.Context) ([]kg.SnapshotRef, error) {
			return a.publisher.History(ctx, a.config.GraphID)
		}
	}
	Register(a.echo, deps)
}

// publishSnapshot publishes the store under the configured graph id and
// records the outcome.
func (a *App) publishSnapshot(ctx context.Context) (kg.SnapshotRef, error) {
	start := time.Now()
	src, ok := a.store.(kg.Snapshotter)
	if !ok {
		return kg.SnapshotRef{}, fmt.Errorf("graph store %T cannot be snapshotted", a.store)
	}
	ref, err := a.publisher.PublishFrom(ctx, a.config.GraphID, src)
	a.metrics.RecordSnapshot(a.config.GraphID, time.Since(start).Milliseconds(), ref.SizeBytes, err)
	return ref, err
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	a.startSnapshotLoopLocked()

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		a.stopSnapshotLoopLocked()
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		a.errCh <- err
	}()

	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Metrics returns the metrics sink shared by the routes and the snapshot loop.
func (a *App) Metrics() kg.AppMetrics {
	return a.metrics
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	if started {
		a.stopSnapshotLoopLocked()
	}
	a.mu.Unlock()

	if !started {
		return nil
	}

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	return a.echo.Shutdown(ctx)
}

func (a *App) startSnapshotLoopLocked() {
	if a.publisher == nil || a.config.SnapshotInterval <= 0 {
		return
	}
	if a.snapshotCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.snapshotCancel = cancel
	a.snapshotDone = done
	interval := a.config.SnapshotInterval

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				publishCtx, publishCancel := context.WithTimeout(ctx, snapshotPublishTimeout)
				if _, err := a.publishSnapshot(publishCtx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("background snapshot failed", "graph_id", a.config.GraphID, "error", err)
				}
				publishCancel()
			}
		}
	}()
}

func (a *App) stopSnapshotLoopLocked() {
	if a.snapshotCancel == nil {
		return
	}
	cancel := a.snapshotCancel
	done := a.snapshotDone
	a.snapshotCancel = nil
	a.snapshotDone = nil
	cancel()
	if done != nil {
		<-done
	}
}
