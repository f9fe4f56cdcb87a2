package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/capability"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/natsserver"
	"github.com/loqalabs/loqa-narrator/internal/service"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   atomic.Bool

	store    *eventstore.Store
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	service  *service.Service
	registry *capability.Registry
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	if cfg.Node.ID == "" {
		cfg.Node.ID = cfg.RuntimeName + "-" + uuid.NewString()[:8]
	}
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the daemon until ctx is cancelled or a server fails.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}()

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer r.store.Close()

	conv, err := BuildConverter(r.cfg, r.store, r.logger)
	if err != nil {
		return err
	}

	if err := r.startBus(ctx, conv); err != nil {
		r.stopBus()
		return err
	}
	defer r.stopBus()

	opts := APIOptions{
		MaxDocumentBytes: r.cfg.Pipeline.MaxDocumentBytes,
		AllowedOrigins:   r.cfg.HTTP.AllowedOrigins,
		Ready:            r.healthy,
		Metrics:          metricsHandler,
	}
	if r.registry != nil {
		opts.Nodes = r.registry.Nodes
	}
	api := NewAPI(conv, opts, r.logger)
	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("ocr_mode", r.cfg.OCR.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode),
		slog.String("node_id", r.cfg.Node.ID),
		slog.Bool("bus", r.bus != nil))

	return g.Wait()
}

func (r *Runtime) startBus(ctx context.Context, conv service.Converter) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.service = service.NewService(ctx, r.cfg.Pipeline, r.bus, conv, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.Self(r.cfg, r.version), r.bus, r.logger)
	return err
}

// stopBus drains in dependency order: registry, service, connection, server.
func (r *Runtime) stopBus() {
	if r.registry != nil {
		r.registry.Close()
		r.registry = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	r.embedded.Shutdown()
	r.embedded = nil
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("event store prune failed", slogError(err))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return r.service == nil || r.service.Healthy()
}
