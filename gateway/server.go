// Package gateway is the HTTP and websocket surface: DICOMweb routes on
// one side, worker handshake on the other, with the auth gate, queue and
// bridge wired between them.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/imagewire/pacsbridge/bridge"
	"github.com/imagewire/pacsbridge/cluster"
	"github.com/imagewire/pacsbridge/config"
	"github.com/imagewire/pacsbridge/log"
	"github.com/imagewire/pacsbridge/metrics"
	"github.com/imagewire/pacsbridge/queue"
	"github.com/imagewire/pacsbridge/registry"
	"github.com/imagewire/pacsbridge/types"
)

// Server owns the HTTP listener and the component graph behind it.
type Server struct {
	cfg      *config.Config
	logger   *log.Logger
	bus      cluster.Bus
	registry *registry.Registry
	bridge   *bridge.Bridge
	queue    *queue.Queue
	metrics  *metrics.Metrics

	httpServer *http.Server

	// baseCtx parents every websocket read loop; canceled on shutdown.
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// New wires the component graph for one gateway process.
func New(cfg *config.Config, logger *log.Logger, bus cluster.Bus) *Server {
	reg := registry.New(bus, logger)
	br := bridge.New(reg, bus, logger, bridge.Timeouts{
		Query:    cfg.Timeouts.Query.Duration,
		Retrieve: cfg.Timeouts.Retrieve.Duration,
		Store:    cfg.Timeouts.Store.Duration,
	})
	m := metrics.New()

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		registry: reg,
		bridge:   br,
		metrics:  m,
	}
	s.queue = queue.New(observedDispatcher{inner: br, metrics: m}, logger,
		cfg.Queue.MaxCalls, cfg.Queue.MaxAttempts)
	s.baseCtx, s.cancelAll = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: s.Router(),
	}
	return s
}

// Router builds the route table under the configured prefix.
func (s *Server) Router() http.Handler {
	root := chi.NewRouter()

	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Group(func(g chi.Router) {
		g.Use(s.authGate)

		g.Get("/rs/studies", s.handleQido(types.LevelStudy))
		g.Get("/rs/studies/{study}", s.handleWado(""))
		g.Get("/rs/studies/{study}/metadata", s.handleQido(types.LevelStudy))
		g.Get("/rs/studies/{study}/series", s.handleQido(types.LevelSeries))
		g.Get("/rs/studies/{study}/series/{series}", s.handleWado(""))
		g.Get("/rs/studies/{study}/series/{series}/metadata", s.handleQido(types.LevelSeries))
		g.Get("/rs/studies/{study}/series/{series}/instances", s.handleQido(types.LevelImage))
		g.Get("/rs/studies/{study}/series/{series}/instances/{instance}", s.handleWado(""))
		g.Get("/rs/studies/{study}/series/{series}/instances/{instance}/metadata", s.handleQido(types.LevelImage))

		for _, format := range []string{"rendered", "pixeldata", "thumbnail"} {
			g.Get("/rs/studies/{study}/"+format, s.handleWado(format))
			g.Get("/rs/studies/{study}/series/{series}/"+format, s.handleWado(format))
			g.Get("/rs/studies/{study}/series/{series}/instances/{instance}/"+format, s.handleWado(format))
		}

		g.Post("/rs/studies", s.handleStow)
		g.Get("/wadouri", s.handleWadoURI)
	})

	root.Mount(s.cfg.Server.Prefix, r)
	return root
}

// Run serves until the context is canceled, then shuts down gracefully:
// stop accepting, close live worker connections, close the bus, drain
// in-flight requests under the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			zap.String("addr", s.cfg.Server.Addr),
			zap.String("prefix", s.cfg.Server.Prefix))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.cancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	s.registry.CloseAll(shutdownCtx)
	if err := s.bus.Close(); err != nil {
		s.logger.Warn("bus close failed", zap.Error(err))
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// recoverer maps handler panics to logged 500s so one bad request never
// takes the process down.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// observedDispatcher counts retried attempts on their way to the bridge.
type observedDispatcher struct {
	inner   queue.Dispatcher
	metrics *metrics.Metrics
}

func (d observedDispatcher) Dispatch(ctx context.Context, tenant string, spec types.CallSpec, attempt int) (*types.Reply, error) {
	if attempt > 1 {
		d.metrics.ObserveRetry()
	}
	return d.inner.Dispatch(ctx, tenant, spec, attempt)
}
