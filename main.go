package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jordan16ellis/fw-coll-env/internal/auth"
	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/config"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	grpcapi "github.com/jordan16ellis/fw-coll-env/internal/grpc"
	httpapi "github.com/jordan16ellis/fw-coll-env/internal/http"
	"github.com/jordan16ellis/fw-coll-env/internal/live"
	"github.com/jordan16ellis/fw-coll-env/internal/logging"
	"github.com/jordan16ellis/fw-coll-env/internal/replay"
	"github.com/jordan16ellis/fw-coll-env/internal/store"
)

const shutdownTimeout = 10 * time.Second

// serverState tracks startup failures and uptime for readiness probes.
type serverState struct {
	started time.Time
	now     func() time.Time

	mu  sync.RWMutex
	err error
}

func newServerState(now func() time.Time) *serverState {
	if now == nil {
		now = time.Now
	}
	return &serverState{started: now(), now: now}
}

func (s *serverState) StartupError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *serverState) Uptime() time.Duration { return s.now().Sub(s.started) }

func (s *serverState) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = errors.Join(s.err, err)
}

// services holds every long-running component of the filter server.
type services struct {
	cfg     *config.Config
	log     *logging.Logger
	state   *serverState
	monitor *barrier.DecisionMonitor
	setup   *episode.Setup
	hub     *live.Hub
	cleaner *replay.Cleaner
	db      *store.Store
	handler http.Handler
	grpc    *grpc.Server
}

func buildServices(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*services, error) {
	s := &services{
		cfg:     cfg,
		log:     logger,
		state:   newServerState(nil),
		monitor: barrier.NewDecisionMonitor(),
	}

	//1.- Build the grid, the optional filter and the demo runner from configuration.
	setup, err := episode.FromConfig(cfg, cfg.Filter.Enabled, s.monitor, episode.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	s.setup = setup
	if setup.Filter == nil {
		logger.Warn("safety filter disabled; filter endpoints report unavailable")
	}

	//2.- The live hub optionally requires signed viewer tokens.
	hubOpts := []live.Option{live.WithLogger(logger.With(logging.String("component", "live")))}
	if cfg.Live.TokenSecret != "" {
		authority, err := auth.NewTokenAuthority(cfg.Live.TokenSecret, auth.ViewerAudience, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("live token authority: %w", err)
		}
		hubOpts = append(hubOpts, live.WithAuthenticator(authority))
	}
	s.hub = live.NewHub(cfg.Live, hubOpts...)

	if cfg.Replay.Dir != "" {
		if err := os.MkdirAll(cfg.Replay.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("replay directory: %w", err)
		}
		s.cleaner = replay.NewCleaner(cfg.Replay.Dir, replay.RetentionPolicy{
			MaxEpisodes: cfg.Replay.MaxEpisodes,
			MaxAge:      cfg.Replay.MaxAge,
		}, logger.With(logging.String("component", "replay")))
	}

	//3.- A database failure degrades readiness instead of aborting the process.
	if cfg.Database.DSN != "" {
		db, err := openStore(ctx, cfg.Database)
		if err != nil {
			logger.Error("result store unavailable", logging.Error(err))
			s.state.fail(err)
		} else {
			s.db = db
		}
	}

	opts := httpapi.Options{
		Logger:      logger.With(logging.String("component", "http")),
		Filter:      setup.Filter,
		Monitor:     s.monitor,
		Readiness:   s.state,
		RateLimiter: httpapi.NewClientLimiter(cfg.RateLimit.Window, cfg.RateLimit.Burst, nil),
		LiveStats:   s.hub.Stats,
		Live:        s.hub,
	}
	if s.cleaner != nil {
		opts.ReplayStats = s.cleaner.Stats
	}
	s.handler = httpapi.NewHandlerSet(opts).Handler()

	if setup.Filter != nil {
		serverOpts, err := grpcapi.ServerOptions(cfg.GRPC, logger)
		if err != nil {
			return nil, err
		}
		s.grpc = grpc.NewServer(serverOpts...)
		grpcapi.NewService(setup.Filter, grpcapi.WithLogger(logger.With(logging.String("component", "grpc")))).Register(s.grpc)
	}
	return s, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (*store.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := store.New(connectCtx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := db.Migrate(connectCtx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// run serves until ctx is cancelled, then drains every component.
func (s *services) run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	httpServer := &http.Server{Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}

	var grpcListener net.Listener
	if s.grpc != nil {
		if grpcListener, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("listen grpc: %w", err)
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		s.log.Info("http listening", logging.String("url", listenerURL(httpListener.Addr().String(), false)))
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if grpcListener != nil {
		group.Go(func() error {
			s.log.Info("grpc listening", logging.String("target", dialTarget(grpcListener.Addr().String())))
			if err := s.grpc.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	if s.cleaner != nil {
		group.Go(func() error { return s.cleaner.Run(ctx, s.cfg.Replay.SweepInterval) })
	}
	if s.cfg.Episodes.Demo {
		demo := newDemoLoop(s.cfg, s.setup, s.log.With(logging.String("component", "demo")))
		demo.observers = append(demo.observers, s.hub)
		if s.cfg.Replay.Dir != "" {
			demo.observers = append(demo.observers, episode.NewRecorder(s.cfg.Replay.Dir, nil))
		}
		if s.db != nil {
			demo.sink = s.db
		}
		group.Go(func() error { return demo.Run(ctx) })
	}

	//1.- Shut everything down once the context ends for any reason.
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		if s.grpc != nil {
			s.grpc.GracefulStop()
		}
		return err
	})

	err = group.Wait()
	//2.- The hub outlives the demo loop so no episode observes a closed hub.
	s.hub.Close()
	if s.db != nil {
		s.db.Close()
	}
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("filter server starting",
		logging.Bool("filter", svc.setup.Filter != nil),
		logging.Bool("demo", cfg.Episodes.Demo),
		logging.Stringer("env", cfg.Env))
	if err := svc.run(ctx); err != nil {
		logger.Error("server stopped", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
