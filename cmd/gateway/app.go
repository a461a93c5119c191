package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/instrument-gateway/internal/application"
	"github.com/example/instrument-gateway/internal/config"
	"github.com/example/instrument-gateway/internal/connectivity"
	httptransport "github.com/example/instrument-gateway/internal/http"
	"github.com/example/instrument-gateway/internal/metrics"
	"github.com/example/instrument-gateway/internal/persistence"
	badgerstore "github.com/example/instrument-gateway/internal/persistence/badger"
	"github.com/example/instrument-gateway/internal/persistence/sqlite"
	"github.com/example/instrument-gateway/internal/remote"
	"github.com/example/instrument-gateway/internal/secretstore"
)

// appDeps overrides collaborators that are otherwise built from config.
type appDeps struct {
	HTTPClient *http.Client
	Secrets    secretstore.Store
	Now        func() time.Time
}

// app is the assembled gateway process.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	client   *remote.Client
	queue    *application.EventQueue
	notices  *application.NoticeBoard
	auth     *application.AuthService
	catalog  *application.CatalogService
	machine  *application.SessionMachine
	engine   *application.SyncEngine
	timeouts *application.TimeoutMonitor
	monitor  *connectivity.Monitor
	handler  http.Handler
	now      func() time.Time

	closeStorage func() error

	stopMonitors context.CancelFunc
	stopEngine   context.CancelFunc
	monitorsDone sync.WaitGroup
	engineDone   sync.WaitGroup
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, deps appDeps) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = systemNow
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	queueRepo, sessionRepo, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, now: now, closeStorage: closeStorage}
	defer func() {
		if err != nil {
			_ = closeStorage()
		}
	}()

	secrets := deps.Secrets
	if secrets == nil {
		secrets, err = secretstore.Select(ctx, secretstore.Options{
			Backend:    cfg.SecretBackend,
			Service:    secretstore.DefaultService,
			FilePath:   cfg.SecretsFile(),
			Passphrase: cfg.SecretPassphrase,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("select secret store: %w", err)
		}
	}
	logger.Info("secret store selected", "backend", secrets.Name())

	a.client = remote.NewClient(remote.Config{
		BaseURL:    cfg.BackendURL,
		APIKey:     cfg.BackendAPIKey,
		HTTPClient: deps.HTTPClient,
		Timeout:    cfg.RequestTimeout,
		Limiter:    requestLimiter(cfg.RequestRate),
		Now:        now,
		Logger:     logger,
	})
	a.recorder = metrics.NewRecorder()

	a.queue = application.NewEventQueueWithLogger(queueStoreAdapter{repo: queueRepo}, cfg.QueueCapacity, now, logger)
	a.queue.SetObserver(a.recorder)
	if err = a.queue.Open(ctx); err != nil {
		return nil, fmt.Errorf("open event queue: %w", err)
	}

	a.notices = application.NewNoticeBoardWithLogger(newID, now, logger)
	a.auth = application.NewAuthServiceWithLogger(
		authBackendAdapter{client: a.client},
		credentialStoreAdapter{store: secrets},
		now,
		cfg.TokenRefreshSkew,
		logger,
	)
	a.client.SetTokenSource(a.auth)

	a.monitor = connectivity.NewMonitor(connectivity.Config{
		Pinger:   a.client,
		Interval: cfg.ProbeInterval,
		Timeout:  cfg.RequestTimeout,
		Now:      now,
		Logger:   logger,
	})

	a.engine = application.NewSyncEngine(application.SyncEngineConfig{
		Queue:        a.queue,
		Remote:       sessionRecordWriterAdapter{client: a.client},
		Auth:         a.auth,
		Notices:      a.notices,
		Connectivity: connectivityReporter{report: a.monitor},
		Observer:     a.recorder,
		Backoff: application.BackoffPolicy{
			Base:   cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Jitter: cfg.BackoffJitter,
		},
		Concurrency: cfg.SyncConcurrency,
		NotifyAfter: cfg.NotifyAfterAttempts,
		Interval:    cfg.SyncInterval,
		Now:         now,
		Logger:      logger,
	})

	a.machine = application.NewSessionMachine(application.SessionMachineConfig{
		Queue:          a.queue,
		Store:          activeSessionStoreAdapter{repo: sessionRepo},
		Principals:     a.auth,
		Bookings:       application.NewRemoteBookingResolver(bookingSourceAdapter{client: a.client}),
		BookingTimeout: cfg.BookingLookupTimeout,
		IDGenerator:    newID,
		Now:            now,
		OnEnqueue:      a.engine.Trigger,
		Logger:         logger,
	})
	a.auth.Attach(a.machine, a.engine)
	a.engine.RestoreNotices(ctx)

	a.monitor.OnOnline(a.engine.Trigger)
	a.monitor.OnChange(a.recorder.ConnectivityChanged)

	a.timeouts = application.NewTimeoutMonitorWithLogger(a.machine, cfg.MaxSessionDuration, cfg.TimeoutCheckInterval, cfg.HeartbeatInterval, logger)
	if _, _, err = a.machine.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore active session: %w", err)
	}
	// A session restored after a long shutdown may already be overdue.
	if _, err = a.timeouts.Check(ctx); err != nil {
		return nil, fmt.Errorf("check restored session: %w", err)
	}

	a.catalog = application.NewCatalogServiceWithLogger(instrumentSourceAdapter{client: a.client}, cfg.CatalogTTL, now, logger)

	a.handler = httptransport.NewRouter(httptransport.RouterConfig{
		Auth:        httptransport.NewAuthHandler(a.auth, logger),
		Instruments: httptransport.NewInstrumentHandler(a.catalog, logger),
		Sessions:    httptransport.NewSessionHandler(a.machine, a.engine, now, logger),
		Queue:       httptransport.NewQueueHandler(a.queue, a.engine, a.notices, now, logger),
		Notices:     httptransport.NewNoticeHandler(a.notices, logger),
		Health:      httptransport.NewHealthHandler(a.monitor, a.engine),
		Metrics:     a.recorder.Handler(),
		Middleware: []func(http.Handler) http.Handler{
			httptransport.RequestLogger(logger),
			httptransport.Recoverer(logger),
		},
	})
	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (persistence.QueueRepository, persistence.ActiveSessionRepository, func() error, error) {
	switch cfg.QueueBackend {
	case config.QueueBackendBadger:
		store, err := badgerstore.Open(cfg.BadgerDir())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open badger queue: %w", err)
		}
		logger.Info("queue storage opened", "backend", cfg.QueueBackend, "path", cfg.BadgerDir())
		return store, store, store.Close, nil
	default:
		storage, err := sqlite.Open(sqlite.DefaultConfig(cfg.SQLitePath()), logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite queue: %w", err)
		}
		if err := storage.Migrate(ctx); err != nil {
			_ = storage.Close()
			return nil, nil, nil, fmt.Errorf("migrate sqlite queue: %w", err)
		}
		logger.Info("queue storage opened", "backend", cfg.QueueBackend, "path", cfg.SQLitePath())
		return storage.Queue, storage.Sessions, storage.Close, nil
	}
}

func requestLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(perSecond))
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// start launches the connectivity monitor, the timeout monitor and the sync
// loop.
func (a *app) start(ctx context.Context) {
	monitorsCtx, stopMonitors := context.WithCancel(ctx)
	engineCtx, stopEngine := context.WithCancel(ctx)
	a.stopMonitors = stopMonitors
	a.stopEngine = stopEngine

	a.monitorsDone.Add(2)
	go func() {
		defer a.monitorsDone.Done()
		_ = a.monitor.Run(monitorsCtx)
	}()
	go func() {
		defer a.monitorsDone.Done()
		_ = a.timeouts.Run(monitorsCtx)
	}()

	a.engineDone.Add(1)
	go func() {
		defer a.engineDone.Done()
		_ = a.engine.Run(engineCtx)
	}()
}

// shutdown stops the background loops, gives the queue one last delivery
// cycle and releases storage. The HTTP server must already be stopped.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.stopMonitors != nil {
		a.stopMonitors()
		a.monitorsDone.Wait()
	}

	if len(a.queue.PeekReady(a.now())) > 0 && !a.engine.Paused() {
		report, err := a.engine.RunCycle(ctx, a.now())
		if err != nil {
			a.logger.Warn("final sync cycle failed", "error", err, "error_kind", application.ErrorKind(err))
		} else {
			a.logger.Info("final sync cycle finished", "confirmed", report.Confirmed, "remaining", a.queue.Len())
		}
	}

	if err := a.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sync engine shutdown: %w", err))
	}
	if a.stopEngine != nil {
		a.stopEngine()
		a.engineDone.Wait()
	}

	if err := a.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event queue: %w", err))
	}
	if err := a.closeStorage(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}

// serve runs the gateway until ctx is cancelled.
func (a *app) serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("gateway control API listening", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
		if runErr != nil {
			a.logger.Error("server encountered error", "error", runErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("failed to shutdown server", "error", err)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	a.logger.Info("gateway stopped")
	return runErr
}
