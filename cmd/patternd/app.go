package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/aggregate"
	"github.com/fyrsmithlabs/patternd/internal/config"
	"github.com/fyrsmithlabs/patternd/internal/events"
	"github.com/fyrsmithlabs/patternd/internal/gate"
	httpapi "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/reducer"
	"github.com/fyrsmithlabs/patternd/internal/store"
)

// app owns the wiring and lifecycle of every component.
type app struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	embeddedNATS *server.Server
	natsConn     *nats.Conn
	store        *store.Store
	consumer     *events.Consumer
	scanner      *gate.Scanner
	promotion    *gate.PromotionGate
	demotion     *gate.DemotionGate
	httpServer   *httpapi.Server
	watcher      *config.Watcher
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	return &app{cfg: cfg, configPath: configPath, logger: logger}, nil
}

// Run wires the pipeline and blocks until ctx is cancelled.
func (a *app) Run(ctx context.Context) error {
	defer logging.Sync(a.logger)

	a.logger.Info("starting patternd",
		zap.String("version", version),
		zap.String("store_path", a.cfg.Store.Path),
	)

	if err := a.startNATS(); err != nil {
		return err
	}
	defer a.stopNATS()

	s, err := store.Open(store.Config{
		Path:          a.cfg.Store.Path,
		MinConfidence: a.cfg.Store.MinConfidence,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = s
	defer s.Close()

	publisher, err := events.NewPublisher(a.natsConn, a.logger)
	if err != nil {
		return err
	}
	dispatcher, err := events.NewDispatcher(s, publisher, a.logger)
	if err != nil {
		return err
	}
	red, err := reducer.New(s, dispatcher, a.logger)
	if err != nil {
		return err
	}

	aggregator := aggregate.New(aggregate.Config{
		SimilarityThreshold:  a.cfg.Aggregate.SimilarityThreshold,
		NearThresholdEpsilon: a.cfg.Aggregate.NearThresholdEpsilon,
	}, a.logger)

	a.consumer, err = events.NewConsumer(a.natsConn, aggregator, s, publisher, a.logger)
	if err != nil {
		return err
	}
	if err := a.consumer.Start(); err != nil {
		return err
	}
	defer a.consumer.Stop()

	a.promotion, err = gate.NewPromotionGate(gate.PromotionConfig{
		WindowSize:            a.cfg.Promotion.WindowSize,
		MinInjections:         a.cfg.Promotion.MinInjections,
		MinSuccessRate:        a.cfg.Promotion.MinSuccessRate,
		MaxFailureStreak:      a.cfg.Promotion.MaxFailureStreak,
		ProvisionalConfidence: a.cfg.Promotion.ProvisionalConfidence,
	}, s, red, a.logger)
	if err != nil {
		return err
	}
	a.demotion, err = gate.NewDemotionGate(gate.DemotionConfig{
		WindowSize:     a.cfg.Demotion.WindowSize,
		FailureStreak:  a.cfg.Demotion.FailureStreak,
		MaxSuccessRate: a.cfg.Demotion.MaxSuccessRate,
		MinInjections:  a.cfg.Demotion.MinInjections,
		Cooldown:       a.cfg.Demotion.Cooldown,
	}, s, red, a.logger)
	if err != nil {
		return err
	}

	a.scanner, err = gate.NewScanner(a.promotion, a.demotion, a.logger,
		gate.WithScanInterval(a.cfg.Scanner.Interval),
		gate.WithBatchSize(a.cfg.Scanner.BatchSize),
	)
	if err != nil {
		return err
	}
	if err := a.scanner.Start(); err != nil {
		return err
	}
	defer a.scanner.Stop()

	if a.configPath != "" {
		a.watcher, err = config.NewWatcher(a.configPath, a.applyReload, a.logger)
		if err != nil {
			return err
		}
		if err := a.watcher.Start(); err != nil {
			a.logger.Warn("config watcher failed to start, hot-reload disabled", zap.Error(err))
		} else {
			defer a.watcher.Stop()
		}
	}

	a.httpServer, err = httpapi.NewServer(a.cfg.Server.Port, a.logger,
		storeChecker{a.store},
		natsChecker{a.natsConn},
	)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.logger.Info("patternd ready", zap.Int("port", a.cfg.Server.Port))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	a.logger.Info("patternd shutdown complete")
	return nil
}

// applyReload pushes hot-reloadable settings into running components. Gate
// thresholds apply immediately; structural settings (ports, paths, broker
// URL) need a restart and are only reported.
func (a *app) applyReload(cfg *config.Config) {
	a.promotion.UpdateConfig(gate.PromotionConfig{
		WindowSize:            cfg.Promotion.WindowSize,
		MinInjections:         cfg.Promotion.MinInjections,
		MinSuccessRate:        cfg.Promotion.MinSuccessRate,
		MaxFailureStreak:      cfg.Promotion.MaxFailureStreak,
		ProvisionalConfidence: cfg.Promotion.ProvisionalConfidence,
	})
	a.demotion.UpdateConfig(gate.DemotionConfig{
		WindowSize:     cfg.Demotion.WindowSize,
		FailureStreak:  cfg.Demotion.FailureStreak,
		MaxSuccessRate: cfg.Demotion.MaxSuccessRate,
		MinInjections:  cfg.Demotion.MinInjections,
		Cooldown:       cfg.Demotion.Cooldown,
	})
	a.logger.Info("gate thresholds reloaded")

	if cfg.Server.Port != a.cfg.Server.Port || cfg.Store.Path != a.cfg.Store.Path ||
		cfg.NATS != a.cfg.NATS {
		a.logger.Warn("structural config changed, restart required to apply")
	}
	a.cfg = cfg
}

func (a *app) startNATS() error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		a.logger.Info("connecting to NATS", zap.String("url", a.cfg.NATS.URL))
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		return nil
	}

	a.logger.Info("starting embedded NATS server")
	ns, err := server.NewServer(&server.Options{
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return errors.New("embedded NATS server failed to start")
	}
	a.embeddedNATS = ns

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("connect to embedded NATS: %w", err)
	}
	a.natsConn = conn
	return nil
}

func (a *app) stopNATS() {
	if a.natsConn != nil {
		a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.embeddedNATS != nil {
		a.embeddedNATS.Shutdown()
		a.embeddedNATS.WaitForShutdown()
	}
}

// storeChecker probes the SQLite connection for /health.
type storeChecker struct {
	store *store.Store
}

func (c storeChecker) Name() string { return "store" }

func (c storeChecker) Healthy(ctx context.Context) error {
	return c.store.DB().PingContext(ctx)
}

// natsChecker probes the broker connection for /health.
type natsChecker struct {
	conn *nats.Conn
}

func (c natsChecker) Name() string { return "nats" }

func (c natsChecker) Healthy(context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("nats connection status %s", c.conn.Status())
	}
	return nil
}
