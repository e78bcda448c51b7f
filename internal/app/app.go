// Package app wires the gateway server runtime: config, logging, HTTP
// routes, the protocol core (internal/gateway), and the optional durability
// layer (internal/auditlog).
//
// It is intentionally small and deterministic to keep behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rjcorwin/mew-protocol-sub006/internal/auditlog"
	"github.com/rjcorwin/mew-protocol-sub006/internal/gateway"
	"github.com/rjcorwin/mew-protocol-sub006/internal/identity"
	"github.com/rjcorwin/mew-protocol-sub006/internal/spaceconfig"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the gateway server runtime: it owns HTTP server wiring, the
// protocol core, and durability/metrics dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	gw        *gateway.Gateway
	transport *gateway.Transport
	inject    *gateway.InjectHandler

	metricsReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	auth, err := spaceconfig.NewStoreFromFile(cfg.SpaceConfigPath)
	if err != nil {
		return nil, err
	}

	limits := gateway.Limits{
		SendQueueSize:            cfg.SendQueueSize,
		MaxStreamsPerParticipant: cfg.MaxStreamsPerParticipant,
		MaxPendingRequests:       cfg.MaxPendingRequests,
		MaxCapabilities:          cfg.MaxCapabilities,
	}

	newID := func() string {
		id, err := identity.NewULID(time.Now())
		if err != nil {
			// crypto/rand failing is treated as fatal elsewhere in the stack;
			// here a zero-value id would only ever surface as a routing bug,
			// so fall back to an empty string the caller's logs will flag.
			return ""
		}
		return id
	}

	gw := gateway.New(log, newID, time.Now, limits)

	st, dbPool, dbEnabled, err := newStore(context.Background(), cfg, log, gw)
	if err != nil {
		return nil, err
	}

	var metricsReg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		metricsReg = prometheus.NewRegistry()
		gw.SetMetrics(newGatewayMetrics(metricsReg))
		registerGatewayGauges(metricsReg, gw)
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		dbPool:     dbPool,
		dbEnabled:  dbEnabled,
		gw:         gw,
		transport:  gateway.NewTransport(log, gw, auth),
		inject:     gateway.NewInjectHandler(gw, auth),
		metricsReg: metricsReg,
	}, nil
}

// Run starts the HTTP server (and, if configured, the separate metrics
// listener) and blocks until context cancellation or a fatal server error.
// The two listeners are supervised by an errgroup so either one's failure
// tears the other down, mirroring the teacher's single-error-channel
// shutdown but generalized to more than one listener.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.transport, a.inject)

	handler := WithSecurityHeaders(WithCORS(WithRequestLogging(mux, a.log), a.cfg, a.log))

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	var metricsSrv *http.Server
	if a.metricsReg != nil {
		metricsSrv = newMetricsServer(a.cfg.MetricsAddr, a.metricsReg)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if metricsSrv != nil {
		g.Go(func() error {
			a.log.Info("metrics.start", "addr", a.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("metrics.shutdown.fail", "err", err)
			}
		}
		if err := a.store.Close(shutdownCtx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed durability and purely in-memory
// capability-audit/roster bookkeeping, wiring whichever it picks into gw.
func newStore(ctx context.Context, cfg Config, log Logger, gw *gateway.Gateway) (Store, *pgxpool.Pool, bool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		gw.SetAuditSink(auditlog.GatewaySink{Log: auditlog.NewInMemoryLog()})
		gw.SetRosterSink(auditlog.NewInMemoryRoster())
		return nopStore{}, nil, false, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, err
	}

	log.Info("db.enabled.postgres_store")

	auditLog, err := auditlog.NewPostgresLog(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}
	roster, err := auditlog.NewPostgresRoster(pool)
	if err != nil {
		pool.Close()
		return nil, nil, false, err
	}
	gw.SetAuditSink(auditlog.GatewaySink{Log: auditLog})
	gw.SetRosterSink(roster)

	return dbStore{pool: pool, auditLog: auditLog, roster: roster}, pool, true, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	auditLog *auditlog.PostgresLog
	roster   *auditlog.PostgresRoster
}

func (s dbStore) Close(_ context.Context) error {
	if s.auditLog != nil {
		_ = s.auditLog.Close()
	}
	if s.roster != nil {
		_ = s.roster.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
