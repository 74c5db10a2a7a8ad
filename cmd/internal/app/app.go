// Package app wires the relay server runtime: config, logging, HTTP routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"relay/cmd/internal/chatapi"
	"relay/cmd/internal/directory"
	"relay/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the relay server runtime: it owns HTTP server wiring and the realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	ws   *realtime.WSGateway
	chat *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, deps, err := newStores(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	presence := realtime.NewPresence(log)
	hub := realtime.NewHub(log)
	metrics := realtime.NewMetrics(prometheus.DefaultRegisterer)

	router := realtime.NewRouter(log, deps.messages, deps.groups, presence, hub, metrics)
	ws := realtime.NewWSGateway(log, presence, hub, router, deps.users, deps.groups, metrics)
	chat := chatapi.NewHandler(log, deps.messages, deps.groups)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    deps.pool,
		dbEnabled: deps.pool != nil,
		ws:        ws,
		chat:      chat,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.chat)

	var handler http.Handler = WithSecurityHeaders(mux)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
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

// storeDeps bundles the persistence-facing dependencies handed to the wiring.
type storeDeps struct {
	pool     *pgxpool.Pool
	messages realtime.MessageStore
	groups   realtime.GroupStore
	users    directory.Directory
}

// newStores decides between Postgres-backed persistence and the in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger) (Store, storeDeps, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, storeDeps{
			messages: realtime.NewInMemoryStore(),
			groups:   realtime.NewInMemoryGroupStore(),
			users:    devDirectory(log),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, storeDeps{}, err
	}

	log.Info("db.enabled.postgres_store")

	// Ownership model:
	// - app owns pool lifecycle
	// - the store Close() methods are no-ops
	msgStore, err := realtime.NewPostgresStore(pool)
	if err != nil {
		pool.Close()
		return nil, storeDeps{}, err
	}
	groupStore, err := realtime.NewPostgresGroupStore(pool)
	if err != nil {
		pool.Close()
		return nil, storeDeps{}, err
	}
	users, err := directory.NewPostgresDirectory(pool)
	if err != nil {
		pool.Close()
		return nil, storeDeps{}, err
	}

	deps := storeDeps{pool: pool, messages: msgStore, groups: groupStore, users: users}
	return dbStore{pool: pool, messages: msgStore, groups: groupStore}, deps, nil
}

// devDirectory builds the user directory for in-memory mode.
// RELAY_DEV_USERS (CSV of user ids) restricts joins to a fixed roster;
// without it any non-blank user id may join.
func devDirectory(log Logger) directory.Directory {
	seed := EnvCSV("RELAY_DEV_USERS", nil)
	if len(seed) == 0 {
		return directory.OpenDirectory{}
	}

	d := directory.NewInMemoryDirectory()
	for _, id := range seed {
		d.Put(directory.User{ID: id, DisplayName: id})
	}
	log.Info("directory.dev.seeded", "users", len(seed))
	return d
}

type dbStore struct {
	pool     *pgxpool.Pool
	messages realtime.MessageStore
	groups   realtime.GroupStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.messages != nil {
		_ = s.messages.Close()
	}
	if s.groups != nil {
		_ = s.groups.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
