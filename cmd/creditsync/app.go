package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditsync"
	"github.com/ineyio/creditsync/audit"
	"github.com/ineyio/creditsync/meter"
	"github.com/ineyio/creditsync/store/memory"
	storepg "github.com/ineyio/creditsync/store/postgres"
	storeredis "github.com/ineyio/creditsync/store/redis"
	"github.com/ineyio/creditsync/store/sqlite"
	"github.com/ineyio/creditsync/transcript/mock"
	"github.com/ineyio/creditsync/transcript/voiceflow"
)

// stores is what a store driver provides.
type stores struct {
	accounts creditsync.AccountStore
	charges  creditsync.ChargeStore
	audit    creditsync.AuditSink
	locker   creditsync.Locker
	migrate  func(context.Context) error
	prune    func(context.Context, time.Duration) (int64, error)
	close    func()
}

// app is a fully wired Syncer plus the resources backing it.
type app struct {
	cfg    creditsync.Config
	logger *slog.Logger
	syncer *creditsync.Syncer
	stores stores
}

func (a *app) Close() {
	if a.stores.close != nil {
		a.stores.close()
	}
}

func newApp(ctx context.Context, cfg creditsync.Config, logger *slog.Logger) (*app, error) {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	source, err := newSource(cfg.Source)
	if err != nil {
		st.close()
		return nil, err
	}

	sinks := audit.Multi{audit.NewLogSink(logger)}
	if st.audit != nil {
		sinks = append(audit.Multi{st.audit}, sinks...)
	}

	meters := meter.Multi{meter.NewLogMeter(logger)}
	if cfg.Server.Metrics {
		meters = append(meters, meter.NewPromMeter(nil))
	}

	syncer, err := creditsync.NewSyncer(cfg, source, st.accounts, st.charges,
		creditsync.WithLocker(st.locker),
		creditsync.WithAuditSink(sinks),
		creditsync.WithMeter(meters),
		creditsync.WithLogger(logger),
	)
	if err != nil {
		st.close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, syncer: syncer, stores: st}, nil
}

func openStores(ctx context.Context, cfg creditsync.Config, logger *slog.Logger) (stores, error) {
	var st stores
	var closers []func()
	st.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return stores{}, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		closers = append(closers, func() { rdb.Close() })
		st.locker = storeredis.New(rdb, storeredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
	}

	switch cfg.Store.Driver {
	case "memory":
		m := memory.New()
		st.accounts, st.charges, st.audit = m, m, m
		if st.locker == nil {
			st.locker = m
		}

	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.DSN)
		if err != nil {
			st.close()
			return stores{}, err
		}
		closers = append(closers, func() { s.Close() })
		st.accounts, st.charges, st.audit = s, s, s
		st.migrate = s.Migrate
		st.prune = s.PruneDebits

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			st.close()
			return stores{}, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		s := storepg.New(pool, storepg.WithTablePrefix(cfg.Store.TablePrefix))
		st.accounts, st.charges, st.audit = s, s, s
		st.migrate = s.EnsureSchema
		st.prune = s.PruneDebits

	case "redis":
		// Validate guarantees redis.addr, so rdb is set.
		s := storeredis.New(rdb, storeredis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		st.accounts, st.charges, st.audit = s, s, s

	default:
		return stores{}, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if st.locker == nil {
		logger.Warn("no redis configured, reconciliation leases are process-local", "driver", cfg.Store.Driver)
		st.locker = memory.New()
	}
	return st, nil
}

func newSource(c creditsync.SourceConfig) (creditsync.TranscriptSource, error) {
	switch c.Provider {
	case "voiceflow":
		if c.APIKey == "" {
			return nil, fmt.Errorf("source.api_key (or VOICEFLOW_API_KEY) is required for voiceflow")
		}
		return voiceflow.New(c.APIKey,
			voiceflow.WithBaseURL(c.BaseURL),
			voiceflow.WithProjectID(c.ProjectID),
			voiceflow.WithHTTPClient(&http.Client{Timeout: c.Timeout}),
		), nil
	case "mock":
		return mock.New(), nil
	default:
		return nil, fmt.Errorf("unknown source provider %q", c.Provider)
	}
}
