// Command server runs the orchestration server: shard manager, matching,
// history and the system workers, wired over the configured persistence
// backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/orcaflow/orca/common/clock"
	"github.com/orcaflow/orca/common/config"
	"github.com/orcaflow/orca/common/log"
	"github.com/orcaflow/orca/common/log/tag"
	"github.com/orcaflow/orca/common/persistence"
	"github.com/orcaflow/orca/common/persistence/etcdstore"
	"github.com/orcaflow/orca/common/persistence/memorystore"
	"github.com/orcaflow/orca/common/persistence/sqlstore"
	"github.com/orcaflow/orca/service/history"
	"github.com/orcaflow/orca/service/matching"
	"github.com/orcaflow/orca/service/shardmanager"
	"github.com/orcaflow/orca/service/sysworker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file; defaults apply when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			func(c *config.Config) config.Shard { return c.Shard },
			func(c *config.Config) config.History { return c.History },
			func(c *config.Config) config.Matching { return c.Matching },
			func(c *config.Config) config.Worker { return c.Worker },
			provideLogger,
			provideTimeSource,
			provideScope,
			fx.Annotate(provideHostIdentity, fx.ResultTags(`name:"hostIdentity"`)),
			provideStores,
		),
		shardmanager.Module,
		matching.Module,
		history.Module,
		sysworker.Module,
		fx.Invoke(logStartup),
	).Run()
}

func provideLogger(lc fx.Lifecycle) (log.Logger, error) {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// Sync on stderr returns an error on some platforms; ignore it.
			_ = zapLogger.Sync()
			return nil
		},
	})
	return log.NewLogger(zapLogger), nil
}

func provideTimeSource() clock.TimeSource {
	return clock.NewRealTimeSource()
}

func provideScope(lc fx.Lifecycle) tally.Scope {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "orca"}, time.Second)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return closer.Close() },
	})
	return scope
}

// provideHostIdentity names this host for shard and task leases. The suffix
// keeps restarts distinguishable in the lease tables.
func provideHostIdentity() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "orca"
	}
	return fmt.Sprintf("%s_%d", hostname, os.Getpid())
}

type storesOut struct {
	fx.Out

	ShardStore     persistence.ShardStore
	ExecStore      persistence.ExecutionStore
	NamespaceStore persistence.NamespaceStore
}

// provideStores builds the persistence backends selected by config. The SQL
// pool is shared by every store that lands on it and closed with the app.
func provideStores(cfg *config.Config, timeSource clock.TimeSource, lc fx.Lifecycle) (storesOut, error) {
	var out storesOut
	var db *sqlstore.DB

	openSQL := func() (*sqlstore.DB, error) {
		if db != nil {
			return db, nil
		}
		conn, err := sqlstore.Connect(cfg.Persistence.SQL)
		if err != nil {
			return nil, err
		}
		db = conn
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return conn.Close() },
		})
		return db, nil
	}

	switch cfg.Persistence.Store {
	case config.StoreTypeMemory:
		out.ExecStore = memorystore.NewExecutionStore()
		out.NamespaceStore = memorystore.NewNamespaceStore()
	case config.StoreTypeSQL:
		conn, err := openSQL()
		if err != nil {
			return out, err
		}
		out.ExecStore = sqlstore.NewExecutionStore(conn)
		out.NamespaceStore = sqlstore.NewNamespaceStore(conn)
	default:
		return out, fmt.Errorf("unknown persistence store %q", cfg.Persistence.Store)
	}

	switch cfg.Persistence.ShardStore {
	case config.StoreTypeMemory:
		out.ShardStore = memorystore.NewShardStore(timeSource)
	case config.StoreTypeSQL:
		conn, err := openSQL()
		if err != nil {
			return out, err
		}
		out.ShardStore = sqlstore.NewShardStore(conn, timeSource)
	case config.StoreTypeEtcd:
		client, err := etcdstore.Connect(cfg.Persistence.Etcd)
		if err != nil {
			return out, err
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return client.Close() },
		})
		out.ShardStore = etcdstore.NewShardStore(client, cfg.Persistence.Etcd.Prefix, timeSource)
	default:
		return out, fmt.Errorf("unknown shard store %q", cfg.Persistence.ShardStore)
	}

	return out, nil
}

func logStartup(cfg *config.Config, logger log.Logger) {
	logger.Info("server configured",
		tag.Counter(cfg.Shard.ShardCount),
		tag.StoreType(cfg.Persistence.Store),
	)
}
