// Command reproject-balances rebuilds balance projections from the ledger.
// Run it after a manual ledger correction or when a projection is suspected
// to have drifted. With -user it rebuilds one user; without it, every user
// that has at least one ledger entry.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/lifecycle"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "reproject-balances: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	userID := flag.String("user", "", "rebuild a single user's projection")
	dryRun := flag.Bool("dry-run", false, "compute and print without writing")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("memory backend has no persisted projections to rebuild")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      "console",
		Service:     "reproject-balances",
		Environment: cfg.Logging.Environment,
	})

	ctx := context.Background()
	resources := lifecycle.NewManager(log)
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("reproject.cleanup_failed")
		}
	}()

	ledgerStore, balanceStore, err := openStores(ctx, cfg, resources, log)
	if err != nil {
		return err
	}
	balances := balance.NewService(balanceStore, ledgerStore, log, metrics.New(nil))

	users, err := targetUsers(ctx, ledgerStore, *userID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		log.Info().Msg("reproject.no_users_found")
		return nil
	}

	var failed int
	for _, id := range users {
		if *dryRun {
			// A dry run reads the current projection without rewriting it.
			b, err := balances.Get(ctx, id)
			if err != nil {
				log.Error().Err(err).Str("userId", id).Msg("reproject.read_failed")
				failed++
				continue
			}
			log.Info().Str("userId", id).Interface("current", b).Msg("reproject.dry_run")
			continue
		}
		b, err := balances.Reproject(ctx, id)
		if err != nil {
			log.Error().Err(err).Str("userId", id).Msg("reproject.failed")
			failed++
			continue
		}
		log.Info().Str("userId", id).Interface("balances", b).Msg("reproject.rebuilt")
	}

	log.Info().Int("users", len(users)).Int("failed", failed).Msg("reproject.done")
	if failed > 0 {
		return fmt.Errorf("%d of %d users failed", failed, len(users))
	}
	return nil
}

// targetUsers resolves the set of user ids to rebuild. Without an explicit
// user it pages through the whole ledger collecting distinct owners.
func targetUsers(ctx context.Context, store ledger.Store, userID string) ([]string, error) {
	if userID != "" {
		return []string{userID}, nil
	}

	seen := make(map[string]struct{})
	var users []string
	page := ledger.Page{Page: 1, Limit: 100}
	for {
		txs, total, err := store.Find(ctx, ledger.Filter{IncludeDeleted: true}, page)
		if err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		for i := range txs {
			id := txs[i].UserID
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			users = append(users, id)
		}
		if int64(page.Page*page.Limit) >= total {
			return users, nil
		}
		page.Page++
	}
}

func openStores(ctx context.Context, cfg *config.Config, resources *lifecycle.Manager, log zerolog.Logger) (ledger.Store, balance.Store, error) {
	switch cfg.Storage.Backend {
	case "mongodb":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Storage.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("mongodb connect: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, fmt.Errorf("mongodb ping: %w", err)
		}
		resources.RegisterFunc("mongodb", func() error {
			return client.Disconnect(context.Background())
		})

		ledgerStore, err := ledger.NewMongoStoreWithClient(ctx, client, cfg.Storage.MongoDatabase, log)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger store: %w", err)
		}
		balanceStore, err := balance.NewMongoStoreWithClient(ctx, client, cfg.Storage.MongoDatabase, log)
		if err != nil {
			return nil, nil, fmt.Errorf("balance store: %w", err)
		}
		return ledgerStore, balanceStore, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		resources.Register("postgres", db)

		ledgerStore, err := ledger.NewPostgresStoreWithDB(ctx, db, log)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger store: %w", err)
		}
		balanceStore, err := balance.NewPostgresStoreWithDB(ctx, db, log)
		if err != nil {
			return nil, nil, fmt.Errorf("balance store: %w", err)
		}
		return ledgerStore, balanceStore, nil

	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}
