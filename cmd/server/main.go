// Command server runs the SBC payment engine: ledger, balances, payment
// intents, commissions, withdrawals and the reconciliation loop behind one
// HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sbc-platform/payment-engine/internal/activation"
	"github.com/sbc-platform/payment-engine/internal/balance"
	"github.com/sbc-platform/payment-engine/internal/circuitbreaker"
	"github.com/sbc-platform/payment-engine/internal/commission"
	"github.com/sbc-platform/payment-engine/internal/config"
	"github.com/sbc-platform/payment-engine/internal/gateway"
	"github.com/sbc-platform/payment-engine/internal/httpserver"
	"github.com/sbc-platform/payment-engine/internal/ledger"
	"github.com/sbc-platform/payment-engine/internal/lifecycle"
	"github.com/sbc-platform/payment-engine/internal/logger"
	"github.com/sbc-platform/payment-engine/internal/metrics"
	"github.com/sbc-platform/payment-engine/internal/notify"
	"github.com/sbc-platform/payment-engine/internal/payment"
	"github.com/sbc-platform/payment-engine/internal/reconcile"
	"github.com/sbc-platform/payment-engine/internal/userclient"
	"github.com/sbc-platform/payment-engine/internal/withdrawal"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "payment-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "payment-engine",
		Version:     version,
		Environment: cfg.Logging.Environment,
	})
	log.Info().
		Str("backend", cfg.Storage.Backend).
		Str("address", cfg.Server.Address).
		Msg("main.starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	resources := lifecycle.NewManager(log)
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("main.cleanup_failed")
		}
	}()

	ledgerStore, intentStore, balanceStore, err := openStores(ctx, cfg, resources, log)
	if err != nil {
		return err
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	balances := balance.NewService(balanceStore, ledgerStore, log, m)
	gateways := gateway.NewRegistry(cfg.Gateways, cfg.Conversion, breakers, m, log)
	users := userclient.NewClient(cfg.Services, cfg.Auth.ServiceSecret, breakers, log)

	notifier := notify.NewHTTPNotifier(cfg.Services, cfg.Auth.ServiceSecret, os.Getenv("NOTIFY_DLQ_PATH"), breakers, log)
	resources.Register("notifier", notifier)

	commissions, err := commission.NewEngine(cfg.Commissions.Plans, cfg.Activation.Plans, ledgerStore, balances, users, notifier, m, log)
	if err != nil {
		return fmt.Errorf("commission plans: %w", err)
	}

	withdrawals := withdrawal.NewOrchestrator(cfg.Withdrawals, ledgerStore, balances, users, gateways, notifier, m, log)
	payments := payment.NewManager(intentStore, ledgerStore, balances, gateways, commissions, withdrawals, notifier, m, log)
	activations := activation.NewService(cfg.Activation, ledgerStore, balances, users, commissions, notifier, log)

	reconciler := reconcile.NewWorker(cfg.Reconciler, ledgerStore, payments, withdrawals, gateways, m, log)
	reconciler.Start(ctx)
	resources.RegisterFunc("reconciler", func() error {
		reconciler.Stop()
		return nil
	})

	go reloadOnSIGHUP(ctx, *configPath, commissions, log)

	srv := httpserver.New(cfg, payments, withdrawals, activations, commissions, ledgerStore, balances, users, gateways, reconciler, m, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	log.Info().Msg("main.stopped")
	return nil
}

// openStores builds the ledger, intent and balance stores over one shared
// connection per backend and registers its teardown.
func openStores(ctx context.Context, cfg *config.Config, resources *lifecycle.Manager, log zerolog.Logger) (ledger.Store, payment.IntentStore, balance.Store, error) {
	switch cfg.Storage.Backend {
	case "mongodb":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.Storage.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mongodb connect: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, nil, fmt.Errorf("mongodb ping: %w", err)
		}
		resources.RegisterFunc("mongodb", func() error {
			return client.Disconnect(context.Background())
		})

		ledgerStore, err := ledger.NewMongoStoreWithClient(ctx, client, cfg.Storage.MongoDatabase, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ledger store: %w", err)
		}
		intentStore, err := payment.NewMongoStoreWithClient(ctx, client, cfg.Storage.MongoDatabase, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("intent store: %w", err)
		}
		balanceStore, err := balance.NewMongoStoreWithClient(ctx, client, cfg.Storage.MongoDatabase, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("balance store: %w", err)
		}
		return ledgerStore, intentStore, balanceStore, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres open: %w", err)
		}
		pool := cfg.Storage.PostgresPool
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime.Duration)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		resources.Register("postgres", db)

		ledgerStore, err := ledger.NewPostgresStoreWithDB(ctx, db, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("ledger store: %w", err)
		}
		intentStore, err := payment.NewPostgresStoreWithDB(ctx, db, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("intent store: %w", err)
		}
		balanceStore, err := balance.NewPostgresStoreWithDB(ctx, db, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("balance store: %w", err)
		}
		return ledgerStore, intentStore, balanceStore, nil

	case "memory":
		log.Warn().Msg("main.memory_storage_all_data_is_lost_on_restart")
		return ledger.NewMemoryStore(), payment.NewMemoryStore(), balance.NewMemoryStore(), nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// reloadOnSIGHUP re-reads the config file and swaps the commission plan
// tables in place. Other settings need a restart.
func reloadOnSIGHUP(ctx context.Context, configPath string, commissions *commission.Engine, log zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Error().Err(err).Msg("main.reload_config_failed")
				continue
			}
			if err := commissions.SetPlans(cfg.Commissions.Plans, cfg.Activation.Plans); err != nil {
				log.Error().Err(err).Msg("main.reload_plans_failed")
				continue
			}
			log.Info().Msg("main.commission_plans_reloaded")
		}
	}
}
