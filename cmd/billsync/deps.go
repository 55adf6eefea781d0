package billsync

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kamilpajak/billsync/internal/billing"
	"github.com/kamilpajak/billsync/internal/config"
	"github.com/kamilpajak/billsync/internal/database"
)

// connectTimeout bounds how long startup waits for the database.
const connectTimeout = time.Minute

// connectDB opens the pool, retrying with exponential backoff while the
// database comes up.
func connectDB(ctx context.Context, url string, log *zap.Logger) (*database.DB, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = connectTimeout

	var db *database.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = database.New(ctx, url)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn("database not ready, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// openDatabase connects with retry and then, when migrate is set, applies
// pending migrations against the now reachable database.
func openDatabase(ctx context.Context, url string, migrate bool, log *zap.Logger) (*database.DB, error) {
	db, err := connectDB(ctx, url, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if migrate {
		log.Info("running database migrations")
		if err := database.Migrate(url); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	return db, nil
}

// newService wires the billing service over the database.
func newService(cfg config.Config, db *database.DB, log *zap.Logger, registry prometheus.Registerer) (*billing.Service, error) {
	catalog, err := billing.LoadCatalog(cfg.PlanCatalogPath)
	if err != nil {
		return nil, err
	}
	client := billing.NewClient(billing.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Timeout:       cfg.ProviderTimeout,
	})
	return billing.NewService(client, db, catalog,
		billing.WithLogger(log),
		billing.WithMetrics(billing.NewMetrics(registry)),
	), nil
}
