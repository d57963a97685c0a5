package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/migrations"
	"github.com/wuyiadepoju/subscription-billing/internal/observability"
)

func main() {
	var (
		driver      = flag.String("driver", "spanner", "Storage driver: spanner or postgres")
		projectID   = flag.String("project", "test-project", "Spanner project ID")
		instanceID  = flag.String("instance", "test-instance", "Spanner instance ID")
		databaseID  = flag.String("database", "billing-db", "Spanner database ID")
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
		dir         = flag.String("dir", "", "Migrations directory (default: migrations/<driver> under the project root)")
		timeout     = flag.Duration("timeout", 5*time.Minute, "Timeout for migration operations")
	)
	flag.Parse()

	logger := observability.NewLogger("info")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	migrationsDir := *dir
	if migrationsDir == "" {
		var err error
		if migrationsDir, err = migrations.FindMigrationsDir(*driver); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
	}

	var err error
	switch *driver {
	case "spanner":
		err = migrations.RunSpanner(ctx, migrations.SpannerTarget{
			ProjectID:  *projectID,
			InstanceID: *instanceID,
			DatabaseID: *databaseID,
		}, migrationsDir, logger)
	case "postgres":
		err = runPostgres(ctx, *databaseURL, migrationsDir, logger)
	default:
		err = fmt.Errorf("unknown driver %q", *driver)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("All migrations applied successfully!")
}

func runPostgres(ctx context.Context, databaseURL, dir string, logger *logrus.Logger) error {
	if databaseURL == "" {
		return fmt.Errorf("-database-url or DATABASE_URL is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()
	return migrations.RunPostgres(ctx, pool, dir, logger)
}
