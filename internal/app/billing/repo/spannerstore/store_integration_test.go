//go:build integration

package spannerstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/spanner"
	admin "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/contracts"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/domain"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/migrations"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/outbox"
	"github.com/wuyiadepoju/subscription-billing/internal/app/billing/repo/repotest"
)

const (
	testProject  = "test-project"
	testInstance = "test-instance"
	emulatorHost = "localhost:9010"
)

// setupStore creates a fresh database on the emulator and drops it when
// the test ends.
func setupStore(t *testing.T) *Store {
	t.Helper()
	setupCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if os.Getenv("SPANNER_EMULATOR_HOST") == "" {
		t.Setenv("SPANNER_EMULATOR_HOST", emulatorHost)
	}

	target := migrations.SpannerTarget{
		ProjectID:  testProject,
		InstanceID: testInstance,
		DatabaseID: fmt.Sprintf("store-%s", uuid.New().String()[:8]),
	}
	if err := migrations.WaitForEmulator(setupCtx, testProject, 20*time.Second); err != nil {
		t.Fatalf("%v. Make sure Spanner emulator is running (docker compose up -d)", err)
	}

	dir, err := migrations.FindMigrationsDir("spanner")
	require.NoError(t, err)
	logger, _ := test.NewNullLogger()
	require.NoError(t, migrations.RunSpanner(setupCtx, target, dir, logger))

	client, err := spanner.NewClient(context.Background(), target.DatabasePath())
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		adminClient, err := admin.NewDatabaseAdminClient(cleanupCtx, option.WithEndpoint(os.Getenv("SPANNER_EMULATOR_HOST")))
		if err != nil {
			t.Logf("Failed to create admin client: %v", err)
			return
		}
		defer adminClient.Close()
		if err := adminClient.DropDatabase(cleanupCtx, &databasepb.DropDatabaseRequest{Database: target.DatabasePath()}); err != nil {
			t.Logf("Failed to drop database: %v", err)
		}
	})

	return NewStore(client, domain.RealClock{})
}

func TestSpannerStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("repository contract", func(t *testing.T) {
		repotest.Run(t, store)
	})

	t.Run("claimed entries are invisible until settled", func(t *testing.T) {
		require.NoError(t, store.Do(ctx, func(ctx context.Context, tx contracts.Tx) error {
			if err := tx.Outbox().Put(ctx, "q.ok", []byte(`{"n":1}`)); err != nil {
				return err
			}
			return tx.Outbox().Put(ctx, "q.fail", []byte(`{"n":2}`))
		}))

		var firstBatch []outbox.Entry
		require.NoError(t, store.Process(ctx, 10, func(ctx context.Context, entries []outbox.Entry) []outbox.Result {
			firstBatch = entries

			var nested []outbox.Entry
			require.NoError(t, store.Process(ctx, 10, func(_ context.Context, entries []outbox.Entry) []outbox.Result {
				nested = entries
				return nil
			}))
			assert.Empty(t, nested, "a claimed batch must not be handed out twice")

			results := make([]outbox.Result, len(entries))
			for i, e := range entries {
				results[i] = outbox.Result{ID: e.ID, Delivered: e.Queue == "q.ok"}
			}
			return results
		}))
		require.Len(t, firstBatch, 2)

		var retried []outbox.Entry
		require.NoError(t, store.Process(ctx, 10, func(_ context.Context, entries []outbox.Entry) []outbox.Result {
			retried = entries
			results := make([]outbox.Result, len(entries))
			for i, e := range entries {
				results[i] = outbox.Result{ID: e.ID, Delivered: true}
			}
			return results
		}))
		require.Len(t, retried, 1)
		assert.Equal(t, "q.fail", retried[0].Queue)
		assert.Equal(t, outbox.DefaultRetries-1, retried[0].RetriesLeft)
	})
}
