package migrations

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	admin "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
	instanceadmin "cloud.google.com/go/spanner/admin/instance/apiv1"
	"cloud.google.com/go/spanner/admin/instance/apiv1/instancepb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const schemaMigrationsDDL = `CREATE TABLE schema_migrations (
	version STRING(128) NOT NULL,
	applied_at TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp = true),
) PRIMARY KEY (version)`

// SpannerTarget names the database to migrate.
type SpannerTarget struct {
	ProjectID  string
	InstanceID string
	DatabaseID string
}

func (t SpannerTarget) instanceName() string {
	return fmt.Sprintf("projects/%s/instances/%s", t.ProjectID, t.InstanceID)
}

// DatabasePath is the fully qualified database name used by spanner.NewClient.
func (t SpannerTarget) DatabasePath() string {
	return fmt.Sprintf("%s/databases/%s", t.instanceName(), t.DatabaseID)
}

// ParseDatabasePath splits projects/<p>/instances/<i>/databases/<d>.
func ParseDatabasePath(path string) (SpannerTarget, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 6 || parts[0] != "projects" || parts[2] != "instances" || parts[4] != "databases" {
		return SpannerTarget{}, fmt.Errorf("invalid spanner database path %q", path)
	}
	return SpannerTarget{ProjectID: parts[1], InstanceID: parts[3], DatabaseID: parts[5]}, nil
}

// adminOptions points admin clients at the emulator when SPANNER_EMULATOR_HOST is set.
func adminOptions() []option.ClientOption {
	emulatorHost := os.Getenv("SPANNER_EMULATOR_HOST")
	if emulatorHost == "" {
		return nil
	}
	// For emulator, endpoint should be without http:// for gRPC
	endpoint := strings.TrimPrefix(strings.TrimPrefix(emulatorHost, "http://"), "https://")
	return []option.ClientOption{option.WithEndpoint(endpoint)}
}

// RunSpanner creates the instance and database if needed and applies the
// migrations in dir that are not yet recorded in schema_migrations.
func RunSpanner(ctx context.Context, target SpannerTarget, dir string, logger logrus.FieldLogger) error {
	opts := adminOptions()
	if len(opts) > 0 {
		logger.WithField("emulator", os.Getenv("SPANNER_EMULATOR_HOST")).Info("using spanner emulator")
	}

	migrations, err := Load(dir, DialectSpanner)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if err := ensureInstance(ctx, target, opts, logger); err != nil {
		return err
	}

	adminClient, err := admin.NewDatabaseAdminClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create database admin client: %w", err)
	}
	defer adminClient.Close()

	_, err = adminClient.GetDatabase(ctx, &databasepb.GetDatabaseRequest{Name: target.DatabasePath()})
	if err != nil {
		st, ok := status.FromError(err)
		if !ok || st.Code() != codes.NotFound {
			return fmt.Errorf("failed to check database existence: %w", err)
		}

		// Database doesn't exist, create it with every statement at once
		statements := []string{schemaMigrationsDDL}
		for _, m := range migrations {
			statements = append(statements, m.Statements...)
		}
		logger.WithField("database", target.DatabaseID).Info("creating database")
		op, err := adminClient.CreateDatabase(ctx, &databasepb.CreateDatabaseRequest{
			Parent:          target.instanceName(),
			CreateStatement: fmt.Sprintf("CREATE DATABASE `%s`", target.DatabaseID),
			ExtraStatements: statements,
		})
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
		if _, err := op.Wait(ctx); err != nil {
			return fmt.Errorf("database creation failed: %w", err)
		}
		return recordVersions(ctx, target, migrations, logger)
	}

	client, err := spanner.NewClient(ctx, target.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to create spanner client: %w", err)
	}
	applied, err := appliedVersions(ctx, client)
	client.Close()
	if err != nil {
		return err
	}

	todo := pending(migrations, applied)
	if len(todo) == 0 {
		logger.Info("schema is up to date")
		return nil
	}

	var statements []string
	for _, m := range todo {
		statements = append(statements, m.Statements...)
	}
	logger.WithField("statements", len(statements)).Info("applying DDL")

	op, err := adminClient.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   target.DatabasePath(),
		Statements: statements,
	})
	if err != nil {
		return fmt.Errorf("failed to start migrations: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to complete migrations: %w", err)
	}
	return recordVersions(ctx, target, todo, logger)
}

func ensureInstance(ctx context.Context, target SpannerTarget, opts []option.ClientOption, logger logrus.FieldLogger) error {
	instanceAdminClient, err := instanceadmin.NewInstanceAdminClient(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create instance admin client: %w", err)
	}
	defer instanceAdminClient.Close()

	_, err = instanceAdminClient.GetInstance(ctx, &instancepb.GetInstanceRequest{Name: target.instanceName()})
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != codes.NotFound {
		return fmt.Errorf("failed to check instance existence: %w", err)
	}

	logger.WithField("instance", target.InstanceID).Info("creating instance")
	op, err := instanceAdminClient.CreateInstance(ctx, &instancepb.CreateInstanceRequest{
		Parent:     fmt.Sprintf("projects/%s", target.ProjectID),
		InstanceId: target.InstanceID,
		Instance: &instancepb.Instance{
			DisplayName: target.InstanceID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	if _, err := op.Wait(ctx); err != nil {
		return fmt.Errorf("instance creation failed: %w", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, client *spanner.Client) (map[string]bool, error) {
	applied := make(map[string]bool)
	iter := client.Single().Read(ctx, "schema_migrations", spanner.AllKeys(), []string{"version"})
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			return applied, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
		}
		var version string
		if err := row.Columns(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
}

func recordVersions(ctx context.Context, target SpannerTarget, applied []Migration, logger logrus.FieldLogger) error {
	client, err := spanner.NewClient(ctx, target.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to create spanner client: %w", err)
	}
	defer client.Close()

	mutations := make([]*spanner.Mutation, 0, len(applied))
	for _, m := range applied {
		mutations = append(mutations, spanner.InsertOrUpdate("schema_migrations",
			[]string{"version", "applied_at"},
			[]interface{}{m.Version, spanner.CommitTimestamp}))
	}
	if _, err := client.Apply(ctx, mutations); err != nil {
		return fmt.Errorf("failed to record migrations: %w", err)
	}
	for _, m := range applied {
		logger.WithFields(logrus.Fields{"version": m.Version, "statements": len(m.Statements)}).Info("applied migration")
	}
	return nil
}

// WaitForEmulator polls until the instance admin API answers or timeout elapses.
func WaitForEmulator(ctx context.Context, projectID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := instanceadmin.NewInstanceAdminClient(ctx, adminOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create instance admin client: %w", err)
	}
	defer client.Close()

	for {
		it := client.ListInstances(ctx, &instancepb.ListInstancesRequest{Parent: fmt.Sprintf("projects/%s", projectID)})
		if _, err := it.Next(); err == nil || err == iterator.Done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("spanner emulator not reachable: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}
