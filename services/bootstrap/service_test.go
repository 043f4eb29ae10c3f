package bootstrap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyserver/pkg/config"
	"keyserver/pkg/db/pagination"
	"keyserver/services/application"
	"keyserver/services/audit"
	"keyserver/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestMigrateAndSeedIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	node := testutil.NewNode(t)

	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: node})
	apps := application.NewService(application.ServiceParams{DB: db, Node: node, Audit: auditSvc})

	cfg := &config.Config{}
	cfg.Bootstrap.ApplicationName = "Default App"
	cfg.Bootstrap.SupportMessage = "help@example.com"

	svc := NewService(ServiceParams{DB: db, Config: cfg, Apps: apps})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.Migrate(ctx))
		require.NoError(t, svc.Seed(ctx))
	}

	for _, m := range Models() {
		require.True(t, db.Migrator().HasTable(m))
	}

	list, _, err := apps.List(ctx, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "default-app", list[0].Slug)
	require.Equal(t, "help@example.com", apps.SupportMessage(ctx, list[0].ID))
}

func TestSeedSkippedWithoutName(t *testing.T) {
	db := testutil.NewTestDB(t)
	svc := NewService(ServiceParams{DB: db, Config: &config.Config{}})
	require.NoError(t, svc.Seed(context.Background()))
}
