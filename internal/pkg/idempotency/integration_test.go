//go:build integration

package idempotency

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/shandysiswandi/notifyd/internal/pkg/clock"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedis_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })

	testLedger(t, func(t *testing.T, clk *clock.Manual) Ledger {
		// A fresh prefix per subtest keeps keys isolated on the shared server.
		prefix := "it:" + strings.ReplaceAll(t.Name(), "/", ":") + ":"
		return NewRedis(client, prefix, Options{Lease: time.Minute, Retention: time.Hour, Clock: clk})
	})
}

func TestPostgres_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("notifyd"),
		postgres.WithUsername("notifyd"),
		postgres.WithPassword("notifyd"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n := 0
	testLedger(t, func(t *testing.T, clk *clock.Manual) Ledger {
		n++
		l, err := NewSQL(db, DialectPostgres, "ledger_"+strings.Repeat("x", n), Options{Lease: time.Minute, Clock: clk})
		require.NoError(t, err)
		require.NoError(t, l.Migrate(ctx))
		return l
	})
}
