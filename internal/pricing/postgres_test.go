package pricing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teller-assist/internal/charges"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("skipping postgres integration test (DATABASE_URL not set)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("skipping postgres integration test (database not available): %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skipping postgres integration test (database not available): %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS pricing_configs, customer_segments`)
	require.NoError(t, err)

	store := NewPostgresStore(pool)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestPostgresStore(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	segs, err := store.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, segs, 4)

	seeded, err := store.SeedIfEmpty(ctx, charges.DefaultMatrix(), "bootstrap")
	require.NoError(t, err)
	assert.True(t, seeded)
	seeded, err = store.SeedIfEmpty(ctx, charges.DefaultMatrix(), "bootstrap")
	require.NoError(t, err)
	assert.False(t, seeded)

	m, err := store.LoadMatrix(ctx)
	require.NoError(t, err)
	assertMatrixEqual(t, charges.DefaultMatrix(), m)

	err = store.UpsertService(ctx, "cash-withdrawal", map[charges.Segment]charges.FeeStructure{
		charges.SegmentRetail: {PercentageFee: d("0.0035"), MinCharge: d("120"), MaxCharge: d("2500")},
		"diaspora":            {ServiceFee: d("80")},
	}, "Sarah Kimani")
	require.NoError(t, err)

	m, err = store.LoadMatrix(ctx)
	require.NoError(t, err)
	assert.Len(t, m["cash-withdrawal"], 5)
	assert.True(t, d("0.0035").Equal(m["cash-withdrawal"][charges.SegmentRetail].PercentageFee))
	assert.True(t, d("80").Equal(m["cash-withdrawal"]["diaspora"].ServiceFee))

	segs, err = store.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, segs, 5)

	err = store.UpsertService(ctx, "cash-withdrawal", map[charges.Segment]charges.FeeStructure{
		charges.SegmentRetail: {ServiceFee: d("-1")},
	}, "Sarah Kimani")
	assert.Error(t, err)
}
