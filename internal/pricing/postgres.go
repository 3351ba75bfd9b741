package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/teller-assist/internal/charges"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS customer_segments (
    segment_key TEXT PRIMARY KEY,
    label TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pricing_configs (
    service_id TEXT NOT NULL,
    segment_key TEXT NOT NULL REFERENCES customer_segments(segment_key),
    service_fee NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (service_fee >= 0),
    percentage_fee NUMERIC(9, 6) NOT NULL DEFAULT 0 CHECK (percentage_fee >= 0 AND percentage_fee <= 1),
    min_charge NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (min_charge >= 0),
    max_charge NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (max_charge >= 0),
    updated_by TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (service_id, segment_key)
);
`

const (
	pgSerializationFailure = "40001"
	maxRetries             = 3
	queryTimeout           = 5 * time.Second
)

// PostgresStore keeps the matrix in pricing_configs, one row per
// (service, segment).
type PostgresStore struct {
	Pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, now: time.Now}
}

// Migrate creates the tables and registers the built-in segments.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, PostgresSchema); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, seg := range charges.Segments() {
		batch.Queue(`INSERT INTO customer_segments (segment_key, label) VALUES ($1, $2)
			ON CONFLICT (segment_key) DO NOTHING`, string(seg), charges.SegmentLabel(seg))
	}
	return s.Pool.SendBatch(ctx, batch).Close()
}

// SeedIfEmpty writes m when pricing_configs has no rows. It reports whether
// anything was written.
func (s *PostgresStore) SeedIfEmpty(ctx context.Context, m charges.Matrix, updatedBy string) (bool, error) {
	seeded := false
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM pricing_configs`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		for _, svc := range m.Services() {
			if err := upsertRows(ctx, tx, svc, m[svc], updatedBy, s.now()); err != nil {
				return err
			}
		}
		seeded = true
		return nil
	})
	return seeded, err
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.tryTx(ctx, fn)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("giving up after %d serialization failures: %w", maxRetries, err)
}

func (s *PostgresStore) tryTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	return tx.Commit(queryCtx)
}

// LoadMatrix reads every row. Numerics are read as text so no precision is
// lost on the way to decimal.
func (s *PostgresStore) LoadMatrix(ctx context.Context) (charges.Matrix, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `
		SELECT service_id, segment_key, service_fee::text, percentage_fee::text, min_charge::text, max_charge::text
		FROM pricing_configs
		ORDER BY service_id, segment_key`)
	if err != nil {
		return nil, fmt.Errorf("query pricing configs: %w", err)
	}
	defer rows.Close()

	m := charges.Matrix{}
	for rows.Next() {
		var (
			svc, seg             string
			fee, pct, minC, maxC string
		)
		if err := rows.Scan(&svc, &seg, &fee, &pct, &minC, &maxC); err != nil {
			return nil, err
		}
		f, err := parseFee(fee, pct, minC, maxC)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", svc, seg, err)
		}
		if m[svc] == nil {
			m[svc] = map[charges.Segment]charges.FeeStructure{}
		}
		m[svc][charges.Segment(seg)] = f
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseFee(fee, pct, minC, maxC string) (charges.FeeStructure, error) {
	var (
		out charges.FeeStructure
		err error
	)
	if out.ServiceFee, err = decimal.NewFromString(fee); err != nil {
		return out, err
	}
	if out.PercentageFee, err = decimal.NewFromString(pct); err != nil {
		return out, err
	}
	if out.MinCharge, err = decimal.NewFromString(minC); err != nil {
		return out, err
	}
	if out.MaxCharge, err = decimal.NewFromString(maxC); err != nil {
		return out, err
	}
	return out, nil
}

// UpsertService writes the given segments of one service in a single
// transaction. Segment keys not yet known are registered with the key as
// their label.
func (s *PostgresStore) UpsertService(ctx context.Context, serviceID string, fees map[charges.Segment]charges.FeeStructure, updatedBy string) error {
	if err := ValidateRows(serviceID, fees); err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return upsertRows(ctx, tx, serviceID, fees, updatedBy, s.now())
	})
}

func upsertRows(ctx context.Context, tx pgx.Tx, serviceID string, fees map[charges.Segment]charges.FeeStructure, updatedBy string, now time.Time) error {
	batch := &pgx.Batch{}
	for seg, f := range fees {
		batch.Queue(`INSERT INTO customer_segments (segment_key, label) VALUES ($1, $1)
			ON CONFLICT (segment_key) DO NOTHING`, string(seg))
		batch.Queue(`
			INSERT INTO pricing_configs
				(service_id, segment_key, service_fee, percentage_fee, min_charge, max_charge, updated_by, updated_at)
			VALUES ($1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7, $8)
			ON CONFLICT (service_id, segment_key) DO UPDATE SET
				service_fee = EXCLUDED.service_fee,
				percentage_fee = EXCLUDED.percentage_fee,
				min_charge = EXCLUDED.min_charge,
				max_charge = EXCLUDED.max_charge,
				updated_by = EXCLUDED.updated_by,
				updated_at = EXCLUDED.updated_at`,
			serviceID, string(seg), f.ServiceFee.String(), f.PercentageFee.String(),
			f.MinCharge.String(), f.MaxCharge.String(), updatedBy, now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert %s: %w", serviceID, err)
	}
	return nil
}

// Segments lists the registered segment keys.
func (s *PostgresStore) Segments(ctx context.Context) ([]SegmentInfo, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT segment_key, label FROM customer_segments ORDER BY created_at, segment_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SegmentInfo
	for rows.Next() {
		var (
			key  string
			info SegmentInfo
		)
		if err := rows.Scan(&key, &info.Label); err != nil {
			return nil, err
		}
		info.Key = charges.Segment(key)
		out = append(out, info)
	}
	return out, rows.Err()
}
