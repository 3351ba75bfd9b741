package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const PostgresSchema = `
CREATE TABLE IF NOT EXISTS change_requests (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    change_type TEXT NOT NULL CHECK (change_type IN ('workflow', 'api')),
    service_id TEXT NOT NULL DEFAULT 'general',
    config_snapshot JSONB NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    submitted_by TEXT NOT NULL,
    reviewed_by TEXT,
    review_notes TEXT,
    test_results JSONB NOT NULL DEFAULT '[]',
    revision BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);

CREATE TABLE IF NOT EXISTS published_versions (
    id TEXT PRIMARY KEY,
    change_request_id TEXT NOT NULL,
    version_number BIGINT NOT NULL UNIQUE,
    change_type TEXT NOT NULL,
    service_id TEXT NOT NULL,
    config_snapshot JSONB NOT NULL,
    is_active BOOLEAN NOT NULL,
    published_by TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    deactivated_at TIMESTAMPTZ,
    deactivated_by TEXT
);

CREATE TABLE IF NOT EXISTS change_request_transitions (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL UNIQUE,
    change_request_id TEXT NOT NULL REFERENCES change_requests(id),
    action TEXT NOT NULL,
    from_stage TEXT NOT NULL,
    to_stage TEXT NOT NULL,
    actor TEXT NOT NULL,
    actor_role TEXT NOT NULL,
    notes TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    transition_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_change_request ON change_request_transitions(change_request_id, seq);
`

const (
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"
	maxSerializableRetries = 3
	queryTimeout           = 5 * time.Second
)

// PostgresStore keeps promotion state in PostgreSQL. Writes run at
// SERIALIZABLE and are retried on serialization failure.
type PostgresStore struct {
	Pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, PostgresSchema)
	return err
}

// inTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures with a short linear backoff.
func (s *PostgresStore) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.tryTx(ctx, fn)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
			if attempt == maxSerializableRetries-1 {
				return fmt.Errorf("giving up after %d serialization failures: %w", maxSerializableRetries, err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		return err
	}
}

func (s *PostgresStore) tryTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.Pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	return tx.Commit(queryCtx)
}

func (s *PostgresStore) CreateChangeRequest(ctx context.Context, cr *ChangeRequest, t *StateTransition) error {
	results, err := json.Marshal(cr.TestResults)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO change_requests (`+crColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			cr.ID, cr.Title, cr.Description, string(cr.ChangeType), cr.ServiceID, []byte(cr.ConfigSnapshot),
			string(cr.Status), cr.SubmittedBy, cr.ReviewedBy, cr.ReviewNotes, results, cr.Revision,
			cr.CreatedAt, cr.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert change request: %w", err)
		}
		if t != nil {
			return insertPgTransition(ctx, tx, t)
		}
		return nil
	})
}

func scanPgChangeRequest(row pgx.Row) (*ChangeRequest, error) {
	var (
		cr                 ChangeRequest
		changeType, status string
		snapshot, results  []byte
	)
	err := row.Scan(&cr.ID, &cr.Title, &cr.Description, &changeType, &cr.ServiceID, &snapshot, &status,
		&cr.SubmittedBy, &cr.ReviewedBy, &cr.ReviewNotes, &results, &cr.Revision, &cr.CreatedAt, &cr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cr.ChangeType = ChangeType(changeType)
	cr.Status = Stage(status)
	cr.ConfigSnapshot = json.RawMessage(snapshot)
	if err := json.Unmarshal(results, &cr.TestResults); err != nil {
		return nil, fmt.Errorf("decode test results: %w", err)
	}
	return &cr, nil
}

func (s *PostgresStore) GetChangeRequest(ctx context.Context, id string) (*ChangeRequest, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `SELECT `+crColumns+` FROM change_requests WHERE id = $1`, id)
	return scanPgChangeRequest(row)
}

func (s *PostgresStore) ListChangeRequests(ctx context.Context, f ListFilter) ([]*ChangeRequest, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.ServiceID != "" {
		where = append(where, "service_id = "+arg(f.ServiceID))
	}

	q := `SELECT ` + crColumns + ` FROM change_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset)
	}

	rows, err := s.Pool.Query(queryCtx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChangeRequest
	for rows.Next() {
		cr, err := scanPgChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

func scanPgVersion(row pgx.Row) (*PublishedVersion, error) {
	var (
		v          PublishedVersion
		changeType string
		snapshot   []byte
	)
	err := row.Scan(&v.ID, &v.ChangeRequestID, &v.VersionNumber, &changeType, &v.ServiceID, &snapshot,
		&v.IsActive, &v.PublishedBy, &v.CreatedAt, &v.DeactivatedAt, &v.DeactivatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.ChangeType = ChangeType(changeType)
	v.ConfigSnapshot = json.RawMessage(snapshot)
	return &v, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, id string) (*PublishedVersion, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `SELECT `+versionColumns+` FROM published_versions WHERE id = $1`, id)
	return scanPgVersion(row)
}

func (s *PostgresStore) ListVersions(ctx context.Context) ([]*PublishedVersion, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT `+versionColumns+` FROM published_versions ORDER BY version_number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PublishedVersion
	for rows.Next() {
		v, err := scanPgVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanPgTransition(row pgx.Row) (*StateTransition, error) {
	var (
		t                           StateTransition
		action, from, to, actorRole string
	)
	err := row.Scan(&t.ID, &t.ChangeRequestID, &action, &from, &to, &t.Actor, &actorRole,
		&t.Notes, &t.PrevHash, &t.TransitionHash, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Action = Action(action)
	t.FromStage = Stage(from)
	t.ToStage = Stage(to)
	t.ActorRole = Role(actorRole)
	return &t, nil
}

func (s *PostgresStore) LatestTransition(ctx context.Context, changeRequestID string) (*StateTransition, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	row := s.Pool.QueryRow(queryCtx, `SELECT `+transitionColumns+` FROM change_request_transitions
		WHERE change_request_id = $1 ORDER BY seq DESC LIMIT 1`, changeRequestID)
	return scanPgTransition(row)
}

func (s *PostgresStore) History(ctx context.Context, changeRequestID string) ([]*StateTransition, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.Pool.Query(queryCtx, `SELECT `+transitionColumns+` FROM change_request_transitions
		WHERE change_request_id = $1 ORDER BY seq`, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StateTransition
	for rows.Next() {
		t, err := scanPgTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertPgTransition(ctx context.Context, tx pgx.Tx, t *StateTransition) error {
	_, err := tx.Exec(ctx, `INSERT INTO change_request_transitions (`+transitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.ChangeRequestID, string(t.Action), string(t.FromStage), string(t.ToStage), t.Actor,
		string(t.ActorRole), t.Notes, t.PrevHash, t.TransitionHash, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Commit applies m in one SERIALIZABLE transaction. The version number is
// allocated inside the transaction; the UNIQUE constraint on it turns a
// lost race into ErrConcurrentModification.
func (s *PostgresStore) Commit(ctx context.Context, m Mutation) error {
	var versionNumber int64

	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if m.Request != nil {
			if err := updatePgChangeRequest(ctx, tx, m.Request); err != nil {
				return err
			}
		}

		if m.Deactivate != nil {
			tag, err := tx.Exec(ctx, `UPDATE published_versions
				SET is_active = FALSE, deactivated_at = $1, deactivated_by = $2
				WHERE id = $3 AND is_active`,
				m.Deactivate.DeactivatedAt, m.Deactivate.DeactivatedBy, m.Deactivate.ID)
			if err != nil {
				return fmt.Errorf("deactivate version: %w", err)
			}
			if err := requireOnePgRow(ctx, tx, tag, "published_versions", m.Deactivate.ID); err != nil {
				return err
			}
		}

		if m.Publish != nil {
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM published_versions`).Scan(&versionNumber); err != nil {
				return fmt.Errorf("allocate version number: %w", err)
			}
			p := m.Publish
			_, err := tx.Exec(ctx, `INSERT INTO published_versions (`+versionColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, NULL)`,
				p.ID, p.ChangeRequestID, versionNumber, string(p.ChangeType), p.ServiceID, []byte(p.ConfigSnapshot),
				p.IsActive, p.PublishedBy, p.CreatedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
					return ErrConcurrentModification
				}
				return fmt.Errorf("insert version: %w", err)
			}
		}

		if m.Transition != nil {
			return insertPgTransition(ctx, tx, m.Transition)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if m.Request != nil {
		m.Request.Revision++
	}
	if m.Publish != nil {
		m.Publish.VersionNumber = versionNumber
	}
	return nil
}

func updatePgChangeRequest(ctx context.Context, tx pgx.Tx, cr *ChangeRequest) error {
	results, err := json.Marshal(cr.TestResults)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE change_requests SET
			status = $1, reviewed_by = $2, review_notes = $3, test_results = $4,
			revision = revision + 1, updated_at = $5
		WHERE id = $6 AND revision = $7`,
		string(cr.Status), cr.ReviewedBy, cr.ReviewNotes, results, cr.UpdatedAt, cr.ID, cr.Revision)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	return requireOnePgRow(ctx, tx, tag, "change_requests", cr.ID)
}

func requireOnePgRow(ctx context.Context, tx pgx.Tx, tag pgconn.CommandTag, table, id string) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConcurrentModification
}
