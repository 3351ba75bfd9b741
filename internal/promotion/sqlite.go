package promotion

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS change_requests (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	change_type TEXT NOT NULL CHECK (change_type IN ('workflow', 'api')),
	service_id TEXT NOT NULL,
	config_snapshot TEXT NOT NULL,
	status TEXT NOT NULL,
	submitted_by TEXT NOT NULL,
	reviewed_by TEXT,
	review_notes TEXT,
	test_results TEXT NOT NULL DEFAULT '[]',
	revision INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_requests_status ON change_requests(status);

CREATE TABLE IF NOT EXISTS published_versions (
	id TEXT PRIMARY KEY,
	change_request_id TEXT NOT NULL,
	version_number INTEGER NOT NULL UNIQUE,
	change_type TEXT NOT NULL,
	service_id TEXT NOT NULL,
	config_snapshot TEXT NOT NULL,
	is_active INTEGER NOT NULL,
	published_by TEXT NOT NULL,
	created_at TEXT NOT NULL,
	deactivated_at TEXT,
	deactivated_by TEXT
);

CREATE TABLE IF NOT EXISTS change_request_transitions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	change_request_id TEXT NOT NULL,
	action TEXT NOT NULL,
	from_stage TEXT NOT NULL,
	to_stage TEXT NOT NULL,
	actor TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	notes TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	transition_hash TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_change_request ON change_request_transitions(change_request_id, seq);
`

// SQLiteStore keeps promotion state in a local SQLite database. It is used
// for single-branch deployments and in tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path with immediate write transactions and a single
// connection, which serialises writers the same way SQLite itself does.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, SQLiteSchema)
	return err
}

// sqliteTime is fixed width so TEXT ordering matches time ordering.
const sqliteTime = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

type rowScanner interface {
	Scan(dest ...any) error
}

const crColumns = `id, title, description, change_type, service_id, config_snapshot, status,
	submitted_by, reviewed_by, review_notes, test_results, revision, created_at, updated_at`

func scanSQLiteChangeRequest(row rowScanner) (*ChangeRequest, error) {
	var (
		cr                   ChangeRequest
		snapshot, results    string
		reviewedBy, notes    sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&cr.ID, &cr.Title, &cr.Description, &cr.ChangeType, &cr.ServiceID, &snapshot, &cr.Status,
		&cr.SubmittedBy, &reviewedBy, &notes, &results, &cr.Revision, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	cr.ConfigSnapshot = json.RawMessage(snapshot)
	if reviewedBy.Valid {
		cr.ReviewedBy = strPtr(reviewedBy.String)
	}
	if notes.Valid {
		cr.ReviewNotes = strPtr(notes.String)
	}
	if err := json.Unmarshal([]byte(results), &cr.TestResults); err != nil {
		return nil, fmt.Errorf("decode test results: %w", err)
	}
	if cr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cr, nil
}

func (s *SQLiteStore) CreateChangeRequest(ctx context.Context, cr *ChangeRequest, t *StateTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	results, err := json.Marshal(cr.TestResults)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO change_requests (`+crColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cr.ID, cr.Title, cr.Description, cr.ChangeType, cr.ServiceID, string(cr.ConfigSnapshot), cr.Status,
		cr.SubmittedBy, cr.ReviewedBy, cr.ReviewNotes, string(results), cr.Revision,
		formatTime(cr.CreatedAt), formatTime(cr.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert change request: %w", err)
	}

	if t != nil {
		if err := insertSQLiteTransition(ctx, tx, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetChangeRequest(ctx context.Context, id string) (*ChangeRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+crColumns+` FROM change_requests WHERE id = ?`, id)
	return scanSQLiteChangeRequest(row)
}

func (s *SQLiteStore) ListChangeRequests(ctx context.Context, f ListFilter) ([]*ChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}

	q := `SELECT ` + crColumns + ` FROM change_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ChangeRequest
	for rows.Next() {
		cr, err := scanSQLiteChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

const versionColumns = `id, change_request_id, version_number, change_type, service_id, config_snapshot,
	is_active, published_by, created_at, deactivated_at, deactivated_by`

func scanSQLiteVersion(row rowScanner) (*PublishedVersion, error) {
	var (
		v                 PublishedVersion
		snapshot          string
		createdAt         string
		deactivatedAt, by sql.NullString
	)
	err := row.Scan(&v.ID, &v.ChangeRequestID, &v.VersionNumber, &v.ChangeType, &v.ServiceID, &snapshot,
		&v.IsActive, &v.PublishedBy, &createdAt, &deactivatedAt, &by)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.ConfigSnapshot = json.RawMessage(snapshot)
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if deactivatedAt.Valid {
		ts, err := parseTime(deactivatedAt.String)
		if err != nil {
			return nil, err
		}
		v.DeactivatedAt = &ts
	}
	if by.Valid {
		v.DeactivatedBy = strPtr(by.String)
	}
	return &v, nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id string) (*PublishedVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM published_versions WHERE id = ?`, id)
	return scanSQLiteVersion(row)
}

func (s *SQLiteStore) ListVersions(ctx context.Context) ([]*PublishedVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM published_versions ORDER BY version_number DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PublishedVersion
	for rows.Next() {
		v, err := scanSQLiteVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const transitionColumns = `id, change_request_id, action, from_stage, to_stage, actor, actor_role, notes,
	prev_hash, transition_hash, created_at`

func scanSQLiteTransition(row rowScanner) (*StateTransition, error) {
	var (
		t         StateTransition
		createdAt string
	)
	err := row.Scan(&t.ID, &t.ChangeRequestID, &t.Action, &t.FromStage, &t.ToStage, &t.Actor, &t.ActorRole,
		&t.Notes, &t.PrevHash, &t.TransitionHash, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) LatestTransition(ctx context.Context, changeRequestID string) (*StateTransition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM change_request_transitions
		WHERE change_request_id = ? ORDER BY seq DESC LIMIT 1`, changeRequestID)
	return scanSQLiteTransition(row)
}

func (s *SQLiteStore) History(ctx context.Context, changeRequestID string) ([]*StateTransition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+transitionColumns+` FROM change_request_transitions
		WHERE change_request_id = ? ORDER BY seq`, changeRequestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StateTransition
	for rows.Next() {
		t, err := scanSQLiteTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertSQLiteTransition(ctx context.Context, tx *sql.Tx, t *StateTransition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO change_request_transitions (`+transitionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ChangeRequestID, t.Action, t.FromStage, t.ToStage, t.Actor, t.ActorRole, t.Notes,
		t.PrevHash, t.TransitionHash, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Commit applies m in one immediate transaction.
func (s *SQLiteStore) Commit(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if m.Request != nil {
		if err := updateSQLiteChangeRequest(ctx, tx, m.Request); err != nil {
			return err
		}
	}

	if m.Deactivate != nil {
		res, err := tx.ExecContext(ctx, `UPDATE published_versions
			SET is_active = 0, deactivated_at = ?, deactivated_by = ?
			WHERE id = ? AND is_active = 1`,
			nullableTime(m.Deactivate.DeactivatedAt), m.Deactivate.DeactivatedBy, m.Deactivate.ID)
		if err != nil {
			return fmt.Errorf("deactivate version: %w", err)
		}
		if err := requireOneRow(ctx, tx, res, "published_versions", m.Deactivate.ID); err != nil {
			return err
		}
	}

	var versionNumber int64
	if m.Publish != nil {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM published_versions`).Scan(&versionNumber); err != nil {
			return fmt.Errorf("allocate version number: %w", err)
		}
		p := m.Publish
		_, err := tx.ExecContext(ctx, `INSERT INTO published_versions (`+versionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.ChangeRequestID, versionNumber, p.ChangeType, p.ServiceID, string(p.ConfigSnapshot),
			p.IsActive, p.PublishedBy, formatTime(p.CreatedAt), nil, nil)
		if err != nil {
			var sqErr sqlite3.Error
			if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return ErrConcurrentModification
			}
			return fmt.Errorf("insert version: %w", err)
		}
	}

	if m.Transition != nil {
		if err := insertSQLiteTransition(ctx, tx, m.Transition); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if m.Request != nil {
		m.Request.Revision++
	}
	if m.Publish != nil {
		m.Publish.VersionNumber = versionNumber
	}
	return nil
}

func updateSQLiteChangeRequest(ctx context.Context, tx *sql.Tx, cr *ChangeRequest) error {
	results, err := json.Marshal(cr.TestResults)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE change_requests SET
			status = ?, reviewed_by = ?, review_notes = ?, test_results = ?,
			revision = revision + 1, updated_at = ?
		WHERE id = ? AND revision = ?`,
		cr.Status, cr.ReviewedBy, cr.ReviewNotes, string(results), formatTime(cr.UpdatedAt),
		cr.ID, cr.Revision)
	if err != nil {
		return fmt.Errorf("update change request: %w", err)
	}
	return requireOneRow(ctx, tx, res, "change_requests", cr.ID)
}

// requireOneRow turns a conditional update that matched nothing into
// ErrNotFound or ErrConcurrentModification.
func requireOneRow(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id = ?)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConcurrentModification
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
