package payout

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed payment ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertEntryTx inserts a ledger entry inside the caller's transaction, so a
// session settlement and its held payout land atomically.
func InsertEntryTx(ctx context.Context, q wallet.DBTX, e *Entry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_ledger (id, recipient_id, amount_cents, status, source_type, source_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.RecipientID, e.AmountCents, e.Status, e.SourceType, nullString(e.SourceID), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Entry) error {
	return InsertEntryTx(ctx, s.db, e)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, amount_cents, status, source_type, source_id, flagged_at, flag_reason, created_at, released_at
		FROM payment_ledger WHERE id = $1`, id))
}

// Flag sets the review flag on a held, unflagged entry.
func (s *PostgresStore) Flag(ctx context.Context, id, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_ledger SET flagged_at = $2, flag_reason = $3
		WHERE id = $1 AND status = $4 AND flagged_at IS NULL`,
		id, at, reason, StatusHeld,
	)
	if err != nil {
		return fmt.Errorf("flag entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) ListReleasable(ctx context.Context, createdBefore time.Time, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, recipient_id, amount_cents, status, source_type, source_id, flagged_at, flag_reason, created_at, released_at
		FROM payment_ledger
		WHERE status = $1 AND flagged_at IS NULL AND created_at <= $2
		ORDER BY created_at ASC
		LIMIT $3`,
		StatusHeld, createdBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list releasable: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReleaseAuto releases one unflagged held entry. Zero rows means the entry
// was flagged, released, or locked since it was listed.
func (s *PostgresStore) ReleaseAuto(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_ledger SET status = $2, released_at = now()
		WHERE id = $1 AND status = $3 AND flagged_at IS NULL`,
		id, StatusReleased, StatusHeld,
	)
	if err != nil {
		return fmt.Errorf("auto release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	return nil
}

// ReleaseHeld moves matching held entries to locked in one transaction,
// writing an audit row per entry.
func (s *PostgresStore) ReleaseHeld(ctx context.Context, filter ReleaseFilter, audit AuditInfo) (*ReleaseResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id, recipient_id, amount_cents, status, source_type, source_id, flagged_at, flag_reason, created_at, released_at
		FROM payment_ledger WHERE status = $1`
	args := []any{StatusHeld}
	if !filter.All {
		if filter.EntryID != "" {
			args = append(args, filter.EntryID)
			query += fmt.Sprintf(" AND id = $%d", len(args))
		}
		if filter.RecipientID != "" {
			args = append(args, filter.RecipientID)
			query += fmt.Sprintf(" AND recipient_id = $%d", len(args))
		}
		if filter.SourceID != "" {
			args = append(args, filter.SourceID)
			query += fmt.Sprintf(" AND source_id = $%d", len(args))
		}
	}
	query += " FOR UPDATE"

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select held: %w", err)
	}
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &ReleaseResult{}
	now := time.Now().UTC()
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_ledger SET status = $2, released_at = $3 WHERE id = $1`,
			e.ID, StatusLocked, now,
		); err != nil {
			return nil, fmt.Errorf("lock entry %s: %w", e.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payout_audit_log (id, entry_id, actor_id, action, status_before, status_after, amount_cents, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			idgen.WithPrefix("aud"), e.ID, audit.ActorID, "admin_release", e.Status, StatusLocked, e.AmountCents, audit.Reason, now,
		); err != nil {
			return nil, fmt.Errorf("audit entry %s: %w", e.ID, err)
		}
		result.Count++
		result.TotalCents += e.AmountCents
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row *sql.Row) (*Entry, error) {
	e, err := scanFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

func scanEntryRows(rows *sql.Rows) (*Entry, error) {
	return scanFrom(rows)
}

func scanFrom(s rowScanner) (*Entry, error) {
	e := &Entry{}
	var sourceID, flagReason sql.NullString
	var flaggedAt, releasedAt sql.NullTime
	err := s.Scan(&e.ID, &e.RecipientID, &e.AmountCents, &e.Status, &e.SourceType,
		&sourceID, &flaggedAt, &flagReason, &e.CreatedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	e.SourceID = sourceID.String
	e.FlagReason = flagReason.String
	if flaggedAt.Valid {
		e.FlaggedAt = &flaggedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
