package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/creatorpay/creatorpay/internal/payout"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, buyer_id, seller_id, units, price_cents, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.BuyerID, sess.SellerID, sess.Units, sess.PriceCents, sess.Status, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var actualMinutes sql.NullInt64
	var completedAt, endedAt, autoReleaseAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, units, price_cents, status, actual_minutes,
		       completed_at, ended_at, auto_release_at, created_at, updated_at
		FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.BuyerID, &sess.SellerID, &sess.Units, &sess.PriceCents, &sess.Status,
		&actualMinutes, &completedAt, &endedAt, &autoReleaseAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.ActualMinutes = actualMinutes.Int64
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if autoReleaseAt.Valid {
		sess.AutoReleaseAt = &autoReleaseAt.Time
	}
	return sess, nil
}

func (s *PostgresStore) Start(ctx context.Context, id string) error {
	return s.transition(ctx, s.db, id, StatusInProgress, StatusAccepted)
}

// CompleteAndSettle flips the session to awaiting_confirmation, settles the
// buyer's reserved units, and inserts the seller's held payout entry in one
// serializable transaction. The conditional UPDATE is the settlement guard:
// zero rows means a concurrent caller already completed (or disputed) the
// session, and neither the wallet nor the payment ledger is touched.
func (s *PostgresStore) CompleteAndSettle(ctx context.Context, sess *Session, held *payout.Entry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, actual_minutes = $3, completed_at = $4, ended_at = $5,
		    auto_release_at = $6, updated_at = $7
		WHERE id = $1 AND status IN ($8, $9)`,
		sess.ID, StatusAwaitingConfirmation, sess.ActualMinutes, sess.CompletedAt, sess.EndedAt,
		sess.AutoReleaseAt, sess.UpdatedAt, StatusAccepted, StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}

	if err := wallet.SettleTx(ctx, tx, sess.BuyerID, sess.SellerID, sess.Units, sess.ID); err != nil {
		return err
	}
	if err := payout.InsertEntryTx(ctx, tx, held); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AutoConfirm(ctx context.Context, id string) error {
	return s.transition(ctx, s.db, id, StatusCompleted, StatusAwaitingConfirmation)
}

func (s *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE status = $1 AND auto_release_at <= $2
		ORDER BY auto_release_at ASC
		LIMIT $3`,
		StatusAwaitingConfirmation, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list auto releasable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) MarkDisputed(ctx context.Context, id string) error {
	return s.transition(ctx, s.db, id, StatusDisputed, StatusAwaitingConfirmation, StatusCompleted)
}

func (s *PostgresStore) MarkRefunded(ctx context.Context, id string) error {
	return s.transition(ctx, s.db, id, StatusRefunded, StatusDisputed)
}

func (s *PostgresStore) MarkCompletedAfterDispute(ctx context.Context, id string) error {
	return s.transition(ctx, s.db, id, StatusCompleted, StatusDisputed)
}

// MarkDisputedTx flips a session to disputed inside the caller's transaction.
func MarkDisputedTx(ctx context.Context, q wallet.DBTX, id string) error {
	return transitionTx(ctx, q, id, StatusDisputed, StatusAwaitingConfirmation, StatusCompleted)
}

// MarkRefundedTx flips a disputed session to refunded inside the caller's
// transaction.
func MarkRefundedTx(ctx context.Context, q wallet.DBTX, id string) error {
	return transitionTx(ctx, q, id, StatusRefunded, StatusDisputed)
}

// MarkCompletedAfterDisputeTx returns a disputed session to completed inside
// the caller's transaction (dispute rejected).
func MarkCompletedAfterDisputeTx(ctx context.Context, q wallet.DBTX, id string) error {
	return transitionTx(ctx, q, id, StatusCompleted, StatusDisputed)
}

func (s *PostgresStore) transition(ctx context.Context, q wallet.DBTX, id, to string, from ...string) error {
	return transitionTx(ctx, q, id, to, from...)
}

func transitionTx(ctx context.Context, q wallet.DBTX, id, to string, from ...string) error {
	query := `UPDATE sessions SET status = $2, updated_at = now() WHERE id = $1 AND status IN (`
	args := []any{id, to}
	for i, f := range from {
		if i > 0 {
			query += ", "
		}
		args = append(args, f)
		query += fmt.Sprintf("$%d", len(args))
	}
	query += ")"

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition session to %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}
