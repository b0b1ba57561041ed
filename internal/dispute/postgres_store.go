package dispute

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/creatorpay/creatorpay/internal/session"
	"github.com/creatorpay/creatorpay/internal/wallet"
)

// PostgresStore implements Store backed by PostgreSQL. Session transitions
// and wallet reversals happen inside the same transaction as the refund
// status change.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed refund request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) OpenForSession(ctx context.Context, r *RefundRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := session.MarkDisputedTx(ctx, tx, r.SessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refund_requests (id, session_id, buyer_id, seller_id, units, amount_cents, reason, status, approval_id, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, r.SessionID, r.BuyerID, r.SellerID, r.Units, r.AmountCents, r.Reason, r.Status,
			nullString(r.ApprovalID), r.RequestedAt,
		)
		if err != nil {
			return fmt.Errorf("insert refund request: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*RefundRequest, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) GetBySession(ctx context.Context, sessionID string) (*RefundRequest, error) {
	return s.getBy(ctx, "session_id", sessionID)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*RefundRequest, error) {
	r := &RefundRequest{}
	var approvalID, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id, session_id, buyer_id, seller_id, units, amount_cents, reason, status, approval_id, requested_at, resolved_at, resolved_by
		FROM refund_requests WHERE %s = $1`, column),
		value,
	).Scan(&r.ID, &r.SessionID, &r.BuyerID, &r.SellerID, &r.Units, &r.AmountCents, &r.Reason,
		&r.Status, &approvalID, &r.RequestedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get refund request: %w", err)
	}
	r.ApprovalID = approvalID.String
	r.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	return r, nil
}

// ResolveApprove claims the pending refund, returns the settled units to the
// buyer, and marks the session refunded in one transaction, so a crash can
// never leave a refunded session with an unreversed wallet.
func (s *PostgresStore) ResolveApprove(ctx context.Context, r *RefundRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimResolution(ctx, tx, r); err != nil {
			return err
		}
		if err := session.MarkRefundedTx(ctx, tx, r.SessionID); err != nil {
			return err
		}
		return wallet.ReverseSettleTx(ctx, tx, r.BuyerID, r.SellerID, r.Units, r.ID)
	})
}

func (s *PostgresStore) ResolveReject(ctx context.Context, r *RefundRequest) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.claimResolution(ctx, tx, r); err != nil {
			return err
		}
		return session.MarkCompletedAfterDisputeTx(ctx, tx, r.SessionID)
	})
}

func (s *PostgresStore) claimResolution(ctx context.Context, tx *sql.Tx, r *RefundRequest) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE refund_requests SET status = $2, resolved_at = $3, resolved_by = $4
		WHERE id = $1 AND status = $5`,
		r.ID, r.Status, r.ResolvedAt, r.ResolvedBy, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("resolve refund: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
