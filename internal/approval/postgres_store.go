package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/creatorpay/creatorpay/internal/idgen"
)

// PostgresStore implements Store backed by PostgreSQL. Every vote and status
// transition appends a row to the payout audit log in the same transaction.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payout_approvals (id, payout_id, recipient_id, amount_cents, tier, required_approvals, status, requested_by, requested_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PayoutID, a.RecipientID, a.AmountCents, a.Tier, a.RequiredApprovals,
		a.Status, a.RequestedBy, a.RequestedAt, a.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Approval, error) {
	a := &Approval{Votes: []Vote{}}
	var quorumAt, executedAt sql.NullTime
	var executedBy, txSignature sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, payout_id, recipient_id, amount_cents, tier, required_approvals, status,
		       requested_by, requested_at, expires_at, quorum_at, executed_at, executed_by, tx_signature
		FROM payout_approvals WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.PayoutID, &a.RecipientID, &a.AmountCents, &a.Tier, &a.RequiredApprovals,
		&a.Status, &a.RequestedBy, &a.RequestedAt, &a.ExpiresAt, &quorumAt, &executedAt, &executedBy, &txSignature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	if quorumAt.Valid {
		a.QuorumAt = &quorumAt.Time
	}
	if executedAt.Valid {
		a.ExecutedAt = &executedAt.Time
	}
	a.ExecutedBy = executedBy.String
	a.TxSignature = txSignature.String

	rows, err := s.db.QueryContext(ctx, `
		SELECT approver_id, vote, comment, cast_at
		FROM payout_approval_votes WHERE approval_id = $1
		ORDER BY cast_at ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v Vote
		var comment sql.NullString
		if err := rows.Scan(&v.ApproverID, &v.Vote, &comment, &v.CastAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		v.Comment = comment.String
		a.Votes = append(a.Votes, v)
	}
	return a, rows.Err()
}

// AddVote inserts the vote and returns the updated tallies. The approval row
// is locked first so a vote can never land after a concurrent transition; the
// (approval, approver) primary key makes duplicate votes a constraint
// violation rather than a read-check race.
func (s *PostgresStore) AddVote(ctx context.Context, approvalID string, v *Vote) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM payout_approvals WHERE id = $1 FOR UPDATE`, approvalID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("lock approval: %w", err)
	}
	if status != StatusPending {
		return 0, 0, ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payout_approval_votes (approval_id, approver_id, vote, comment, cast_at)
		VALUES ($1, $2, $3, $4, $5)`,
		approvalID, v.ApproverID, v.Vote, nullString(v.Comment), v.CastAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, 0, ErrDuplicateVote
		}
		return 0, 0, fmt.Errorf("insert vote: %w", err)
	}

	var approves, rejects int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE vote = $2), COUNT(*) FILTER (WHERE vote = $3)
		FROM payout_approval_votes WHERE approval_id = $1`,
		approvalID, VoteApprove, VoteReject,
	).Scan(&approves, &rejects)
	if err != nil {
		return 0, 0, fmt.Errorf("count votes: %w", err)
	}

	if err := auditTx(ctx, tx, approvalID, v.ApproverID, "vote_"+v.Vote, status, status, 0, v.Comment); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return approves, rejects, nil
}

func (s *PostgresStore) MarkApproved(ctx context.Context, id string, quorumAt time.Time) error {
	return s.transition(ctx, id, StatusPending, StatusApproved,
		`quorum_at = $3`, quorumAt)
}

func (s *PostgresStore) MarkRejected(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, StatusRejected, "", nil)
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id string) error {
	return s.transition(ctx, id, StatusPending, StatusExpired, "", nil)
}

// ClaimExecution atomically flips an approved row to executing. The status
// predicate makes concurrent claims mutually exclusive: the second UPDATE
// matches zero rows and the caller never reaches the payment rail.
func (s *PostgresStore) ClaimExecution(ctx context.Context, id, executorID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_approvals
		SET status = $2, executed_by = $3, executed_at = $4
		WHERE id = $1 AND status = $5`,
		id, StatusExecuting, executorID, at, StatusApproved,
	)
	if err != nil {
		return fmt.Errorf("claim execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	if err := auditTx(ctx, tx, id, executorID, "execution_claimed", StatusApproved, StatusExecuting, 0, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) FinishExecution(ctx context.Context, id, txSignature string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_approvals
		SET status = $2, tx_signature = $3
		WHERE id = $1 AND status = $4`,
		id, StatusExecuted, txSignature, StatusExecuting,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	if err := auditTx(ctx, tx, id, "system", "executed", StatusExecuting, StatusExecuted, 0, txSignature); err != nil {
		return err
	}
	return tx.Commit()
}

// AbortExecution reverts a claimed execution after a rail failure so the
// approval can be retried.
func (s *PostgresStore) AbortExecution(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payout_approvals
		SET status = $2, executed_by = NULL, executed_at = NULL
		WHERE id = $1 AND status = $3`,
		id, StatusApproved, StatusExecuting,
	)
	if err != nil {
		return fmt.Errorf("abort execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	if err := auditTx(ctx, tx, id, "system", "execution_aborted", StatusExecuting, StatusApproved, 0, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListExpirable(ctx context.Context, before time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM payout_approvals
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3`,
		StatusPending, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expirable: %w", err)
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

func (s *PostgresStore) transition(ctx context.Context, id, from, to, extraSet string, extraArg any) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `UPDATE payout_approvals SET status = $2`
	args := []any{id, to}
	if extraSet != "" {
		query += ", " + extraSet
		args = append(args, extraArg)
	}
	query += fmt.Sprintf(` WHERE id = $1 AND status = $%d`, len(args)+1)
	args = append(args, from)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition approval to %s: %w", to, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	if err := auditTx(ctx, tx, id, "system", to, from, to, 0, ""); err != nil {
		return err
	}
	return tx.Commit()
}

func auditTx(ctx context.Context, tx *sql.Tx, approvalID, actorID, action, before, after string, amountCents int64, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO payout_audit_log (id, entry_id, actor_id, action, status_before, status_after, amount_cents, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		idgen.WithPrefix("aud"), approvalID, actorID, action, before, after, amountCents, reason,
	)
	if err != nil {
		return fmt.Errorf("audit approval: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
