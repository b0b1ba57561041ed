package purchase

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/creatorpay/creatorpay/internal/wallet"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, p *Purchase) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (id, buyer_id, seller_id, units, price_cents, total_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.BuyerID, p.SellerID, p.Units, p.PriceCents, p.TotalCents, p.Status, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	p := &Purchase{}
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, units, price_cents, total_cents, status, created_at, completed_at
		FROM purchases WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.BuyerID, &p.SellerID, &p.Units, &p.PriceCents, &p.TotalCents, &p.Status, &p.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return p, nil
}

// CompleteAndCredit claims the pending → completed transition and credits the
// buyer's wallet in one serializable transaction. The conditional UPDATE is
// the idempotency gate: zero rows affected means another caller (or a retry)
// already completed this purchase and the wallet must not be touched again.
func (s *PostgresStore) CompleteAndCredit(ctx context.Context, p *Purchase) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE purchases SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4`,
		p.ID, StatusCompleted, now, StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("complete purchase: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := wallet.CreditPurchaseTx(ctx, tx, p.BuyerID, p.SellerID, p.Units, p.PriceCents, p.TotalCents, p.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}

	p.Status = StatusCompleted
	p.CompletedAt = &now
	return true, nil
}
