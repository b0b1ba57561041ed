package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx. The exported *Tx helpers
// below take a DBTX so other stores can fold a wallet mutation into their own
// transaction (session settle, purchase credit, dispute reversal).
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)
var _ EntryLister = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance returns the balance for a pair; a missing row reads as zero.
func (s *PostgresStore) GetBalance(ctx context.Context, holderID, counterpartyID string) (*Balance, error) {
	b := &Balance{HolderID: holderID, CounterpartyID: counterpartyID}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_units, reserved_units, avg_price_cents, total_paid_cents, updated_at
		FROM wallet_balances
		WHERE holder_id = $1 AND counterparty_id = $2`,
		holderID, counterpartyID,
	).Scan(&b.BalanceUnits, &b.ReservedUnits, &b.AvgPriceCents, &b.TotalPaidCents, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		b.UpdatedAt = time.Now().UTC()
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) CreditPurchase(ctx context.Context, holderID, counterpartyID string, units, priceCents, totalCents int64, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return CreditPurchaseTx(ctx, tx, holderID, counterpartyID, units, priceCents, totalCents, reference)
	})
}

func (s *PostgresStore) Reserve(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ReserveTx(ctx, tx, holderID, counterpartyID, units, reference)
	})
}

func (s *PostgresStore) Settle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return SettleTx(ctx, tx, holderID, counterpartyID, units, reference)
	})
}

func (s *PostgresStore) Release(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ReleaseTx(ctx, tx, holderID, counterpartyID, units, reference)
	})
}

func (s *PostgresStore) ReverseSettle(ctx context.Context, holderID, counterpartyID string, units int64, reference string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return ReverseSettleTx(ctx, tx, holderID, counterpartyID, units, reference)
	})
}

// GetEntries returns recent entries for a pair, newest first.
func (s *PostgresStore) GetEntries(ctx context.Context, holderID, counterpartyID string, limit int) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, holder_id, counterparty_id, entry_type, units, amount_cents, reference, created_at
		FROM wallet_entries
		WHERE holder_id = $1 AND counterparty_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`,
		holderID, counterpartyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListEntriesAsc returns all entries for a pair oldest-first, for rebuilds.
func (s *PostgresStore) ListEntriesAsc(ctx context.Context, holderID, counterpartyID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, holder_id, counterparty_id, entry_type, units, amount_cents, reference, created_at
		FROM wallet_entries
		WHERE holder_id = $1 AND counterparty_id = $2
		ORDER BY created_at ASC, id ASC`,
		holderID, counterpartyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
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

// CreditPurchaseTx credits purchased units inside the caller's transaction,
// recomputing the weighted average price under a row lock.
func CreditPurchaseTx(ctx context.Context, q DBTX, holderID, counterpartyID string, units, priceCents, totalCents int64, reference string) error {
	var curUnits, curAvg int64
	err := q.QueryRowContext(ctx, `
		SELECT balance_units, avg_price_cents FROM wallet_balances
		WHERE holder_id = $1 AND counterparty_id = $2
		FOR UPDATE`,
		holderID, counterpartyID,
	).Scan(&curUnits, &curAvg)

	switch {
	case err == sql.ErrNoRows:
		_, err = q.ExecContext(ctx, `
			INSERT INTO wallet_balances (holder_id, counterparty_id, balance_units, reserved_units, avg_price_cents, total_paid_cents, updated_at)
			VALUES ($1, $2, $3, 0, $4, $5, now())`,
			holderID, counterpartyID, units, priceCents, totalCents,
		)
	case err != nil:
		return fmt.Errorf("lock balance: %w", err)
	default:
		newAvg := weightedAverage(curUnits, curAvg, units, totalCents)
		_, err = q.ExecContext(ctx, `
			UPDATE wallet_balances
			SET balance_units = balance_units + $3,
			    avg_price_cents = $4,
			    total_paid_cents = total_paid_cents + $5,
			    updated_at = now()
			WHERE holder_id = $1 AND counterparty_id = $2`,
			holderID, counterpartyID, units, newAvg, totalCents,
		)
	}
	if err != nil {
		return fmt.Errorf("credit purchase: %w", err)
	}
	return insertEntryTx(ctx, q, holderID, counterpartyID, EntryPurchaseCredit, units, totalCents, reference)
}

// ReserveTx earmarks units inside the caller's transaction. The conditional
// WHERE makes concurrent over-reservation impossible: zero rows means the
// available balance could not cover the request.
func ReserveTx(ctx context.Context, q DBTX, holderID, counterpartyID string, units int64, reference string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE wallet_balances
		SET reserved_units = reserved_units + $3, updated_at = now()
		WHERE holder_id = $1 AND counterparty_id = $2
		  AND balance_units - reserved_units >= $3`,
		holderID, counterpartyID, units,
	)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return insertEntryTx(ctx, q, holderID, counterpartyID, EntryReserve, units, 0, reference)
}

// SettleTx spends reserved units inside the caller's transaction.
func SettleTx(ctx context.Context, q DBTX, holderID, counterpartyID string, units int64, reference string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE wallet_balances
		SET reserved_units = reserved_units - $3,
		    balance_units = balance_units - $3,
		    updated_at = now()
		WHERE holder_id = $1 AND counterparty_id = $2
		  AND reserved_units >= $3`,
		holderID, counterpartyID, units,
	)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	return insertEntryTx(ctx, q, holderID, counterpartyID, EntrySettle, units, 0, reference)
}

// ReleaseTx returns reserved units to the spendable balance inside the
// caller's transaction.
func ReleaseTx(ctx context.Context, q DBTX, holderID, counterpartyID string, units int64, reference string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE wallet_balances
		SET reserved_units = reserved_units - $3, updated_at = now()
		WHERE holder_id = $1 AND counterparty_id = $2
		  AND reserved_units >= $3`,
		holderID, counterpartyID, units,
	)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidState
	}
	return insertEntryTx(ctx, q, holderID, counterpartyID, EntryRelease, units, 0, reference)
}

// ReverseSettleTx credits settled units back inside the caller's transaction.
func ReverseSettleTx(ctx context.Context, q DBTX, holderID, counterpartyID string, units int64, reference string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE wallet_balances
		SET balance_units = balance_units + $3, updated_at = now()
		WHERE holder_id = $1 AND counterparty_id = $2`,
		holderID, counterpartyID, units,
	)
	if err != nil {
		return fmt.Errorf("reverse settle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWalletNotFound
	}
	return insertEntryTx(ctx, q, holderID, counterpartyID, EntryReverseSettle, units, 0, reference)
}

func insertEntryTx(ctx context.Context, q DBTX, holderID, counterpartyID, entryType string, units, amountCents int64, reference string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO wallet_entries (id, holder_id, counterparty_id, entry_type, units, amount_cents, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		idgen.WithPrefix("wen"), holderID, counterpartyID, entryType, units, amountCents, nullString(reference),
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var reference sql.NullString
		if err := rows.Scan(&e.ID, &e.HolderID, &e.CounterpartyID, &e.Type, &e.Units, &e.AmountCents, &reference, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Reference = reference.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
