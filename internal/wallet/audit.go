package wallet

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/creatorpay/creatorpay/internal/idgen"
	"github.com/creatorpay/creatorpay/internal/logging"
)

// AuditEntry records who performed a balance mutation and why.
type AuditEntry struct {
	ID             string    `json:"id"`
	HolderID       string    `json:"holderId"`
	CounterpartyID string    `json:"counterpartyId"`
	ActorType      string    `json:"actorType"`
	ActorID        string    `json:"actorId,omitempty"`
	Operation      string    `json:"operation"`
	Units          int64     `json:"units"`
	AmountCents    int64     `json:"amountCents,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	RequestID      string    `json:"requestId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AuditLogger persists audit entries. Implementations must not fail the
// calling operation: audit write errors are logged and swallowed.
type AuditLogger interface {
	LogAudit(ctx context.Context, e *AuditEntry) error
}

type actorCtxKey struct{}

type actorInfo struct {
	actorType string
	actorID   string
}

// WithActor annotates ctx with the acting identity for audit rows.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, actorInfo{actorType: actorType, actorID: actorID})
}

func actorFromCtx(ctx context.Context) (actorType, actorID, requestID string) {
	actorType = "system"
	if info, ok := ctx.Value(actorCtxKey{}).(actorInfo); ok {
		actorType = info.actorType
		actorID = info.actorID
	}
	requestID = logging.RequestID(ctx)
	return actorType, actorID, requestID
}

// PostgresAudit writes audit entries to wallet_audit_log.
type PostgresAudit struct {
	db *sql.DB
}

// NewPostgresAudit creates a Postgres-backed audit logger.
func NewPostgresAudit(db *sql.DB) *PostgresAudit {
	return &PostgresAudit{db: db}
}

func (a *PostgresAudit) LogAudit(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO wallet_audit_log (id, holder_id, counterparty_id, actor_type, actor_id, operation, units, amount_cents, reference, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.HolderID, e.CounterpartyID, e.ActorType, nullString(e.ActorID),
		e.Operation, e.Units, e.AmountCents, nullString(e.Reference),
		nullString(e.RequestID), e.CreatedAt,
	)
	if err != nil {
		logging.L(ctx).Error("wallet audit write failed", "error", err, "operation", e.Operation)
	}
	return err
}

// MemoryAudit keeps audit entries in memory for tests and demos.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

// NewMemoryAudit creates an in-memory audit logger.
func NewMemoryAudit() *MemoryAudit {
	return &MemoryAudit{}
}

func (a *MemoryAudit) LogAudit(_ context.Context, e *AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e.ID == "" {
		e.ID = idgen.WithPrefix("aud")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	a.entries = append(a.entries, &cp)
	return nil
}

// Entries returns a copy of all recorded audit entries.
func (a *MemoryAudit) Entries() []*AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*AuditEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
