package mirror

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tmakonnen/pesawire/internal/domain"
)

var (
	ErrNotFound            = errors.New("mirror: account not found")
	ErrIdempotencyConflict = errors.New("mirror: request in progress")
	ErrIdempotencyMismatch = errors.New("mirror: key reuse with mismatched payload")
)

// IdempotencyRecord holds the stored outcome of a previously seen settlement key.
type IdempotencyRecord struct {
	Key         string
	RequestHash string
	Status      string
	Result      []byte
}

// Store is the authoritative local record of mirrored accounts plus the
// settlement idempotency ledger. Balance columns are written exclusively by
// the settlement orchestrator after a confirmed ledger transfer; every other
// consumer treats them as a best-effort cache of ledger state.
type Store interface {
	GetByAccountID(ctx context.Context, accountID string) (*domain.Account, error)
	Create(ctx context.Context, acct *domain.Account) error
	Deactivate(ctx context.Context, accountID string) error

	// AdjustBalances applies both legs of a settled transfer atomically:
	// payer -amount, payee +amount, in settlement-currency units.
	AdjustBalances(ctx context.Context, fromID, toID string, amount decimal.Decimal) error

	// ReserveIdempotencyKey claims a settlement key before the ledger call.
	// It returns (nil, nil) on a fresh reservation, the stored record when the
	// key was already completed with the same request hash, and
	// ErrIdempotencyConflict / ErrIdempotencyMismatch otherwise.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*IdempotencyRecord, error)

	// FinalizeIdempotencyKey stores the orchestrator's structured outcome
	// under a previously reserved key.
	FinalizeIdempotencyKey(ctx context.Context, key string, result []byte) error
}
