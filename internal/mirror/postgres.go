package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tmakonnen/pesawire/internal/domain"
)

// PostgresStore is the pgx-backed mirror store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects a pool against the given DSN and verifies it.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) GetByAccountID(ctx context.Context, accountID string) (*domain.Account, error) {
	var (
		acct       domain.Account
		balanceStr string
	)
	err := s.db.QueryRow(ctx,
		`SELECT account_id, preferred_currency, is_active, signing_credential, balance::text, created_at
		   FROM accounts WHERE account_id = $1`,
		accountID,
	).Scan(&acct.AccountID, &acct.PreferredCurrency, &acct.IsActive,
		&acct.SigningCredential, &balanceStr, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("account lookup failed: %w", err)
	}
	acct.MirroredBalance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad balance %q: %w", accountID, balanceStr, err)
	}
	return &acct, nil
}

func (s *PostgresStore) Create(ctx context.Context, acct *domain.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (account_id, preferred_currency, is_active, signing_credential, balance)
		 VALUES ($1, $2, $3, $4, $5)`,
		acct.AccountID, acct.PreferredCurrency, acct.IsActive,
		acct.SigningCredential, acct.MirroredBalance.String(),
	)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, accountID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET is_active = FALSE WHERE account_id = $1", accountID)
	if err != nil {
		return fmt.Errorf("account deactivate failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustBalances applies both legs in one transaction, locking rows in ID
// order to avoid deadlocks between concurrent settlements.
func (s *PostgresStore) AdjustBalances(ctx context.Context, fromID, toID string, amount decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := fromID, toID
	if first > second {
		first, second = second, first
	}
	for _, id := range []string{first, second} {
		var dummy string
		err = tx.QueryRow(ctx,
			"SELECT account_id FROM accounts WHERE account_id = $1 FOR UPDATE", id).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
	}

	amt := amount.String()
	if _, err = tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE account_id = $2", amt, fromID); err != nil {
		return fmt.Errorf("payer balance update failed: %w", err)
	}
	if _, err = tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE account_id = $2", amt, toID); err != nil {
		return fmt.Errorf("payee balance update failed: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReserveIdempotencyKey(ctx context.Context, key, requestHash string) (*IdempotencyRecord, error) {
	var (
		storedHash   string
		storedStatus string
		storedResult []byte
	)
	err := s.db.QueryRow(ctx,
		"SELECT request_hash, status, result FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&storedHash, &storedStatus, &storedResult)
	if err == nil {
		if storedHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if storedStatus != "completed" {
			return nil, ErrIdempotencyConflict
		}
		return &IdempotencyRecord{
			Key:         key,
			RequestHash: storedHash,
			Status:      storedStatus,
			Result:      storedResult,
		}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	_, err = s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
		key, requestHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrIdempotencyConflict
		}
		return nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return nil, nil
}

func (s *PostgresStore) FinalizeIdempotencyKey(ctx context.Context, key string, result []byte) error {
	_, err := s.db.Exec(ctx,
		"UPDATE idempotency_keys SET status = 'completed', result = $1 WHERE key = $2",
		result, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}
