package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/cache"
	"github.com/tmakonnen/pesawire/internal/domain"
	"github.com/tmakonnen/pesawire/internal/ledger"
	"github.com/tmakonnen/pesawire/internal/mirror"
	"github.com/tmakonnen/pesawire/internal/quote"
	"github.com/tmakonnen/pesawire/internal/rates"
)

var settlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "pesawire_settlements_total",
	Help: "Settlement attempts by outcome code",
}, []string{"status", "code"})

// Service is the settlement orchestrator. It owns the only write path to the
// mirror's balances and the only invalidation path into the cache.
type Service struct {
	mirror mirror.Store
	ledger ledger.Client
	oracle rates.Oracle
	quotes *quote.Service
	cache  *cache.Accounts
	log    *zap.Logger
}

// NewService wires the orchestrator's collaborators.
func NewService(m mirror.Store, l ledger.Client, o rates.Oracle, q *quote.Service, c *cache.Accounts, log *zap.Logger) *Service {
	return &Service{mirror: m, ledger: l, oracle: o, quotes: q, cache: c, log: log}
}

// Settle validates, converts, and executes one transfer. Every business
// failure comes back as a structured result with Status FAILED; Go errors are
// reserved for storage faults and idempotency-key violations
// (mirror.ErrIdempotencyConflict, mirror.ErrIdempotencyMismatch).
//
// The returned bool is true when the result is a replay of a previously
// completed settlement under the same idempotency key.
func (s *Service) Settle(ctx context.Context, req domain.SettlementRequest, idemKey, requestHash string) (*domain.SettlementResult, bool, error) {
	// 0. Deduplicate before anything else. A completed key replays its stored
	// outcome; an in-flight or mismatched key is rejected.
	stored, err := s.mirror.ReserveIdempotencyKey(ctx, idemKey, requestHash)
	if err != nil {
		return nil, false, err
	}
	if stored != nil {
		var replay domain.SettlementResult
		if err := json.Unmarshal(stored.Result, &replay); err != nil {
			return nil, false, fmt.Errorf("stored settlement result undecodable: %w", err)
		}
		return &replay, true, nil
	}

	res, err := s.execute(ctx, req)
	if err != nil {
		return nil, false, err
	}

	// Persist the outcome under the key so a client retry replays instead of
	// re-settling. A retry after a ledger decline gets the same decline.
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, false, err
	}
	if err := s.mirror.FinalizeIdempotencyKey(ctx, idemKey, raw); err != nil {
		s.log.Error("idempotency finalize failed", zap.String("key", idemKey), zap.Error(err))
	}
	settlementOutcomes.WithLabelValues(res.Status, res.Code).Inc()
	return res, false, nil
}

func (s *Service) execute(ctx context.Context, req domain.SettlementRequest) (*domain.SettlementResult, error) {
	// 1. Load both accounts from the mirror.
	from, err := s.mirror.GetByAccountID(ctx, req.FromAccountID)
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return failed(domain.CodeAccountNotFound, "payer account not found"), nil
		}
		return nil, err
	}
	to, err := s.mirror.GetByAccountID(ctx, req.ToAccountID)
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			return failed(domain.CodeAccountNotFound, "payee account not found"), nil
		}
		return nil, err
	}
	if !from.IsActive {
		return failed(domain.CodeAccountInactive, "payer account is deactivated"), nil
	}
	if !to.IsActive {
		return failed(domain.CodeAccountInactive, "payee account is deactivated"), nil
	}

	// 2. Basic request gates.
	if req.Amount.Sign() <= 0 {
		return failed(domain.CodeInvalidRequest, "amount must be positive"), nil
	}
	if req.FromAccountID == req.ToAccountID {
		return failed(domain.CodeInvalidRequest, "payer and payee must differ"), nil
	}

	// 3. Resolve effective currencies with the same order quote generation uses.
	fromCur, toCur := domain.ResolveCurrencies(from, to, req.FromCurrency, req.ToCurrency)

	// 4. Convert to the settlement currency. A supplied quote gates on its
	// expiry; either path goes through the oracle and aborts the settlement
	// before any ledger call on failure.
	converted := req.Amount
	if fromCur != toCur {
		if req.QuoteID != "" {
			v, err := s.quotes.ValidateExpiry(req.QuoteID)
			if err != nil {
				return failed(domain.CodeMalformedQuoteID, "quote id cannot be parsed"), nil
			}
			if !v.Valid {
				return failed(domain.CodeQuoteExpired, "quote has expired"), nil
			}
		}
		conv, err := s.oracle.Convert(ctx, fromCur, toCur, req.Amount)
		if err != nil {
			s.log.Warn("conversion unavailable",
				zap.String("pair", fromCur+"/"+toCur), zap.Error(err))
			return failed(domain.CodeConversionUnavailable, "currency conversion unavailable"), nil
		}
		converted = conv.ToAmount
	}

	// 5. Check funds against the live ledger, not the mirror. The mirror can
	// lag a concurrent settlement; the ledger is the source of truth.
	payerLines, err := s.ledger.GetBalance(ctx, req.FromAccountID)
	if err != nil {
		return failed(domain.CodeLedgerFailure, "ledger balance read failed"), nil
	}
	if _, err := s.ledger.GetBalance(ctx, req.ToAccountID); err != nil {
		return failed(domain.CodeLedgerFailure, "ledger balance read failed"), nil
	}
	if balanceIn(payerLines, toCur).LessThan(converted) {
		return failed(domain.CodeInsufficientFunds, "insufficient funds"), nil
	}

	// 6. The single irreversible step. No retry from here: without a
	// ledger-side idempotency token a resend could double-settle.
	res, err := s.ledger.Transfer(ctx, from.AccountID, from.SigningCredential, to.AccountID, converted, toCur, req.Memo)
	if err != nil {
		s.log.Error("ledger transfer did not complete, outcome unknown",
			zap.String("from", from.AccountID), zap.String("to", to.AccountID), zap.Error(err))
		return failed(domain.CodeLedgerFailure, "ledger unreachable, transfer outcome unknown"), nil
	}
	if res.Status != domain.StatusSuccess {
		// 8. Remote decline: no mirror mutation, no cache invalidation.
		msg := res.Message
		if msg == "" {
			msg = "ledger rejected the transfer"
		}
		return failed(domain.CodeLedgerFailure, msg), nil
	}

	// 7. Mirror write, then cache invalidation, then return. The ordering is
	// load-bearing: invalidating before the mirror write would let a reader
	// repopulate stale state that survives until the next settlement.
	if err := s.mirror.AdjustBalances(ctx, from.AccountID, to.AccountID, converted); err != nil {
		s.log.Error("mirror balance update failed after ledger success, mirror is stale",
			zap.String("transaction_id", res.TransactionID), zap.Error(err))
	}
	s.cache.Invalidate(ctx, from.AccountID)
	s.cache.Invalidate(ctx, to.AccountID)

	s.log.Info("settlement complete",
		zap.String("transaction_id", res.TransactionID),
		zap.String("from", from.AccountID),
		zap.String("to", to.AccountID),
		zap.String("amount", converted.String()),
		zap.String("currency", toCur))

	return &domain.SettlementResult{
		TransactionID: res.TransactionID,
		Status:        domain.StatusSuccess,
		Message:       "settled",
	}, nil
}

func failed(code, message string) *domain.SettlementResult {
	return &domain.SettlementResult{
		Status:  domain.StatusFailed,
		Code:    code,
		Message: message,
	}
}

func balanceIn(lines []domain.BalanceLine, currency string) decimal.Decimal {
	for _, l := range lines {
		if l.Code == currency {
			return l.Amount
		}
	}
	return decimal.Zero
}
