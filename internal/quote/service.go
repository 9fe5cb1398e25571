package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/domain"
	"github.com/tmakonnen/pesawire/internal/rates"
)

// ValidityWindow is the fixed lifetime of a quote. Creation and validation
// share this constant; a drift between the two would make quotes either
// unusable or unexpectedly long-lived.
const ValidityWindow = 70 * time.Second

// Validity is the outcome of checking a quote ID's expiry.
type Validity struct {
	Valid            bool      `json:"valid"`
	Reason           string    `json:"reason,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// Service issues and validates time-boxed conversion quotes. It holds no
// state: a failed oracle call leaves nothing behind.
type Service struct {
	oracle rates.Oracle
	log    *zap.Logger
	nowFn  func() time.Time
}

// NewService constructs a quote service backed by the given rate oracle.
func NewService(oracle rates.Oracle, log *zap.Logger) *Service {
	return &Service{
		oracle: oracle,
		log:    log,
		nowFn:  time.Now,
	}
}

// Generate resolves effective currencies for both accounts, fetches a live
// conversion, and wraps it in a quote expiring ValidityWindow from now.
func (s *Service) Generate(ctx context.Context, from, to *domain.Account, amount decimal.Decimal, fromCurrency, toCurrency string) (*domain.Quote, error) {
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("quote: non-positive amount %s", amount)
	}
	fromCur, toCur := domain.ResolveCurrencies(from, to, fromCurrency, toCurrency)

	conv, err := s.oracle.Convert(ctx, fromCur, toCur, amount)
	if err != nil {
		return nil, err
	}

	now := s.nowFn().UTC()
	q := &domain.Quote{
		QuoteID:      encodeToken(now),
		FromCurrency: fromCur,
		ToCurrency:   toCur,
		FromAmount:   conv.FromAmount,
		ToAmount:     conv.ToAmount,
		ExchangeRate: conv.ExchangeRate,
		ExpiresAt:    now.Add(ValidityWindow),
	}
	s.log.Debug("quote generated",
		zap.String("quote_id", q.QuoteID),
		zap.String("pair", fromCur+"/"+toCur),
		zap.Time("expires_at", q.ExpiresAt))
	return q, nil
}

// ValidateExpiry decodes the instant embedded in a quote ID and checks it
// against the validity window. An undecodable ID returns ErrMalformedQuoteID.
func (s *Service) ValidateExpiry(quoteID string) (*Validity, error) {
	createdAt, err := decodeToken(quoteID)
	if err != nil {
		return nil, err
	}
	expiresAt := createdAt.Add(ValidityWindow)
	now := s.nowFn().UTC()
	if now.After(expiresAt) {
		return &Validity{
			Valid:     false,
			Reason:    "quote expired",
			ExpiresAt: expiresAt,
		}, nil
	}
	return &Validity{
		Valid:            true,
		ExpiresAt:        expiresAt,
		RemainingSeconds: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}
