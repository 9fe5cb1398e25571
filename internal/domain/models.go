package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NativeCurrency is the remote ledger's native unit, used whenever neither
// side of a transfer declares a preferred currency.
const NativeCurrency = "PES"

// Account is the local mirror of one settlement-capable identity on the
// remote ledger. MirroredBalance is a best-effort copy of ledger state and is
// only ever written by the settlement orchestrator after a confirmed transfer.
type Account struct {
	AccountID         string          `json:"account_id"`
	PreferredCurrency string          `json:"preferred_currency"`
	IsActive          bool            `json:"is_active"`
	SigningCredential string          `json:"-"`
	MirroredBalance   decimal.Decimal `json:"mirrored_balance"`
	CreatedAt         time.Time       `json:"created_at"`
}

// TxType marks a transaction's direction relative to the queried account.
type TxType string

const (
	TxSend    TxType = "SEND"
	TxReceive TxType = "RECEIVE"
)

// Transaction is an immutable transfer record as observed from the ledger.
type Transaction struct {
	TransactionID string          `json:"transaction_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Time          time.Time       `json:"time"`
	Memo          string          `json:"memo,omitempty"`
	Type          TxType          `json:"type"`
}

// BalanceLine is one currency position reported by the ledger for an account.
type BalanceLine struct {
	Code   string          `json:"code"`
	Amount decimal.Decimal `json:"amount"`
}

// Quote is a time-boxed conversion offer. It is a derived, stateless token:
// the quote ID embeds the creation instant so expiry can be recomputed
// without a lookup, and no quote is ever persisted.
type Quote struct {
	QuoteID      string          `json:"quote_id"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// SettlementRequest is the payload from the client.
type SettlementRequest struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo,omitempty"`
	FromCurrency  string          `json:"from_currency,omitempty"`
	ToCurrency    string          `json:"to_currency,omitempty"`
	QuoteID       string          `json:"quote_id,omitempty"`
}

// Settlement status values.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Failure codes carried in SettlementResult.Code. Callers must treat
// Status != SUCCESS as the only reliable failure signal; Message is advisory.
const (
	CodeAccountNotFound       = "AccountNotFound"
	CodeAccountInactive       = "AccountInactive"
	CodeInvalidRequest        = "InvalidRequest"
	CodeConversionUnavailable = "ConversionUnavailable"
	CodeMalformedQuoteID      = "MalformedQuoteId"
	CodeQuoteExpired          = "QuoteExpired"
	CodeInsufficientFunds     = "InsufficientFunds"
	CodeLedgerFailure         = "LedgerFailure"
)

// SettlementResult is the structured outcome of one settlement attempt.
// Business failures are reported here, never as Go errors past the
// orchestrator boundary.
type SettlementResult struct {
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message"`
}

// Succeeded reports whether the settlement completed on the ledger.
func (r *SettlementResult) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}
