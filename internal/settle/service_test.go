package settle

import (
	"context"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/cache"
	"github.com/tmakonnen/pesawire/internal/domain"
	"github.com/tmakonnen/pesawire/internal/ledger"
	"github.com/tmakonnen/pesawire/internal/mirror"
	"github.com/tmakonnen/pesawire/internal/quote"
	"github.com/tmakonnen/pesawire/internal/rates"
)

type fakeMirror struct {
	accounts    map[string]*domain.Account
	adjustCalls int
	adjustFrom  string
	adjustTo    string
	adjustAmt   decimal.Decimal
	stored      map[string]*mirror.IdempotencyRecord
	finalized   map[string][]byte
}

func newFakeMirror(accounts ...*domain.Account) *fakeMirror {
	m := &fakeMirror{
		accounts:  make(map[string]*domain.Account),
		stored:    make(map[string]*mirror.IdempotencyRecord),
		finalized: make(map[string][]byte),
	}
	for _, a := range accounts {
		m.accounts[a.AccountID] = a
	}
	return m
}

func (m *fakeMirror) GetByAccountID(_ context.Context, id string) (*domain.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, mirror.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *fakeMirror) Create(_ context.Context, a *domain.Account) error {
	m.accounts[a.AccountID] = a
	return nil
}

func (m *fakeMirror) Deactivate(_ context.Context, id string) error {
	a, ok := m.accounts[id]
	if !ok {
		return mirror.ErrNotFound
	}
	a.IsActive = false
	return nil
}

func (m *fakeMirror) AdjustBalances(_ context.Context, fromID, toID string, amount decimal.Decimal) error {
	m.adjustCalls++
	m.adjustFrom, m.adjustTo, m.adjustAmt = fromID, toID, amount
	m.accounts[fromID].MirroredBalance = m.accounts[fromID].MirroredBalance.Sub(amount)
	m.accounts[toID].MirroredBalance = m.accounts[toID].MirroredBalance.Add(amount)
	return nil
}

func (m *fakeMirror) ReserveIdempotencyKey(_ context.Context, key, hash string) (*mirror.IdempotencyRecord, error) {
	if rec, ok := m.stored[key]; ok {
		if rec.RequestHash != hash {
			return nil, mirror.ErrIdempotencyMismatch
		}
		if rec.Status != "completed" {
			return nil, mirror.ErrIdempotencyConflict
		}
		return rec, nil
	}
	m.stored[key] = &mirror.IdempotencyRecord{Key: key, RequestHash: hash, Status: "in_progress"}
	return nil, nil
}

func (m *fakeMirror) FinalizeIdempotencyKey(_ context.Context, key string, result []byte) error {
	m.finalized[key] = result
	if rec, ok := m.stored[key]; ok {
		rec.Status = "completed"
		rec.Result = result
	}
	return nil
}

type fakeLedger struct {
	balances      map[string][]domain.BalanceLine
	history       map[string][]domain.Transaction
	balanceCalls  int
	historyCalls  int
	transferCalls int
	transferRes   *ledger.TransferResult
	transferErr   error
}

func (l *fakeLedger) Transfer(_ context.Context, _, _, _ string, _ decimal.Decimal, _, _ string) (*ledger.TransferResult, error) {
	l.transferCalls++
	if l.transferErr != nil {
		return nil, l.transferErr
	}
	if l.transferRes != nil {
		return l.transferRes, nil
	}
	return &ledger.TransferResult{TransactionID: "tx-1", Status: domain.StatusSuccess}, nil
}

func (l *fakeLedger) GetBalance(_ context.Context, accountID string) ([]domain.BalanceLine, error) {
	l.balanceCalls++
	return l.balances[accountID], nil
}

func (l *fakeLedger) GetHistory(_ context.Context, accountID string, _ int) ([]domain.Transaction, error) {
	l.historyCalls++
	return l.history[accountID], nil
}

type fakeOracle struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (o *fakeOracle) Convert(_ context.Context, _, _ string, amount decimal.Decimal) (*rates.Conversion, error) {
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return &rates.Conversion{
		FromAmount:   amount,
		ToAmount:     amount.Mul(o.rate),
		ExchangeRate: o.rate,
	}, nil
}

type fixture struct {
	svc    *Service
	mirror *fakeMirror
	ledger *fakeLedger
	oracle *fakeOracle
	mem    *cache.Memory
	cache  *cache.Accounts
}

func newFixture(accounts ...*domain.Account) *fixture {
	m := newFakeMirror(accounts...)
	l := &fakeLedger{
		balances: make(map[string][]domain.BalanceLine),
		history:  make(map[string][]domain.Transaction),
	}
	o := &fakeOracle{rate: decimal.NewFromInt(1)}
	mem := cache.NewMemory()
	acctCache := cache.NewAccounts(mem, zap.NewNop())
	quotes := quote.NewService(o, zap.NewNop())
	return &fixture{
		svc:    NewService(m, l, o, quotes, acctCache, zap.NewNop()),
		mirror: m,
		ledger: l,
		oracle: o,
		mem:    mem,
		cache:  acctCache,
	}
}

func activeAccount(id, currency string, balance int64) *domain.Account {
	return &domain.Account{
		AccountID:         id,
		PreferredCurrency: currency,
		IsActive:          true,
		SigningCredential: "cred-" + id,
		MirroredBalance:   decimal.NewFromInt(balance),
	}
}

func pes(amount int64) []domain.BalanceLine {
	return []domain.BalanceLine{{Code: "PES", Amount: decimal.NewFromInt(amount)}}
}

func settleReq(from, to string, amount int64) domain.SettlementRequest {
	return domain.SettlementRequest{
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        decimal.NewFromInt(amount),
	}
}

func TestSettleSuccessUpdatesMirrorAndClearsCache(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	f.ledger.balances["X"] = pes(100)
	f.ledger.balances["Y"] = pes(0)
	ctx := context.Background()

	// Warm the read-through entries the settlement must clear.
	_, err := f.svc.CachedBalance(ctx, "X")
	require.NoError(t, err)
	_, err = f.svc.CachedHistory(ctx, "Y", 50)
	require.NoError(t, err)
	warmBalKey := f.cache.Key(cache.NSBalance, "X", "all")
	warmHistKey := f.cache.Key(cache.NSHistory, "Y", "limit=50")

	res, replayed, err := f.svc.Settle(ctx, settleReq("X", "Y", 50), "key-1", "hash-1")
	require.NoError(t, err)
	require.False(t, replayed)
	require.True(t, res.Succeeded())
	require.Equal(t, "tx-1", res.TransactionID)

	require.Equal(t, 1, f.mirror.adjustCalls)
	require.Equal(t, "X", f.mirror.adjustFrom)
	require.Equal(t, "Y", f.mirror.adjustTo)
	require.True(t, f.mirror.adjustAmt.Equal(decimal.NewFromInt(50)))
	require.True(t, f.mirror.accounts["X"].MirroredBalance.Equal(decimal.NewFromInt(50)))
	require.True(t, f.mirror.accounts["Y"].MirroredBalance.Equal(decimal.NewFromInt(50)))

	// Both participants' warm entries are gone before Settle returned.
	_, ok, _ := f.mem.Get(ctx, warmBalKey)
	require.False(t, ok)
	_, ok, _ = f.mem.Get(ctx, warmHistKey)
	require.False(t, ok)

	// Outcome stored for replay.
	require.Contains(t, f.mirror.finalized, "key-1")
}

func TestSettleSameAccountRejected(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100))

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "X", 10), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, res.Status)
	require.Equal(t, domain.CodeInvalidRequest, res.Code)
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleNonPositiveAmountRejected(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))

	for _, amt := range []int64{0, -5} {
		res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", amt), "k", "h")
		require.NoError(t, err)
		require.Equal(t, domain.CodeInvalidRequest, res.Code)
	}
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleUnknownAccount(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100))

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "ghost", 10), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeAccountNotFound, res.Code)
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleInactiveAccount(t *testing.T) {
	payee := activeAccount("Y", "PES", 0)
	payee.IsActive = false
	f := newFixture(activeAccount("X", "PES", 100), payee)

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", 10), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeAccountInactive, res.Code)
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleInsufficientFundsNoTransferIssued(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	// Mirror says 100 but the ledger is authoritative and says 30.
	f.ledger.balances["X"] = pes(30)
	f.ledger.balances["Y"] = pes(0)

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", 50), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeInsufficientFunds, res.Code)
	require.Zero(t, f.ledger.transferCalls)
	require.Zero(t, f.mirror.adjustCalls)
}

func TestSettleCrossCurrencyLiveConversion(t *testing.T) {
	f := newFixture(activeAccount("X", "USD", 200), activeAccount("Y", "EUR", 0))
	f.oracle.rate = decimal.NewFromFloat(0.92)
	f.ledger.balances["X"] = []domain.BalanceLine{{Code: "EUR", Amount: decimal.NewFromInt(100)}}
	f.ledger.balances["Y"] = nil

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", 100), "k", "h")
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	require.Equal(t, 1, f.oracle.calls)
	// 100 USD * 0.92 settles as 92 EUR on both legs.
	require.True(t, f.mirror.adjustAmt.Equal(decimal.NewFromInt(92)))
}

func TestSettleExpiredQuote(t *testing.T) {
	f := newFixture(activeAccount("X", "USD", 200), activeAccount("Y", "EUR", 0))
	f.ledger.balances["X"] = []domain.BalanceLine{{Code: "EUR", Amount: decimal.NewFromInt(1000)}}

	req := settleReq("X", "Y", 100)
	req.QuoteID = tokenCreatedAt(time.Now().Add(-71 * time.Second))

	res, _, err := f.svc.Settle(context.Background(), req, "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeQuoteExpired, res.Code)
	require.Zero(t, f.ledger.transferCalls)
	require.Zero(t, f.oracle.calls)
}

func TestSettleMalformedQuote(t *testing.T) {
	f := newFixture(activeAccount("X", "USD", 200), activeAccount("Y", "EUR", 0))

	req := settleReq("X", "Y", 100)
	req.QuoteID = "not-a-token"

	res, _, err := f.svc.Settle(context.Background(), req, "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeMalformedQuoteID, res.Code)
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleFreshQuoteAccepted(t *testing.T) {
	f := newFixture(activeAccount("X", "USD", 200), activeAccount("Y", "EUR", 0))
	f.oracle.rate = decimal.NewFromFloat(0.92)
	f.ledger.balances["X"] = []domain.BalanceLine{{Code: "EUR", Amount: decimal.NewFromInt(1000)}}

	req := settleReq("X", "Y", 100)
	req.QuoteID = tokenCreatedAt(time.Now().Add(-10 * time.Second))

	res, _, err := f.svc.Settle(context.Background(), req, "k", "h")
	require.NoError(t, err)
	require.True(t, res.Succeeded())
}

func TestSettleConversionUnavailable(t *testing.T) {
	f := newFixture(activeAccount("X", "USD", 200), activeAccount("Y", "EUR", 0))
	f.oracle.err = rates.ErrUnavailable

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", 100), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeConversionUnavailable, res.Code)
	require.Zero(t, f.ledger.transferCalls)
}

func TestSettleLedgerDeclineLeavesStateAlone(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	f.ledger.balances["X"] = pes(100)
	f.ledger.transferRes = &ledger.TransferResult{Status: domain.StatusFailed, Message: "sequence mismatch"}
	ctx := context.Background()

	_, err := f.svc.CachedBalance(ctx, "X")
	require.NoError(t, err)
	warmKey := f.cache.Key(cache.NSBalance, "X", "all")

	res, _, err := f.svc.Settle(ctx, settleReq("X", "Y", 50), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeLedgerFailure, res.Code)
	require.Equal(t, "sequence mismatch", res.Message)
	require.Zero(t, f.mirror.adjustCalls)

	// No invalidation on failure: the warm entry survives.
	_, ok, _ := f.mem.Get(ctx, warmKey)
	require.True(t, ok)
}

func TestSettleLedgerTransportError(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	f.ledger.balances["X"] = pes(100)
	f.ledger.transferErr = errors.New("dial tcp: connection refused")

	res, _, err := f.svc.Settle(context.Background(), settleReq("X", "Y", 50), "k", "h")
	require.NoError(t, err)
	require.Equal(t, domain.CodeLedgerFailure, res.Code)
	require.Zero(t, f.mirror.adjustCalls)
}

func TestSettleIdempotentReplay(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	f.ledger.balances["X"] = pes(100)
	ctx := context.Background()

	first, replayed, err := f.svc.Settle(ctx, settleReq("X", "Y", 50), "key-1", "hash-1")
	require.NoError(t, err)
	require.False(t, replayed)
	require.True(t, first.Succeeded())
	require.Equal(t, 1, f.ledger.transferCalls)

	second, replayed, err := f.svc.Settle(ctx, settleReq("X", "Y", 50), "key-1", "hash-1")
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, first.TransactionID, second.TransactionID)
	// The replay never reached the ledger or the mirror again.
	require.Equal(t, 1, f.ledger.transferCalls)
	require.Equal(t, 1, f.mirror.adjustCalls)
}

func TestSettleIdempotencyKeyMismatch(t *testing.T) {
	f := newFixture(activeAccount("X", "PES", 100), activeAccount("Y", "PES", 0))
	f.ledger.balances["X"] = pes(100)
	ctx := context.Background()

	_, _, err := f.svc.Settle(ctx, settleReq("X", "Y", 50), "key-1", "hash-1")
	require.NoError(t, err)

	_, _, err = f.svc.Settle(ctx, settleReq("X", "Y", 60), "key-1", "hash-other")
	require.ErrorIs(t, err, mirror.ErrIdempotencyMismatch)
}

// tokenCreatedAt builds a quote token with the given embedded creation
// instant, matching the documented wire format (version byte, unix millis,
// 16 bytes of entropy).
func tokenCreatedAt(created time.Time) string {
	raw := make([]byte, 25)
	raw[0] = 0x01
	binary.BigEndian.PutUint64(raw[1:9], uint64(created.UnixMilli()))
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
}
