package confirm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/domain"
)

// Source is the transaction-history read path the watcher polls. It is an
// interface so a push-based confirmation channel can replace polling without
// touching callers.
type Source interface {
	History(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc func(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)

func (f SourceFunc) History(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	return f(ctx, accountID, limit)
}

// Status is the watcher's observable state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPolling   Status = "polling"
	StatusConfirmed Status = "confirmed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultInterval = 10 * time.Second
	historyLimit    = 50
)

// Options configures one receive-confirmation attempt.
type Options struct {
	AccountID      string
	ExpectedAmount decimal.Decimal
	// Tolerance defaults to max(0.01, 0.5% of the expected amount).
	Tolerance    decimal.Decimal
	MemoContains string
	Timeout      time.Duration
	Interval     time.Duration
}

var errBadOptions = errors.New("confirm: account id and positive expected amount required")

// Watcher repeatedly queries an account's history until an incoming
// transaction matching the expected amount (and optional memo substring)
// appears, the time budget runs out, or it is cancelled. Query errors are
// transient: the first one is recorded and surfaced, polling continues.
type Watcher struct {
	source Source
	log    *zap.Logger
	nowFn  func() time.Time

	mu       sync.Mutex
	status   Status
	opts     Options
	deadline time.Time
	cancelFn context.CancelFunc
	firstErr error
	match    *domain.Transaction
}

// New constructs an idle watcher.
func New(source Source, log *zap.Logger) *Watcher {
	return &Watcher{
		source: source,
		log:    log,
		nowFn:  time.Now,
		status: StatusIdle,
	}
}

// Start arms the countdown and polling interval. It is a no-op while a poll
// is already running. Invalid options park the watcher in the error state,
// the only case where error is terminal.
func (w *Watcher) Start(ctx context.Context, opts Options) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusPolling {
		return nil
	}
	if strings.TrimSpace(opts.AccountID) == "" || opts.ExpectedAmount.Sign() <= 0 {
		w.status = StatusError
		return errBadOptions
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Tolerance.Sign() <= 0 {
		opts.Tolerance = defaultTolerance(opts.ExpectedAmount)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.opts = opts
	w.status = StatusPolling
	w.deadline = w.nowFn().Add(opts.Timeout)
	w.cancelFn = cancel
	w.firstErr = nil
	w.match = nil

	go w.run(runCtx, cancel)
	return nil
}

// Cancel stops an active poll.
func (w *Watcher) Cancel() {
	w.mu.Lock()
	cancel := w.cancelFn
	if w.status == StatusPolling {
		w.status = StatusCancelled
	}
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status reports the current state.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// RemainingMS reports the countdown left for UI display, zero once terminal.
func (w *Watcher) RemainingMS() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusPolling {
		return 0
	}
	rem := w.deadline.Sub(w.nowFn())
	if rem < 0 {
		return 0
	}
	return rem.Milliseconds()
}

// Match returns the confirming transaction once status is confirmed.
func (w *Watcher) Match() *domain.Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.match
}

// Err returns the first query error observed during this poll, if any.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.firstErr
}

// Deadline reports when the current or last poll's budget expires.
func (w *Watcher) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

func (w *Watcher) run(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	w.mu.Lock()
	opts := w.opts
	deadline := w.deadline
	w.mu.Unlock()

	// Check once immediately: the expected transaction may predate the watch.
	if w.poll(ctx, opts) {
		return
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()
	expire := time.NewTimer(time.Until(deadline))
	defer expire.Stop()

	for {
		select {
		case <-ctx.Done():
			w.transition(StatusCancelled)
			return
		case <-expire.C:
			w.transition(StatusTimeout)
			return
		case <-ticker.C:
			if w.poll(ctx, opts) {
				return
			}
		}
	}
}

// poll runs one history query and reports whether polling should stop.
func (w *Watcher) poll(ctx context.Context, opts Options) bool {
	txs, err := w.source.History(ctx, opts.AccountID, historyLimit)
	if err != nil {
		w.recordErr(opts.AccountID, err)
		return false
	}
	for i := range txs {
		if w.matches(&txs[i], opts) {
			w.confirm(&txs[i])
			return true
		}
	}
	return false
}

func (w *Watcher) matches(tx *domain.Transaction, opts Options) bool {
	if tx.To != opts.AccountID && tx.Type != domain.TxReceive {
		return false
	}
	if tx.Amount.Sub(opts.ExpectedAmount).Abs().GreaterThan(opts.Tolerance) {
		return false
	}
	if opts.MemoContains != "" && !strings.Contains(tx.Memo, opts.MemoContains) {
		return false
	}
	return true
}

func (w *Watcher) confirm(tx *domain.Transaction) {
	w.mu.Lock()
	if w.status == StatusPolling {
		w.status = StatusConfirmed
		w.match = tx
	}
	w.mu.Unlock()
}

func (w *Watcher) transition(to Status) {
	w.mu.Lock()
	if w.status == StatusPolling {
		w.status = to
	}
	w.mu.Unlock()
}

// recordErr keeps only the first error so a flapping backend does not flood
// logs or the caller; polling keeps going regardless.
func (w *Watcher) recordErr(accountID string, err error) {
	w.mu.Lock()
	first := w.firstErr == nil
	if first {
		w.firstErr = err
	}
	w.mu.Unlock()
	if first {
		w.log.Warn("confirmation poll query failed, will keep polling",
			zap.String("account_id", accountID), zap.Error(err))
	}
}

func defaultTolerance(expected decimal.Decimal) decimal.Decimal {
	floor := decimal.NewFromFloat(0.01)
	half := expected.Mul(decimal.NewFromFloat(0.005))
	if half.GreaterThan(floor) {
		return half
	}
	return floor
}
