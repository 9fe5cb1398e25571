package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tmakonnen/pesawire/internal/confirm"
	"github.com/tmakonnen/pesawire/internal/domain"
	"github.com/tmakonnen/pesawire/internal/mirror"
	"github.com/tmakonnen/pesawire/internal/quote"
	"github.com/tmakonnen/pesawire/internal/rates"
	"github.com/tmakonnen/pesawire/internal/settle"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pesawire_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pesawire_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Handler serves the mobile client's API surface.
type Handler struct {
	mirror   mirror.Store
	settler  *settle.Service
	quotes   *quote.Service
	watchers *confirm.Manager
	log      *zap.Logger
}

// NewHandler wires the HTTP layer.
func NewHandler(m mirror.Store, s *settle.Service, q *quote.Service, w *confirm.Manager, log *zap.Logger) *Handler {
	return &Handler{mirror: m, settler: s, quotes: q, watchers: w, log: log}
}

// HealthCheckHandler reports liveness.
func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondData(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

type quoteRequest struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	FromCurrency  string          `json:"from_currency,omitempty"`
	ToCurrency    string          `json:"to_currency,omitempty"`
}

// CreateQuoteHandler issues a time-boxed conversion quote.
func (h *Handler) CreateQuoteHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/quotes"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body", "POST", endpoint)
		return
	}
	if req.Amount.Sign() <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, domain.CodeInvalidRequest, "amount must be positive", "POST", endpoint)
		return
	}

	from, err := h.mirror.GetByAccountID(r.Context(), req.FromAccountID)
	if err != nil {
		h.respondMirrorErr(w, err, "POST", endpoint)
		return
	}
	to, err := h.mirror.GetByAccountID(r.Context(), req.ToAccountID)
	if err != nil {
		h.respondMirrorErr(w, err, "POST", endpoint)
		return
	}

	q, err := h.quotes.Generate(r.Context(), from, to, req.Amount, req.FromCurrency, req.ToCurrency)
	if err != nil {
		if errors.Is(err, rates.ErrUnavailable) {
			h.respondError(w, http.StatusServiceUnavailable, domain.CodeConversionUnavailable, "currency conversion unavailable", "POST", endpoint)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "InternalError", "quote generation failed", "POST", endpoint)
		return
	}
	h.respondData(w, http.StatusCreated, q, "POST", endpoint)
}

// QuoteValidityHandler checks a quote ID's expiry.
func (h *Handler) QuoteValidityHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/quotes/{id}/validity"
	quoteID := mux.Vars(r)["id"]

	v, err := h.quotes.ValidateExpiry(quoteID)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, domain.CodeMalformedQuoteID, "quote id cannot be parsed", "GET", endpoint)
		return
	}
	h.respondData(w, http.StatusOK, v, "GET", endpoint)
}

// CreateSettlementHandler executes a transfer. An Idempotency-Key header is
// required; a replayed key returns the stored outcome with 200.
func (h *Handler) CreateSettlementHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/settlements"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "missing Idempotency-Key header", "POST", endpoint)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "InternalError", "stream read error", "POST", endpoint)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	var req domain.SettlementRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "malformed JSON body", "POST", endpoint)
		return
	}

	result, replayed, err := h.settler.Settle(r.Context(), req, idemKey, reqHash)
	if err != nil {
		switch {
		case errors.Is(err, mirror.ErrIdempotencyConflict):
			h.respondError(w, http.StatusConflict, "IdempotencyConflict", "request processing in progress", "POST", endpoint)
		case errors.Is(err, mirror.ErrIdempotencyMismatch):
			h.respondError(w, http.StatusUnprocessableEntity, "IdempotencyMismatch", "key reuse with mismatched payload", "POST", endpoint)
		default:
			h.log.Error("settlement failed", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "InternalError", "internal server error", "POST", endpoint)
		}
		return
	}

	status := settlementHTTPStatus(result, replayed)
	h.respondData(w, status, result, "POST", endpoint)
}

// GetBalanceHandler serves the cached read-through ledger balance.
func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	accountID := mux.Vars(r)["id"]

	lines, err := h.settler.CachedBalance(r.Context(), accountID)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, domain.CodeLedgerFailure, "ledger balance read failed", "GET", endpoint)
		return
	}
	h.respondData(w, http.StatusOK, lines, "GET", endpoint)
}

// GetTransactionsHandler serves cached transaction history.
func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/transactions"
	accountID := mux.Vars(r)["id"]

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 200 {
			h.respondError(w, http.StatusUnprocessableEntity, domain.CodeInvalidRequest, "limit must be 1-200", "GET", endpoint)
			return
		}
		limit = n
	}

	txs, err := h.settler.CachedHistory(r.Context(), accountID, limit)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, domain.CodeLedgerFailure, "ledger history read failed", "GET", endpoint)
		return
	}
	h.respondData(w, http.StatusOK, txs, "GET", endpoint)
}

// GetRevenueHandler serves the cached revenue aggregate for a period.
func (h *Handler) GetRevenueHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/revenue"
	accountID := mux.Vars(r)["id"]

	period, err := settle.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, domain.CodeInvalidRequest, "period must be daily, weekly, monthly or all", "GET", endpoint)
		return
	}

	summary, err := h.settler.Revenue(r.Context(), accountID, period)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, domain.CodeLedgerFailure, "ledger history read failed", "GET", endpoint)
		return
	}
	h.respondData(w, http.StatusOK, summary, "GET", endpoint)
}

type watchRequest struct {
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	Tolerance      decimal.Decimal `json:"tolerance,omitempty"`
	MemoContains   string          `json:"memo_contains,omitempty"`
	TimeoutMS      int64           `json:"timeout_ms,omitempty"`
	IntervalMS     int64           `json:"interval_ms,omitempty"`
}

type watchStatus struct {
	SessionID   string              `json:"session_id"`
	Status      confirm.Status      `json:"status"`
	RemainingMS int64               `json:"remaining_ms"`
	Match       *domain.Transaction `json:"match,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// StartWatchHandler opens a confirmation-poll session for incoming funds.
func (h *Handler) StartWatchHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/watch"
	accountID := mux.Vars(r)["id"]

	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, domain.CodeInvalidRequest, "malformed JSON body", "POST", endpoint)
		return
	}

	opts := confirm.Options{
		AccountID:      accountID,
		ExpectedAmount: req.ExpectedAmount,
		Tolerance:      req.Tolerance,
		MemoContains:   req.MemoContains,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		Interval:       time.Duration(req.IntervalMS) * time.Millisecond,
	}
	// The session outlives this request; it is bounded by its own countdown.
	sessionID, err := h.watchers.Start(context.WithoutCancel(r.Context()), opts)
	if err != nil {
		h.respondError(w, http.StatusUnprocessableEntity, domain.CodeInvalidRequest, "positive expected_amount required", "POST", endpoint)
		return
	}
	h.respondData(w, http.StatusCreated, watchStatus{
		SessionID:   sessionID,
		Status:      confirm.StatusPolling,
		RemainingMS: opts.Timeout.Milliseconds(),
	}, "POST", endpoint)
}

// WatchStatusHandler reports a session's state and countdown.
func (h *Handler) WatchStatusHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/watch/{id}"
	id := mux.Vars(r)["id"]

	watcher, ok := h.watchers.Get(id)
	if !ok {
		h.respondError(w, http.StatusNotFound, "SessionNotFound", "watch session not found", "GET", endpoint)
		return
	}
	status := watchStatus{
		SessionID:   id,
		Status:      watcher.Status(),
		RemainingMS: watcher.RemainingMS(),
		Match:       watcher.Match(),
	}
	if err := watcher.Err(); err != nil {
		status.Error = err.Error()
	}
	h.respondData(w, http.StatusOK, status, "GET", endpoint)
}

// CancelWatchHandler cancels and removes a session.
func (h *Handler) CancelWatchHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/watch/{id}"
	id := mux.Vars(r)["id"]

	if !h.watchers.Cancel(id) {
		h.respondError(w, http.StatusNotFound, "SessionNotFound", "watch session not found", "DELETE", endpoint)
		return
	}
	h.respondData(w, http.StatusOK, watchStatus{SessionID: id, Status: confirm.StatusCancelled}, "DELETE", endpoint)
}

func settlementHTTPStatus(res *domain.SettlementResult, replayed bool) int {
	if res.Succeeded() {
		if replayed {
			return http.StatusOK
		}
		return http.StatusCreated
	}
	switch res.Code {
	case domain.CodeAccountNotFound:
		return http.StatusNotFound
	case domain.CodeLedgerFailure:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) respondMirrorErr(w http.ResponseWriter, err error, method, endpoint string) {
	if errors.Is(err, mirror.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, domain.CodeAccountNotFound, "account not found", method, endpoint)
		return
	}
	h.log.Error("mirror lookup failed", zap.Error(err))
	h.respondError(w, http.StatusInternalServerError, "InternalError", "internal server error", method, endpoint)
}

// envelope is the {success, data|error} wrapper every endpoint returns.
type envelope struct {
	Success bool         `json:"success"`
	Data    interface{}  `json:"data,omitempty"`
	Error   *errorDetail `json:"error,omitempty"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) respondData(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	h.writeEnvelope(w, code, envelope{Success: code < 400, Data: payload}, method, endpoint)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, errCode, message, method, endpoint string) {
	h.writeEnvelope(w, code, envelope{Success: false, Error: &errorDetail{Code: errCode, Message: message}}, method, endpoint)
}

func (h *Handler) writeEnvelope(w http.ResponseWriter, code int, env envelope, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		h.log.Warn("response encode failed", zap.Error(err))
	}
}
