package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tmakonnen/pesawire/internal/domain"
)

// TransferResult is the ledger's verdict on a transfer request. A FAILED
// status is a remote decline, not a transport error.
type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Client exposes the minimal remote-ledger surface the engine needs. The
// ledger is the single source of truth for balances and transfers; this
// client never retries a transfer on its own.
type Client interface {
	Transfer(ctx context.Context, fromID, fromCredential, toID string, amount decimal.Decimal, currency, memo string) (*TransferResult, error)
	GetBalance(ctx context.Context, accountID string) ([]domain.BalanceLine, error)
	GetHistory(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error)
}

// RPCClient is a lightweight JSON-RPC 2.0 client for the ledger node.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient constructs a client against the given node URL.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *RPCClient) Transfer(ctx context.Context, fromID, fromCredential, toID string, amount decimal.Decimal, currency, memo string) (*TransferResult, error) {
	params := map[string]interface{}{
		"from":       fromID,
		"credential": fromCredential,
		"to":         toID,
		"amount":     amount.String(),
		"currency":   currency,
		"memo":       memo,
	}
	var result TransferResult
	if err := c.call(ctx, "ledger_transfer", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, accountID string) ([]domain.BalanceLine, error) {
	params := map[string]interface{}{"account": accountID}
	var result struct {
		Balances []struct {
			Code   string `json:"code"`
			Amount string `json:"amount"`
		} `json:"balances"`
	}
	if err := c.call(ctx, "ledger_getBalance", params, &result); err != nil {
		return nil, err
	}
	lines := make([]domain.BalanceLine, 0, len(result.Balances))
	for _, b := range result.Balances {
		amt, err := decimal.NewFromString(b.Amount)
		if err != nil {
			return nil, fmt.Errorf("ledger balance %s: bad amount %q: %w", b.Code, b.Amount, err)
		}
		lines = append(lines, domain.BalanceLine{Code: b.Code, Amount: amt})
	}
	return lines, nil
}

func (c *RPCClient) GetHistory(ctx context.Context, accountID string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	params := map[string]interface{}{"account": accountID, "limit": limit}
	var result struct {
		Transactions []struct {
			ID       string `json:"id"`
			From     string `json:"from"`
			To       string `json:"to"`
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
			Time     int64  `json:"time"`
			Memo     string `json:"memo"`
		} `json:"transactions"`
	}
	if err := c.call(ctx, "ledger_getHistory", params, &result); err != nil {
		return nil, err
	}
	txs := make([]domain.Transaction, 0, len(result.Transactions))
	for _, t := range result.Transactions {
		amt, err := decimal.NewFromString(t.Amount)
		if err != nil {
			return nil, fmt.Errorf("ledger tx %s: bad amount %q: %w", t.ID, t.Amount, err)
		}
		tx := domain.Transaction{
			TransactionID: t.ID,
			From:          t.From,
			To:            t.To,
			Amount:        amt,
			Currency:      t.Currency,
			Time:          time.Unix(t.Time, 0).UTC(),
			Memo:          t.Memo,
			Type:          domain.TxSend,
		}
		if t.To == accountID {
			tx.Type = domain.TxReceive
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
