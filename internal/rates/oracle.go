package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable indicates the upstream rate source could not produce a rate
// for the requested pair.
var ErrUnavailable = errors.New("rates: conversion unavailable")

// Conversion is the oracle's answer for one (from, to, amount) request.
type Conversion struct {
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// Oracle resolves a conversion between two currency codes at call time.
type Oracle interface {
	Convert(ctx context.Context, from, to string, amount decimal.Decimal) (*Conversion, error)
}

// HTTPOracle fetches rates from a REST rate source.
type HTTPOracle struct {
	baseURL string
	http    *http.Client
}

// NewHTTPOracle constructs an oracle client against the given base URL.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 8 * time.Second,
		},
	}
}

func (o *HTTPOracle) Convert(ctx context.Context, from, to string, amount decimal.Decimal) (*Conversion, error) {
	// Same-currency conversion short-circuits at rate 1 so callers never
	// depend on the upstream supporting identity pairs.
	if from == to {
		return &Conversion{FromAmount: amount, ToAmount: amount, ExchangeRate: decimal.NewFromInt(1)}, nil
	}

	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("amount", amount.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/convert?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status=%d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		FromAmount string `json:"from_amount"`
		ToAmount   string `json:"to_amount"`
		Rate       string `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	fromAmt, err := decimal.NewFromString(body.FromAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad from_amount %q", ErrUnavailable, body.FromAmount)
	}
	toAmt, err := decimal.NewFromString(body.ToAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad to_amount %q", ErrUnavailable, body.ToAmount)
	}
	rate, err := decimal.NewFromString(body.Rate)
	if err != nil {
		return nil, fmt.Errorf("%w: bad rate %q", ErrUnavailable, body.Rate)
	}
	if rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive rate %s for %s/%s", ErrUnavailable, rate, from, to)
	}
	return &Conversion{FromAmount: fromAmt, ToAmount: toAmt, ExchangeRate: rate}, nil
}
