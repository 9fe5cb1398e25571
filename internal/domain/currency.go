package domain

import "strings"

// ResolveCurrencies applies the currency resolution order shared by quote
// generation and settlement: an explicit code wins, otherwise the account's
// preferred currency, otherwise the ledger's native unit. Quote and
// settlement must resolve identically or a quote obtained earlier would not
// apply at settlement time.
func ResolveCurrencies(from, to *Account, fromCurrency, toCurrency string) (string, string) {
	return resolveOne(fromCurrency, from), resolveOne(toCurrency, to)
}

func resolveOne(explicit string, acct *Account) string {
	if c := normalizeCurrency(explicit); c != "" {
		return c
	}
	if acct != nil {
		if c := normalizeCurrency(acct.PreferredCurrency); c != "" {
			return c
		}
	}
	return NativeCurrency
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
