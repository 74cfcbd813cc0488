package money

import (
	"fmt"
	"strings"
)

// Currency describes a supported currency or token with its minor-unit scale.
type Currency struct {
	Code     string // ISO-like code (XAF, USD, USDT-BSC, ...)
	Decimals uint8  // Number of minor-unit digits
	Crypto   bool   // True for on-chain assets settled through the crypto processor
}

// BalanceClass identifies which spendable balance a currency settles into.
type BalanceClass string

const (
	// ClassFiat settles into the XAF spendable balance.
	ClassFiat BalanceClass = "fiat"
	// ClassUSD settles into the crypto-side USD balance.
	ClassUSD BalanceClass = "usd"
)

// registry holds every currency the engine accepts. Fiat codes beyond XAF are
// reserved for aggregator coverage; crypto codes are the processor's pay
// currencies.
var registry = map[string]Currency{
	"XAF": {Code: "XAF", Decimals: 0},
	"XOF": {Code: "XOF", Decimals: 0},
	"GNF": {Code: "GNF", Decimals: 0},
	"CDF": {Code: "CDF", Decimals: 2},
	"KES": {Code: "KES", Decimals: 2},
	"USD": {Code: "USD", Decimals: 2},

	"BTC":      {Code: "BTC", Decimals: 8, Crypto: true},
	"LTC":      {Code: "LTC", Decimals: 8, Crypto: true},
	"XRP":      {Code: "XRP", Decimals: 6, Crypto: true},
	"TRX":      {Code: "TRX", Decimals: 6, Crypto: true},
	"USDT-SOL": {Code: "USDT-SOL", Decimals: 6, Crypto: true},
	"USDT-BSC": {Code: "USDT-BSC", Decimals: 6, Crypto: true},
	"BNB-BSC":  {Code: "BNB-BSC", Decimals: 8, Crypto: true},
}

// stablecoins are USD-pegged pay currencies; estimates from USD short-circuit 1:1.
var stablecoins = map[string]bool{
	"USDT-SOL": true,
	"USDT-BSC": true,
}

// GetCurrency looks up a currency by code (case-insensitive).
func GetCurrency(code string) (Currency, error) {
	c, ok := registry[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, fmt.Errorf("money: unknown currency %q", code)
	}
	return c, nil
}

// MustCurrency looks up a currency and panics on unknown codes.
// Intended for package-level declarations and tests.
func MustCurrency(code string) Currency {
	c, err := GetCurrency(code)
	if err != nil {
		panic(err)
	}
	return c
}

// IsSupported reports whether a currency code is known to the engine.
func IsSupported(code string) bool {
	_, err := GetCurrency(code)
	return err == nil
}

// IsStablecoin reports whether the code is a USD-pegged pay currency.
func IsStablecoin(code string) bool {
	return stablecoins[strings.ToUpper(strings.TrimSpace(code))]
}

// Class returns the balance class this currency settles into.
// USD and every crypto asset accrue to the USD balance; everything else is fiat.
func (c Currency) Class() BalanceClass {
	if c.Crypto || c.Code == "USD" {
		return ClassUSD
	}
	return ClassFiat
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return c.Code
}
