package money

import (
	"encoding/json"
	"testing"
)

var (
	xaf  = MustCurrency("XAF")
	usd  = MustCurrency("USD")
	usdt = MustCurrency("USDT-BSC")
)

func TestFromMajor(t *testing.T) {
	tests := []struct {
		name       string
		currency   Currency
		major      string
		wantAtomic int64
		wantErr    bool
	}{
		// XAF (0 decimals)
		{"XAF 2070", xaf, "2070", 2070, false},
		{"XAF 50000", xaf, "50000", 50000, false},
		{"XAF rounds fraction", xaf, "2070.6", 2071, false},

		// USD (2 decimals)
		{"USD 4", usd, "4", 400, false},
		{"USD 10.50", usd, "10.50", 1050, false},
		{"USD 0.01", usd, "0.01", 1, false},
		{"USD -5.25", usd, "-5.25", -525, false},
		{"USD rounding up", usd, "10.555", 1056, false},
		{"USD rounding down", usd, "10.554", 1055, false},

		// USDT-BSC (6 decimals)
		{"USDT 1.5", usdt, "1.5", 1500000, false},
		{"USDT 0.000001", usdt, "0.000001", 1, false},

		// Errors
		{"two dots", usd, "10.50.30", 0, true},
		{"not a number", usd, "abc", 0, true},
		{"empty", usd, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromMajor(tt.currency, tt.major)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromMajor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got.Atomic != tt.wantAtomic {
				t.Errorf("FromMajor() atomic = %v, want %v", got.Atomic, tt.wantAtomic)
			}
		})
	}
}

func TestToMajor(t *testing.T) {
	tests := []struct {
		name string
		m    Money
		want string
	}{
		{"XAF whole", New(xaf, 2070), "2070"},
		{"USD cents", New(usd, 1050), "10.50"},
		{"USD sub-dollar", New(usd, 5), "0.05"},
		{"USD negative", New(usd, -525), "-5.25"},
		{"USDT micro", New(usdt, 1500000), "1.500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.ToMajor(); got != tt.want {
				t.Errorf("ToMajor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddSub(t *testing.T) {
	a := New(xaf, 1000)
	b := New(xaf, 250)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if sum.Atomic != 1250 {
		t.Errorf("Add() = %d, want 1250", sum.Atomic)
	}

	diff, err := a.Sub(b)
	if err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if diff.Atomic != 750 {
		t.Errorf("Sub() = %d, want 750", diff.Atomic)
	}

	if _, err := a.Add(New(usd, 1)); err != ErrCurrencyMismatch {
		t.Errorf("Add() cross-currency error = %v, want ErrCurrencyMismatch", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := New(usd, 400)

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded Money
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded.Currency.Code != "USD" || decoded.Atomic != 400 {
		t.Errorf("round trip = %+v, want USD/400", decoded)
	}

	if err := json.Unmarshal([]byte(`{"currency":"ZZZ","atomic":1}`), &decoded); err == nil {
		t.Error("Unmarshal() accepted unknown currency")
	}
}

func TestCurrencyClass(t *testing.T) {
	tests := []struct {
		code string
		want BalanceClass
	}{
		{"XAF", ClassFiat},
		{"XOF", ClassFiat},
		{"KES", ClassFiat},
		{"USD", ClassUSD},
		{"BTC", ClassUSD},
		{"USDT-BSC", ClassUSD},
	}
	for _, tt := range tests {
		if got := MustCurrency(tt.code).Class(); got != tt.want {
			t.Errorf("Class(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestIsStablecoin(t *testing.T) {
	if !IsStablecoin("USDT-BSC") || !IsStablecoin("usdt-sol") {
		t.Error("USDT variants should be stablecoins")
	}
	if IsStablecoin("BTC") || IsStablecoin("XAF") {
		t.Error("BTC/XAF are not stablecoins")
	}
}
