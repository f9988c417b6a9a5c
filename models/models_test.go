package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCoreRequestValidate(t *testing.T) {
	if err := (&CoreRequest{}).Validate(); err == nil {
		t.Error("empty request should be invalid")
	}
	if err := (&CoreRequest{Login: &LoginRequest{}}).Validate(); err != nil {
		t.Errorf("single variant should be valid: %v", err)
	}
	two := &CoreRequest{Login: &LoginRequest{}, Logout: &LogoutRequest{}}
	if err := two.Validate(); err == nil {
		t.Error("two variants should be invalid")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for status, terminal := range map[OrderStatus]bool{
		OrderStatusPending:  false,
		OrderStatusOpen:     false,
		OrderStatusFilled:   true,
		OrderStatusCanceled: true,
		OrderStatusRejected: true,
	} {
		if status.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v", status, status.Terminal())
		}
	}
}

func TestMarketInfoSymbolAndScaling(t *testing.T) {
	eth := MarketInfo{MarketID: 0, BaseAsset: "ETH", QuoteAsset: "USDC", PriceDecimals: 2, SizeDecimals: 6}
	if got := eth.Symbol(); got != "ETH-USDC LIGHTER Perpetual/USDC Crypto" {
		t.Errorf("symbol = %q", got)
	}
	if got := eth.PriceToInt(2000.00); got != 200000 {
		t.Errorf("PriceToInt = %d", got)
	}
	if got := eth.SizeToInt(0.01); got != 10000 {
		t.Errorf("SizeToInt = %d", got)
	}
	if got := eth.PriceFromInt(200000); got != 2000.00 {
		t.Errorf("PriceFromInt = %v", got)
	}

	// Rounding, not truncation.
	fart := MarketInfo{PriceDecimals: 5, SizeDecimals: 1}
	if got := fart.PriceToInt(1.234555); got != 123456 {
		t.Errorf("rounded price = %d", got)
	}
	if got := FallbackSymbol(42); got != "MARKET_42 LIGHTER Perpetual/USDC Crypto" {
		t.Errorf("fallback symbol = %q", got)
	}
}

func TestPriceLevelDecodesBothForms(t *testing.T) {
	var objs []PriceLevel
	if err := json.Unmarshal([]byte(`[{"price":"100.5","size":2},["99.5","3"]]`), &objs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if objs[0].Price != "100.5" || objs[0].Size != "2" {
		t.Errorf("object form = %+v", objs[0])
	}
	if objs[1].Price != "99.5" || objs[1].Size != "3" {
		t.Errorf("array form = %+v", objs[1])
	}
}

func TestVenueTradeTimeHeuristic(t *testing.T) {
	sec := VenueTrade{Timestamp: 1756700000}
	if got := sec.Time(); got.Year() != 2025 {
		t.Errorf("seconds timestamp decoded to %v", got)
	}
	ms := VenueTrade{Timestamp: 1756700000000}
	if got := ms.Time(); got.Year() != 2025 {
		t.Errorf("millis timestamp decoded to %v", got)
	}
	if zero := (VenueTrade{}).Time(); time.Since(zero) > time.Minute {
		t.Errorf("zero timestamp should default to now, got %v", zero)
	}
}

func TestAccountUpdateBalance(t *testing.T) {
	u := &AccountUpdate{Collateral: "1500.25", AvailableBalance: "100"}
	if v, ok := u.Balance(); !ok || v != 1500.25 {
		t.Errorf("balance = %v ok=%v", v, ok)
	}
	u = &AccountUpdate{AvailableBalance: "100"}
	if v, ok := u.Balance(); !ok || v != 100 {
		t.Errorf("fallback balance = %v ok=%v", v, ok)
	}
	if _, ok := (&AccountUpdate{Collateral: "junk"}).Balance(); ok {
		t.Error("unparsable balance should report ok=false")
	}
}
