package models

import (
	"fmt"
	"math"
)

// VenueName identifies the venue in symbols and request filters.
const VenueName = "LIGHTER"

// MarketInfo describes one tradable market on the venue: the integer
// market id, the asset pair and the fixed-point scaling the venue uses
// for prices and sizes. Decimals vary per market and must always be
// taken from this table, never assumed.
type MarketInfo struct {
	MarketID      int     `json:"market_id"`
	BaseAsset     string  `json:"base_asset"`
	QuoteAsset    string  `json:"quote_asset"`
	PriceDecimals int     `json:"price_decimals"`
	SizeDecimals  int     `json:"size_decimals"`
	MinOrderSize  float64 `json:"min_order_size"`
}

// Symbol derives the venue-neutral symbol string for the market.
func (m MarketInfo) Symbol() string {
	quote := m.QuoteAsset
	if quote == "" {
		quote = "USDC"
	}
	return fmt.Sprintf("%s-%s %s Perpetual/%s Crypto", m.BaseAsset, quote, VenueName, quote)
}

// FallbackSymbol names a market whose metadata is unknown.
func FallbackSymbol(marketID int) string {
	return fmt.Sprintf("MARKET_%d %s Perpetual/USDC Crypto", marketID, VenueName)
}

// ScaleUp converts a human readable value into the venue's fixed-point
// integer representation for the given decimal count.
func ScaleUp(v float64, decimals int) int64 {
	return int64(math.Round(v * math.Pow10(decimals)))
}

// ScaleDown is the inverse of ScaleUp.
func ScaleDown(v int64, decimals int) float64 {
	return float64(v) / math.Pow10(decimals)
}

// PriceToInt converts a decimal price into the venue representation for
// this market.
func (m MarketInfo) PriceToInt(p float64) int64 { return ScaleUp(p, m.PriceDecimals) }

// SizeToInt converts a decimal quantity into the venue representation
// for this market.
func (m MarketInfo) SizeToInt(q float64) int64 { return ScaleUp(q, m.SizeDecimals) }

// PriceFromInt converts a venue integer price back into decimal form.
func (m MarketInfo) PriceFromInt(p int64) float64 { return ScaleDown(p, m.PriceDecimals) }

// SizeFromInt converts a venue integer quantity back into decimal form.
func (m MarketInfo) SizeFromInt(q int64) float64 { return ScaleDown(q, m.SizeDecimals) }
