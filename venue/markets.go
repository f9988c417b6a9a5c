package venue

import "lightercpty/models"

// StaticMarkets returns the built-in market table used when the
// metadata endpoint is unreachable at login. Decimals here are venue
// facts; a wrong entry scales orders incorrectly, so the table only
// lists markets that were verified by hand.
func StaticMarkets() map[int]models.MarketInfo {
	return map[int]models.MarketInfo{
		20: {MarketID: 20, BaseAsset: "BERA", QuoteAsset: "USDC", PriceDecimals: 2, SizeDecimals: 6, MinOrderSize: 0.5},
		21: {MarketID: 21, BaseAsset: "FARTCOIN", QuoteAsset: "USDC", PriceDecimals: 5, SizeDecimals: 1, MinOrderSize: 0.1},
		24: {MarketID: 24, BaseAsset: "HYPE", QuoteAsset: "USDC", PriceDecimals: 2, SizeDecimals: 6, MinOrderSize: 0.1},
	}
}
