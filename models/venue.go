package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// VenueFrame is the envelope of every message received on the venue
// websocket. Payload fields vary by frame type; unused ones stay empty.
type VenueFrame struct {
	Type      string            `json:"type"`
	Channel   string            `json:"channel,omitempty"`
	Message   string            `json:"message,omitempty"`
	OrderBook *OrderBookPayload `json:"order_book,omitempty"`
	Trades    json.RawMessage   `json:"trades,omitempty"`
	Trade     json.RawMessage   `json:"trade,omitempty"`
	Data      json.RawMessage   `json:"data,omitempty"`
}

// SubscribeMessage is the control frame sent to manage venue channel
// subscriptions.
type SubscribeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

// PongMessage answers a server ping.
type PongMessage struct {
	Type string `json:"type"`
}

// PriceLevel is one (price, size) entry of an order book message. The
// venue publishes levels either as {"price":..., "size": ...} objects or
// as [price, size] pairs; both forms decode into string fields.
type PriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (l *PriceLevel) UnmarshalJSON(b []byte) error {
	var obj struct {
		Price interface{} `json:"price"`
		Size  interface{} `json:"size"`
	}
	if err := json.Unmarshal(b, &obj); err == nil && obj.Price != nil {
		l.Price = jsonScalarString(obj.Price)
		l.Size = jsonScalarString(obj.Size)
		return nil
	}

	var pair []interface{}
	if err := json.Unmarshal(b, &pair); err != nil {
		return err
	}
	if len(pair) >= 2 {
		l.Price = jsonScalarString(pair[0])
		l.Size = jsonScalarString(pair[1])
	}
	return nil
}

func jsonScalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case nil:
		return ""
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// OrderBookPayload carries the levels of a snapshot or delta and the
// venue's monotonic offset for the market.
type OrderBookPayload struct {
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
	Offset int64        `json:"offset"`
}

// VenueTrade is one executed trade as reported on the account or trade
// channels. Price and size arrive in human readable units.
type VenueTrade struct {
	TradeID      int64  `json:"trade_id"`
	MarketID     int    `json:"market_id"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	AskID        int64  `json:"ask_id"`
	BidID        int64  `json:"bid_id"`
	AskAccountID int64  `json:"ask_account_id"`
	BidAccountID int64  `json:"bid_account_id"`
	IsMakerAsk   bool   `json:"is_maker_ask"`
	TxHash       string `json:"tx_hash"`
	Timestamp    int64  `json:"timestamp"`
}

// Time converts the trade timestamp, which the venue reports in either
// seconds or milliseconds, into a time.Time.
func (t VenueTrade) Time() time.Time {
	if t.Timestamp == 0 {
		return time.Now()
	}
	if t.Timestamp > 1e10 {
		return time.UnixMilli(t.Timestamp)
	}
	return time.Unix(t.Timestamp, 0)
}

// VenuePosition is one open position embedded in an account update.
type VenuePosition struct {
	MarketID   int    `json:"market_id"`
	Quantity   string `json:"quantity"`
	EntryPrice string `json:"entry_price"`
}

// VenueOrder is the venue's view of one resting order, embedded in
// account updates.
type VenueOrder struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	FilledQuantity string `json:"filled_quantity"`
	AvgFillPrice   string `json:"avg_fill_price"`
	Price          string `json:"price"`
}

// AccountUpdate is the payload of account_all / account_market frames.
// Trades are keyed by market id; each value is the list of trades that
// occurred on that market since the previous update (or all trades, for
// the subscription snapshot).
type AccountUpdate struct {
	Channel          string                  `json:"channel"`
	Collateral       string                  `json:"collateral,omitempty"`
	AvailableBalance string                  `json:"available_balance,omitempty"`
	Positions        []VenuePosition         `json:"positions,omitempty"`
	Trades           map[string][]VenueTrade `json:"trades,omitempty"`
	Orders           map[string]VenueOrder   `json:"orders,omitempty"`
	TotalTradesCount int64                   `json:"total_trades_count,omitempty"`
	DailyTradesCount int64                   `json:"daily_trades_count,omitempty"`
}

// Balance returns the account balance reported by the update, preferring
// collateral over available balance, with ok=false when neither parses.
func (a *AccountUpdate) Balance() (float64, bool) {
	for _, raw := range []string{a.Collateral, a.AvailableBalance} {
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}
