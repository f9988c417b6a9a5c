package models

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderStatus tracks an order through its lifecycle. Filled, Canceled
// and Rejected are terminal.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusOpen     OrderStatus = "OPEN"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is the gateway's record of one trading-core order. The client
// order id is the immutable key; the venue order id is assigned once the
// venue accepts the transaction.
type Order struct {
	ClientOrderID  string      `json:"client_order_id"`
	VenueOrderID   string      `json:"venue_order_id,omitempty"`
	Symbol         string      `json:"symbol"`
	MarketID       int         `json:"market_id"`
	Side           Side        `json:"side"`
	Price          float64     `json:"price"`
	Quantity       float64     `json:"quantity"`
	FilledQuantity float64     `json:"filled_quantity"`
	OrderType      OrderType   `json:"order_type"`
	TimeInForce    TimeInForce `json:"time_in_force"`
	ReduceOnly     bool        `json:"reduce_only,omitempty"`
	PostOnly       bool        `json:"post_only,omitempty"`
	Account        string      `json:"account"`
	Trader         string      `json:"trader"`
	Status         OrderStatus `json:"status"`
}
