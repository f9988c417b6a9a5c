package models

import (
	"fmt"
	"time"
)

// CoreRequest is the envelope for messages arriving from the trading core.
// Exactly one of the variant fields is set per message.
type CoreRequest struct {
	Login               *LoginRequest               `json:"login,omitempty"`
	Logout              *LogoutRequest              `json:"logout,omitempty"`
	PlaceOrder          *PlaceOrderRequest          `json:"place_order,omitempty"`
	CancelOrder         *CancelOrderRequest         `json:"cancel_order,omitempty"`
	CancelAllOrders     *CancelAllOrdersRequest     `json:"cancel_all_orders,omitempty"`
	ReconcileOpenOrders *ReconcileOpenOrdersRequest `json:"reconcile_open_orders,omitempty"`
}

// Validate checks that exactly one request variant is present.
func (r *CoreRequest) Validate() error {
	n := 0
	if r.Login != nil {
		n++
	}
	if r.Logout != nil {
		n++
	}
	if r.PlaceOrder != nil {
		n++
	}
	if r.CancelOrder != nil {
		n++
	}
	if r.CancelAllOrders != nil {
		n++
	}
	if r.ReconcileOpenOrders != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("core request must carry exactly one variant, got %d", n)
	}
	return nil
}

type LoginRequest struct {
	Trader  string `json:"trader"`
	Account string `json:"account"`
}

type LogoutRequest struct{}

type PlaceOrderRequest struct {
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	OrderType     OrderType   `json:"order_type"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	ReduceOnly    bool        `json:"reduce_only,omitempty"`
	PostOnly      bool        `json:"post_only,omitempty"`
}

type CancelOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
}

// CancelAllOrdersRequest carries optional filters; empty fields match
// every tracked order.
type CancelAllOrdersRequest struct {
	Account string `json:"account,omitempty"`
	Venue   string `json:"venue,omitempty"`
	Trader  string `json:"trader,omitempty"`
}

type ReconcileOpenOrdersRequest struct{}

// Notification is the envelope for messages pushed back to the trading
// core. Exactly one of the variant fields is set per message.
type Notification struct {
	LoginResult    *LoginResult    `json:"login_result,omitempty"`
	OrderAck       *OrderAck       `json:"order_ack,omitempty"`
	OrderReject    *OrderReject    `json:"order_reject,omitempty"`
	CancelReject   *CancelReject   `json:"cancel_reject,omitempty"`
	Fill           *Fill           `json:"fill,omitempty"`
	AccountSummary *AccountSummary `json:"account_summary,omitempty"`
	OpenOrders     *OpenOrders     `json:"open_orders,omitempty"`
}

// LoginResult reports the outcome of a login or logout attempt to the
// requesting connection only.
type LoginResult struct {
	Trader   string `json:"trader"`
	Account  string `json:"account"`
	Success  bool   `json:"success"`
	LoggedIn bool   `json:"logged_in"`
	Message  string `json:"message,omitempty"`
}

type OrderAck struct {
	ClientOrderID string `json:"client_order_id"`
	VenueOrderID  string `json:"venue_order_id"`
}

// RejectReason is a machine readable classification of an order or
// cancel rejection.
type RejectReason string

const (
	RejectNotLoggedIn    RejectReason = "not_logged_in"
	RejectUnknownSymbol  RejectReason = "unknown_symbol"
	RejectInvalidOrder   RejectReason = "invalid_order"
	RejectVenueReject    RejectReason = "venue_reject"
	RejectVenueTimeout   RejectReason = "venue_timeout"
	RejectOrderNotFound  RejectReason = "order_not_found"
	RejectNotCancelable  RejectReason = "not_cancelable"
	RejectDuplicateOrder RejectReason = "duplicate_order"
)

type OrderReject struct {
	ClientOrderID string       `json:"client_order_id"`
	Reason        RejectReason `json:"reason"`
	Message       string       `json:"message,omitempty"`
}

type CancelReject struct {
	ClientOrderID string       `json:"client_order_id"`
	Reason        RejectReason `json:"reason"`
	Message       string       `json:"message,omitempty"`
}

type Fill struct {
	VenueTradeID  string    `json:"venue_trade_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price"`
	Quantity      float64   `json:"quantity"`
	Fee           float64   `json:"fee"`
	FeeCurrency   string    `json:"fee_currency"`
	IsTaker       bool      `json:"is_taker"`
	TradeTime     time.Time `json:"trade_time"`
}

type Position struct {
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
}

// AccountSummary is a snapshot of balances by currency and positions by
// symbol, pushed whenever the venue reports an account update.
type AccountSummary struct {
	Account   string              `json:"account"`
	Timestamp time.Time           `json:"timestamp"`
	Balances  map[string]float64  `json:"balances"`
	Positions map[string]Position `json:"positions"`
}

// OpenOrders is the reconciliation snapshot of every order the gateway
// still tracks in a non-terminal state.
type OpenOrders struct {
	Orders []Order `json:"orders"`
}
