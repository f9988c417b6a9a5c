package cpty

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lightercpty/logger"
	"lightercpty/models"
)

// The engine is the stream client's handler: venue events flow in
// here and come out as trading-core notifications.

func (e *Engine) OnConnected() {
	e.log.WithComponent("cpty").Info("venue stream connected")
}

func (e *Engine) OnDisconnected(err error) {
	// Order placement stays available during a feed outage; the REST
	// path is independent of the stream.
	e.log.WithComponent("cpty").WithError(err).Warn("venue stream disconnected")
}

func (e *Engine) OnError(err error) {
	e.log.WithComponent("cpty").WithError(err).Error("venue stream error")
}

func (e *Engine) OnOrderBook(marketID int, snapshot bool, payload models.OrderBookPayload) {
	e.books.HandleOrderBook(e.ctx, marketID, snapshot, payload)
}

func (e *Engine) OnTrade(marketID int, trade models.VenueTrade) {
	e.processFill(trade)
}

// OnAccount applies one account_all or account_market frame: balances
// and positions feed the account summary, and the embedded trade and
// order records are scanned for fills the trade feed may have missed.
func (e *Engine) OnAccount(accountID int, raw []byte) {
	var update models.AccountUpdate
	if err := json.Unmarshal(raw, &update); err != nil {
		e.log.WithComponent("cpty").WithError(err).Warn("undecodable account update")
		return
	}

	e.mu.Lock()
	if balance, ok := update.Balance(); ok {
		e.balances[feeCurrency] = balance
	}
	for _, p := range update.Positions {
		qty, _ := strconv.ParseFloat(p.Quantity, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		e.positions[e.symbolForMarket(p.MarketID)] = models.Position{
			Quantity: qty, EntryPrice: entry,
		}
	}
	summary := e.accountSummaryLocked()
	e.mu.Unlock()

	for marketKey, trades := range update.Trades {
		marketID, err := strconv.Atoi(marketKey)
		for _, trade := range trades {
			if trade.MarketID == 0 && err == nil {
				trade.MarketID = marketID
			}
			e.processFill(trade)
		}
	}

	for key, vo := range update.Orders {
		id := vo.OrderID
		if id == "" {
			id = key
		}
		e.processOrderUpdate(id, vo)
	}

	e.emit(models.Notification{AccountSummary: summary})
}

// processOrderUpdate folds one embedded order record into the tracked
// order. When the venue reports more filled quantity than the trade
// feed delivered, the difference is emitted as a synthetic fill, and a
// terminal venue status closes the local record.
func (e *Engine) processOrderUpdate(venueID string, vo models.VenueOrder) {
	e.mu.Lock()
	clientID, ok := e.venueToClientID[normalizeTxHash(venueID)]
	if !ok {
		e.mu.Unlock()
		return
	}
	order := e.orders[clientID]

	var fill *models.Fill
	filled, err := strconv.ParseFloat(vo.FilledQuantity, 64)
	if err == nil && filled > order.FilledQuantity {
		delta := filled - order.FilledQuantity
		price, _ := strconv.ParseFloat(vo.AvgFillPrice, 64)
		if price == 0 {
			price, _ = strconv.ParseFloat(vo.Price, 64)
		}
		if price == 0 {
			price = order.Price
		}

		// Keyed by the cumulative quantity so a re-delivered snapshot
		// does not produce the fill twice.
		dedupKey := fmt.Sprintf("%s-%s", normalizeTxHash(venueID), vo.FilledQuantity)
		if _, seen := e.processedFills[dedupKey]; !seen {
			e.processedFills[dedupKey] = struct{}{}
			order.FilledQuantity = filled
			if order.FilledQuantity >= order.Quantity {
				order.Status = models.OrderStatusFilled
			}
			// The record does not say which side rested, so the fee
			// assumes taker.
			fill = &models.Fill{
				VenueTradeID:  dedupKey,
				ClientOrderID: clientID,
				Symbol:        order.Symbol,
				Side:          order.Side,
				Price:         price,
				Quantity:      delta,
				Fee:           price * delta * takerFeeRate,
				FeeCurrency:   feeCurrency,
				IsTaker:       true,
				TradeTime:     time.Now(),
			}
		}
	}

	switch strings.ToLower(vo.Status) {
	case "filled", "complete", "done":
		if order.FilledQuantity >= order.Quantity {
			order.Status = models.OrderStatusFilled
		}
	case "canceled", "cancelled":
		if !order.Status.Terminal() {
			order.Status = models.OrderStatusCanceled
		}
	case "rejected":
		if !order.Status.Terminal() {
			order.Status = models.OrderStatusRejected
		}
	}
	e.mu.Unlock()

	if fill != nil {
		logger.IncrementFill()
		e.log.WithComponent("cpty").WithFields(logger.Fields{
			"client_order_id": clientID,
			"venue_trade_id":  fill.VenueTradeID,
			"quantity":        fill.Quantity,
		}).Info("fill from order update")
		e.emit(models.Notification{Fill: fill})
	}
}

// processFill turns one venue trade into at most one fill
// notification. Trades are deduplicated by id so the overlapping trade
// and account feeds cannot double-report, and only trades matched to a
// tracked order are forwarded.
func (e *Engine) processFill(trade models.VenueTrade) {
	dedupKey := strconv.FormatInt(trade.TradeID, 10)
	if trade.TradeID == 0 {
		dedupKey = normalizeTxHash(trade.TxHash)
	}
	if dedupKey == "" || dedupKey == "0" {
		return
	}

	e.mu.Lock()
	if _, seen := e.processedFills[dedupKey]; seen {
		e.mu.Unlock()
		return
	}

	clientID, side := e.matchTradeLocked(trade)
	if clientID == "" {
		e.mu.Unlock()
		return
	}
	e.processedFills[dedupKey] = struct{}{}

	order := e.orders[clientID]
	price, _ := strconv.ParseFloat(trade.Price, 64)
	size, _ := strconv.ParseFloat(trade.Size, 64)

	// Maker on the ask side means the ask was resting; whichever side
	// we were on, crossing the resting order makes us the taker.
	ourAsk := side == models.SideSell
	isTaker := (ourAsk && !trade.IsMakerAsk) || (!ourAsk && trade.IsMakerAsk)
	rate := makerFeeRate
	if isTaker {
		rate = takerFeeRate
	}

	order.FilledQuantity += size
	if order.FilledQuantity >= order.Quantity {
		order.Status = models.OrderStatusFilled
	}
	symbol := order.Symbol
	e.mu.Unlock()

	fill := &models.Fill{
		VenueTradeID:  dedupKey,
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      size,
		Fee:           price * size * rate,
		FeeCurrency:   feeCurrency,
		IsTaker:       isTaker,
		TradeTime:     trade.Time(),
	}

	logger.IncrementFill()
	e.log.WithComponent("cpty").WithFields(logger.Fields{
		"client_order_id": clientID,
		"venue_trade_id":  dedupKey,
		"price":           price,
		"quantity":        size,
		"is_taker":        isTaker,
	}).Info("fill")
	e.emit(models.Notification{Fill: fill})
}

// matchTradeLocked finds the tracked order a trade executed against,
// preferring the transaction hash and falling back to the order index
// carried in ask_id / bid_id. Returns an empty client id when the
// trade is not ours.
func (e *Engine) matchTradeLocked(trade models.VenueTrade) (string, models.Side) {
	if trade.TxHash != "" {
		if clientID, ok := e.venueToClientID[normalizeTxHash(trade.TxHash)]; ok {
			return clientID, e.orders[clientID].Side
		}
	}
	ourAccount := int64(e.config.Lighter.AccountIndex)
	if trade.AskAccountID == ourAccount {
		if clientID, ok := e.orderIndexToClient[trade.AskID]; ok {
			return clientID, models.SideSell
		}
	}
	if trade.BidAccountID == ourAccount {
		if clientID, ok := e.orderIndexToClient[trade.BidID]; ok {
			return clientID, models.SideBuy
		}
	}
	return "", ""
}
