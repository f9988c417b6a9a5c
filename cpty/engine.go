package cpty

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"lightercpty/config"
	"lightercpty/logger"
	"lightercpty/models"
	"lightercpty/orderbook"
	"lightercpty/venue"
)

// VenueClient is the REST surface the engine drives.
type VenueClient interface {
	CheckAuth(ctx context.Context) error
	FetchMarkets(ctx context.Context) (map[int]models.MarketInfo, error)
	CreateOrder(ctx context.Context, tx venue.CreateOrderTx) (string, error)
	CancelOrder(ctx context.Context, marketIndex int, orderIndex int64) (string, error)
	CancelAllOrders(ctx context.Context) (string, error)
	AccountBalance(ctx context.Context) (float64, error)
	Signer() venue.Signer
}

// MarketData is the streaming surface the engine controls. The engine
// itself is the stream's handler; these methods only manage the
// connection and the subscription set.
type MarketData interface {
	Start(ctx context.Context) error
	Stop()
	SubscribeOrderBook(marketID int)
	SubscribeAccount(accountID int, auth string)
}

// Synthetic fee rates applied to fills; the venue does not report fees
// on its trade feed.
const (
	takerFeeRate = 0.001
	makerFeeRate = 0.0005
	feeCurrency  = "USDC"
)

// orderIndexSpace bounds the deterministic client order index sent to
// the venue.
const orderIndexSpace = 100_000_000

// Engine implements the session and order-routing core of the gateway.
// All session state lives behind one mutex. Venue calls run outside the
// lock with their own deadlines so a slow venue cannot stall the
// streaming callbacks.
type Engine struct {
	config *config.Config
	venue  VenueClient
	md     MarketData
	books  *orderbook.Manager
	log    *logger.Log

	mu                 sync.Mutex
	state              State
	trader             string
	account            string
	markets            map[int]models.MarketInfo
	symbolToMarket     map[string]int
	orders             map[string]*models.Order
	clientToVenueID    map[string]string
	venueToClientID    map[string]string
	orderIndexToClient map[int64]string
	processedFills     map[string]struct{}
	balances           map[string]float64
	positions          map[string]models.Position

	events chan models.Notification

	ctx        context.Context
	cancel     context.CancelFunc
	sessionCtx context.Context
	sessionEnd context.CancelFunc
	wg         sync.WaitGroup
	running    bool
}

func NewEngine(cfg *config.Config, vc VenueClient, md MarketData, books *orderbook.Manager) *Engine {
	return &Engine{
		config: cfg,
		venue:  vc,
		md:     md,
		books:  books,
		log:    logger.GetLogger(),
		state:  StateLoggedOut,
		events: make(chan models.Notification, cfg.Channels.EventBuffer),
	}
}

// SetMarketData wires the stream client in after construction. The
// stream needs the engine as its handler, so the two are built in
// sequence and joined here before Start.
func (e *Engine) SetMarketData(md MarketData) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.md = md
}

// Start prepares the engine for requests. The stream connection itself
// is established at login, not here.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine is already running")
	}
	if e.md == nil {
		return fmt.Errorf("engine has no market data client")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.resetSessionLocked()
	e.log.WithComponent("cpty").Info("engine started")
	return nil
}

// Stop tears down the session and stops background work.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	loggedIn := e.state == StateLoggedIn
	e.mu.Unlock()

	if loggedIn {
		e.Logout(context.Background())
	}
	e.cancel()
	e.wg.Wait()
	e.log.WithComponent("cpty").Info("engine stopped")
}

// Events is the stream of notifications pushed to the trading core.
func (e *Engine) Events() <-chan models.Notification { return e.events }

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) resetSessionLocked() {
	e.markets = make(map[int]models.MarketInfo)
	e.symbolToMarket = make(map[string]int)
	e.orders = make(map[string]*models.Order)
	e.clientToVenueID = make(map[string]string)
	e.venueToClientID = make(map[string]string)
	e.orderIndexToClient = make(map[int64]string)
	e.processedFills = make(map[string]struct{})
	e.balances = make(map[string]float64)
	e.positions = make(map[string]models.Position)
}

// emit pushes a notification without blocking. A full buffer drops the
// message and logs it; the trading core recovers dropped order state
// through reconciliation.
func (e *Engine) emit(n models.Notification) {
	select {
	case e.events <- n:
		logger.RecordChannelMessage("events", 1)
	default:
		e.log.WithComponent("cpty").WithFields(logger.Fields{
			"buffer": cap(e.events),
		}).Warn("event buffer full, dropping notification")
	}
}

// Login authenticates against the venue, loads market metadata and
// starts the market data session. The result goes back to the caller's
// connection only.
func (e *Engine) Login(ctx context.Context, req models.LoginRequest) *models.LoginResult {
	log := e.log.WithComponent("cpty").WithFields(logger.Fields{
		"trader":  req.Trader,
		"account": req.Account,
	})

	e.mu.Lock()
	if e.state != StateLoggedOut {
		state := e.state
		e.mu.Unlock()
		return &models.LoginResult{
			Trader:  req.Trader,
			Account: req.Account,
			Success: false, LoggedIn: state == StateLoggedIn,
			Message: fmt.Sprintf("session is %s, only one session is supported", state),
		}
	}
	e.state = StateLoggingIn
	e.trader = req.Trader
	e.account = req.Account
	e.mu.Unlock()

	authCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
	err := e.venue.CheckAuth(authCtx)
	cancel()
	if err != nil {
		log.WithError(err).Error("credential check failed")
		e.mu.Lock()
		e.state = StateLoggedOut
		e.mu.Unlock()
		return &models.LoginResult{
			Trader: req.Trader, Account: req.Account,
			Success: false,
			Message: fmt.Sprintf("credential check failed: %v", err),
		}
	}

	mktCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
	markets, err := e.venue.FetchMarkets(mktCtx)
	cancel()
	if err != nil || len(markets) == 0 {
		log.WithError(err).Warn("market metadata fetch failed, using static table")
		markets = venue.StaticMarkets()
	}

	e.mu.Lock()
	e.markets = markets
	e.symbolToMarket = make(map[string]int, len(markets))
	for id, m := range markets {
		e.symbolToMarket[m.Symbol()] = id
		e.books.SetMarket(id, m.Symbol())
	}
	e.state = StateLoggedIn
	e.sessionCtx, e.sessionEnd = context.WithCancel(e.ctx)
	sessionCtx := e.sessionCtx
	e.mu.Unlock()

	if err := e.md.Start(sessionCtx); err != nil {
		log.WithError(err).Warn("market data already running")
	}
	e.md.SubscribeAccount(e.config.Lighter.AccountIndex, e.venue.Signer().AuthToken())
	for _, marketID := range e.config.MarketData.OrderBookMarkets {
		e.md.SubscribeOrderBook(marketID)
	}

	if e.config.Session.BalancePoll.Enabled {
		e.wg.Add(1)
		go e.pollBalances(sessionCtx)
	}

	log.WithFields(logger.Fields{"markets": len(markets)}).Info("login complete")
	return &models.LoginResult{
		Trader: req.Trader, Account: req.Account,
		Success: true, LoggedIn: true,
	}
}

// Logout stops the market data session and clears all session state.
// Logging out while already logged out succeeds and does nothing.
func (e *Engine) Logout(ctx context.Context) *models.LoginResult {
	e.mu.Lock()
	if e.state == StateLoggedOut {
		trader, account := e.trader, e.account
		e.mu.Unlock()
		return &models.LoginResult{Trader: trader, Account: account, Success: true, LoggedIn: false}
	}
	e.state = StateLoggingOut
	trader, account := e.trader, e.account
	sessionEnd := e.sessionEnd
	e.mu.Unlock()

	if sessionEnd != nil {
		sessionEnd()
	}
	e.md.Stop()

	e.mu.Lock()
	e.resetSessionLocked()
	e.state = StateLoggedOut
	e.mu.Unlock()

	e.log.WithComponent("cpty").WithFields(logger.Fields{
		"trader": trader,
	}).Info("logout complete")
	return &models.LoginResult{Trader: trader, Account: account, Success: true, LoggedIn: false}
}

// OrderIndexForClientID derives the numeric client order index sent to
// the venue from the trading core's order id. The mapping is
// deterministic so a cancel can recompute it without extra state.
// Distinct ids can collide within the index space; collisions cancel
// the wrong venue order and are accepted as a known limitation.
func OrderIndexForClientID(clientID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(clientID))
	return int64(h.Sum64() % orderIndexSpace)
}

// PlaceOrder validates and submits one order. The outcome is an
// OrderAck or OrderReject pushed on the events channel.
func (e *Engine) PlaceOrder(ctx context.Context, req models.PlaceOrderRequest) {
	log := e.log.WithComponent("cpty").WithFields(logger.Fields{
		"client_order_id": req.ClientOrderID,
		"symbol":          req.Symbol,
	})

	reject := func(reason models.RejectReason, msg string) {
		log.WithFields(logger.Fields{"reason": string(reason)}).Warn("order rejected: ", msg)
		e.emit(models.Notification{OrderReject: &models.OrderReject{
			ClientOrderID: req.ClientOrderID, Reason: reason, Message: msg,
		}})
	}

	e.mu.Lock()
	if e.state != StateLoggedIn {
		e.mu.Unlock()
		reject(models.RejectNotLoggedIn, "no active session")
		return
	}
	if _, exists := e.orders[req.ClientOrderID]; exists {
		e.mu.Unlock()
		reject(models.RejectDuplicateOrder, "client order id already used")
		return
	}
	marketID, ok := e.symbolToMarket[req.Symbol]
	if !ok {
		e.mu.Unlock()
		reject(models.RejectUnknownSymbol, fmt.Sprintf("symbol %q is not tradable", req.Symbol))
		return
	}
	market := e.markets[marketID]
	trader, account := e.trader, e.account
	e.mu.Unlock()

	if req.Quantity <= 0 || (req.OrderType == models.OrderTypeLimit && req.Price <= 0) {
		reject(models.RejectInvalidOrder, "price and quantity must be positive")
		return
	}
	if market.MinOrderSize > 0 && req.Quantity < market.MinOrderSize {
		reject(models.RejectInvalidOrder,
			fmt.Sprintf("quantity %v below market minimum %v", req.Quantity, market.MinOrderSize))
		return
	}

	orderIndex := OrderIndexForClientID(req.ClientOrderID)
	tx := venue.CreateOrderTx{
		MarketIndex:      marketID,
		ClientOrderIndex: orderIndex,
		BaseAmount:       market.SizeToInt(req.Quantity),
		Price:            market.PriceToInt(req.Price),
		IsAsk:            req.Side == models.SideSell,
		OrderType:        req.OrderType,
		TimeInForce:      req.TimeInForce,
		ReduceOnly:       req.ReduceOnly,
		PostOnly:         req.PostOnly,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
	txHash, err := e.venue.CreateOrder(callCtx, tx)
	cancel()
	if err != nil {
		var ve *venue.VenueError
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			reject(models.RejectVenueTimeout, "venue did not respond in time")
		case errors.As(err, &ve):
			reject(models.RejectVenueReject, ve.Message)
		default:
			reject(models.RejectVenueReject, err.Error())
		}
		return
	}

	order := &models.Order{
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  txHash,
		Symbol:        req.Symbol,
		MarketID:      marketID,
		Side:          req.Side,
		Price:         req.Price,
		Quantity:      req.Quantity,
		OrderType:     req.OrderType,
		TimeInForce:   req.TimeInForce,
		ReduceOnly:    req.ReduceOnly,
		PostOnly:      req.PostOnly,
		Account:       account,
		Trader:        trader,
		Status:        models.OrderStatusOpen,
	}

	e.mu.Lock()
	e.orders[req.ClientOrderID] = order
	e.clientToVenueID[req.ClientOrderID] = txHash
	e.venueToClientID[normalizeTxHash(txHash)] = req.ClientOrderID
	e.orderIndexToClient[orderIndex] = req.ClientOrderID
	e.mu.Unlock()

	log.WithFields(logger.Fields{"venue_order_id": txHash}).Info("order accepted")
	e.emit(models.Notification{OrderAck: &models.OrderAck{
		ClientOrderID: req.ClientOrderID, VenueOrderID: txHash,
	}})
}

// CancelOrder submits a cancel for one tracked order. The venue does
// not confirm cancels synchronously, so the order is finalized locally
// after a grace period unless a fill already closed it.
func (e *Engine) CancelOrder(ctx context.Context, req models.CancelOrderRequest) {
	reject := func(reason models.RejectReason, msg string) {
		e.emit(models.Notification{CancelReject: &models.CancelReject{
			ClientOrderID: req.ClientOrderID, Reason: reason, Message: msg,
		}})
	}

	e.mu.Lock()
	if e.state != StateLoggedIn {
		e.mu.Unlock()
		reject(models.RejectNotLoggedIn, "no active session")
		return
	}
	order, ok := e.orders[req.ClientOrderID]
	if !ok {
		e.mu.Unlock()
		reject(models.RejectOrderNotFound, "unknown client order id")
		return
	}
	if order.Status.Terminal() {
		status := order.Status
		e.mu.Unlock()
		reject(models.RejectNotCancelable, fmt.Sprintf("order is %s", status))
		return
	}
	marketID := order.MarketID
	e.mu.Unlock()

	orderIndex := OrderIndexForClientID(req.ClientOrderID)
	callCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
	_, err := e.venue.CancelOrder(callCtx, marketID, orderIndex)
	cancel()
	if err != nil {
		var ve *venue.VenueError
		if errors.As(err, &ve) {
			reject(models.RejectVenueReject, ve.Message)
		} else if errors.Is(err, context.DeadlineExceeded) {
			reject(models.RejectVenueTimeout, "venue did not respond in time")
		} else {
			reject(models.RejectVenueReject, err.Error())
		}
		return
	}

	e.log.WithComponent("cpty").WithFields(logger.Fields{
		"client_order_id": req.ClientOrderID,
	}).Info("cancel submitted")

	e.wg.Add(1)
	go e.finalizeCancel(req.ClientOrderID)
}

// finalizeCancel marks the order canceled after the confirmation grace
// period, unless a fill made it terminal in the meantime.
func (e *Engine) finalizeCancel(clientID string) {
	defer e.wg.Done()

	select {
	case <-e.ctx.Done():
		return
	case <-time.After(e.config.Session.CancelConfirmDelay):
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	order, ok := e.orders[clientID]
	if ok && !order.Status.Terminal() {
		order.Status = models.OrderStatusCanceled
	}
}

// CancelAllOrders cancels every tracked order matching the request's
// filters with a single venue transaction, then finalizes the local
// records.
func (e *Engine) CancelAllOrders(ctx context.Context, req models.CancelAllOrdersRequest) {
	if req.Venue != "" && !strings.EqualFold(req.Venue, models.VenueName) {
		e.log.WithComponent("cpty").WithFields(logger.Fields{
			"venue": req.Venue,
		}).Warn("cancel all ignored, no orders on that venue")
		return
	}

	e.mu.Lock()
	if e.state != StateLoggedIn {
		e.mu.Unlock()
		e.log.WithComponent("cpty").Warn("cancel all ignored, no active session")
		return
	}
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
	_, err := e.venue.CancelAllOrders(callCtx)
	cancel()
	if err != nil {
		e.log.WithComponent("cpty").WithError(err).Error("cancel all failed at venue")
		return
	}

	canceled := 0
	e.mu.Lock()
	for _, order := range e.orders {
		if order.Status.Terminal() {
			continue
		}
		if req.Account != "" && order.Account != req.Account {
			continue
		}
		if req.Trader != "" && order.Trader != req.Trader {
			continue
		}
		order.Status = models.OrderStatusCanceled
		canceled++
	}
	e.mu.Unlock()

	e.log.WithComponent("cpty").WithFields(logger.Fields{
		"canceled": canceled,
	}).Info("cancel all complete")
}

// ReconcileOpenOrders snapshots every tracked order still in a
// non-terminal state.
func (e *Engine) ReconcileOpenOrders() *models.OpenOrders {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := make([]models.Order, 0, len(e.orders))
	for _, order := range e.orders {
		if !order.Status.Terminal() {
			open = append(open, *order)
		}
	}
	return &models.OpenOrders{Orders: open}
}

// pollBalances is the REST fallback for accounts whose websocket feed
// is unreliable. Disabled by default.
func (e *Engine) pollBalances(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Session.BalancePoll.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, e.config.Session.CallTimeout)
			balance, err := e.venue.AccountBalance(callCtx)
			cancel()
			if err != nil {
				e.log.WithComponent("cpty").WithError(err).Warn("balance poll failed")
				continue
			}
			e.mu.Lock()
			e.balances[feeCurrency] = balance
			summary := e.accountSummaryLocked()
			e.mu.Unlock()
			e.emit(models.Notification{AccountSummary: summary})
		}
	}
}

func (e *Engine) accountSummaryLocked() *models.AccountSummary {
	balances := make(map[string]float64, len(e.balances))
	for k, v := range e.balances {
		balances[k] = v
	}
	positions := make(map[string]models.Position, len(e.positions))
	for k, v := range e.positions {
		positions[k] = v
	}
	return &models.AccountSummary{
		Account:   e.account,
		Timestamp: time.Now(),
		Balances:  balances,
		Positions: positions,
	}
}

// symbolForMarket resolves a market id to its symbol under the lock.
func (e *Engine) symbolForMarket(marketID int) string {
	if m, ok := e.markets[marketID]; ok {
		return m.Symbol()
	}
	return models.FallbackSymbol(marketID)
}

// normalizeTxHash strips the 0x prefix so hash matching is insensitive
// to the venue's formatting.
func normalizeTxHash(hash string) string {
	return strings.TrimPrefix(strings.ToLower(hash), "0x")
}
