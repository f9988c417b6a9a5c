package cpty

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"lightercpty/config"
	"lightercpty/models"
	"lightercpty/orderbook"
	"lightercpty/venue"
)

const ethSymbol = "ETH-USDC LIGHTER Perpetual/USDC Crypto"

func ethMarket() models.MarketInfo {
	return models.MarketInfo{
		MarketID: 0, BaseAsset: "ETH", QuoteAsset: "USDC",
		PriceDecimals: 2, SizeDecimals: 6, MinOrderSize: 0.005,
	}
}

type fakeVenue struct {
	mu             sync.Mutex
	authErr        error
	markets        map[int]models.MarketInfo
	marketsErr     error
	createOrderErr error
	created        []venue.CreateOrderTx
	canceled       []int64
	cancelAlls     int
	txCounter      int
}

func (f *fakeVenue) CheckAuth(ctx context.Context) error { return f.authErr }

func (f *fakeVenue) FetchMarkets(ctx context.Context) (map[int]models.MarketInfo, error) {
	return f.markets, f.marketsErr
}

func (f *fakeVenue) CreateOrder(ctx context.Context, tx venue.CreateOrderTx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOrderErr != nil {
		return "", f.createOrderErr
	}
	f.created = append(f.created, tx)
	f.txCounter++
	return fmt.Sprintf("0xHASH%d", f.txCounter), nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, marketIndex int, orderIndex int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderIndex)
	return "0xcancel", nil
}

func (f *fakeVenue) CancelAllOrders(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAlls++
	return "0xcancelall", nil
}

func (f *fakeVenue) AccountBalance(ctx context.Context) (float64, error) { return 1000, nil }

func (f *fakeVenue) Signer() venue.Signer { return venue.StaticToken("test-token") }

type fakeMD struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	orderBooks []int
	accounts   []int
}

func (f *fakeMD) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeMD) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeMD) SubscribeOrderBook(marketID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderBooks = append(f.orderBooks, marketID)
}

func (f *fakeMD) SubscribeAccount(accountID int, auth string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, accountID)
}

func testConfig() *config.Config {
	return &config.Config{
		Lighter: config.LighterConfig{AccountIndex: 7, APIKeyIndex: 1},
		MarketData: config.MarketDataConfig{
			OrderBookMarkets: []int{0},
		},
		Session: config.SessionConfig{
			CallTimeout:        time.Second,
			CancelConfirmDelay: 10 * time.Millisecond,
		},
		Channels: config.ChannelsConfig{EventBuffer: 64},
	}
}

func newTestEngine(t *testing.T, fv *fakeVenue, fm *fakeMD) *Engine {
	t.Helper()
	e := NewEngine(testConfig(), fv, fm, orderbook.NewManager(nil, 0, 10))
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func login(t *testing.T, e *Engine) {
	t.Helper()
	res := e.Login(context.Background(), models.LoginRequest{Trader: "trader1", Account: "acct1"})
	if !res.Success || !res.LoggedIn {
		t.Fatalf("login failed: %+v", res)
	}
}

func nextEvent(t *testing.T, e *Engine) models.Notification {
	t.Helper()
	select {
	case n := <-e.Events():
		return n
	case <-time.After(time.Second):
		t.Fatal("no event within timeout")
		return models.Notification{}
	}
}

func placeDefault(t *testing.T, e *Engine, clientID string) {
	t.Helper()
	e.PlaceOrder(context.Background(), models.PlaceOrderRequest{
		ClientOrderID: clientID,
		Symbol:        ethSymbol,
		Side:          models.SideBuy,
		Price:         2000.00,
		Quantity:      0.01,
		OrderType:     models.OrderTypeLimit,
		TimeInForce:   models.TimeInForceGTC,
	})
	n := nextEvent(t, e)
	if n.OrderAck == nil {
		t.Fatalf("expected OrderAck, got %+v", n)
	}
}

func TestLoginSubscribesAndTransitions(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	fm := &fakeMD{}
	e := newTestEngine(t, fv, fm)

	login(t, e)
	if got := e.State(); got != StateLoggedIn {
		t.Errorf("state = %v", got)
	}
	if !fm.started {
		t.Error("market data not started")
	}
	if len(fm.accounts) != 1 || fm.accounts[0] != 7 {
		t.Errorf("account subscriptions = %v", fm.accounts)
	}
	if len(fm.orderBooks) != 1 || fm.orderBooks[0] != 0 {
		t.Errorf("order book subscriptions = %v", fm.orderBooks)
	}
}

func TestLoginRejectsSecondSession(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})

	login(t, e)
	res := e.Login(context.Background(), models.LoginRequest{Trader: "trader2", Account: "acct2"})
	if res.Success {
		t.Fatal("second login should fail")
	}
	if !res.LoggedIn {
		t.Error("result should report an existing session")
	}
}

func TestLoginFallsBackToStaticMarkets(t *testing.T) {
	fv := &fakeVenue{marketsErr: fmt.Errorf("metadata endpoint down")}
	e := newTestEngine(t, fv, &fakeMD{})

	login(t, e)
	e.mu.Lock()
	_, hasFartcoin := e.symbolToMarket["FARTCOIN-USDC LIGHTER Perpetual/USDC Crypto"]
	e.mu.Unlock()
	if !hasFartcoin {
		t.Error("static market table not loaded")
	}
}

func TestLogoutIdempotent(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	fm := &fakeMD{}
	e := newTestEngine(t, fv, fm)

	login(t, e)
	if res := e.Logout(context.Background()); !res.Success || res.LoggedIn {
		t.Fatalf("logout failed: %+v", res)
	}
	if !fm.stopped {
		t.Error("market data not stopped")
	}
	if res := e.Logout(context.Background()); !res.Success {
		t.Fatalf("second logout failed: %+v", res)
	}
	if got := e.State(); got != StateLoggedOut {
		t.Errorf("state = %v", got)
	}
}

func TestPlaceOrderRequiresLogin(t *testing.T) {
	e := newTestEngine(t, &fakeVenue{}, &fakeMD{})

	e.PlaceOrder(context.Background(), models.PlaceOrderRequest{ClientOrderID: "c1", Symbol: ethSymbol})
	n := nextEvent(t, e)
	if n.OrderReject == nil || n.OrderReject.Reason != models.RejectNotLoggedIn {
		t.Fatalf("expected not_logged_in reject, got %+v", n)
	}
}

func TestPlaceOrderScalesToVenueUnits(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)

	placeDefault(t, e, "order-1")

	if len(fv.created) != 1 {
		t.Fatalf("created = %d orders", len(fv.created))
	}
	tx := fv.created[0]
	if tx.Price != 200000 {
		t.Errorf("scaled price = %d, want 200000", tx.Price)
	}
	if tx.BaseAmount != 10000 {
		t.Errorf("scaled quantity = %d, want 10000", tx.BaseAmount)
	}
	if tx.IsAsk {
		t.Error("buy order marked as ask")
	}
	if tx.ClientOrderIndex != OrderIndexForClientID("order-1") {
		t.Error("client order index not derived from client id")
	}
}

func TestPlaceOrderRejectsDuplicateAndUnknownSymbol(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)

	placeDefault(t, e, "dup")
	e.PlaceOrder(context.Background(), models.PlaceOrderRequest{
		ClientOrderID: "dup", Symbol: ethSymbol, Side: models.SideBuy,
		Price: 2000, Quantity: 0.01, OrderType: models.OrderTypeLimit,
	})
	if n := nextEvent(t, e); n.OrderReject == nil || n.OrderReject.Reason != models.RejectDuplicateOrder {
		t.Fatalf("expected duplicate reject, got %+v", n)
	}

	e.PlaceOrder(context.Background(), models.PlaceOrderRequest{
		ClientOrderID: "c2", Symbol: "NOPE-USDC", Side: models.SideBuy,
		Price: 1, Quantity: 1, OrderType: models.OrderTypeLimit,
	})
	if n := nextEvent(t, e); n.OrderReject == nil || n.OrderReject.Reason != models.RejectUnknownSymbol {
		t.Fatalf("expected unknown symbol reject, got %+v", n)
	}
}

func TestPlaceOrderVenueErrorLeavesNoRecord(t *testing.T) {
	fv := &fakeVenue{
		markets:        map[int]models.MarketInfo{0: ethMarket()},
		createOrderErr: &venue.VenueError{Code: 400, Message: "insufficient margin"},
	}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)

	e.PlaceOrder(context.Background(), models.PlaceOrderRequest{
		ClientOrderID: "c1", Symbol: ethSymbol, Side: models.SideBuy,
		Price: 2000, Quantity: 0.01, OrderType: models.OrderTypeLimit,
	})
	n := nextEvent(t, e)
	if n.OrderReject == nil || n.OrderReject.Reason != models.RejectVenueReject {
		t.Fatalf("expected venue reject, got %+v", n)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("rejected order left a record: %+v", open.Orders)
	}
}

func TestFillMatchingAndDeduplication(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	trade := models.VenueTrade{
		TradeID: 42, MarketID: 0,
		Price: "2000.00", Size: "0.004",
		TxHash:     "0xHASH1",
		IsMakerAsk: true,
	}
	e.OnTrade(0, trade)

	n := nextEvent(t, e)
	if n.Fill == nil {
		t.Fatalf("expected fill, got %+v", n)
	}
	fill := n.Fill
	if fill.ClientOrderID != "order-1" || fill.Price != 2000 || fill.Quantity != 0.004 {
		t.Errorf("fill = %+v", fill)
	}
	// Our bid crossed a resting ask, so we took liquidity.
	if !fill.IsTaker {
		t.Error("fill should be taker")
	}
	if want := 2000.0 * 0.004 * takerFeeRate; fill.Fee != want {
		t.Errorf("fee = %v, want %v", fill.Fee, want)
	}

	// Same trade arriving on the account channel must not double-report.
	e.OnTrade(0, trade)
	select {
	case n := <-e.Events():
		t.Fatalf("duplicate trade produced event: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFillMatchesByOrderIndex(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	e.OnTrade(0, models.VenueTrade{
		TradeID: 43, MarketID: 0,
		Price: "2000.00", Size: "0.01",
		BidID: OrderIndexForClientID("order-1"), BidAccountID: 7,
		IsMakerAsk: false,
	})

	n := nextEvent(t, e)
	if n.Fill == nil || n.Fill.ClientOrderID != "order-1" {
		t.Fatalf("expected fill for order-1, got %+v", n)
	}
	// Resting bid, maker fee.
	if n.Fill.IsTaker {
		t.Error("resting bid should be maker")
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("fully filled order still open: %+v", open.Orders)
	}
}

func TestForeignTradeIgnored(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)

	e.OnTrade(0, models.VenueTrade{
		TradeID: 99, Price: "2000", Size: "1",
		AskAccountID: 1, BidAccountID: 2,
	})
	select {
	case n := <-e.Events():
		t.Fatalf("foreign trade produced event: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelOrderLifecycle(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	e.CancelOrder(context.Background(), models.CancelOrderRequest{ClientOrderID: "missing"})
	if n := nextEvent(t, e); n.CancelReject == nil || n.CancelReject.Reason != models.RejectOrderNotFound {
		t.Fatalf("expected order_not_found, got %+v", n)
	}

	e.CancelOrder(context.Background(), models.CancelOrderRequest{ClientOrderID: "order-1"})
	if len(fv.canceled) != 1 || fv.canceled[0] != OrderIndexForClientID("order-1") {
		t.Errorf("venue cancels = %v", fv.canceled)
	}

	// After the grace period the order finalizes as canceled.
	deadline := time.Now().Add(time.Second)
	for {
		if len(e.ReconcileOpenOrders().Orders) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("order never finalized after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.CancelOrder(context.Background(), models.CancelOrderRequest{ClientOrderID: "order-1"})
	if n := nextEvent(t, e); n.CancelReject == nil || n.CancelReject.Reason != models.RejectNotCancelable {
		t.Fatalf("expected not_cancelable, got %+v", n)
	}
}

func TestCancelAllOrders(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")
	placeDefault(t, e, "order-2")

	e.CancelAllOrders(context.Background(), models.CancelAllOrdersRequest{})
	if fv.cancelAlls != 1 {
		t.Errorf("venue cancel all calls = %d", fv.cancelAlls)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("orders still open after cancel all: %+v", open.Orders)
	}
}

func TestCancelAllOrdersVenueFilter(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	e.CancelAllOrders(context.Background(), models.CancelAllOrdersRequest{Venue: "BINANCE"})
	if fv.cancelAlls != 0 {
		t.Errorf("foreign venue filter reached the venue: %d calls", fv.cancelAlls)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 1 {
		t.Errorf("foreign venue filter canceled local orders: %+v", open.Orders)
	}

	e.CancelAllOrders(context.Background(), models.CancelAllOrdersRequest{Venue: "lighter"})
	if fv.cancelAlls != 1 {
		t.Errorf("matching venue filter skipped the venue: %d calls", fv.cancelAlls)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("orders still open after cancel all: %+v", open.Orders)
	}
}

func TestOnAccountEmitsSummaryAndFills(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	raw := []byte(`{
		"type":"update/account_all","channel":"account_all/7",
		"collateral":"1500.25",
		"positions":[{"market_id":0,"quantity":"0.01","entry_price":"2000"}],
		"trades":{"0":[{"trade_id":77,"market_id":0,"price":"2000","size":"0.01","tx_hash":"0xHASH1","is_maker_ask":true}]}
	}`)
	e.OnAccount(7, raw)

	var gotFill, gotSummary bool
	for i := 0; i < 2; i++ {
		n := nextEvent(t, e)
		switch {
		case n.Fill != nil:
			gotFill = true
			if n.Fill.ClientOrderID != "order-1" {
				t.Errorf("fill order = %q", n.Fill.ClientOrderID)
			}
		case n.AccountSummary != nil:
			gotSummary = true
			if n.AccountSummary.Balances["USDC"] != 1500.25 {
				t.Errorf("balance = %v", n.AccountSummary.Balances)
			}
			pos, ok := n.AccountSummary.Positions[ethSymbol]
			if !ok || pos.Quantity != 0.01 || pos.EntryPrice != 2000 {
				t.Errorf("positions = %+v", n.AccountSummary.Positions)
			}
		}
	}
	if !gotFill || !gotSummary {
		t.Errorf("fill=%v summary=%v", gotFill, gotSummary)
	}
}

func TestOnAccountOrderUpdateEmitsDeltaFills(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	partial := []byte(`{
		"channel":"account_all/7",
		"orders":{"0xHASH1":{"status":"open","filled_quantity":"0.004","avg_fill_price":"1999.50"}}
	}`)
	e.OnAccount(7, partial)

	n := nextEvent(t, e)
	if n.Fill == nil {
		t.Fatalf("expected synthetic fill, got %+v", n)
	}
	if n.Fill.ClientOrderID != "order-1" || n.Fill.Price != 1999.50 || n.Fill.Quantity != 0.004 {
		t.Errorf("fill = %+v", n.Fill)
	}
	if !n.Fill.IsTaker {
		t.Error("synthetic fill should assume taker")
	}
	if want := 1999.50 * 0.004 * takerFeeRate; n.Fill.Fee != want {
		t.Errorf("fee = %v, want %v", n.Fill.Fee, want)
	}
	if n := nextEvent(t, e); n.AccountSummary == nil {
		t.Fatalf("expected summary after the fill, got %+v", n)
	}

	// A re-delivered snapshot carries the same cumulative quantity and
	// must not fill again.
	e.OnAccount(7, partial)
	if n := nextEvent(t, e); n.Fill != nil {
		t.Fatalf("re-delivered order update produced a fill: %+v", n.Fill)
	}

	complete := []byte(`{
		"channel":"account_all/7",
		"orders":{"0xHASH1":{"status":"filled","filled_quantity":"0.01","avg_fill_price":"1999.75"}}
	}`)
	e.OnAccount(7, complete)

	n = nextEvent(t, e)
	if n.Fill == nil {
		t.Fatalf("expected delta fill, got %+v", n)
	}
	if math.Abs(n.Fill.Quantity-0.006) > 1e-9 {
		t.Errorf("delta quantity = %v, want 0.006", n.Fill.Quantity)
	}
	if n := nextEvent(t, e); n.AccountSummary == nil {
		t.Fatalf("expected summary after the fill, got %+v", n)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("fully filled order still open: %+v", open.Orders)
	}
}

func TestOnAccountOrderUpdateAppliesTerminalStatus(t *testing.T) {
	fv := &fakeVenue{markets: map[int]models.MarketInfo{0: ethMarket()}}
	e := newTestEngine(t, fv, &fakeMD{})
	login(t, e)
	placeDefault(t, e, "order-1")

	e.OnAccount(7, []byte(`{
		"channel":"account_all/7",
		"orders":{"0xHASH1":{"status":"canceled","filled_quantity":"0"}}
	}`))
	if n := nextEvent(t, e); n.AccountSummary == nil {
		t.Fatalf("expected summary, got %+v", n)
	}
	if open := e.ReconcileOpenOrders(); len(open.Orders) != 0 {
		t.Errorf("canceled order still open: %+v", open.Orders)
	}
}

func TestOrderIndexDeterministicAndBounded(t *testing.T) {
	a := OrderIndexForClientID("abc-123")
	b := OrderIndexForClientID("abc-123")
	if a != b {
		t.Error("index not deterministic")
	}
	if a < 0 || a >= orderIndexSpace {
		t.Errorf("index %d out of range", a)
	}
	if OrderIndexForClientID("abc-124") == a {
		t.Error("distinct ids mapped to same index")
	}
}
