package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lightercpty/logger"
	"lightercpty/models"
	"lightercpty/ratelimit"
)

// Handler receives decoded venue stream events. Callbacks run on the
// client's read goroutine and must not block.
type Handler interface {
	OnConnected()
	OnDisconnected(err error)
	OnOrderBook(marketID int, snapshot bool, payload models.OrderBookPayload)
	OnAccount(accountID int, raw []byte)
	OnTrade(marketID int, trade models.VenueTrade)
	OnError(err error)
}

// Config holds the connection parameters of the stream client.
type Config struct {
	URL          string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SendInterval time.Duration
}

// Client maintains a resilient websocket connection to the venue
// stream. Subscriptions persist across reconnects: the desired set is
// kept locally and replayed every time the venue confirms a fresh
// connection.
type Client struct {
	config  Config
	handler Handler
	limiter *ratelimit.Limiter
	log     *logger.Log

	mu        sync.Mutex
	subs      map[string]models.SubscribeMessage
	pending   []models.SubscribeMessage
	running   bool
	handshook bool

	writeMu sync.Mutex
	conn    *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(config Config, handler Handler, limiter *ratelimit.Limiter) *Client {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 60 * time.Second
	}
	if config.SendInterval <= 0 {
		config.SendInterval = 100 * time.Millisecond
	}
	return &Client{
		config:  config,
		handler: handler,
		limiter: limiter,
		subs:    make(map[string]models.SubscribeMessage),
		log:     logger.GetLogger(),
	}
}

// Start connects to the stream and begins dispatching events. It
// returns an error if the client is already running.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("stream client is already running")
	}
	c.running = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.runLoop()
	go c.writeLoop()

	c.log.WithComponent("stream").WithFields(logger.Fields{
		"url": c.config.URL,
	}).Info("stream client started")
	return nil
}

// Stop closes the connection and waits for the loops to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.writeMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.writeMu.Unlock()
	c.wg.Wait()

	c.log.WithComponent("stream").Info("stream client stopped")
}

// SubscribeOrderBook adds a market's order book channel to the desired
// subscription set.
func (c *Client) SubscribeOrderBook(marketID int) {
	c.subscribe(models.SubscribeMessage{
		Type:    "subscribe",
		Channel: fmt.Sprintf("order_book/%d", marketID),
	})
}

// SubscribeAccount subscribes to all account activity.
func (c *Client) SubscribeAccount(accountID int, auth string) {
	c.subscribe(models.SubscribeMessage{
		Type:    "subscribe",
		Channel: fmt.Sprintf("account_all/%d", accountID),
		Auth:    auth,
	})
}

// SubscribeAccountMarket subscribes to account activity on one market.
func (c *Client) SubscribeAccountMarket(marketID, accountID int, auth string) {
	c.subscribe(models.SubscribeMessage{
		Type:    "subscribe",
		Channel: fmt.Sprintf("account_market/%d/%d", marketID, accountID),
		Auth:    auth,
	})
}

// SubscribeTrades subscribes to the public trade feed of one market.
func (c *Client) SubscribeTrades(marketID int) {
	c.subscribe(models.SubscribeMessage{
		Type:    "subscribe",
		Channel: fmt.Sprintf("trade/%d", marketID),
	})
}

// Unsubscribe removes a channel from the desired set and tells the
// venue to stop sending it.
func (c *Client) Unsubscribe(channel string) {
	c.mu.Lock()
	delete(c.subs, channel)
	c.pending = append(c.pending, models.SubscribeMessage{Type: "unsubscribe", Channel: channel})
	c.mu.Unlock()
}

func (c *Client) subscribe(msg models.SubscribeMessage) {
	c.mu.Lock()
	c.subs[msg.Channel] = msg
	c.pending = append(c.pending, msg)
	c.mu.Unlock()
}

// dequeue pops the oldest pending control message.
func (c *Client) dequeue() (models.SubscribeMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return models.SubscribeMessage{}, false
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, true
}

// requeueAll schedules every desired subscription for resend, used
// after the venue confirms a fresh connection.
func (c *Client) requeueAll() {
	c.mu.Lock()
	c.pending = c.pending[:0]
	for _, msg := range c.subs {
		c.pending = append(c.pending, msg)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if n > 0 {
		c.log.WithComponent("stream").WithFields(logger.Fields{
			"subscriptions": n,
		}).Info("replaying subscriptions")
	}
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	log := c.log.WithComponent("stream")
	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		attempt++
		if attempt > c.config.MaxAttempts {
			err := fmt.Errorf("giving up after %d connection attempts", c.config.MaxAttempts)
			log.WithError(err).Error("stream connection failed permanently")
			c.handler.OnDisconnected(err)
			c.handler.OnError(err)
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.URL, nil)
		if err != nil {
			log.WithFields(logger.Fields{
				"attempt": attempt,
			}).WithError(err).Warn("stream dial failed, retrying")
			if !c.sleepBackoff(attempt) {
				return
			}
			continue
		}

		c.writeMu.Lock()
		c.conn = conn
		c.writeMu.Unlock()
		logger.IncrementReconnect()

		err = c.readLoop(conn)
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("stream connection lost")
		c.handler.OnDisconnected(err)

		// Only a connection that reached the venue handshake resets
		// the attempt budget. One the venue drops straight after the
		// dial keeps counting toward MaxAttempts.
		if c.takeHandshake() {
			attempt = 0
		}
		if !c.sleepBackoff(attempt) {
			return
		}
	}
}

// sleepBackoff waits min(base*2^(attempt-1), max) before the next dial.
// It returns false when the client is shutting down.
func (c *Client) sleepBackoff(attempt int) bool {
	delay := backoffDelay(attempt, c.config.BaseDelay, c.config.MaxDelay)
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// takeHandshake reports whether the venue confirmed the last connection
// and clears the flag for the next one.
func (c *Client) takeHandshake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.handshook
	c.handshook = false
	return ok
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		logger.IncrementWSRead(len(data))
		c.handleFrame(data)
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			msg, ok := c.dequeue()
			if !ok {
				continue
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(c.ctx, ratelimit.WSMessages, "venue", 1); err != nil {
					return
				}
			}
			if err := c.writeJSON(msg); err != nil {
				// Connection is down; put the message back so the
				// replay after reconnect covers it.
				c.mu.Lock()
				c.pending = append([]models.SubscribeMessage{msg}, c.pending...)
				c.mu.Unlock()
			}
		}
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("stream not connected")
	}
	return c.conn.WriteJSON(v)
}

// handleFrame decodes one raw stream message and dispatches it.
func (c *Client) handleFrame(data []byte) {
	var frame models.VenueFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.WithComponent("stream").WithError(err).Warn("undecodable stream frame")
		return
	}

	switch {
	case frame.Type == "connected":
		c.mu.Lock()
		c.handshook = true
		c.mu.Unlock()
		c.requeueAll()
		c.handler.OnConnected()

	case frame.Type == "ping":
		if err := c.writeJSON(models.PongMessage{Type: "pong"}); err != nil {
			c.log.WithComponent("stream").WithError(err).Warn("failed to answer ping")
		}

	case frame.Type == "error":
		c.handler.OnError(fmt.Errorf("venue stream error: %s", frame.Message))

	case strings.HasPrefix(frame.Type, "subscribed") || strings.HasPrefix(frame.Type, "update"):
		c.dispatchChannel(frame, data)

	default:
		c.log.WithComponent("stream").WithFields(logger.Fields{
			"type": frame.Type,
		}).Debug("ignoring stream frame")
	}
}

func (c *Client) dispatchChannel(frame models.VenueFrame, raw []byte) {
	snapshot := strings.HasPrefix(frame.Type, "subscribed")
	kind, id, err := parseChannel(frame.Channel)
	if err != nil {
		c.log.WithComponent("stream").WithFields(logger.Fields{
			"channel": frame.Channel,
		}).WithError(err).Warn("unparsable channel")
		return
	}

	switch kind {
	case "order_book":
		if frame.OrderBook != nil {
			c.handler.OnOrderBook(id, snapshot, *frame.OrderBook)
		}

	case "account_all", "account_market":
		c.handler.OnAccount(id, raw)

	case "trade", "trades":
		for _, trade := range decodeTrades(frame) {
			if trade.MarketID == 0 {
				trade.MarketID = id
			}
			c.handler.OnTrade(trade.MarketID, trade)
		}
	}
}

func decodeTrades(frame models.VenueFrame) []models.VenueTrade {
	var trades []models.VenueTrade
	if len(frame.Trades) > 0 {
		if err := json.Unmarshal(frame.Trades, &trades); err == nil {
			return trades
		}
	}
	if len(frame.Trade) > 0 {
		var one models.VenueTrade
		if err := json.Unmarshal(frame.Trade, &one); err == nil {
			return []models.VenueTrade{one}
		}
	}
	return nil
}

// parseChannel splits a channel id such as "order_book:0" or
// "account_market/3/7" into its kind and trailing numeric id.
func parseChannel(channel string) (kind string, id int, err error) {
	normalized := strings.ReplaceAll(channel, ":", "/")
	parts := strings.Split(normalized, "/")
	if len(parts) < 2 {
		return "", 0, fmt.Errorf("channel %q has no id", channel)
	}
	id, err = strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return "", 0, fmt.Errorf("channel %q has non-numeric id", channel)
	}
	return parts[0], id, nil
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
