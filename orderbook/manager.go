package orderbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lightercpty/logger"
	"lightercpty/models"
)

// Manager owns one Book per subscribed market and mirrors the top of
// each book into Redis after every apply. The Redis client may be nil,
// in which case publication is skipped.
type Manager struct {
	mu      sync.RWMutex
	books   map[int]*Book
	symbols map[int]string
	rdb     *redis.Client
	keyTTL  time.Duration
	depth   int
	log     *logger.Log
}

func NewManager(rdb *redis.Client, keyTTL time.Duration, depth int) *Manager {
	if depth <= 0 {
		depth = 10
	}
	return &Manager{
		books:   make(map[int]*Book),
		symbols: make(map[int]string),
		rdb:     rdb,
		keyTTL:  keyTTL,
		depth:   depth,
		log:     logger.GetLogger(),
	}
}

// SetMarket registers the symbol used in published snapshots for a
// market. Unregistered markets publish under a synthetic symbol.
func (m *Manager) SetMarket(marketID int, symbol string) {
	m.mu.Lock()
	m.symbols[marketID] = symbol
	m.mu.Unlock()
}

// Book returns the book for marketID, creating it if needed.
func (m *Manager) Book(marketID int) *Book {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[marketID]
	if !ok {
		b = NewBook(marketID)
		m.books[marketID] = b
	}
	return b
}

// HandleOrderBook applies one venue order book message. snapshot
// distinguishes the subscription confirmation payload from deltas.
func (m *Manager) HandleOrderBook(ctx context.Context, marketID int, snapshot bool, payload models.OrderBookPayload) {
	log := m.log.WithComponent("orderbook").WithFields(logger.Fields{
		"market_id": marketID,
	})

	book := m.Book(marketID)
	var err error
	if snapshot {
		err = book.ApplySnapshot(payload)
	} else {
		var forced bool
		forced, err = book.ApplyUpdate(payload)
		if forced {
			log.Warn("update before snapshot, applied as snapshot")
		}
	}
	if err != nil {
		log.WithError(err).Error("failed to apply order book message")
		return
	}
	logger.IncrementBookApply()

	m.publish(ctx, marketID, book)
}

type publishedBook struct {
	Symbol    string  `json:"symbol"`
	MarketID  int     `json:"market_id"`
	Bids      []Level `json:"bids"`
	Asks      []Level `json:"asks"`
	Timestamp int64   `json:"timestamp"`
}

func (m *Manager) publish(ctx context.Context, marketID int, book *Book) {
	if m.rdb == nil {
		return
	}

	m.mu.RLock()
	symbol, ok := m.symbols[marketID]
	m.mu.RUnlock()
	if !ok {
		symbol = fmt.Sprintf("MARKET_%d", marketID)
	}

	bids, asks := book.TopLevels(m.depth)
	snap := publishedBook{
		Symbol:    symbol,
		MarketID:  marketID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		m.log.WithComponent("orderbook").WithError(err).Error("failed to marshal book snapshot")
		return
	}

	key := "l2_book:" + symbol
	if err := m.rdb.Set(ctx, key, data, m.keyTTL).Err(); err != nil {
		m.log.WithComponent("orderbook").WithFields(logger.Fields{
			"key": key,
		}).WithError(err).Warn("failed to publish book to redis")
	}
}
