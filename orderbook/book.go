package orderbook

import (
	"errors"
	"sort"
	"strconv"
	"sync"

	"lightercpty/models"
)

// ErrCrossedBook reports that applying venue data produced a best bid
// at or above the best ask. The book resets itself and waits for a
// fresh snapshot when this happens.
var ErrCrossedBook = errors.New("orderbook: crossed book")

// Level is one resolved price level.
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Book maintains the state of a single market's order book from a
// snapshot plus incremental updates.
type Book struct {
	mu          sync.RWMutex
	marketID    int
	bids        map[float64]float64
	asks        map[float64]float64
	offset      int64
	initialized bool
}

func NewBook(marketID int) *Book {
	return &Book{
		marketID: marketID,
		bids:     make(map[float64]float64),
		asks:     make(map[float64]float64),
	}
}

func (b *Book) MarketID() int { return b.marketID }

// Initialized reports whether the book has received a snapshot since
// creation or since the last reset.
func (b *Book) Initialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// ApplySnapshot replaces the book's full state with the payload.
func (b *Book) ApplySnapshot(payload models.OrderBookPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[float64]float64, len(payload.Bids))
	b.asks = make(map[float64]float64, len(payload.Asks))
	if err := applyLevels(b.bids, payload.Bids); err != nil {
		return err
	}
	if err := applyLevels(b.asks, payload.Asks); err != nil {
		return err
	}
	b.offset = payload.Offset
	b.initialized = true

	if b.crossedLocked() {
		b.resetLocked()
		return ErrCrossedBook
	}
	return nil
}

// ApplyUpdate merges an incremental update into the book. A zero size
// removes the level. An update arriving before any snapshot is applied
// as a forced snapshot; the returned flag tells the caller to log it.
func (b *Book) ApplyUpdate(payload models.OrderBookPayload) (forced bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		b.bids = make(map[float64]float64, len(payload.Bids))
		b.asks = make(map[float64]float64, len(payload.Asks))
		forced = true
	}
	if payload.Offset != 0 && payload.Offset <= b.offset {
		// Stale or replayed delta.
		return forced, nil
	}
	if err := applyLevels(b.bids, payload.Bids); err != nil {
		return forced, err
	}
	if err := applyLevels(b.asks, payload.Asks); err != nil {
		return forced, err
	}
	if payload.Offset != 0 {
		b.offset = payload.Offset
	}
	b.initialized = true

	if b.crossedLocked() {
		b.resetLocked()
		return forced, ErrCrossedBook
	}
	return forced, nil
}

// Reset clears all state so the next update behaves like a snapshot.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetLocked()
}

func (b *Book) resetLocked() {
	b.bids = make(map[float64]float64)
	b.asks = make(map[float64]float64)
	b.offset = 0
	b.initialized = false
}

func (b *Book) crossedLocked() bool {
	var bestBid, bestAsk float64
	for p := range b.bids {
		if p > bestBid {
			bestBid = p
		}
	}
	if len(b.asks) == 0 || bestBid == 0 {
		return false
	}
	first := true
	for p := range b.asks {
		if first || p < bestAsk {
			bestAsk = p
			first = false
		}
	}
	return bestBid >= bestAsk
}

// TopLevels returns up to n bid levels (descending by price) and n ask
// levels (ascending by price).
func (b *Book) TopLevels(n int) (bids, asks []Level) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bids = make([]Level, 0, len(b.bids))
	for p, s := range b.bids {
		bids = append(bids, Level{Price: p, Size: s})
	}
	asks = make([]Level, 0, len(b.asks))
	for p, s := range b.asks {
		asks = append(asks, Level{Price: p, Size: s})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if n > 0 && len(bids) > n {
		bids = bids[:n]
	}
	if n > 0 && len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// BestBidAsk returns the highest bid and lowest ask. Each side carries
// its own presence flag so a book empty on one side still reports the
// other.
func (b *Book) BestBidAsk() (bid, ask float64, hasBid, hasAsk bool) {
	bids, asks := b.TopLevels(1)
	if len(bids) > 0 {
		bid, hasBid = bids[0].Price, true
	}
	if len(asks) > 0 {
		ask, hasAsk = asks[0].Price, true
	}
	return bid, ask, hasBid, hasAsk
}

func applyLevels(side map[float64]float64, levels []models.PriceLevel) error {
	for _, lvl := range levels {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			return err
		}
		size, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			return err
		}
		if size == 0 {
			delete(side, price)
		} else {
			side[price] = size
		}
	}
	return nil
}
