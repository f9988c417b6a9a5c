package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lightercpty/logger"
)

// Category identifies one class of venue rate limit. Transaction types
// with their own window get a derived category via TransactionCategory.
type Category string

const (
	// RESTUser is the weighted per-user REST budget.
	RESTUser Category = "rest_user"
	// RESTIP is the flat per-IP REST budget.
	RESTIP Category = "rest_ip"
	// WSMessages is the burst budget for websocket control frames.
	WSMessages Category = "ws_messages"
	// Transaction is the general signed-transaction budget.
	Transaction Category = "transaction"
)

// Limit describes one token bucket: Capacity tokens refilled evenly
// over Window.
type Limit struct {
	Capacity int
	Window   time.Duration
}

func (l Limit) refill() rate.Limit {
	return rate.Limit(float64(l.Capacity) / l.Window.Seconds())
}

var defaultLimits = map[Category]Limit{
	RESTUser:    {Capacity: 2400, Window: time.Minute},
	RESTIP:      {Capacity: 500, Window: time.Minute},
	WSMessages:  {Capacity: 100, Window: time.Second},
	Transaction: {Capacity: 100, Window: time.Second},
}

var endpointWeights = map[string]int{
	"/":                      1,
	"/info":                  1,
	"/sendTx":                1,
	"/publicPools":           5,
	"/candlesticks":          5,
	"/accountInactiveOrders": 10,
	"/apikeys":               15,
}

// defaultEndpointWeight is the conservative weight charged for paths
// missing from the table.
const defaultEndpointWeight = 30

var transactionLimits = map[string]Limit{
	"L2Withdraw":         {Capacity: 2, Window: time.Minute},
	"L2UpdateLeverage":   {Capacity: 1, Window: time.Second},
	"L2CreateSubAccount": {Capacity: 2, Window: time.Minute},
	"L2ChangePubKey":     {Capacity: 2, Window: 10 * time.Second},
}

var defaultTransactionLimit = Limit{Capacity: 100, Window: time.Second}

// EndpointWeight returns the REST budget weight for an endpoint path.
// Query parameters and trailing slashes are ignored.
func EndpointWeight(endpoint string) int {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if trimmed := strings.TrimRight(path, "/"); trimmed != "" {
		path = trimmed
	} else {
		path = "/"
	}
	if w, ok := endpointWeights[path]; ok {
		return w
	}
	return defaultEndpointWeight
}

// TransactionLimit returns the bucket configuration for a venue
// transaction type, falling back to the conservative default window.
func TransactionLimit(txType string) Limit {
	if l, ok := transactionLimits[txType]; ok {
		return l
	}
	return defaultTransactionLimit
}

type bucketKey struct {
	category Category
	key      string
}

// Limiter is a set of independently configured token buckets keyed by
// (category, key). Buckets are created lazily at full capacity.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	buckets map[bucketKey]*rate.Limiter
	log     *logger.Log
}

func New() *Limiter {
	limits := make(map[Category]Limit, len(defaultLimits))
	for cat, lim := range defaultLimits {
		limits[cat] = lim
	}
	return &Limiter{
		limits:  limits,
		buckets: make(map[bucketKey]*rate.Limiter),
		log:     logger.GetLogger(),
	}
}

// TransactionCategory registers (if needed) and returns the derived
// category for a transaction type with its own limit window.
func (l *Limiter) TransactionCategory(txType string) Category {
	cat := Category("tx_" + txType)
	l.mu.Lock()
	if _, ok := l.limits[cat]; !ok {
		l.limits[cat] = TransactionLimit(txType)
	}
	l.mu.Unlock()
	return cat
}

func (l *Limiter) bucket(cat Category, key string) (*rate.Limiter, Limit) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limits[cat]
	if !ok {
		lim = defaultTransactionLimit
		l.limits[cat] = lim
	}
	bk := bucketKey{category: cat, key: key}
	b, ok := l.buckets[bk]
	if !ok {
		b = rate.NewLimiter(lim.refill(), lim.Capacity)
		l.buckets[bk] = b
	}
	return b, lim
}

// CheckAndConsume refills the bucket for elapsed wall-clock time, then
// either consumes weight tokens and allows the call, or reports the
// wait required before weight tokens would be available without
// consuming anything.
func (l *Limiter) CheckAndConsume(cat Category, key string, weight int) (bool, time.Duration) {
	b, lim := l.bucket(cat, key)
	if weight > lim.Capacity {
		// Can never be satisfied; surface the full window so callers
		// do not busy-loop.
		return false, lim.Window
	}

	now := time.Now()
	r := b.ReserveN(now, weight)
	if !r.OK() {
		return false, lim.Window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Wait blocks until weight tokens are available in the bucket, looping
// check/sleep/recheck since concurrent callers may consume tokens
// during the sleep.
func (l *Limiter) Wait(ctx context.Context, cat Category, key string, weight int) error {
	_, lim := l.bucket(cat, key)
	if weight > lim.Capacity {
		return fmt.Errorf("rate limit weight %d exceeds capacity %d for %s", weight, lim.Capacity, cat)
	}

	for {
		allowed, wait := l.CheckAndConsume(cat, key, weight)
		if allowed {
			return nil
		}

		l.log.WithComponent("ratelimit").WithFields(logger.Fields{
			"category": string(cat),
			"key":      key,
			"wait_ms":  wait.Milliseconds(),
		}).Debug("rate limited, waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitREST blocks until both the weighted per-user budget and the
// per-IP budget admit a call to the given endpoint.
func (l *Limiter) WaitREST(ctx context.Context, userKey, ipKey, endpoint string) error {
	weight := EndpointWeight(endpoint)
	if err := l.Wait(ctx, RESTUser, userKey, weight); err != nil {
		return err
	}
	return l.Wait(ctx, RESTIP, ipKey, 1)
}

// WaitTransaction blocks until the type-specific transaction budget
// admits sending one transaction of txType.
func (l *Limiter) WaitTransaction(ctx context.Context, userKey, txType string) error {
	return l.Wait(ctx, l.TransactionCategory(txType), userKey, 1)
}
