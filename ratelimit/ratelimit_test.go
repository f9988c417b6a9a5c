package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestEndpointWeight(t *testing.T) {
	cases := []struct {
		endpoint string
		want     int
	}{
		{"/", 1},
		{"/info", 1},
		{"/sendTx", 1},
		{"/sendTx?priority=high", 1},
		{"/apikeys", 15},
		{"/apikeys/", 15},
		{"/accountInactiveOrders?account=7", 10},
		{"/orderBookDetails", 30},
	}
	for _, c := range cases {
		if got := EndpointWeight(c.endpoint); got != c.want {
			t.Errorf("EndpointWeight(%q) = %d, want %d", c.endpoint, got, c.want)
		}
	}
}

func TestTransactionLimit(t *testing.T) {
	if l := TransactionLimit("L2Withdraw"); l.Capacity != 2 || l.Window != time.Minute {
		t.Errorf("L2Withdraw limit = %+v", l)
	}
	if l := TransactionLimit("L2CreateOrder"); l.Capacity != 100 || l.Window != time.Second {
		t.Errorf("default tx limit = %+v", l)
	}
}

func TestCheckAndConsumeExhaustsBucket(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		allowed, _ := l.CheckAndConsume(WSMessages, "conn1", 1)
		if !allowed {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}
	allowed, wait := l.CheckAndConsume(WSMessages, "conn1", 1)
	if allowed {
		t.Fatal("expected denial after bucket exhausted")
	}
	if wait <= 0 {
		t.Fatalf("expected positive wait, got %v", wait)
	}
}

func TestCheckAndConsumeDenialDoesNotConsume(t *testing.T) {
	l := New()
	// Drain the general transaction bucket.
	for i := 0; i < 100; i++ {
		if allowed, _ := l.CheckAndConsume(Transaction, "acct", 1); !allowed {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}
	_, first := l.CheckAndConsume(Transaction, "acct", 1)
	_, second := l.CheckAndConsume(Transaction, "acct", 1)
	if first <= 0 || second <= 0 {
		t.Fatalf("expected positive waits, got %v and %v", first, second)
	}
	// A denied check must not reserve tokens, so the second wait cannot
	// be stacked a full refill interval behind the first.
	if second > first+5*time.Millisecond {
		t.Errorf("denied check consumed tokens: waits %v then %v", first, second)
	}
}

func TestBucketsIndependentPerKey(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		l.CheckAndConsume(WSMessages, "conn1", 1)
	}
	if allowed, _ := l.CheckAndConsume(WSMessages, "conn1", 1); allowed {
		t.Fatal("conn1 should be exhausted")
	}
	if allowed, _ := l.CheckAndConsume(WSMessages, "conn2", 1); !allowed {
		t.Fatal("conn2 should have its own bucket")
	}
}

func TestWeightedConsumption(t *testing.T) {
	l := New()
	// 2400 per minute; weight-30 defaults allow exactly 80 calls.
	for i := 0; i < 80; i++ {
		if allowed, _ := l.CheckAndConsume(RESTUser, "acct", defaultEndpointWeight); !allowed {
			t.Fatalf("call %d unexpectedly denied", i)
		}
	}
	if allowed, _ := l.CheckAndConsume(RESTUser, "acct", defaultEndpointWeight); allowed {
		t.Fatal("expected denial after weighted budget spent")
	}
}

func TestWaitWeightExceedsCapacity(t *testing.T) {
	l := New()
	if err := l.Wait(context.Background(), WSMessages, "conn1", 101); err == nil {
		t.Fatal("expected error for weight above capacity")
	}
}

func TestWaitContextCanceled(t *testing.T) {
	l := New()
	cat := l.TransactionCategory("L2Withdraw")
	l.CheckAndConsume(cat, "acct", 1)
	l.CheckAndConsume(cat, "acct", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, cat, "acct", 1)
	if err == nil {
		t.Fatal("expected context error while rate limited")
	}
}

func TestWaitTransactionUsesTypeLimit(t *testing.T) {
	l := New()
	ctx := context.Background()
	// L2UpdateLeverage allows one per second.
	if err := l.WaitTransaction(ctx, "acct", "L2UpdateLeverage"); err != nil {
		t.Fatalf("first transaction: %v", err)
	}
	allowed, wait := l.CheckAndConsume(l.TransactionCategory("L2UpdateLeverage"), "acct", 1)
	if allowed {
		t.Fatal("second leverage update should be limited")
	}
	if wait > time.Second+50*time.Millisecond {
		t.Errorf("wait %v exceeds one refill window", wait)
	}
}
