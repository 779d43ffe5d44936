package marketfeed

import (
	"context"
	"testing"
	"time"
)

func TestMemorySource_GetLatestPriceBeforeAnyPush(t *testing.T) {
	m := NewMemorySource()
	if _, _, err := m.GetLatestPrice(context.Background(), "BTCUSDT"); err == nil {
		t.Error("expected an error before any price has been pushed")
	}
}

func TestMemorySource_PushAndGetLatestPrice(t *testing.T) {
	m := NewMemorySource()
	at := time.Now()
	m.Push("BTCUSDT", 61000.5, at)

	price, ts, err := m.GetLatestPrice(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price != 61000.5 {
		t.Errorf("price = %v, want 61000.5", price)
	}
	if !ts.Equal(at) {
		t.Errorf("timestamp = %v, want %v", ts, at)
	}
}

func TestMemorySource_SubscribeReceivesPush(t *testing.T) {
	m := NewMemorySource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.Push("BTCUSDT", 62000, time.Now())

	select {
	case evt := <-ch:
		if evt.Type != EventPrice || evt.Price != 62000 {
			t.Errorf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the pushed event")
	}
}

func TestMemorySource_PushCriticalEventType(t *testing.T) {
	m := NewMemorySource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := m.Subscribe(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.PushCritical("BTCUSDT", 1.0, time.Now())

	select {
	case evt := <-ch:
		if evt.Type != EventPriceCritical {
			t.Errorf("expected EventPriceCritical, got %v", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the critical event")
	}
}

func TestMemorySource_UnsubscribeOnContextCancel(t *testing.T) {
	m := NewMemorySource()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := m.Subscribe(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}
}
