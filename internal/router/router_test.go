package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/pool"
	"whaleradar/internal/types"
)

func positionFrame(t *testing.T, user string, coin string, szi string, ts time.Time) pool.Frame {
	t.Helper()
	raw := map[string]interface{}{
		"user": user,
		"clearinghouseState": map[string]interface{}{
			"assetPositions": []map[string]interface{}{
				{
					"position": map[string]interface{}{
						"coin":     coin,
						"szi":      szi,
						"entryPx":  "50000",
						"leverage": map[string]interface{}{"value": 10},
					},
				},
			},
			"marginSummary": map[string]interface{}{
				"accountValue":    "1000000",
				"totalMarginUsed": "100000",
				"totalNtlPos":     "500000",
			},
		},
	}
	b, err := json.Marshal(raw)
	if err != nil {
		t.Fatal(err)
	}
	return pool.Frame{Channel: "webData2", Raw: b, Timestamp: ts}
}

func TestIdenticalPositionIsNotRepublished(t *testing.T) {
	b := bus.New(nil)
	var events []types.PositionSnapshot
	b.Subscribe("position.update", func(e bus.Event) {
		events = append(events, e.Payload.(types.PositionSnapshot))
	})

	cfg := DefaultConfig()
	cfg.FlushBatchSize = 1
	r := New(cfg, b)

	now := time.Now()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "1.5", now))
	r.flush()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "1.5", now.Add(time.Second)))
	r.flush()

	if len(events) != 1 {
		t.Fatalf("got %d published snapshots, want 1 (duplicate should be suppressed)", len(events))
	}
}

func TestChangedPositionIsRepublished(t *testing.T) {
	b := bus.New(nil)
	var events []types.PositionSnapshot
	b.Subscribe("position.update", func(e bus.Event) {
		events = append(events, e.Payload.(types.PositionSnapshot))
	})

	cfg := DefaultConfig()
	cfg.FlushBatchSize = 1
	r := New(cfg, b)

	now := time.Now()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "1.5", now))
	r.flush()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "2.5", now.Add(time.Second)))
	r.flush()

	if len(events) != 2 {
		t.Fatalf("got %d published snapshots, want 2", len(events))
	}
}

func TestSafetyIntervalForcesRepublishEvenWithoutChange(t *testing.T) {
	b := bus.New(nil)
	var count int
	b.Subscribe("position.update", func(bus.Event) { count++ })

	cfg := DefaultConfig()
	cfg.FlushBatchSize = 1
	cfg.PositionMaxSaveInterval = 10 * time.Millisecond
	r := New(cfg, b)

	now := time.Now()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "1.5", now))
	r.flush()
	r.handleFrame(positionFrame(t, "0xABC", "BTC", "1.5", now.Add(20*time.Millisecond)))
	r.flush()

	if count != 2 {
		t.Fatalf("got %d publishes, want 2 (safety interval should force the second)", count)
	}
}

func TestOrderLifecycleNewUpdatedClosed(t *testing.T) {
	b := bus.New(nil)
	var statuses []types.OrderStatus
	b.Subscribe("order.update", func(e bus.Event) {
		statuses = append(statuses, e.Payload.(types.OrderState).Status)
	})

	r := New(DefaultConfig(), b)

	mk := func(oid int64, sz string) pool.Frame {
		raw := map[string]interface{}{
			"user": "0xDEF",
			"orders": []map[string]interface{}{
				{"oid": oid, "coin": "BTC", "side": "B", "limitPx": "50000", "sz": sz, "origSz": sz},
			},
		}
		b, _ := json.Marshal(raw)
		return pool.Frame{Channel: "orderUpdates", Raw: b, Timestamp: time.Now()}
	}

	r.handleFrame(mk(1, "1.0"))  // new
	r.handleFrame(mk(1, "0.5")) // updated

	raw := map[string]interface{}{"user": "0xDEF", "orders": []map[string]interface{}{}}
	rawBytes, _ := json.Marshal(raw)
	r.handleFrame(pool.Frame{Channel: "orderUpdates", Raw: rawBytes, Timestamp: time.Now()}) // closed

	if len(statuses) != 3 {
		t.Fatalf("got %d order events, want 3: %v", len(statuses), statuses)
	}
	if statuses[0] != types.OrderOpen || statuses[1] != types.OrderUpdated || statuses[2] != types.OrderClosed {
		t.Fatalf("got %v, want [open updated closed]", statuses)
	}
}

func TestOrderRepriceWithSameSizeIsUpdated(t *testing.T) {
	b := bus.New(nil)
	var events []types.OrderState
	b.Subscribe("order.update", func(e bus.Event) {
		events = append(events, e.Payload.(types.OrderState))
	})

	r := New(DefaultConfig(), b)

	mk := func(limitPx string) pool.Frame {
		raw := map[string]interface{}{
			"user": "0xDEF",
			"orders": []map[string]interface{}{
				{"oid": 1, "coin": "BTC", "side": "B", "limitPx": limitPx, "sz": "1.0", "origSz": "1.0"},
			},
		}
		b, _ := json.Marshal(raw)
		return pool.Frame{Channel: "orderUpdates", Raw: b, Timestamp: time.Now()}
	}

	r.handleFrame(mk("50000")) // new
	r.handleFrame(mk("51000")) // same size, repriced

	if len(events) != 2 {
		t.Fatalf("got %d order events, want 2 (a limit-price-only reprice must still publish)", len(events))
	}
	if events[1].Status != types.OrderUpdated {
		t.Fatalf("got status %v, want updated", events[1].Status)
	}
	if events[1].LimitPx != 51000 {
		t.Fatalf("got limit_px %v, want 51000", events[1].LimitPx)
	}
}

func TestClosedOrderPublishesZeroSizeSyntheticEntry(t *testing.T) {
	b := bus.New(nil)
	var events []types.OrderState
	b.Subscribe("order.update", func(e bus.Event) {
		events = append(events, e.Payload.(types.OrderState))
	})

	r := New(DefaultConfig(), b)

	open := map[string]interface{}{
		"user": "0xDEF",
		"orders": []map[string]interface{}{
			{"oid": 1, "coin": "BTC", "side": "B", "limitPx": "50000", "sz": "1.0", "origSz": "1.0"},
		},
	}
	openBytes, _ := json.Marshal(open)
	r.handleFrame(pool.Frame{Channel: "orderUpdates", Raw: openBytes, Timestamp: time.Now()})

	closed := map[string]interface{}{"user": "0xDEF", "orders": []map[string]interface{}{}}
	closedBytes, _ := json.Marshal(closed)
	r.handleFrame(pool.Frame{Channel: "orderUpdates", Raw: closedBytes, Timestamp: time.Now()})

	last := events[len(events)-1]
	if last.Status != types.OrderClosed {
		t.Fatalf("got status %v, want closed", last.Status)
	}
	if last.Size != 0 || last.OrigSize != 0 {
		t.Fatalf("got size=%v orig_size=%v, want a zero-size synthetic entry", last.Size, last.OrigSize)
	}
}

func TestRunFlushesOnContextDone(t *testing.T) {
	b := bus.New(nil)
	var count int
	b.Subscribe("position.update", func(bus.Event) { count++ })

	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour
	r := New(cfg, b)

	in := make(chan pool.Frame, 1)
	in <- positionFrame(t, "0xABC", "BTC", "1.5", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, in)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if count != 1 {
		t.Fatalf("got %d publishes, want 1", count)
	}
}
