package storage

import (
	"os"
	"testing"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

func TestProjectorAppendsAndUpsertsCurrent(t *testing.T) {
	b := bus.New(nil)
	mem := NewMemoryStore()
	p := NewProjector(mem)
	p.Subscribe(b)

	snap := types.PositionSnapshot{
		Address:           "0xabc",
		Positions:         []types.Position{{Coin: "BTC", Size: 1.5}},
		ObservedTimestamp: time.Now(),
	}
	b.Publish(bus.Event{Topic: "position.update", Payload: snap})

	got, ok := mem.Current("0xabc")
	if !ok {
		t.Fatal("expected current state to be set")
	}
	if got.Positions[0].Coin != "BTC" {
		t.Fatalf("got %+v", got)
	}

	hist := mem.History("0xabc")
	if len(hist) != 1 {
		t.Fatalf("got %d history entries, want 1", len(hist))
	}
}

func TestProjectorSkipsOversizePayload(t *testing.T) {
	b := bus.New(nil)
	mem := NewMemoryStore()
	p := NewProjector(mem)
	p.MaxPayloadBytes = 10
	p.Subscribe(b)

	snap := types.PositionSnapshot{
		Address:   "0xabc",
		Positions: []types.Position{{Coin: "BTC", Size: 1.5}},
	}
	b.Publish(bus.Event{Topic: "position.update", Payload: snap})

	if _, ok := mem.Current("0xabc"); ok {
		t.Fatal("oversize payload should not have been stored")
	}
	if p.Skipped() != 1 {
		t.Fatalf("got %d skipped, want 1", p.Skipped())
	}
}

func TestProjectorOrderUpsertAndClose(t *testing.T) {
	b := bus.New(nil)
	mem := NewMemoryStore()
	p := NewProjector(mem)
	p.Subscribe(b)

	open := types.OrderState{Address: "0xdef", OID: 1, Status: types.OrderOpen}
	b.Publish(bus.Event{Topic: "order.update", Payload: open})

	if len(mem.OpenOrders("0xdef")) != 1 {
		t.Fatal("expected one open order")
	}

	closed := types.OrderState{Address: "0xdef", OID: 1, Status: types.OrderClosed}
	b.Publish(bus.Event{Topic: "order.update", Payload: closed})

	if len(mem.OpenOrders("0xdef")) != 0 {
		t.Fatal("expected order to be removed after close")
	}
}

func TestProjectorUpsertsCompactSignalRecord(t *testing.T) {
	b := bus.New(nil)
	mem := NewMemoryStore()
	p := NewProjector(mem)
	p.Subscribe(b)

	sig := types.Signal{Symbol: "BTC", Recommendation: types.RecommendBuy, Timestamp: time.Now()}
	b.Publish(bus.Event{Topic: "signal.update", Payload: sig})

	got, ok := mem.LatestSignalRecord("BTC")
	if !ok {
		t.Fatal("expected a compact signal record for BTC")
	}
	if got.Recommendation != types.RecommendBuy {
		t.Fatalf("got %+v", got)
	}
}

func TestProjectorSubscribesToEveryTopic(t *testing.T) {
	b := bus.New(nil)
	mem := NewMemoryStore()
	p := NewProjector(mem)
	p.Subscribe(b)

	b.Publish(bus.Event{Topic: "whale_alert", Payload: types.WhaleAlert{Priority: types.PriorityHigh}})

	mem.mu.RLock()
	n := len(mem.events)
	mem.mu.RUnlock()
	if n != 1 {
		t.Fatalf("got %d logged events, want 1 (wildcard subscription should catch whale_alert too)", n)
	}
}

func TestJSONLStoreAppendsToFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/events.jsonl"

	store, err := NewJSONLStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	snap := types.PositionSnapshot{Address: "0xabc", Positions: []types.Position{{Coin: "BTC", Size: 1}}}
	if err := store.AppendEvent(RawEvent{Topic: "position.update", Payload: snap}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty jsonl file")
	}
}
