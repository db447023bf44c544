// Package router turns decoded pool.Frame values into PositionSnapshot and
// OrderState events, deduplicating position updates by normalized content
// (spec §4.2, Open Question #1 resolved in favor of exact-tuple
// inequality) and batching the result for the storage projector. It is
// grounded on the hyperliquid manager's _normalize_positions /
// _has_significant_change / _flush_messages sequence.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/pool"
	"whaleradar/internal/types"
)

// wireClearinghouse mirrors the webData2 payload shape.
type wireClearinghouse struct {
	User            string `json:"user"`
	ClearinghouseState struct {
		AssetPositions []wirePosition  `json:"assetPositions"`
		MarginSummary  wireMarginSummary `json:"marginSummary"`
	} `json:"clearinghouseState"`
}

type wirePosition struct {
	Position struct {
		Coin     string `json:"coin"`
		Szi      string `json:"szi"`
		EntryPx  string `json:"entryPx"`
		Leverage struct {
			Value float64 `json:"value"`
		} `json:"leverage"`
		MarginUsed string `json:"marginUsed"`
	} `json:"position"`
}

type wireMarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalMarginUsed string `json:"totalMarginUsed"`
	TotalNtlPos     string `json:"totalNtlPos"`
}

// Config tunes de-dup and flush behavior (spec §4.2).
type Config struct {
	PositionMaxSaveInterval time.Duration
	FlushInterval           time.Duration
	FlushBatchSize          int
	BTCOnly                 bool
}

// DefaultConfig mirrors the original's 300s safety interval and 500ms flush.
func DefaultConfig() Config {
	return Config{
		PositionMaxSaveInterval: 300 * time.Second,
		FlushInterval:           500 * time.Millisecond,
		FlushBatchSize:          100,
	}
}

type lastSaved struct {
	normalized string
	savedAt    time.Time
}

// Router consumes pool.Frame values, de-dups position snapshots per
// trader, tracks order-state transitions, and publishes onto the bus.
type Router struct {
	cfg Config
	bus *bus.Bus

	mu         sync.Mutex
	lastByAddr map[types.TraderAddress]lastSaved
	buffer     []types.PositionSnapshot

	orders sync.Map // types.TraderAddress -> map[int64]types.OrderState
}

// New constructs a Router publishing onto b.
func New(cfg Config, b *bus.Bus) *Router {
	return &Router{
		cfg:        cfg,
		bus:        b,
		lastByAddr: make(map[types.TraderAddress]lastSaved),
	}
}

// Run consumes frames from in until it is closed or ctx is done,
// flushing the buffer on FlushInterval and immediately if the buffer
// reaches FlushBatchSize.
func (r *Router) Run(ctx context.Context, in <-chan pool.Frame) {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-in:
			if !ok {
				r.flush()
				return
			}
			r.handleFrame(frame)
		case <-ticker.C:
			r.flush()
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Router) handleFrame(frame pool.Frame) {
	switch frame.Channel {
	case "webData2":
		r.handlePositionFrame(frame)
	case "orderUpdates":
		r.handleOrderFrame(frame)
	}
}

func (r *Router) handlePositionFrame(frame pool.Frame) {
	var payload wireClearinghouse
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return
	}

	snapshot, ok := r.toSnapshot(payload, frame.Timestamp)
	if !ok {
		return
	}

	if r.significantChange(snapshot) {
		r.mu.Lock()
		r.buffer = append(r.buffer, snapshot)
		full := len(r.buffer) >= r.cfg.FlushBatchSize
		r.mu.Unlock()
		if full {
			r.flush()
		}
	}
}

// wireOrderUpdate mirrors the orderUpdates subscription payload: one
// address's resting orders as of this message.
type wireOrderUpdate struct {
	User   string `json:"user"`
	Orders []struct {
		OID     int64  `json:"oid"`
		Coin    string `json:"coin"`
		Side    string `json:"side"`
		LimitPx string `json:"limitPx"`
		Sz      string `json:"sz"`
		OrigSz  string `json:"origSz"`
	} `json:"orders"`
}

// handleOrderFrame diffs the address's previously known order set against
// the new one and publishes one order.update event per new, changed (coin,
// side, limit price or size; see orderChanged), or now-missing (closed)
// order.
func (r *Router) handleOrderFrame(frame pool.Frame) {
	var payload wireOrderUpdate
	if err := json.Unmarshal(frame.Raw, &payload); err != nil {
		return
	}
	address := types.TraderAddress(payload.User).Normalize()

	current := make(map[int64]types.OrderState, len(payload.Orders))
	for _, o := range payload.Orders {
		current[o.OID] = types.OrderState{
			Address:   address,
			OID:       o.OID,
			Coin:      o.Coin,
			Side:      o.Side,
			LimitPx:   parseFloat(o.LimitPx),
			Size:      parseFloat(o.Sz),
			OrigSize:  parseFloat(o.OrigSz),
			Status:    types.OrderOpen,
			Timestamp: frame.Timestamp,
		}
	}

	var previous map[int64]types.OrderState
	if v, ok := r.orders.Load(address); ok {
		previous = v.(map[int64]types.OrderState)
	}

	for oid, state := range current {
		prev, existed := previous[oid]
		switch {
		case !existed:
			r.bus.Publish(bus.Event{Topic: "order.update", Payload: state})
		case orderChanged(prev, state):
			state.Status = types.OrderUpdated
			r.bus.Publish(bus.Event{Topic: "order.update", Payload: state})
		}
	}
	for oid, prev := range previous {
		if _, stillOpen := current[oid]; !stillOpen {
			prev.Status = types.OrderClosed
			prev.Timestamp = frame.Timestamp
			// Spec requires a zero-size synthetic entry on close, not the
			// last-known resting size.
			prev.Size = 0
			prev.OrigSize = 0
			r.bus.Publish(bus.Event{Topic: "order.update", Payload: prev})
		}
	}

	r.orders.Store(address, current)
}

const orderChangeEpsilon = 1e-6

// orderChanged reports whether (coin, side, limit_px, size) differ between
// prev and next beyond the spec's tolerance (spec §4.2 step 5).
func orderChanged(prev, next types.OrderState) bool {
	if prev.Coin != next.Coin || prev.Side != next.Side {
		return true
	}
	if floatDiffers(prev.LimitPx, next.LimitPx) {
		return true
	}
	if floatDiffers(prev.Size, next.Size) {
		return true
	}
	return false
}

func floatDiffers(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d >= orderChangeEpsilon
}

// toSnapshot filters to non-zero positions (and optionally BTC-only),
// returning ok=false when nothing survives the filter.
func (r *Router) toSnapshot(payload wireClearinghouse, observed time.Time) (types.PositionSnapshot, bool) {
	var positions []types.Position
	for _, p := range payload.ClearinghouseState.AssetPositions {
		size := parseFloat(p.Position.Szi)
		if size == 0 {
			continue
		}
		if r.cfg.BTCOnly && p.Position.Coin != "BTC" {
			continue
		}
		positions = append(positions, types.Position{
			Coin:       p.Position.Coin,
			Size:       size,
			Leverage:   p.Position.Leverage.Value,
			EntryPrice: parseFloat(p.Position.EntryPx),
			Margin:     parseFloat(p.Position.MarginUsed),
		})
	}
	if len(positions) == 0 {
		return types.PositionSnapshot{}, false
	}

	snapshot := types.PositionSnapshot{
		Address:   types.TraderAddress(payload.User).Normalize(),
		Positions: positions,
		MarginSummary: types.MarginSummary{
			AccountValue:    parseFloat(payload.ClearinghouseState.MarginSummary.AccountValue),
			TotalMarginUsed: parseFloat(payload.ClearinghouseState.MarginSummary.TotalMarginUsed),
			TotalNtlPos:     parseFloat(payload.ClearinghouseState.MarginSummary.TotalNtlPos),
		},
		SourceTimestamp:   observed,
		ObservedTimestamp: observed,
		Source:            "websocket",
	}
	return snapshot, true
}

func parseFloat(s string) float64 {
	var f float64
	fmt.Sscanf(s, "%g", &f)
	return f
}

// normalize builds the exact-tuple comparison key: positions sorted by
// coin, each rendered as "coin:size-to-8dp:leverage".
func normalize(positions []types.Position) string {
	sorted := make([]types.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Coin < sorted[j].Coin })

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = fmt.Sprintf("%s:%.8f:%g", p.Coin, p.Size, p.Leverage)
	}
	return strings.Join(parts, "|")
}

// significantChange reports whether snapshot differs from the last saved
// state for its address, forcing a save once PositionMaxSaveInterval has
// elapsed regardless of content (spec §4.2 safety net).
func (r *Router) significantChange(snapshot types.PositionSnapshot) bool {
	key := normalize(snapshot.Positions)

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.lastByAddr[snapshot.Address]
	if known && snapshot.ObservedTimestamp.Sub(prev.savedAt) < r.cfg.PositionMaxSaveInterval && prev.normalized == key {
		return false
	}

	r.lastByAddr[snapshot.Address] = lastSaved{normalized: key, savedAt: snapshot.ObservedTimestamp}
	return true
}

// flush publishes every buffered snapshot as a position.update event.
func (r *Router) flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	for _, snapshot := range batch {
		r.bus.Publish(bus.Event{Topic: "position.update", Payload: snapshot})
	}
}
