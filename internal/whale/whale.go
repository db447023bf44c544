// Package whale detects and classifies whale position rotation: material
// per-trader position changes are recorded, aggregated over a rolling
// window, and classified into a priority-tiered alert. It is grounded
// almost directly on the whale_alerts detector's waterfall: CRITICAL when
// any alpha-whale-tier trader moved, HIGH when two or more whale-tier
// traders moved, MEDIUM when the aggregate bias flip is large even
// without enough whale-tier movers, LOW otherwise.
package whale

import (
	"sync"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

// Config mirrors the detector's threshold and retention constants.
type Config struct {
	AlphaWhaleThreshold  float64
	WhaleThreshold       float64
	AggregationWindow    time.Duration
	PositionHistoryTTL   time.Duration
	MaxAlerts            int
	MaxRecentChanges     int
	SignificantChangePct float64
}

// DefaultConfig mirrors the original detector's defaults.
func DefaultConfig() Config {
	return Config{
		AlphaWhaleThreshold:  20_000_000,
		WhaleThreshold:       10_000_000,
		AggregationWindow:    5 * time.Minute,
		PositionHistoryTTL:   7 * 24 * time.Hour,
		MaxAlerts:            500,
		MaxRecentChanges:     1000,
		SignificantChangePct: 0.10,
	}
}

type positionKey struct {
	address types.TraderAddress
	coin    string
}

type positionEntry struct {
	size   float64
	seenAt time.Time
}

// Detector tracks per-trader, per-coin position history and surfaces
// whale alerts onto the bus.
type Detector struct {
	cfg Config
	bus *bus.Bus

	mu       sync.Mutex
	history  map[positionKey]positionEntry
	changes  []types.PositionChange // ring buffer, oldest first
	alerts   []types.WhaleAlert     // ring buffer, oldest first
}

// New constructs a Detector publishing alerts onto b.
func New(cfg Config, b *bus.Bus) *Detector {
	return &Detector{
		cfg:     cfg,
		bus:     b,
		history: make(map[positionKey]positionEntry),
	}
}

// Subscribe registers the detector's handler on b.
func (d *Detector) Subscribe(b *bus.Bus) {
	b.Subscribe("position.update", d.handlePosition)
}

func (d *Detector) handlePosition(e bus.Event) {
	snapshot, ok := e.Payload.(types.PositionSnapshot)
	if !ok {
		return
	}
	accountValue := snapshot.MarginSummary.AccountValue
	if accountValue == 0 {
		accountValue = snapshot.AccountValue()
	}
	if accountValue < d.cfg.WhaleThreshold {
		return
	}

	now := snapshot.ObservedTimestamp
	if now.IsZero() {
		now = time.Now()
	}

	d.mu.Lock()
	d.cleanup(now)
	var fresh []types.PositionChange
	for _, pos := range snapshot.Positions {
		if change, ok := d.detectChange(snapshot.Address, pos, accountValue, now); ok {
			fresh = append(fresh, change)
		}
	}
	alert := d.generateAlert(now)
	d.mu.Unlock()

	if alert != nil {
		d.bus.Publish(bus.Event{Topic: "whale_alert", Payload: *alert})
	}
	_ = fresh
}

// detectChange updates history for (address, coin) and, if the move
// is significant, records and returns a PositionChange. History is
// always updated, even for sub-threshold moves, so the next comparison
// is against the latest observed size. Must be called with d.mu held.
func (d *Detector) detectChange(address types.TraderAddress, pos types.Position, accountValue float64, now time.Time) (types.PositionChange, bool) {
	key := positionKey{address: address, coin: pos.Coin}
	prev, known := d.history[key]
	d.history[key] = positionEntry{size: pos.Size, seenAt: now}

	if !known {
		return types.PositionChange{}, false
	}

	changePct := changePercent(prev.size, pos.Size)
	if changePct < d.cfg.SignificantChangePct && !(prev.size == 0 && pos.Size != 0) {
		return types.PositionChange{}, false
	}

	change := types.PositionChange{
		Address:      address,
		Coin:         pos.Coin,
		PriorSize:    prev.size,
		CurrentSize:  pos.Size,
		ChangePct:    changePct,
		AccountValue: accountValue,
		Tier:         types.TierFor(accountValue),
		DetectedAt:   now,
	}

	d.changes = append(d.changes, change)
	if len(d.changes) > d.cfg.MaxRecentChanges {
		d.changes = d.changes[len(d.changes)-d.cfg.MaxRecentChanges:]
	}
	return change, true
}

func changePercent(prev, current float64) float64 {
	if prev == 0 {
		if current != 0 {
			return 1.0
		}
		return 0
	}
	diff := current - prev
	if diff < 0 {
		diff = -diff
	}
	if prev < 0 {
		prev = -prev
	}
	return diff / prev
}

// cleanup drops history entries older than PositionHistoryTTL and recent
// changes older than AggregationWindow. Alerts are not touched here: they
// are capped at MaxAlerts in generateAlert and filtered by expiry in
// ActiveAlerts. Must be called with d.mu held.
func (d *Detector) cleanup(now time.Time) {
	for k, v := range d.history {
		if now.Sub(v.seenAt) > d.cfg.PositionHistoryTTL {
			delete(d.history, k)
		}
	}

	cutoff := now.Add(-d.cfg.AggregationWindow)
	idx := 0
	for idx < len(d.changes) && d.changes[idx].DetectedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		d.changes = d.changes[idx:]
	}
}

// generateAlert runs the priority waterfall over changes currently
// within the aggregation window. Returns nil when nothing qualifies.
// Must be called with d.mu held.
func (d *Detector) generateAlert(now time.Time) *types.WhaleAlert {
	window := d.windowChanges(now)
	if len(window) == 0 {
		return nil
	}

	var alphaChanges, whaleChanges []types.PositionChange
	for _, c := range window {
		switch c.Tier {
		case types.TierAlphaWhale:
			alphaChanges = append(alphaChanges, c)
		case types.TierWhale:
			whaleChanges = append(whaleChanges, c)
		}
	}

	biasChange := d.aggregateBiasChange(window)

	var alert types.WhaleAlert
	switch {
	case len(alphaChanges) > 0:
		alert = d.buildAlert(types.PriorityCritical, alphaChanges, now, 0.3, 1.5, time.Hour)
	case len(whaleChanges) >= 2:
		alert = d.buildAlert(types.PriorityHigh, whaleChanges, now, 0.2, 1.3, 30*time.Minute)
	case abs(biasChange) >= 0.3:
		alert = d.buildAlert(types.PriorityMedium, window, now, 0.15, 1.1, 15*time.Minute)
	case len(whaleChanges) > 0:
		alert = d.buildAlert(types.PriorityLow, whaleChanges, now, 0.05, 1.0, 10*time.Minute)
	default:
		return nil
	}

	d.alerts = append(d.alerts, alert)
	if len(d.alerts) > d.cfg.MaxAlerts {
		d.alerts = d.alerts[len(d.alerts)-d.cfg.MaxAlerts:]
	}
	return &alert
}

func (d *Detector) buildAlert(priority types.AlertPriority, changes []types.PositionChange, now time.Time, boost, impactPriority float64, ttl time.Duration) types.WhaleAlert {
	return types.WhaleAlert{
		Priority:     priority,
		Changes:      changes,
		SignalImpact: types.SignalImpact{ConfidenceBoost: boost, Priority: impactPriority},
		DetectedAt:   now,
		ExpiresAt:    now.Add(ttl),
	}
}

func (d *Detector) windowChanges(now time.Time) []types.PositionChange {
	cutoff := now.Add(-d.cfg.AggregationWindow)
	var out []types.PositionChange
	for _, c := range d.changes {
		if !c.DetectedAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

// aggregateBiasChange weights each change by account value relative to
// the whale threshold (capped at 3x) and returns the normalized
// long-minus-short delta.
func (d *Detector) aggregateBiasChange(changes []types.PositionChange) float64 {
	var longDelta, shortDelta, total float64
	for _, c := range changes {
		weight := c.AccountValue / d.cfg.WhaleThreshold
		if weight > 3.0 {
			weight = 3.0
		}
		delta := c.CurrentSize - c.PriorSize
		if delta > 0 {
			longDelta += weight
		} else if delta < 0 {
			shortDelta += weight
		}
		total += weight
	}
	if total == 0 {
		return 0
	}
	return (longDelta - shortDelta) / total
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// ActiveAlerts returns every alert that has not yet expired as of now.
func (d *Detector) ActiveAlerts(now time.Time) []types.WhaleAlert {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.WhaleAlert
	for _, a := range d.alerts {
		if a.Active(now) {
			out = append(out, a)
		}
	}
	return out
}
