// Package signal turns per-trader position updates into an aggregated
// directional read for one instrument: weighted long/short bias, net
// exposure, and a BUY/SELL/NEUTRAL recommendation. State is event-driven
// only (the periodic emission timer the teacher's aggregator used was
// dropped; see the design notes) and bounded by both a TTL and an LRU
// cap so an unbounded trader population cannot grow the process
// indefinitely, in the spirit of the liquidation monitor's windowed maps.
package signal

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

// ScoreSource supplies an externally computed weight for a trader. The
// generator never computes scores itself.
type ScoreSource interface {
	ScoreFor(types.TraderAddress) (types.TraderScore, bool)
}

// RegimeSource supplies the current market-regime label to stamp onto
// emitted signals. The generator never computes regime itself.
type RegimeSource interface {
	CurrentRegime() string
}

// Config tunes state retention (spec §4.5; the recommendation thresholds
// and confidence formula are fixed by spec and not configurable).
type Config struct {
	Symbol         string
	TraderStateTTL time.Duration
	TraderStateMax int
}

// DefaultConfig matches spec §3's default trader TTL (24h) and a ten
// thousand tracked-trader cap.
func DefaultConfig() Config {
	return Config{
		Symbol:         "BTC",
		TraderStateTTL: 24 * time.Hour,
		TraderStateMax: 10000,
	}
}

type traderState struct {
	position types.Position
	score    float64
	seenAt   time.Time
}

// Generator consumes position.update events and publishes signal.update
// events on the bus whenever the aggregate bias moves.
type Generator struct {
	cfg     Config
	bus     *bus.Bus
	scores  ScoreSource
	regime  RegimeSource

	mu     sync.Mutex
	states *lru.Cache[types.TraderAddress, traderState]
	last   *types.Signal
}

// New constructs a Generator. scores/regime may be nil, in which case a
// neutral default weight and empty regime label are used.
func New(cfg Config, b *bus.Bus, scores ScoreSource, regime RegimeSource) *Generator {
	cache, err := lru.New[types.TraderAddress, traderState](cfg.TraderStateMax)
	if err != nil {
		// Only returns an error for a non-positive size, which DefaultConfig
		// never produces; a caller-supplied zero is a programming error.
		panic(err)
	}
	return &Generator{cfg: cfg, bus: b, scores: scores, regime: regime, states: cache}
}

// Subscribe registers the generator's handler on b.
func (g *Generator) Subscribe(b *bus.Bus) {
	b.Subscribe("position.update", g.handlePosition)
}

func (g *Generator) handlePosition(e bus.Event) {
	snapshot, ok := e.Payload.(types.PositionSnapshot)
	if !ok {
		return
	}

	var target *types.Position
	for i := range snapshot.Positions {
		if snapshot.Positions[i].Coin == g.cfg.Symbol {
			target = &snapshot.Positions[i]
			break
		}
	}

	score := 0.5
	if g.scores != nil {
		if s, ok := g.scores.ScoreFor(snapshot.Address); ok {
			score = s.Score / 100
		}
	}

	now := snapshot.ObservedTimestamp
	if now.IsZero() {
		now = time.Now()
	}

	g.mu.Lock()
	g.evictExpired(now)
	if target == nil {
		g.states.Remove(snapshot.Address)
	} else {
		g.states.Add(snapshot.Address, traderState{position: *target, score: score, seenAt: now})
	}
	sig := g.aggregate(now)
	g.mu.Unlock()

	if sig == nil {
		return
	}
	g.bus.Publish(bus.Event{Topic: "signal.update", Payload: *sig})
}

// evictExpired drops entries older than TraderStateTTL. Must be called
// with g.mu held.
func (g *Generator) evictExpired(now time.Time) {
	for _, addr := range g.states.Keys() {
		st, ok := g.states.Peek(addr)
		if !ok {
			continue
		}
		if now.Sub(st.seenAt) > g.cfg.TraderStateTTL {
			g.states.Remove(addr)
		}
	}
}

// aggregate recomputes the weighted signal from current state per §4.5's
// formula and gates emission: nil is returned unless (a) there is no
// previous signal, (b) the recommendation changed, (c) long_bias moved by
// at least 0.1, or (d) confidence reached 0.7. Must be called with g.mu
// held.
func (g *Generator) aggregate(now time.Time) *types.Signal {
	var longScore, shortScore, totalWeight, netExposure float64
	var longCount, shortCount, flatCount int

	for _, addr := range g.states.Keys() {
		st, ok := g.states.Peek(addr)
		if !ok {
			continue
		}
		w := st.score
		totalWeight += w
		netExposure += st.position.Size * w
		switch {
		case st.position.Size > 0:
			longScore += w
			longCount++
		case st.position.Size < 0:
			shortScore += w
			shortCount++
		default:
			flatCount++
		}
	}

	// Undefined when no weight has accumulated yet (e.g. every tracked
	// trader's position closed); treat both biases as 0 rather than
	// dividing by zero, and let the ordinary emission gate below decide
	// whether that's worth publishing.
	var longBias, shortBias float64
	if totalWeight > 0 {
		longBias = longScore / totalWeight
		shortBias = shortScore / totalWeight
	}
	net := longBias - shortBias

	var recommendation types.Recommendation
	switch {
	case net > 0.2:
		recommendation = types.RecommendBuy
	case net < -0.2:
		recommendation = types.RecommendSell
	default:
		recommendation = types.RecommendNeutral
	}

	tradersInvolved := longCount + shortCount + flatCount
	confidence := 0.5*abs(longBias-shortBias) + 0.3*minF(float64(tradersInvolved)/100, 1) + 0.2*minF(totalWeight/100, 1)
	confidence = clamp01(confidence)

	regimeLabel := ""
	if g.regime != nil {
		regimeLabel = g.regime.CurrentRegime()
	}

	sig := types.Signal{
		Symbol:         g.cfg.Symbol,
		LongBias:       longBias,
		ShortBias:      shortBias,
		NetExposure:    netExposure,
		TradersLong:    longCount,
		TradersShort:   shortCount,
		TradersFlat:    flatCount,
		Recommendation: recommendation,
		Confidence:     confidence,
		Timestamp:      now,
		RegimeLabel:    regimeLabel,
	}

	prev := g.last
	g.last = &sig

	if prev == nil {
		return &sig
	}
	if prev.Recommendation != sig.Recommendation {
		return &sig
	}
	if abs(sig.LongBias-prev.LongBias) >= 0.1 {
		return &sig
	}
	if sig.Confidence >= 0.7 {
		return &sig
	}
	return nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Latest returns the most recently computed signal, if any has been
// produced yet, regardless of whether it was gated from publication.
func (g *Generator) Latest() (types.Signal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return types.Signal{}, false
	}
	return *g.last, true
}
