// Package types holds the data model shared across the stream-processing
// core: trader identity, positions, orders, scores, signals and alerts.
package types

import (
	"strings"
	"time"
)

// TraderAddress is an opaque 20-byte hex identifier, compared case-insensitively.
type TraderAddress string

// Normalize lower-cases the address so it can be used as a map key consistently.
func (a TraderAddress) Normalize() TraderAddress {
	return TraderAddress(strings.ToLower(string(a)))
}

// Tier bands a trader by account value. Bands are evaluated highest-first.
type Tier string

const (
	TierAlphaWhale Tier = "alpha_whale"
	TierWhale      Tier = "whale"
	TierLarge      Tier = "large"
	TierMedium     Tier = "medium"
	TierStandard   Tier = "standard"
	TierSmall      Tier = "small"
)

// TierThresholds are the default account-value bands from spec §3.
var TierThresholds = []struct {
	Tier      Tier
	MinValue  float64
}{
	{TierAlphaWhale, 20_000_000},
	{TierWhale, 10_000_000},
	{TierLarge, 5_000_000},
	{TierMedium, 1_000_000},
	{TierStandard, 100_000},
}

// TierFor derives a Tier from an account value using the default bands.
func TierFor(accountValue float64) Tier {
	for _, band := range TierThresholds {
		if accountValue >= band.MinValue {
			return band.Tier
		}
	}
	return TierSmall
}

// Position is one coin's open exposure for a trader. Size is signed:
// positive long, negative short, zero closed.
type Position struct {
	Coin       string  `json:"coin"`
	Size       float64 `json:"size"`
	Leverage   float64 `json:"leverage"`
	EntryPrice float64 `json:"entry_price"`
	Margin     float64 `json:"margin"`
}

// MarginSummary mirrors the exchange's clearinghouseState.marginSummary payload.
type MarginSummary struct {
	AccountValue    float64 `json:"account_value"`
	TotalMarginUsed float64 `json:"total_margin_used"`
	TotalNtlPos     float64 `json:"total_ntl_pos"`
}

// PositionSnapshot is the full position state observed for one address at one time.
type PositionSnapshot struct {
	Address          TraderAddress `json:"address"`
	Positions        []Position    `json:"positions"`
	MarginSummary    MarginSummary `json:"margin_summary"`
	SourceTimestamp  time.Time     `json:"source_timestamp"`
	ObservedTimestamp time.Time    `json:"observed_timestamp"`
	// Source distinguishes live websocket snapshots from one-shot backfill
	// writes without the core owning backfill orchestration.
	Source string `json:"source,omitempty"`
}

// AccountValue is the aggregate |size| across all positions, used for tiering.
func (s PositionSnapshot) AccountValue() float64 {
	var total float64
	for _, p := range s.Positions {
		v := p.Size
		if v < 0 {
			v = -v
		}
		total += v
	}
	return total
}

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus string

const (
	OrderOpen    OrderStatus = "open"
	OrderUpdated OrderStatus = "updated"
	OrderClosed  OrderStatus = "closed"
)

// OrderState tracks one resting order for an address, keyed by OID.
type OrderState struct {
	Address   TraderAddress `json:"address"`
	OID       int64       `json:"oid"`
	Coin      string      `json:"coin"`
	Side      string      `json:"side"`
	LimitPx   float64     `json:"limit_price"`
	Size      float64     `json:"size"`
	OrigSize  float64     `json:"orig_size"`
	Status    OrderStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// TraderScore is externally supplied; Tier is derived from account value.
type TraderScore struct {
	Address     TraderAddress `json:"address"`
	Score       float64       `json:"score"`
	Tier        Tier          `json:"tier"`
	Tags        []string      `json:"tags,omitempty"`
	LastUpdated time.Time     `json:"last_updated"`
	// Name is the trader's display name when known; nil when unknown.
	Name *string `json:"name,omitempty"`
}

// Recommendation is the directional call a Signal carries.
type Recommendation string

const (
	RecommendBuy     Recommendation = "BUY"
	RecommendSell    Recommendation = "SELL"
	RecommendNeutral Recommendation = "NEUTRAL"
)

// Signal is the aggregated directional read for the target instrument.
type Signal struct {
	Symbol         string          `json:"symbol"`
	LongBias       float64         `json:"long_bias"`
	ShortBias      float64         `json:"short_bias"`
	NetExposure    float64         `json:"net_exposure"`
	TradersLong    int             `json:"traders_long"`
	TradersShort   int             `json:"traders_short"`
	TradersFlat    int             `json:"traders_flat"`
	Recommendation Recommendation  `json:"recommendation"`
	Confidence     float64         `json:"confidence"`
	Price          float64         `json:"price"`
	Timestamp      time.Time       `json:"timestamp"`
	// RegimeLabel is stored verbatim from an upstream regime-detector
	// collaborator; the core never computes it.
	RegimeLabel string `json:"regime_label,omitempty"`
}

// AlertPriority classifies a WhaleAlert's urgency.
type AlertPriority string

const (
	PriorityCritical AlertPriority = "CRITICAL"
	PriorityHigh     AlertPriority = "HIGH"
	PriorityMedium   AlertPriority = "MEDIUM"
	PriorityLow      AlertPriority = "LOW"
)

// PositionChange is one material per-address per-coin move recorded by the whale detector.
type PositionChange struct {
	Address      TraderAddress `json:"address"`
	Coin         string        `json:"coin"`
	PriorSize    float64       `json:"prior_size"`
	CurrentSize  float64       `json:"current_size"`
	ChangePct    float64       `json:"change_pct"`
	AccountValue float64       `json:"account_value"`
	Tier         Tier          `json:"tier"`
	DetectedAt   time.Time     `json:"detected_at"`
}

// SignalImpact is how an active alert MAY adjust signal confidence.
type SignalImpact struct {
	ConfidenceBoost float64 `json:"confidence_boost"`
	Priority        float64 `json:"priority"`
}

// WhaleAlert is a priority-tiered notification of whale position rotation.
type WhaleAlert struct {
	Priority     AlertPriority    `json:"priority"`
	Changes      []PositionChange `json:"changes"`
	SignalImpact SignalImpact     `json:"signal_impact"`
	DetectedAt   time.Time        `json:"detected_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// Active reports whether the alert has not yet expired as of now.
func (a WhaleAlert) Active(now time.Time) bool {
	return now.Before(a.ExpiresAt)
}
