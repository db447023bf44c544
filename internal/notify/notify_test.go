package notify

import (
	"strings"
	"testing"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

func TestDisabledNotifierDoesNotPanic(t *testing.T) {
	n := NewTelegramNotifier("", 0)
	n.Notify("anything")
	// No assertion beyond "does not panic": a disabled notifier is a
	// valid, inert collaborator.
}

func TestFormatAlertIncludesEachChange(t *testing.T) {
	alert := types.WhaleAlert{
		Priority: types.PriorityCritical,
		Changes: []types.PositionChange{
			{Coin: "BTC", Tier: types.TierAlphaWhale, CurrentSize: 120},
		},
		DetectedAt: time.Now(),
	}
	msg := formatAlert(alert)
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if !strings.Contains(msg, "BTC alpha_whale→120.00") {
		t.Fatalf("got %q, want it to describe the BTC change", msg)
	}
}

func TestDisabledNotifierHandlesAlertsWithoutPanicking(t *testing.T) {
	n := NewTelegramNotifier("", 0)
	b := bus.New(nil)
	n.Subscribe(b)

	// A disabled notifier's handler still runs; it should simply ignore
	// the event rather than panicking on a nil bot.
	b.Publish(bus.Event{Topic: "whale_alert", Payload: types.WhaleAlert{Priority: types.PriorityLow}})
	b.Publish(bus.Event{Topic: "whale_alert", Payload: types.WhaleAlert{Priority: types.PriorityCritical}})
}
