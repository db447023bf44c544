// Package core wires the stream-processing pipeline together: pool →
// router → bus → {storage projector, signal generator, whale detector,
// notifier, read API}. It replaces the teacher's global-singleton
// composition in main() with an explicit struct so the process can be
// constructed, started, and torn down without package-level state.
package core

import (
	"context"
	"log"
	"time"

	"whaleradar/internal/bus"
	"whaleradar/internal/config"
	"whaleradar/internal/notify"
	"whaleradar/internal/pool"
	"whaleradar/internal/readapi"
	"whaleradar/internal/router"
	"whaleradar/internal/signal"
	"whaleradar/internal/storage"
	"whaleradar/internal/types"
	"whaleradar/internal/whale"

	"github.com/prometheus/client_golang/prometheus"
)

// ExchangeDialer is the collaborator boundary for the upstream exchange
// connection; production wiring supplies pool.WSDialer.
type ExchangeDialer = pool.Dialer

// TrackedAddressSource is the collaborator boundary for the list of
// trader addresses to watch; the core never decides who gets tracked.
type TrackedAddressSource = pool.AddressSource

// ScoreSource and RegimeSource are re-exported so callers wiring a Core
// don't need to import internal/signal directly.
type ScoreSource = signal.ScoreSource
type RegimeSource = signal.RegimeSource

// Core owns every long-running component and their lifecycle.
type Core struct {
	cfg *config.Config

	Bus       *bus.Bus
	Pool      *pool.Pool
	Router    *router.Router
	Store     *storage.MemoryStore
	Signal    *signal.Generator
	Whale     *whale.Detector
	Notifier  *notify.TelegramNotifier
	ReadHub   *readapi.Hub
	ReadAPI   *readapi.Server

	frames chan pool.Frame
}

// New constructs every component and wires their subscriptions, but
// starts nothing yet.
func New(cfg *config.Config, dialer ExchangeDialer, addresses TrackedAddressSource, scores ScoreSource, regime RegimeSource) *Core {
	reg := prometheus.NewRegistry()
	b := bus.New(reg)

	frames := make(chan pool.Frame, 1024)

	poolCfg := pool.Config{
		NumClients:             cfg.NumClients,
		BatchSize:              cfg.ClientBatchSize,
		SubscribePacing:        cfg.SubscribePacing,
		ReconnectBaseDelay:     cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:      cfg.ReconnectMaxDelay,
		MaxReconnectAttempts:   cfg.MaxReconnectAttempts,
		ReplacementCooldown:    cfg.ReplacementCooldown,
		MaxReplacementAttempts: cfg.MaxReplacementAttempts,
	}
	p := pool.New(poolCfg, dialer, addresses, frames)

	routerCfg := router.Config{
		PositionMaxSaveInterval: cfg.PositionMaxSaveInterval,
		FlushInterval:           cfg.FlushInterval,
		FlushBatchSize:          cfg.FlushBatchSize,
		BTCOnly:                 cfg.BTCOnly,
	}
	r := router.New(routerCfg, b)

	store := storage.NewMemoryStore()
	projector := storage.NewProjector(store)
	projector.Subscribe(b)

	signalCfg := signal.Config{
		Symbol:         cfg.SignalSymbol,
		TraderStateTTL: cfg.TraderStateTTL,
		TraderStateMax: cfg.TraderStateMax,
	}
	sig := signal.New(signalCfg, b, scores, regime)
	sig.Subscribe(b)

	whaleCfg := whale.Config{
		AlphaWhaleThreshold:  cfg.AlphaWhaleThreshold,
		WhaleThreshold:       cfg.WhaleThreshold,
		AggregationWindow:    cfg.AggregationWindow,
		PositionHistoryTTL:   cfg.PositionHistoryTTL,
		MaxAlerts:            cfg.MaxAlerts,
		MaxRecentChanges:     cfg.MaxRecentChanges,
		SignificantChangePct: cfg.SignificantChangePct,
	}
	det := whale.New(whaleCfg, b)
	det.Subscribe(b)

	notifier := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	notifier.Subscribe(b)

	hub := readapi.NewHub()
	readapi.NewPushSubscriber(hub).Subscribe(b)

	c := &Core{
		cfg:      cfg,
		Bus:      b,
		Pool:     p,
		Router:   r,
		Store:    store,
		Signal:   sig,
		Whale:    det,
		Notifier: notifier,
		ReadHub:  hub,
		frames:   frames,
	}
	c.ReadAPI = readapi.NewServer(c, hub)
	return c
}

// Start launches the pool and the router's consume loop. It returns once
// the pool's client goroutines are launched; dialing and subscribing
// happen in those goroutines, not before Start returns.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Pool.Start(ctx); err != nil {
		return err
	}
	go c.Router.Run(ctx, c.frames)
	go c.ttlCleanupLoop(ctx)
	return nil
}

// ttlCleanupLoop is a once-a-minute health tick that logs how many whale
// alerts are currently active. It does not expire anything itself: the
// whale detector drops stale history inline on each position update, and
// expired alerts are filtered out when read.
func (c *Core) ttlCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			active := c.Whale.ActiveAlerts(time.Now())
			log.Printf("core: health tick, %d active whale alert(s)", len(active))
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown tears components down in reverse dependency order: stop
// accepting new frames first, drain the bus, then release resources.
func (c *Core) Shutdown(ctx context.Context) {
	c.Pool.Shutdown()
	close(c.frames)
	c.Bus.Close()
}

// Accessor methods satisfy readapi.Accessor.

func (c *Core) LatestSignal(symbol string) (types.Signal, bool) {
	sig, ok := c.Signal.Latest()
	if !ok || sig.Symbol != symbol {
		return types.Signal{}, false
	}
	return sig, true
}

func (c *Core) ActiveAlerts(now time.Time) []types.WhaleAlert {
	return c.Whale.ActiveAlerts(now)
}

func (c *Core) CurrentPositions(address types.TraderAddress) (types.PositionSnapshot, bool) {
	return c.Store.Current(address)
}

func (c *Core) PositionHistory(address types.TraderAddress) []types.PositionSnapshot {
	return c.Store.History(address)
}

func (c *Core) PoolStats() (int, int) {
	return c.Pool.Stats()
}
