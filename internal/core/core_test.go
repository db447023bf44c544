package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"whaleradar/internal/config"
	"whaleradar/internal/pool"
)

type stubConn struct {
	messages  chan json.RawMessage
	closeOnce sync.Once
}

func (s *stubConn) Subscribe(address string) error { return nil }

func (s *stubConn) ReadMessage() (string, json.RawMessage, error) {
	msg, ok := <-s.messages
	if !ok {
		return "", nil, context.Canceled
	}
	return "webData2", msg, nil
}

// Close unblocks a pending ReadMessage, as Pool.Shutdown expects of a Conn.
func (s *stubConn) Close() error {
	s.closeOnce.Do(func() { close(s.messages) })
	return nil
}

type stubDialer struct {
	conn *stubConn
}

func (d *stubDialer) Dial(ctx context.Context) (pool.Conn, error) {
	return d.conn, nil
}

func TestCoreEndToEndPositionFlowsToSignalAndStorage(t *testing.T) {
	cfg := config.Load()
	cfg.FlushInterval = 5 * time.Millisecond
	cfg.SubscribePacing = 0
	cfg.NumClients = 1
	cfg.SignalSymbol = "BTC"

	conn := &stubConn{messages: make(chan json.RawMessage, 4)}
	dialer := &stubDialer{conn: conn}
	addresses := func(ctx context.Context) ([]string, error) { return []string{"0xabc"}, nil }

	c := New(cfg, dialer, addresses, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Shutdown(ctx)

	conn.messages <- json.RawMessage(`{
		"user": "0xabc",
		"clearinghouseState": {
			"assetPositions": [{"position": {"coin": "BTC", "szi": "5", "entryPx": "50000", "leverage": {"value": 10}}}],
			"marginSummary": {"accountValue": "100000", "totalMarginUsed": "1000", "totalNtlPos": "50000"}
		}
	}`)

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := c.CurrentPositions("0xabc"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for position to reach storage")
		case <-time.After(10 * time.Millisecond):
		}
	}

	deadline = time.After(2 * time.Second)
	for {
		if sig, ok := c.LatestSignal("BTC"); ok && sig.TradersLong == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for signal generation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
