// Package pool manages a set of persistent WebSocket connections to the
// upstream exchange, each subscribed to a batch of tracked trader
// addresses, with automatic reconnection and client replacement. It is
// grounded on the hyperliquid persistent-trader WebSocket manager: batch
// traders across a fixed number of clients, reconnect each client with
// exponential backoff, and replace a client that exhausts its backoff
// budget after a cooldown.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// Frame is one decoded inbound message, still addressed to a topic/channel
// the router will interpret.
type Frame struct {
	ClientID  int
	Channel   string
	Raw       json.RawMessage
	Timestamp time.Time
}

// Dialer abstracts the exchange WebSocket endpoint so the pool can be
// tested without a live connection.
type Dialer interface {
	// Dial opens a connection and returns it. The pool calls Subscribe on
	// the result for each address in the client's batch.
	Dial(ctx context.Context) (Conn, error)
}

// Conn is the minimal surface the pool needs from a WebSocket connection.
type Conn interface {
	Subscribe(address string) error
	ReadMessage() (channel string, payload json.RawMessage, err error)
	Close() error
}

// Config tunes reconnection and batching behavior (spec §4.1).
type Config struct {
	NumClients      int
	BatchSize       int
	SubscribePacing time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts is the per-client reconnect budget before the
	// client hands off to the pool manager's replacement protocol
	// (spec's max_attempts).
	MaxReconnectAttempts int

	ReplacementCooldown time.Duration
	// MaxReplacementAttempts is the pool manager's own, separate budget
	// for rebuilding a client that exhausted MaxReconnectAttempts.
	MaxReplacementAttempts int
}

// DefaultConfig mirrors spec §4.1's documented defaults: 5 clients of
// 100 traders each, a 10-attempt per-client reconnect budget, and a
// 5-attempt replacement budget.
func DefaultConfig() Config {
	return Config{
		NumClients:             5,
		BatchSize:              100,
		SubscribePacing:        10 * time.Millisecond,
		ReconnectBaseDelay:     1 * time.Second,
		ReconnectMaxDelay:      60 * time.Second,
		MaxReconnectAttempts:   10,
		ReplacementCooldown:    5 * time.Second,
		MaxReplacementAttempts: 5,
	}
}

// AddressSource returns the current list of tracked trader addresses,
// highest score first. The pool re-queries it whenever it needs to
// recompute a client's batch (e.g. on replacement).
type AddressSource func(ctx context.Context) ([]string, error)

// Pool owns a fixed number of client goroutines, each holding a batch of
// addresses. Frames decoded off any client are pushed onto Out.
type Pool struct {
	cfg     Config
	dialer  Dialer
	sources AddressSource
	out     chan Frame

	mu      sync.Mutex
	clients map[int]*client
	wg      sync.WaitGroup

	cancel context.CancelFunc
}

// New constructs a Pool. out should be large enough to absorb bursts;
// the pool never drops a decoded frame, it blocks the reading client
// instead (spec §5: bounded, but no decoded frame is discarded).
func New(cfg Config, dialer Dialer, sources AddressSource, out chan Frame) *Pool {
	return &Pool{
		cfg:     cfg,
		dialer:  dialer,
		sources: sources,
		out:     out,
		clients: make(map[int]*client),
	}
}

// Start fetches tracked addresses, splits them into up to NumClients
// batches, and launches one goroutine per batch.
func (p *Pool) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	addrs, err := p.sources(ctx)
	if err != nil {
		return fmt.Errorf("pool: fetching tracked addresses: %w", err)
	}
	if len(addrs) == 0 {
		log.Println("pool: no tracked addresses, nothing to subscribe")
		return nil
	}

	batches := batch(addrs, p.cfg.BatchSize)
	if len(batches) > p.cfg.NumClients {
		batches = batches[:p.cfg.NumClients]
	}

	for id, b := range batches {
		c := newClient(id, b, p.cfg, p.dialer, p.out, p.onDisconnect)
		p.mu.Lock()
		p.clients[id] = c
		p.mu.Unlock()

		p.wg.Add(1)
		go func(c *client) {
			defer p.wg.Done()
			c.run(ctx)
		}(c)
	}

	log.Printf("pool: started %d client(s) covering %d address(es)", len(batches), len(addrs))
	return nil
}

// Shutdown stops every client and waits for their goroutines to exit.
func (p *Pool) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}

	// ReadMessage blocks on the underlying transport regardless of ctx, so
	// closing each client's live connection is what actually unblocks its
	// read loop.
	p.mu.Lock()
	for _, c := range p.clients {
		c.closeConn()
	}
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats reports how many of the pool's clients are currently connected.
func (p *Pool) Stats() (total, connected int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.clients)
	for _, c := range p.clients {
		if c.isConnected() {
			connected++
		}
	}
	return total, connected
}

// onDisconnect implements the replacement protocol: a client that has
// exhausted its reconnect budget is rebuilt from a freshly fetched batch,
// after a cooldown, with its own bounded restart budget.
func (p *Pool) onDisconnect(ctx context.Context, id int) {
	log.Printf("pool: client %d exhausted reconnect attempts, scheduling replacement", id)

	time.Sleep(p.cfg.ReplacementCooldown)
	if ctx.Err() != nil {
		return
	}

	addrs, err := p.sources(ctx)
	if err != nil || len(addrs) == 0 {
		log.Printf("pool: replacement for client %d aborted: %v", id, err)
		return
	}
	batches := batch(addrs, p.cfg.BatchSize)
	if id >= len(batches) {
		log.Printf("pool: no batch left for client %d, not replacing", id)
		return
	}

	newC := newClient(id, batches[id], p.cfg, p.dialer, p.out, p.onDisconnect)

	for attempt := 0; attempt < p.cfg.MaxReplacementAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		conn, err := p.dialer.Dial(ctx)
		if err == nil {
			newC.attach(conn)
			p.mu.Lock()
			p.clients[id] = newC
			p.mu.Unlock()

			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				newC.run(ctx)
			}()
			log.Printf("pool: client %d replaced successfully", id)
			return
		}
		log.Printf("pool: client %d replacement attempt %d failed: %v", id, attempt+1, err)
		// Spec §4.1 specifies linear 10·k s backoff for replacement
		// attempts, not exponential.
		time.Sleep(time.Duration(attempt+1) * 10 * time.Second)
	}
	log.Printf("pool: failed to replace client %d after %d attempts", id, p.cfg.MaxReplacementAttempts)
}

func batch(addrs []string, size int) [][]string {
	if size <= 0 {
		size = len(addrs)
	}
	var out [][]string
	for i := 0; i < len(addrs); i += size {
		end := i + size
		if end > len(addrs) {
			end = len(addrs)
		}
		out = append(out, addrs[i:end])
	}
	return out
}

// client manages one connection and its batch of subscribed addresses.
type client struct {
	id      int
	batch   []string
	cfg     Config
	dialer  Dialer
	out     chan<- Frame
	onGone  func(ctx context.Context, id int)

	mu        sync.Mutex
	conn      Conn
	connected bool
	attempts  int
	delay     *backoff.Backoff
}

func newClient(id int, batch []string, cfg Config, dialer Dialer, out chan<- Frame, onGone func(context.Context, int)) *client {
	return &client{
		id: id, batch: batch, cfg: cfg, dialer: dialer, out: out, onGone: onGone,
		delay: &backoff.Backoff{
			Min:    cfg.ReconnectBaseDelay,
			Max:    cfg.ReconnectMaxDelay,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (c *client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.delay.Reset()
	c.mu.Unlock()
}

func (c *client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// closeConn closes the client's current connection, if any, to unblock
// a goroutine parked in ReadMessage.
func (c *client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// run dials, subscribes, and reads until ctx is cancelled or the
// reconnect budget is exhausted, in which case it hands off to onGone.
func (c *client) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		if err := c.subscribeAll(conn); err != nil {
			log.Printf("pool: client %d subscribe error: %v", c.id, err)
			conn.Close()
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		c.attach(conn)
		log.Printf("pool: client %d connected, subscribed to %d trader(s)", c.id, len(c.batch))

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if !c.backoff(ctx) {
			return
		}
	}
}

func (c *client) subscribeAll(conn Conn) error {
	for _, addr := range c.batch {
		if err := conn.Subscribe(addr); err != nil {
			return err
		}
		time.Sleep(c.cfg.SubscribePacing)
	}
	return nil
}

func (c *client) readLoop(ctx context.Context, conn Conn) {
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		channel, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("pool: client %d read error: %v", c.id, err)
			return
		}
		select {
		case c.out <- Frame{ClientID: c.id, Channel: channel, Raw: payload, Timestamp: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// backoff sleeps with jittered exponential delay and reports whether the
// caller should retry. Once the attempt budget is exhausted it invokes
// onGone and returns false so run() stops looping for this client instance.
func (c *client) backoff(ctx context.Context) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	delay := c.delay.Duration()
	c.mu.Unlock()

	if attempt > c.cfg.MaxReconnectAttempts {
		if c.onGone != nil {
			go c.onGone(ctx, c.id)
		}
		return false
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// WSDialer is the concrete Dialer that talks to a real exchange endpoint
// over gorilla/websocket.
type WSDialer struct {
	URL               string
	HeartbeatInterval time.Duration
}

// Dial opens a real WebSocket connection and starts its ping/pong
// heartbeat at the configured interval (spec §4.1: "opens socket with
// configured heartbeat interval").
func (d WSDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, err
	}
	interval := d.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w := &wsConn{conn: conn, heartbeatInterval: interval, stopPing: make(chan struct{})}
	w.startHeartbeat()
	return w, nil
}

type wsConn struct {
	conn              *websocket.Conn
	heartbeatInterval time.Duration
	stopPing          chan struct{}
	closeOnce         sync.Once
}

// startHeartbeat mirrors the read-api Hub's ping/pong idiom: a read
// deadline extended on every pong, and a ticker writing control pings
// until the connection closes or a write fails.
func (w *wsConn) startHeartbeat() {
	pongWait := w.heartbeatInterval * 2
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.heartbeatInterval)); err != nil {
					return
				}
			case <-w.stopPing:
				return
			}
		}
	}()
}

type subscribeMsg struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription"`
}

func (w *wsConn) Subscribe(address string) error {
	msg := subscribeMsg{
		Method: "subscribe",
		Subscription: map[string]string{
			"type": "webData2",
			"user": address,
		},
	}
	return w.conn.WriteJSON(msg)
}

type inboundEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

func (w *wsConn) ReadMessage() (string, json.RawMessage, error) {
	_, raw, err := w.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	return env.Channel, env.Data, nil
}

func (w *wsConn) Close() error {
	w.closeOnce.Do(func() { close(w.stopPing) })
	return w.conn.Close()
}
