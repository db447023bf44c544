// Package storage projects bus events into durable state: the current
// position set per trader and an append-only event log. It is grounded
// on the hyperliquid manager's _write_positions_batch (snapshot insert +
// current-state upsert). The stores keep everything appended to them;
// nothing is trimmed.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"whaleradar/internal/bus"
	"whaleradar/internal/types"
)

// RawEvent is one entry in the generic append-only event log: every bus
// event, regardless of topic, lands here unless it is skipped for size.
type RawEvent struct {
	Topic   string
	Payload interface{}
}

// EventStore is the durability boundary the projector writes through.
// The core never depends on a concrete backend; callers provide one.
type EventStore interface {
	// AppendEvent records one raw bus event to the generic append-only log.
	AppendEvent(RawEvent) error
	// AppendSnapshot records one position snapshot to the position history.
	AppendSnapshot(types.PositionSnapshot) error
	// UpsertCurrent replaces the current known state for an address.
	UpsertCurrent(types.PositionSnapshot) error
	// UpsertOrder replaces the current known state for one order.
	UpsertOrder(types.TraderAddress, types.OrderState) error
	// UpsertSignal replaces the compact signal record for a symbol.
	UpsertSignal(types.Signal) error
}

// MemoryStore is an in-process EventStore, suitable for tests and for
// running without a configured backend.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []RawEvent
	log     []types.PositionSnapshot
	current map[types.TraderAddress]types.PositionSnapshot
	orders  map[types.TraderAddress]map[int64]types.OrderState
	signals map[string]types.Signal
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[types.TraderAddress]types.PositionSnapshot),
		orders:  make(map[types.TraderAddress]map[int64]types.OrderState),
		signals: make(map[string]types.Signal),
	}
}

func (m *MemoryStore) AppendEvent(e RawEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStore) AppendSnapshot(s types.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, s)
	return nil
}

func (m *MemoryStore) UpsertCurrent(s types.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[s.Address] = s
	return nil
}

func (m *MemoryStore) UpsertOrder(address types.TraderAddress, o types.OrderState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byOID, ok := m.orders[address]
	if !ok {
		byOID = make(map[int64]types.OrderState)
		m.orders[address] = byOID
	}
	if o.Status == types.OrderClosed {
		delete(byOID, o.OID)
		return nil
	}
	byOID[o.OID] = o
	return nil
}

// UpsertSignal replaces the compact signal record kept for sig.Symbol.
// Records are keyed by symbol only: the latest write for a symbol wins
// and earlier records for that symbol are not kept.
func (m *MemoryStore) UpsertSignal(sig types.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[sig.Symbol] = sig
	return nil
}

// LatestSignalRecord returns the compact signal record stored for symbol.
func (m *MemoryStore) LatestSignalRecord(symbol string) (types.Signal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.signals[symbol]
	return sig, ok
}

// Current returns the last known snapshot for address, if any.
func (m *MemoryStore) Current(address types.TraderAddress) (types.PositionSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.current[address]
	return s, ok
}

// History returns every snapshot ever appended for address, oldest first.
func (m *MemoryStore) History(address types.TraderAddress) []types.PositionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.PositionSnapshot
	for _, s := range m.log {
		if s.Address == address {
			out = append(out, s)
		}
	}
	return out
}

// OpenOrders returns the currently tracked open orders for address.
func (m *MemoryStore) OpenOrders(address types.TraderAddress) []types.OrderState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byOID := m.orders[address]
	out := make([]types.OrderState, 0, len(byOID))
	for _, o := range byOID {
		out = append(out, o)
	}
	return out
}

// JSONLStore appends every raw event passed to AppendEvent to a
// newline-delimited JSON file. Snapshots, current state, orders and
// signals are kept only in an in-memory index, which also serves
// current-state lookups so readers never need to scan the file.
type JSONLStore struct {
	mem *MemoryStore

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJSONLStore opens (or creates) path for append.
func NewJSONLStore(path string) (*JSONLStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", path, err)
	}
	return &JSONLStore{
		mem:    NewMemoryStore(),
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

func (j *JSONLStore) AppendEvent(e RawEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := j.writer.Write(b); err != nil {
		return err
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.mem.AppendEvent(e)
}

func (j *JSONLStore) AppendSnapshot(s types.PositionSnapshot) error {
	return j.mem.AppendSnapshot(s)
}

func (j *JSONLStore) UpsertCurrent(s types.PositionSnapshot) error {
	return j.mem.UpsertCurrent(s)
}

func (j *JSONLStore) UpsertOrder(address types.TraderAddress, o types.OrderState) error {
	return j.mem.UpsertOrder(address, o)
}

func (j *JSONLStore) UpsertSignal(sig types.Signal) error {
	return j.mem.UpsertSignal(sig)
}

// Current delegates to the in-memory index.
func (j *JSONLStore) Current(address types.TraderAddress) (types.PositionSnapshot, bool) {
	return j.mem.Current(address)
}

// Close flushes and closes the underlying file.
func (j *JSONLStore) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Projector subscribes to every bus event (spec §4.4: "Subscribe to *")
// and writes it through an EventStore: every event lands in the generic
// append-only log, and position.update/signal.update/order.update events
// additionally get their own projection. Oversized payloads
// (larger than MaxPayloadBytes) are skipped rather than rejected
// outright, mirroring the upstream manager's tolerance for partial
// batches.
type Projector struct {
	store           EventStore
	MaxPayloadBytes int

	mu      sync.Mutex
	skipped int
}

// NewProjector wires a Projector against store with a generous default
// payload ceiling; set MaxPayloadBytes after construction to override.
func NewProjector(store EventStore) *Projector {
	return &Projector{store: store, MaxPayloadBytes: 1 << 20}
}

// Subscribe registers the projector against every topic on b.
func (p *Projector) Subscribe(b *bus.Bus) {
	b.Subscribe("*", p.handleEvent)
}

func (p *Projector) handleEvent(e bus.Event) {
	if p.tooLarge(e.Payload) {
		return
	}
	_ = p.store.AppendEvent(RawEvent{Topic: e.Topic, Payload: e.Payload})

	switch e.Topic {
	case "position.update":
		p.handlePosition(e)
	case "order.update":
		p.handleOrder(e)
	case "signal.update":
		p.handleSignal(e)
	}
}

func (p *Projector) handlePosition(e bus.Event) {
	snapshot, ok := e.Payload.(types.PositionSnapshot)
	if !ok {
		return
	}
	if err := p.store.AppendSnapshot(snapshot); err != nil {
		return
	}
	_ = p.store.UpsertCurrent(snapshot)
}

func (p *Projector) handleOrder(e bus.Event) {
	order, ok := e.Payload.(types.OrderState)
	if !ok {
		return
	}
	_ = p.store.UpsertOrder(order.Address, order)
}

func (p *Projector) handleSignal(e bus.Event) {
	sig, ok := e.Payload.(types.Signal)
	if !ok {
		return
	}
	_ = p.store.UpsertSignal(sig)
}

func (p *Projector) tooLarge(payload interface{}) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	if len(b) <= p.MaxPayloadBytes {
		return false
	}
	p.mu.Lock()
	p.skipped++
	p.mu.Unlock()
	return true
}

// Skipped reports how many oversize payloads have been dropped.
func (p *Projector) Skipped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipped
}
