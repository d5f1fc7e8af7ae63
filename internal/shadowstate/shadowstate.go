// Package shadowstate holds the execution core's authoritative in-memory
// mirror of positions and open orders, durable via walstore and the
// snapshots Snapshot writes, and recoverable after a crash by replaying the WAL on top of
// the last snapshot (spec §4.4).
package shadowstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/walstore"
)

// OrderStatus is the OrderManager's order lifecycle state (spec §4.3).
type OrderStatus string

const (
	StatusPending          OrderStatus = "pending"
	StatusWorking          OrderStatus = "working"
	StatusPartiallyFilled  OrderStatus = "partially_filled"
	StatusFilled           OrderStatus = "filled"
	StatusCanceled         OrderStatus = "canceled"
	StatusRejected         OrderStatus = "rejected"
)

// Position is the shadow mirror of one symbol's net exposure on one venue.
// Size is signed: positive is long, negative is short.
type Position struct {
	Venue           string           `json:"venue"`
	Symbol          string           `json:"symbol"`
	Size            fixedpoint.Value `json:"size"`
	AvgEntryPrice   fixedpoint.Value `json:"avgEntryPrice"`
	RealizedPnL     fixedpoint.Value `json:"realizedPnl"`
	LastMarkPrice   fixedpoint.Value `json:"lastMarkPrice"`
	LastUpdateAt    time.Time        `json:"lastUpdateAt"`
}

// UnrealizedPnL computes mark-to-market PnL at the last observed mark price.
func (p Position) UnrealizedPnL() fixedpoint.Value {
	return p.Size.Mul(p.LastMarkPrice.Sub(p.AvgEntryPrice))
}

// OpenOrder is the shadow mirror of one order's lifecycle.
type OpenOrder struct {
	OrderID       string           `json:"orderId"`
	VenueOrderID  string           `json:"venueOrderId,omitempty"`
	IntentID      string           `json:"intentId"`
	Venue         string           `json:"venue"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Size          fixedpoint.Value `json:"size"`
	FilledSize    fixedpoint.Value `json:"filledSize"`
	LimitPrice    fixedpoint.Value `json:"limitPrice"`
	Status        OrderStatus      `json:"status"`
	ChaseCount    int              `json:"chaseCount"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Remaining returns the unfilled size.
func (o OpenOrder) Remaining() fixedpoint.Value {
	return o.Size.Sub(o.FilledSize)
}

// Fill is one execution against an order.
type Fill struct {
	FillID    string           `json:"fillId"`
	OrderID   string           `json:"orderId"`
	Venue     string           `json:"venue"`
	Symbol    string           `json:"symbol"`
	Side      string           `json:"side"`
	Price     fixedpoint.Value `json:"price"`
	Size      fixedpoint.Value `json:"size"`
	Timestamp time.Time        `json:"timestamp"`
}

// event kinds recorded to the WAL. The payload for each is the JSON
// encoding of the corresponding struct below.
const (
	KindOrderOpened   = "order.opened"
	KindOrderUpdated  = "order.updated"
	KindFillRecorded  = "fill.recorded"
	KindPositionMark  = "position.mark"
)

type orderUpdatedPayload struct {
	Order OpenOrder `json:"order"`
}

type fillRecordedPayload struct {
	Fill     Fill     `json:"fill"`
	Order    OpenOrder `json:"order"`
	Position Position  `json:"position"`
}

type positionMarkPayload struct {
	Position Position `json:"position"`
}

// snapshotFile is the CBOR-free, JSON on-disk snapshot representation
// (spec §6 persisted state format keeps the WAL in CBOR; the snapshot,
// taken far less often, is plain JSON for operator inspectability).
type snapshotFile struct {
	LastSeq   uint64               `json:"lastSeq"`
	Positions map[string]Position  `json:"positions"`
	Orders    map[string]OpenOrder `json:"orders"`
	Timestamp time.Time            `json:"timestamp"`
}

// State is the mutex-guarded in-memory shadow of positions and orders.
type State struct {
	mu        sync.RWMutex
	positions map[string]Position  // key: venue/symbol
	orders    map[string]OpenOrder // key: orderID

	wal        *walstore.Writer
	walDir     string
	snapshotDir string
	lastSeq    uint64
}

// New builds an empty State backed by a WAL writer rooted at walDir.
func New(walDir string, rollBytes int64, snapshotDir string) (*State, error) {
	w, err := walstore.NewWriter(walDir, rollBytes, 0)
	if err != nil {
		return nil, err
	}
	return &State{
		positions:   make(map[string]Position),
		orders:      make(map[string]OpenOrder),
		wal:         w,
		walDir:      walDir,
		snapshotDir: snapshotDir,
	}, nil
}

func positionKey(venue, symbol string) string { return venue + "/" + symbol }

// Recover loads the last snapshot (if any) then replays the WAL from the
// snapshot's LastSeq forward, rebuilding positions/orders in memory (spec
// §4.4 crash recovery, §8 scenario 5).
func (s *State) Recover() error {
	snap, err := s.loadLatestSnapshot()
	if err != nil {
		return err
	}
	if snap != nil {
		s.positions = snap.Positions
		s.orders = snap.Orders
		s.lastSeq = snap.LastSeq
	}

	return walstore.ReplayAll(s.walDir, func(e walstore.Entry) error {
		if e.Seq <= s.lastSeq {
			return nil
		}
		if err := s.applyEntry(e); err != nil {
			return err
		}
		s.lastSeq = e.Seq
		return nil
	})
}

func (s *State) applyEntry(e walstore.Entry) error {
	switch e.Kind {
	case KindOrderUpdated:
		var p orderUpdatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return execerrors.Fatal(execerrors.CodeWalInvariant, "corrupt order.updated payload", err)
		}
		s.orders[p.Order.OrderID] = p.Order
	case KindFillRecorded:
		var p fillRecordedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return execerrors.Fatal(execerrors.CodeWalInvariant, "corrupt fill.recorded payload", err)
		}
		s.orders[p.Order.OrderID] = p.Order
		s.positions[positionKey(p.Position.Venue, p.Position.Symbol)] = p.Position
	case KindPositionMark:
		var p positionMarkPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return execerrors.Fatal(execerrors.CodeWalInvariant, "corrupt position.mark payload", err)
		}
		s.positions[positionKey(p.Position.Venue, p.Position.Symbol)] = p.Position
	default:
		return execerrors.Fatal(execerrors.CodeWalInvariant, fmt.Sprintf("unknown wal entry kind %q", e.Kind), nil)
	}
	return nil
}

// RecordOrderUpdate persists and applies an order lifecycle transition.
func (s *State) RecordOrderUpdate(order OpenOrder) error {
	payload, err := json.Marshal(orderUpdatedPayload{Order: order})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.wal.Append(KindOrderUpdated, payload)
	if err != nil {
		return execerrors.Fatal(execerrors.CodeWalWriteFailure, "wal append failed", err)
	}
	if err := s.wal.Sync(); err != nil {
		return execerrors.Fatal(execerrors.CodeWalWriteFailure, "wal fsync failed", err)
	}
	s.orders[order.OrderID] = order
	s.lastSeq = seq
	return nil
}

// RecordFill persists a fill and the resulting order/position state
// together as one WAL entry, so recovery never observes a fill applied to
// an order without its matching position update (spec §8 invariant: WAL
// entries are atomic per state transition).
func (s *State) RecordFill(fill Fill, order OpenOrder, position Position) error {
	payload, err := json.Marshal(fillRecordedPayload{Fill: fill, Order: order, Position: position})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.wal.Append(KindFillRecorded, payload)
	if err != nil {
		return execerrors.Fatal(execerrors.CodeWalWriteFailure, "wal append failed", err)
	}
	if err := s.wal.Sync(); err != nil {
		return execerrors.Fatal(execerrors.CodeWalWriteFailure, "wal fsync failed", err)
	}
	s.orders[order.OrderID] = order
	s.positions[positionKey(position.Venue, position.Symbol)] = position
	s.lastSeq = seq
	return nil
}

// RecordMark persists a position mark-price update, keeping unrealized PnL
// current without an order/fill.
func (s *State) RecordMark(position Position) error {
	payload, err := json.Marshal(positionMarkPayload{Position: position})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.wal.Append(KindPositionMark, payload)
	if err != nil {
		return execerrors.Fatal(execerrors.CodeWalWriteFailure, "wal append failed", err)
	}
	s.positions[positionKey(position.Venue, position.Symbol)] = position
	s.lastSeq = seq
	return nil
}

// Position returns the current shadow position for venue/symbol.
func (s *State) Position(venue, symbol string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionKey(venue, symbol)]
	return p, ok
}

// Positions returns a snapshot copy of all known positions.
func (s *State) Positions() map[string]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Position, len(s.positions))
	for k, v := range s.positions {
		out[k] = v
	}
	return out
}

// Order returns the current shadow order by id.
func (s *State) Order(orderID string) (OpenOrder, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok
}

// Orders returns a snapshot copy of all known orders.
func (s *State) Orders() map[string]OpenOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]OpenOrder, len(s.orders))
	for k, v := range s.orders {
		out[k] = v
	}
	return out
}

// Snapshot writes the current in-memory state to snapshotDir and prunes WAL
// segments fully covered by it (spec §4.4 snapshotting).
func (s *State) Snapshot() error {
	s.mu.RLock()
	snap := snapshotFile{
		LastSeq:   s.lastSeq,
		Positions: make(map[string]Position, len(s.positions)),
		Orders:    make(map[string]OpenOrder, len(s.orders)),
		Timestamp: time.Now(),
	}
	for k, v := range s.positions {
		snap.Positions[k] = v
	}
	for k, v := range s.orders {
		snap.Orders[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	path := filepath.Join(s.snapshotDir, fmt.Sprintf("snapshot-%020d.json", snap.LastSeq))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	return walstore.PruneBefore(s.walDir, snap.LastSeq)
}

func (s *State) loadLatestSnapshot() (*snapshotFile, error) {
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var latest string
	for _, e := range entries {
		if e.Name() > latest {
			latest = e.Name()
		}
	}
	if latest == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.snapshotDir, latest))
	if err != nil {
		return nil, err
	}
	var snap snapshotFile
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("shadowstate: corrupt snapshot %s: %w", latest, err)
	}
	return &snap, nil
}

// Close fsyncs and closes the backing WAL.
func (s *State) Close() error {
	return s.wal.Close()
}

// LastSeq returns the highest WAL sequence number applied so far.
func (s *State) LastSeq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeq
}
