// Package ordermanager translates admitted intents into venue orders,
// manages their lifecycle, and reconciles fills into ShadowState (spec
// §4.3). The ticker-driven chase loop and mutex-guarded map state follow
// the teacher's scheduler shape (services/automation/automation_service.go
// runScheduler/Start/Stop).
package ordermanager

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/resilience"
	"github.com/r3e-network/execution-core/internal/riskguard"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/venue"
)

// ChaseConfig parameterizes the limit-chase behavior.
type ChaseConfig struct {
	Interval   time.Duration
	MaxChases  int
	ChaseTicks int64
	TickSize   map[string]fixedpoint.Value
}

// ReconcileHook is invoked when a venue call leaves an order's state
// unclear (an Unknown-class or retry-exhausted placement, a failed cancel)
// so the reconciler can reconcile that venue/symbol immediately rather than
// waiting for its regular cadence. There is no separate Unknown order
// status: such an order is recorded as Pending (placement) or keeps its
// previous status (cancel).
type ReconcileHook func(venueName, symbol string)

// Config wires a Manager's collaborators and tunables.
type Config struct {
	Chase             ChaseConfig
	ReorderBufferSize int
	ReorderTimeout    time.Duration
	BurstRateLimit    float64 // messages/sec; 0 disables cancel-on-burst
	RetryConfig       resilience.RetryConfig
	Clock             clock.Clock
	IDs               clock.IDGenerator
	Logger            *logging.Logger
	Metrics           *metrics.Metrics
	RiskGuard         *riskguard.RiskGuard
	OnReconcileNeeded ReconcileHook
}

func (c Config) withDefaults() Config {
	if c.ReorderBufferSize == 0 {
		c.ReorderBufferSize = 10
	}
	if c.ReorderTimeout == 0 {
		c.ReorderTimeout = 500 * time.Millisecond
	}
	if c.RetryConfig.MaxAttempts == 0 {
		c.RetryConfig = resilience.DefaultRetryConfig()
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.IDs == nil {
		c.IDs = clock.UUIDGenerator{}
	}
	return c
}

type pendingFill struct {
	fill     venue.Fill
	arrived  time.Time
}

type reorderBuffer struct {
	lastApplied uint64
	pending     []pendingFill
}

// Manager implements the order lifecycle state machine.
type Manager struct {
	cfg    Config
	state  *shadowstate.State
	venues map[string]venue.Adapter

	mu          sync.Mutex
	intentIndex map[string]string // intentID -> orderID, for idempotency
	venueIndex  map[string]string // venueOrderID -> orderID
	reorder     map[string]*reorderBuffer
	overloaded  map[string]bool
	msgCount    map[string]int
	msgWindowAt map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Manager.
func New(cfg Config, state *shadowstate.State, venues map[string]venue.Adapter) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		state:       state,
		venues:      venues,
		intentIndex: make(map[string]string),
		venueIndex:  make(map[string]string),
		reorder:     make(map[string]*reorderBuffer),
		overloaded:  make(map[string]bool),
		msgCount:    make(map[string]int),
		msgWindowAt: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// Submit places a venue order for an admitted intent. Duplicate intent ids
// resolve to the existing OpenOrder; the duplicate is journaled and dropped
// (spec §4.3 idempotency).
func (m *Manager) Submit(ctx context.Context, in intent.Intent) (shadowstate.OpenOrder, error) {
	m.mu.Lock()
	if orderID, ok := m.intentIndex[in.IntentID]; ok {
		m.mu.Unlock()
		existing, _ := m.state.Order(orderID)
		if m.cfg.Logger != nil {
			m.cfg.Logger.LogAudit(ctx, "duplicate_intent_dropped", in.AccountID, nil)
		}
		return existing, nil
	}
	if m.overloaded[in.Venue] && !in.ReduceOnly {
		m.mu.Unlock()
		return shadowstate.OpenOrder{}, execerrors.New(execerrors.CodeBusDisconnected, "venue backlog overloaded, opening intents deferred")
	}
	m.mu.Unlock()

	adapter, ok := m.venues[in.Venue]
	if !ok {
		return shadowstate.OpenOrder{}, execerrors.New(execerrors.CodeVenueUnknown, "no adapter registered for venue")
	}

	orderID := m.cfg.IDs.NewID()
	order := shadowstate.OpenOrder{
		OrderID:    orderID,
		IntentID:   in.IntentID,
		Venue:      in.Venue,
		Symbol:     in.Symbol,
		Side:       string(in.Side),
		Size:       in.Size,
		LimitPrice: in.LimitPrice,
		Status:     shadowstate.StatusPending,
		CreatedAt:  m.cfg.Clock.Now(),
		UpdatedAt:  m.cfg.Clock.Now(),
	}
	if err := m.state.RecordOrderUpdate(order); err != nil {
		return shadowstate.OpenOrder{}, err
	}

	m.mu.Lock()
	m.intentIndex[in.IntentID] = orderID
	m.mu.Unlock()

	venueOrder := venue.Order{
		IntentID: in.IntentID, Venue: in.Venue, Symbol: in.Symbol,
		Side: string(in.Side), Type: string(in.Type), Size: in.Size,
		LimitPrice: in.LimitPrice, ReduceOnly: in.ReduceOnly,
	}

	result, err := m.placeWithRetry(ctx, adapter, venueOrder)
	if err != nil {
		return m.handlePlaceFailure(order, err)
	}

	order.VenueOrderID = result.VenueOrderID
	order.Status = shadowstate.StatusWorking
	order.UpdatedAt = m.cfg.Clock.Now()
	if err := m.state.RecordOrderUpdate(order); err != nil {
		return shadowstate.OpenOrder{}, err
	}

	m.mu.Lock()
	m.venueIndex[result.VenueOrderID] = order.OrderID
	m.mu.Unlock()

	return order, nil
}

// placeWithRetry retries transient venue errors up to RetryConfig.MaxAttempts
// (spec §4.3 venue error classification).
func (m *Manager) placeWithRetry(ctx context.Context, adapter venue.Adapter, order venue.Order) (venue.PlaceResult, error) {
	var result venue.PlaceResult
	start := m.cfg.Clock.Now()
	err := resilience.Retry(ctx, m.cfg.RetryConfig, func(ctx context.Context) error {
		r, err := adapter.PlaceOrder(ctx, order)
		if err != nil {
			if ve, ok := err.(*venue.Error); ok && ve.Class != venue.ClassTransient {
				return resilience.Permanent(err)
			}
			return err
		}
		result = r
		return nil
	})
	if m.cfg.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		m.cfg.Metrics.VenueCalls.WithLabelValues(adapter.Name(), "placeOrder", outcome).Inc()
	}
	if m.cfg.Logger != nil {
		m.cfg.Logger.LogVenueCall(ctx, adapter.Name(), "placeOrder", m.cfg.Clock.Now().Sub(start), err)
	}
	return result, err
}

func (m *Manager) handlePlaceFailure(order shadowstate.OpenOrder, err error) (shadowstate.OpenOrder, error) {
	ve, ok := resilience.Unwrap(err).(*venue.Error)
	order.UpdatedAt = m.cfg.Clock.Now()
	switch {
	case ok && ve.Class == venue.ClassPermanent:
		order.Status = shadowstate.StatusRejected
	default:
		// Unknown (including exhausted retries on a still-unclear state):
		// never guess; record the order as Pending and let Reconciler
		// settle truth.
		order.Status = shadowstate.StatusPending
		if m.cfg.OnReconcileNeeded != nil {
			m.cfg.OnReconcileNeeded(order.Venue, order.Symbol)
		}
	}
	if recErr := m.state.RecordOrderUpdate(order); recErr != nil {
		return shadowstate.OpenOrder{}, recErr
	}
	return order, err
}

// CancelOrder cancels an order at its venue and marks it Canceled in
// ShadowState. A failed venue cancel records the order with its status
// unchanged and calls the reconcile hook so Reconciler can settle it
// (spec §5 cancellation semantics).
func (m *Manager) CancelOrder(ctx context.Context, orderID string) error {
	order, ok := m.state.Order(orderID)
	if !ok {
		return execerrors.New(execerrors.CodePositionInvariant, "cancel requested for unknown order")
	}
	adapter, ok := m.venues[order.Venue]
	if !ok {
		return execerrors.New(execerrors.CodeVenueUnknown, "no adapter registered for venue")
	}
	err := adapter.CancelOrder(ctx, order.VenueOrderID)
	order.UpdatedAt = m.cfg.Clock.Now()
	if err != nil {
		if m.cfg.OnReconcileNeeded != nil {
			m.cfg.OnReconcileNeeded(order.Venue, order.Symbol)
		}
		return m.state.RecordOrderUpdate(order)
	}
	order.Status = shadowstate.StatusCanceled
	return m.state.RecordOrderUpdate(order)
}

// HandleFill applies a venue fill to ShadowState, deferring out-of-order
// fills (by venue sequence number) in a small per-(venue,symbol) reorder
// buffer before applying them, or applying in arrival order with a drift
// flag once ReorderTimeout elapses (spec §4.3 ordering guarantees).
func (m *Manager) HandleFill(ctx context.Context, f venue.Fill) error {
	m.mu.Lock()
	orderID, ok := m.venueIndex[f.VenueOrderID]
	m.mu.Unlock()
	if !ok {
		return execerrors.New(execerrors.CodePositionInvariant, "fill references unknown venue order id")
	}
	order, ok := m.state.Order(orderID)
	if !ok {
		return execerrors.New(execerrors.CodePositionInvariant, "fill references unknown order")
	}

	bufKey := order.Venue + "/" + order.Symbol
	m.mu.Lock()
	buf, ok := m.reorder[bufKey]
	if !ok {
		buf = &reorderBuffer{}
		m.reorder[bufKey] = buf
	}
	m.mu.Unlock()

	return m.applyOrBuffer(ctx, buf, order, f)
}

func (m *Manager) applyOrBuffer(ctx context.Context, buf *reorderBuffer, order shadowstate.OpenOrder, f venue.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected := buf.lastApplied + 1
	if f.Seq != expected && f.Seq > buf.lastApplied {
		buf.pending = append(buf.pending, pendingFill{fill: f, arrived: m.cfg.Clock.Now()})
		if len(buf.pending) > m.cfg.ReorderBufferSize {
			return m.drainBufferLocked(ctx, buf, order, true)
		}
		return nil
	}

	if err := m.applyFillLocked(order, f); err != nil {
		return err
	}
	buf.lastApplied = f.Seq
	return m.drainBufferLocked(ctx, buf, order, false)
}

// drainBufferLocked applies any buffered fills that are now contiguous, or
// — if forced by buffer overflow or ReorderTimeout — applies everything
// remaining in arrival order and logs a drift event.
func (m *Manager) drainBufferLocked(ctx context.Context, buf *reorderBuffer, order shadowstate.OpenOrder, forceDrain bool) error {
	for {
		progressed := false
		for i, pf := range buf.pending {
			if pf.fill.Seq == buf.lastApplied+1 {
				if err := m.applyFillLocked(order, pf.fill); err != nil {
					return err
				}
				buf.lastApplied = pf.fill.Seq
				buf.pending = append(buf.pending[:i], buf.pending[i+1:]...)
				progressed = true
				break
			}
		}
		if !progressed {
			break
		}
	}

	if len(buf.pending) == 0 {
		return nil
	}

	timedOut := forceDrain
	if !timedOut {
		oldest := buf.pending[0].arrived
		timedOut = m.cfg.Clock.Now().Sub(oldest) > m.cfg.ReorderTimeout
	}
	if !timedOut {
		return nil
	}

	if m.cfg.Logger != nil {
		m.cfg.Logger.LogSecurityEvent(ctx, "fill_reorder_drift", order.Symbol)
	}
	for _, pf := range buf.pending {
		if err := m.applyFillLocked(order, pf.fill); err != nil {
			return err
		}
		if pf.fill.Seq > buf.lastApplied {
			buf.lastApplied = pf.fill.Seq
		}
	}
	buf.pending = nil
	return nil
}

func (m *Manager) applyFillLocked(order shadowstate.OpenOrder, f venue.Fill) error {
	current, ok := m.state.Order(order.OrderID)
	if ok {
		order = current
	}
	signed := f.Size
	if f.Side == "sell" {
		signed = signed.Neg()
	}

	order.FilledSize = order.FilledSize.Add(f.Size)
	order.UpdatedAt = m.cfg.Clock.Now()
	if order.Remaining().IsZero() {
		order.Status = shadowstate.StatusFilled
	} else {
		order.Status = shadowstate.StatusPartiallyFilled
	}

	position, _ := m.state.Position(order.Venue, order.Symbol)
	position.Venue = order.Venue
	position.Symbol = order.Symbol
	newSize := position.Size.Add(signed)
	switch {
	case position.Size.IsZero():
		// Opening a new position from flat.
		position.AvgEntryPrice = f.Price
	case position.Size.Sign() == newSize.Sign() && newSize.Abs().Cmp(position.Size.Abs()) >= 0:
		// Position grows in the same direction: weighted-average the entry price.
		totalCost := position.AvgEntryPrice.Mul(position.Size.Abs()).Add(f.Price.Mul(f.Size))
		position.AvgEntryPrice = totalCost.Div(newSize.Abs())
	case position.Size.Sign() != newSize.Sign() && !newSize.IsZero():
		// Position flipped sides: realize PnL on the portion that closed,
		// then the remainder opens fresh at the fill price.
		closedQty := position.Size.Abs()
		position.RealizedPnL = position.RealizedPnL.Add(closedQty.Mul(f.Price.Sub(position.AvgEntryPrice)).Mul(fixedpoint.FromInt64(position.Size.Sign())))
		position.AvgEntryPrice = f.Price
	case newSize.IsZero():
		// Fully closed: realize PnL on the whole position, no residual entry price.
		closedQty := position.Size.Abs()
		position.RealizedPnL = position.RealizedPnL.Add(closedQty.Mul(f.Price.Sub(position.AvgEntryPrice)).Mul(fixedpoint.FromInt64(position.Size.Sign())))
	default:
		// Partial close: realize PnL proportionally, entry price unchanged.
		closedQty := f.Size
		position.RealizedPnL = position.RealizedPnL.Add(closedQty.Mul(f.Price.Sub(position.AvgEntryPrice)).Mul(fixedpoint.FromInt64(position.Size.Sign())))
	}
	position.Size = newSize
	position.LastMarkPrice = f.Price
	position.LastUpdateAt = m.cfg.Clock.Now()

	fill := shadowstate.Fill{
		FillID: f.FillID, OrderID: order.OrderID, Venue: order.Venue, Symbol: order.Symbol,
		Side: f.Side, Price: f.Price, Size: f.Size, Timestamp: f.Timestamp,
	}
	if err := m.state.RecordFill(fill, order, position); err != nil {
		return err
	}

	if m.cfg.RiskGuard != nil && !order.LimitPrice.IsZero() {
		m.cfg.RiskGuard.ObserveFill(context.Background(), order.Symbol, order.LimitPrice, f.Price)
	}
	return nil
}

// RecordMessage tracks one inbound message from venueName for the
// cancel-on-burst check. When BurstRateLimit is exceeded, new Opens on that
// venue are deferred and in-flight Opens are canceled (spec §4.3
// cancel-on-burst).
func (m *Manager) RecordMessage(ctx context.Context, venueName string) {
	if m.cfg.BurstRateLimit <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.Clock.Now()
	windowStart, ok := m.msgWindowAt[venueName]
	if !ok || now.Sub(windowStart) >= time.Second {
		m.msgWindowAt[venueName] = now
		m.msgCount[venueName] = 0
	}
	m.msgCount[venueName]++

	rate := float64(m.msgCount[venueName])
	wasOverloaded := m.overloaded[venueName]
	m.overloaded[venueName] = rate > m.cfg.BurstRateLimit

	if !wasOverloaded && m.overloaded[venueName] {
		m.cancelInFlightOpensLocked(ctx, venueName)
	}
}

func (m *Manager) cancelInFlightOpensLocked(ctx context.Context, venueName string) {
	for _, o := range m.state.Orders() {
		if o.Venue != venueName {
			continue
		}
		if o.Status == shadowstate.StatusPending || o.Status == shadowstate.StatusWorking {
			go func(orderID string) {
				_ = m.CancelOrder(ctx, orderID)
			}(o.OrderID)
		}
	}
}

// Start begins the limit-chase background loop.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Chase.Interval <= 0 {
		return
	}
	go m.runChaseLoop(ctx)
}

// Stop halts the chase loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) runChaseLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Chase.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkChases(ctx)
		}
	}
}

// checkChases cancels and re-places limit orders that have gone unfilled
// for longer than Chase.Interval, improving price by chaseTicks*tickSize,
// up to MaxChases (spec §4.3 limit-chase).
func (m *Manager) checkChases(ctx context.Context) {
	now := m.cfg.Clock.Now()
	for _, o := range m.state.Orders() {
		if o.Status != shadowstate.StatusWorking && o.Status != shadowstate.StatusPartiallyFilled {
			continue
		}
		if o.LimitPrice.IsZero() {
			continue
		}
		if now.Sub(o.UpdatedAt) < m.cfg.Chase.Interval {
			continue
		}
		if o.ChaseCount >= m.cfg.Chase.MaxChases {
			continue
		}
		m.chaseOrder(ctx, o)
	}
}

func (m *Manager) chaseOrder(ctx context.Context, o shadowstate.OpenOrder) {
	adapter, ok := m.venues[o.Venue]
	if !ok {
		return
	}
	if err := adapter.CancelOrder(ctx, o.VenueOrderID); err != nil {
		if m.cfg.OnReconcileNeeded != nil {
			m.cfg.OnReconcileNeeded(o.Venue, o.Symbol)
		}
		return
	}

	tick := m.cfg.Chase.TickSize[o.Symbol]
	improvement := tick.Mul(fixedpoint.FromInt64(m.cfg.Chase.ChaseTicks))
	newPrice := o.LimitPrice
	if o.Side == "buy" {
		newPrice = newPrice.Add(improvement)
	} else {
		newPrice = newPrice.Sub(improvement)
	}

	remaining := o.Remaining()
	result, err := adapter.PlaceOrder(ctx, venue.Order{
		IntentID: o.IntentID, Venue: o.Venue, Symbol: o.Symbol,
		Side: o.Side, Type: "limit", Size: remaining, LimitPrice: newPrice,
	})

	o.ChaseCount++
	o.UpdatedAt = m.cfg.Clock.Now()
	if err != nil {
		o.Status = shadowstate.StatusPending
		_ = m.state.RecordOrderUpdate(o)
		if m.cfg.OnReconcileNeeded != nil {
			m.cfg.OnReconcileNeeded(o.Venue, o.Symbol)
		}
		return
	}
	m.mu.Lock()
	delete(m.venueIndex, o.VenueOrderID)
	m.venueIndex[result.VenueOrderID] = o.OrderID
	m.mu.Unlock()

	o.VenueOrderID = result.VenueOrderID
	o.LimitPrice = newPrice
	o.Status = shadowstate.StatusWorking
	_ = m.state.RecordOrderUpdate(o)
}
