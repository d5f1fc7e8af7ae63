// Package dispatcher wires the execution core's pipeline together: intent
// bus delivery through Gatekeeper and RiskGuard into OrderManager, per-venue
// market-data and fill polling feeding TickCache and ShadowState, and the
// outbound event publication spec §6 describes. The Start/Stop/running
// shape follows the teacher's marble.Service base (internal/marble/service.go).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/eventbus"
	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/gatekeeper"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/ordermanager"
	"github.com/r3e-network/execution-core/internal/readmodel"
	"github.com/r3e-network/execution-core/internal/reconciler"
	"github.com/r3e-network/execution-core/internal/riskguard"
	"github.com/r3e-network/execution-core/internal/scheduler"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/tickcache"
	"github.com/r3e-network/execution-core/internal/venue"
)

// Outbound topics, spec §6.
const (
	TopicIntentAdmitted = "exec.intent.admitted.v1"
	TopicIntentRejected = "exec.intent.rejected.v1"
	TopicFill            = "exec.fill.v1"
	TopicModeTransition   = "exec.mode.transition.v1"
)

// fillPollInterval is the poll cadence for venue fills when an adapter has
// no push-based fill stream.
const fillPollInterval = 500 * time.Millisecond

// Config wires every collaborator the dispatcher drives.
type Config struct {
	IntentTopic string // inbound topic the strategy orchestrator publishes intents on

	State        *shadowstate.State
	Venues       map[string]venue.Adapter
	Gatekeeper   *gatekeeper.Gatekeeper
	RiskGuard    *riskguard.RiskGuard
	OrderManager *ordermanager.Manager
	Reconciler   *reconciler.Reconciler
	Scheduler    *scheduler.Scheduler
	Bus          *eventbus.Bus
	Cache        *tickcache.Cache
	ReadModel    *readmodel.Repository
	Mode         *modemachine.Machine

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Dispatcher runs the end-to-end pipeline for one process.
type Dispatcher struct {
	cfg Config

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a Dispatcher. Call Start to begin processing.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg, stopCh: make(chan struct{})}
}

// Start subscribes to the intent bus, launches per-venue fill pollers, and
// starts the OrderManager/Reconciler/Scheduler loops. Market-data
// subscribers are launched separately, through SubscribeMarketData.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher: already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	if d.cfg.Bus != nil {
		if err := d.cfg.Bus.Subscribe(d.cfg.IntentTopic, d.handleEnvelope); err != nil {
			return fmt.Errorf("dispatcher: subscribe intent topic: %w", err)
		}
	}

	for name, adapter := range d.cfg.Venues {
		d.wg.Add(1)
		go d.runFillPoller(ctx, name, adapter)
	}

	d.cfg.OrderManager.Start(ctx)
	d.cfg.Reconciler.Start(ctx)
	if d.cfg.Scheduler != nil {
		d.cfg.Scheduler.Start()
	}
	return nil
}

// Stop unwinds everything Start launched and blocks until in-flight work
// settles.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	if d.cfg.Bus != nil {
		_ = d.cfg.Bus.Unsubscribe(d.cfg.IntentTopic)
	}
	d.cfg.OrderManager.Stop()
	d.cfg.Reconciler.Stop()
	if d.cfg.Scheduler != nil {
		<-d.cfg.Scheduler.Stop().Done()
	}
	d.wg.Wait()
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Dispatcher) handleEnvelope(ctx context.Context, env eventbus.Envelope) error {
	var in intent.Intent
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.LogSecurityEvent(ctx, "malformed_envelope", err.Error())
		}
		return nil // malformed envelopes are dropped, not retried
	}
	d.HandleIntent(ctx, in)
	return nil
}

// HandleIntent runs one intent through Gatekeeper, RiskGuard, and
// OrderManager in spec order, publishing the outcome on the event bus.
func (d *Dispatcher) HandleIntent(ctx context.Context, in intent.Intent) {
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.IntentsReceived.WithLabelValues(in.Symbol).Inc()
	}

	if d.cfg.Gatekeeper != nil {
		if err := d.cfg.Gatekeeper.Admit(ctx, in); err != nil {
			d.reject(ctx, in, "gatekeeper", err)
			return
		}
	}

	if d.cfg.RiskGuard != nil {
		if err := d.cfg.RiskGuard.Evaluate(ctx, in); err != nil {
			d.reject(ctx, in, "riskguard", err)
			return
		}
	}

	order, err := d.cfg.OrderManager.Submit(ctx, in)
	if err != nil {
		d.reject(ctx, in, "ordermanager", err)
		return
	}

	if d.cfg.ReadModel != nil {
		if err := d.cfg.ReadModel.RecordOrder(ctx, order); err != nil && d.cfg.Logger != nil {
			d.cfg.Logger.WithError(err).Warn("readmodel: record order failed")
		}
	}
	d.publish(ctx, TopicIntentAdmitted, order)
}

func (d *Dispatcher) reject(ctx context.Context, in intent.Intent, stage string, err error) {
	code := string(execerrors.CodeOf(err))
	if code == "" {
		code = "unknown"
	}
	if d.cfg.Metrics != nil {
		d.cfg.Metrics.IntentsRejected.WithLabelValues(stage, code).Inc()
	}
	d.publish(ctx, TopicIntentRejected, map[string]interface{}{
		"intentId": in.IntentID,
		"stage":    stage,
		"code":     code,
		"reason":   err.Error(),
	})
}

func (d *Dispatcher) publish(ctx context.Context, topic string, payload interface{}) {
	if d.cfg.Bus == nil {
		return
	}
	if err := d.cfg.Bus.Publish(ctx, topic, payload); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.WithError(err).Warn("dispatcher: publish failed")
	}
}

// runFillPoller pulls new fills from one venue on a fixed cadence, feeding
// them into the OrderManager and recording a heartbeat on every successful
// call (spec §4.6 heartbeat gate).
func (d *Dispatcher) runFillPoller(ctx context.Context, venueName string, adapter venue.Adapter) {
	defer d.wg.Done()
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			fills, err := adapter.GetFillsSince(ctx, lastSeq)
			if d.cfg.Logger != nil {
				d.cfg.Logger.LogVenueCall(ctx, venueName, "getFillsSince", time.Since(start), err)
			}
			if err != nil {
				if d.cfg.Metrics != nil {
					d.cfg.Metrics.VenueCalls.WithLabelValues(venueName, "getFillsSince", "error").Inc()
				}
				continue
			}
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.VenueCalls.WithLabelValues(venueName, "getFillsSince", "ok").Inc()
			}
			if d.cfg.Cache != nil {
				_ = d.cfg.Cache.SetHeartbeat(ctx, venueName, time.Now())
			}
			for _, f := range fills {
				if f.Seq > lastSeq {
					lastSeq = f.Seq
				}
				if err := d.cfg.OrderManager.HandleFill(ctx, f); err != nil {
					if d.cfg.Logger != nil {
						d.cfg.Logger.WithError(err).Warn("ordermanager: handle fill failed")
					}
					continue
				}
				d.publish(ctx, TopicFill, f)
			}
		}
	}
}

// runMarketDataSubscriber streams ticks for symbol from adapter into the
// shared TickCache until the context or dispatcher stops.
func (d *Dispatcher) runMarketDataSubscriber(ctx context.Context, venueName, symbol string, adapter venue.Adapter) {
	defer d.wg.Done()
	ticks, err := adapter.SubscribeMarketData(ctx, symbol)
	if err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.WithError(err).Warn("venue: subscribe market data failed")
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if d.cfg.Cache != nil {
				_ = d.cfg.Cache.SetTick(ctx, venueName, t.Symbol, t.Price, t.Timestamp)
			}
		}
	}
}

// SubscribeMarketData launches a market-data subscriber for venue/symbol.
// Call once per symbol a running strategy trades, after Start.
func (d *Dispatcher) SubscribeMarketData(ctx context.Context, venueName, symbol string) error {
	adapter, ok := d.cfg.Venues[venueName]
	if !ok {
		return fmt.Errorf("dispatcher: unknown venue %q", venueName)
	}
	d.wg.Add(1)
	go d.runMarketDataSubscriber(ctx, venueName, symbol, adapter)
	return nil
}

// statePositionSource adapts ShadowState to riskguard.PositionSource.
type statePositionSource struct {
	state *shadowstate.State
}

// NewPositionSource builds a riskguard.PositionSource backed by state.
func NewPositionSource(state *shadowstate.State) riskguard.PositionSource {
	return &statePositionSource{state: state}
}

func (s *statePositionSource) PositionSize(venueName, symbol string) fixedpoint.Value {
	pos, ok := s.state.Position(venueName, symbol)
	if !ok {
		return fixedpoint.Zero
	}
	return pos.Size
}

// DailyPnL sums realized + unrealized PnL across every tracked position.
// The execution core does not separately track a trading-day boundary
// reset (spec leaves day-rollover semantics to the upstream orchestrator),
// and nothing resets RealizedPnL, so this is the running total over every
// position ShadowState holds.
func (s *statePositionSource) DailyPnL() fixedpoint.Value {
	total := fixedpoint.Zero
	for _, pos := range s.state.Positions() {
		total = total.Add(pos.RealizedPnL).Add(pos.UnrealizedPnL())
	}
	return total
}

// EquityCache refreshes and serves per-venue account equity for RiskGuard's
// leverage gate, polling GetAccount on a fixed cadence rather than once at
// boot since margin moves with every fill.
type EquityCache struct {
	mu     sync.RWMutex
	values map[string]fixedpoint.Value

	venues map[string]venue.Adapter
	logger *logging.Logger
}

// NewEquityCache builds an EquityCache for the given venues.
func NewEquityCache(venues map[string]venue.Adapter, logger *logging.Logger) *EquityCache {
	return &EquityCache{
		values: make(map[string]fixedpoint.Value),
		venues: venues,
		logger: logger,
	}
}

// Run refreshes every venue's account equity every interval until ctx is
// canceled.
func (e *EquityCache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

func (e *EquityCache) refresh(ctx context.Context) {
	for name, adapter := range e.venues {
		account, err := adapter.GetAccount(ctx)
		if err != nil {
			if e.logger != nil {
				e.logger.WithError(err).Warn("equitycache: get account failed")
			}
			continue
		}
		e.mu.Lock()
		e.values[name] = account.Equity
		e.mu.Unlock()
	}
}

// Equity returns an EquityProvider bound to one venue, for
// riskguard.Config.Equity.
func (e *EquityCache) Equity(venueName string) riskguard.EquityProvider {
	return func() fixedpoint.Value {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.values[venueName]
	}
}
