// Package reconciler continuously compares ShadowState to venue truth and
// maintains a confidence score per venue/symbol pair (spec §4.5). It never
// mutates ShadowState directly; drift is logged and surfaced to the mode
// machine, and only an explicit operator reset-from-venue workflow may
// overwrite shadow positions. The ticker-driven run loop follows the
// teacher's scheduler shape (services/automation/automation_service.go).
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/venue"
)

const (
	priceEpsBps  = 1
	driftPenalty = 0.2
	cleanBonus   = 0.01
	confFloor    = 0.0
	confCeiling  = 1.0
	cautiousAt   = 0.5
	defensiveAt  = 0.25
)

// Drift describes a single symbol mismatch between ShadowState and venue
// truth.
type Drift struct {
	Venue          string
	Symbol         string
	ShadowNetQty   fixedpoint.Value
	VenueNetQty    fixedpoint.Value
	ShadowAvgPrice fixedpoint.Value
	VenueAvgPrice  fixedpoint.Value
	DetectedAt     time.Time
}

// Config wires a Reconciler's collaborators and cadence.
type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Mode     *modemachine.Machine
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	return c
}

// Reconciler compares ShadowState to venue truth on a cadence and maintains
// a confidence score that feeds the mode machine.
type Reconciler struct {
	cfg    Config
	state  *shadowstate.State
	venues map[string]venue.Adapter

	mu         sync.Mutex
	confidence float64
	lastSeq    map[string]uint64 // venue -> last reconciled fill seq
	drifts     []Drift

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Reconciler starting at full confidence.
func New(cfg Config, state *shadowstate.State, venues map[string]venue.Adapter) *Reconciler {
	return &Reconciler{
		cfg:        cfg.withDefaults(),
		state:      state,
		venues:     venues,
		confidence: confCeiling,
		lastSeq:    make(map[string]uint64),
		stopCh:     make(chan struct{}),
	}
}

// Confidence returns the current reconcile confidence score.
func (r *Reconciler) Confidence() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confidence
}

// Drifts returns the drifts observed on the most recent run.
func (r *Reconciler) Drifts() []Drift {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Drift, len(r.drifts))
	copy(out, r.drifts)
	return out
}

// Start begins the reconcile loop.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the reconcile loop.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Reconciler) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll runs one reconcile pass across every registered venue; the
// run loop calls it on every tick. Immediate reconciles of a single venue
// go through ReconcileVenue.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	for name, adapter := range r.venues {
		r.reconcileVenue(ctx, name, adapter)
	}
}

// ReconcileVenue runs one reconcile pass for a single venue, used by
// OrderManager's reconcile hook (spec §4.3/§4.5), which only needs to settle
// the venue involved.
func (r *Reconciler) ReconcileVenue(ctx context.Context, venueName string) {
	adapter, ok := r.venues[venueName]
	if !ok {
		return
	}
	r.reconcileVenue(ctx, venueName, adapter)
}

func (r *Reconciler) reconcileVenue(ctx context.Context, venueName string, adapter venue.Adapter) {
	start := r.cfg.Clock.Now()
	outcome := "clean"

	venuePositions, err := adapter.GetPositions(ctx)
	if err != nil {
		outcome = "error"
		r.recordRun(venueName, outcome, start)
		if r.cfg.Logger != nil {
			r.cfg.Logger.LogVenueCall(ctx, venueName, "getPositions", r.cfg.Clock.Now().Sub(start), err)
		}
		return
	}

	r.mu.Lock()
	lastSeq := r.lastSeq[venueName]
	r.mu.Unlock()
	fills, err := adapter.GetFillsSince(ctx, lastSeq)
	if err == nil && len(fills) > 0 {
		maxSeq := lastSeq
		for _, f := range fills {
			if f.Seq > maxSeq {
				maxSeq = f.Seq
			}
		}
		r.mu.Lock()
		r.lastSeq[venueName] = maxSeq
		r.mu.Unlock()
	}

	byVenueSymbol := make(map[string]venue.VenuePosition, len(venuePositions))
	for _, vp := range venuePositions {
		byVenueSymbol[vp.Symbol] = vp
	}

	var found []Drift
	seen := make(map[string]bool)
	for _, shadowPos := range r.state.Positions() {
		if shadowPos.Venue != venueName {
			continue
		}
		seen[shadowPos.Symbol] = true
		vp, ok := byVenueSymbol[shadowPos.Symbol]
		if !ok {
			vp = venue.VenuePosition{Symbol: shadowPos.Symbol}
		}
		if d, drifted := compare(venueName, shadowPos, vp, r.cfg.Clock.Now()); drifted {
			found = append(found, d)
		}
	}
	for symbol, vp := range byVenueSymbol {
		if seen[symbol] {
			continue
		}
		if vp.NetQty.IsZero() {
			continue
		}
		// Venue reports a position ShadowState has no record of at all.
		found = append(found, Drift{
			Venue: venueName, Symbol: symbol,
			ShadowNetQty: fixedpoint.FromInt64(0), VenueNetQty: vp.NetQty,
			VenueAvgPrice: vp.AvgEntryPrice,
			DetectedAt:    r.cfg.Clock.Now(),
		})
	}

	if len(found) > 0 {
		outcome = "drift"
		r.applyDrift(ctx, found)
	} else {
		r.applyClean(ctx)
	}

	r.recordRun(venueName, outcome, start)
}

// compare reports whether shadow and venue disagree on a symbol beyond
// tolerance (qtyEps absolute, priceEps relative in basis points).
func compare(venueName string, shadow shadowstate.Position, vp venue.VenuePosition, now time.Time) (Drift, bool) {
	qtyDiff := shadow.Size.Sub(vp.NetQty).Abs()
	qtyDrifted := qtyDiff.Cmp(epsilonQty()) > 0

	priceTolerance := shadow.AvgEntryPrice.BpsOf(priceEpsBps)
	if priceTolerance.IsZero() {
		priceTolerance = vp.AvgEntryPrice.BpsOf(priceEpsBps)
	}
	priceDiff := shadow.AvgEntryPrice.Sub(vp.AvgEntryPrice).Abs()
	priceDrifted := !shadow.Size.IsZero() && priceDiff.Cmp(priceTolerance) > 0

	if !qtyDrifted && !priceDrifted {
		return Drift{}, false
	}
	return Drift{
		Venue: venueName, Symbol: shadow.Symbol,
		ShadowNetQty: shadow.Size, VenueNetQty: vp.NetQty,
		ShadowAvgPrice: shadow.AvgEntryPrice, VenueAvgPrice: vp.AvgEntryPrice,
		DetectedAt: now,
	}, true
}

// epsilonQty is spec.md's qtyEps=10^-8, which in the fixed-point
// representation (scaled by 10^8) is exactly one raw unit.
func epsilonQty() fixedpoint.Value {
	return fixedpoint.Value(1)
}

func (r *Reconciler) applyDrift(ctx context.Context, drifts []Drift) {
	r.mu.Lock()
	r.drifts = drifts
	r.confidence -= driftPenalty
	if r.confidence < confFloor {
		r.confidence = confFloor
	}
	confidence := r.confidence
	r.mu.Unlock()

	for _, d := range drifts {
		if r.cfg.Logger != nil {
			r.cfg.Logger.LogSecurityEvent(ctx, "drift_detected", d.Symbol)
		}
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReconcileDrift.Set(float64(len(drifts)))
	}
	r.applyConfidenceToMode(confidence)
}

func (r *Reconciler) applyClean(ctx context.Context) {
	r.mu.Lock()
	r.drifts = nil
	r.confidence += cleanBonus
	if r.confidence > confCeiling {
		r.confidence = confCeiling
	}
	confidence := r.confidence
	r.mu.Unlock()

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReconcileDrift.Set(0)
	}
	r.applyConfidenceToMode(confidence)
}

// applyConfidenceToMode pushes mode transitions implied by the confidence
// thresholds in spec §4.6: below 0.5 downgrades to Cautious, below 0.25
// downgrades to Defensive. Recovery out of a confidence-driven mode is left
// to the mode machine's own Downgrade/Clear paths (e.g. a healthy heartbeat
// plus operator ACK), never auto-applied here.
func (r *Reconciler) applyConfidenceToMode(confidence float64) {
	if r.cfg.Mode == nil {
		return
	}
	switch {
	case confidence < defensiveAt:
		r.cfg.Mode.Escalate(modemachine.ReasonReconcileDrift)
	case confidence < cautiousAt:
		r.cfg.Mode.CautionOn(modemachine.ReasonReconcileDrift)
	}
}

func (r *Reconciler) recordRun(venueName, outcome string, start time.Time) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReconcileRuns.WithLabelValues(venueName, outcome).Inc()
	}
	if r.cfg.Logger != nil {
		r.cfg.Logger.LogVenueCall(context.Background(), venueName, "reconcile", r.cfg.Clock.Now().Sub(start), nil)
	}
}
