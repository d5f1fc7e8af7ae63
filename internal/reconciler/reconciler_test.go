package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/venue"
	"github.com/r3e-network/execution-core/internal/venue/sim"
)

func newTestState(t *testing.T) *shadowstate.State {
	t.Helper()
	dir := t.TempDir()
	st, err := shadowstate.New(dir+"/wal", 1<<20, dir+"/snapshots")
	if err != nil {
		t.Fatalf("shadowstate.New: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReconcileAllStaysCleanWhenMatching(t *testing.T) {
	st := newTestState(t)
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))

	if _, err := simAdapter.PlaceOrder(context.Background(), venue.Order{
		Symbol: "BTC-USD", Side: "buy", Type: "market", Size: fixedpoint.FromInt64(1),
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := st.RecordFill(
		shadowstate.Fill{FillID: "f1", OrderID: "o1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Price: fixedpoint.FromInt64(50000), Size: fixedpoint.FromInt64(1), Timestamp: c.Now()},
		shadowstate.OpenOrder{OrderID: "o1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Size: fixedpoint.FromInt64(1), FilledSize: fixedpoint.FromInt64(1), Status: shadowstate.StatusFilled, CreatedAt: c.Now(), UpdatedAt: c.Now()},
		shadowstate.Position{Venue: "sim", Symbol: "BTC-USD", Size: fixedpoint.FromInt64(1), AvgEntryPrice: fixedpoint.FromInt64(50000), LastMarkPrice: fixedpoint.FromInt64(50000), LastUpdateAt: c.Now()},
	); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	rec := New(Config{Clock: c}, st, map[string]venue.Adapter{"sim": simAdapter})
	rec.ReconcileAll(context.Background())

	if got := rec.Confidence(); got <= 1.0-1e-9 && got != 1.0 {
		t.Fatalf("confidence = %v, want ceiling after a clean reconcile", got)
	}
	if len(rec.Drifts()) != 0 {
		t.Fatalf("drifts = %+v, want none", rec.Drifts())
	}
}

func TestReconcileAllDetectsQtyDriftAndDecrementsConfidence(t *testing.T) {
	st := newTestState(t)
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))

	// Venue reports 0.1 filled, but ShadowState only recorded the first
	// partial fill (0.05) before a simulated crash, mirroring the crash
	// recovery seed scenario.
	if _, err := simAdapter.PlaceOrder(context.Background(), venue.Order{
		Symbol: "BTC-USD", Side: "buy", Type: "market", Size: fixedpoint.FromFloat64(0.1),
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if err := st.RecordFill(
		shadowstate.Fill{FillID: "f1", OrderID: "o1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Price: fixedpoint.FromInt64(50000), Size: fixedpoint.FromFloat64(0.05), Timestamp: c.Now()},
		shadowstate.OpenOrder{OrderID: "o1", Venue: "sim", Symbol: "BTC-USD", Side: "buy", Size: fixedpoint.FromFloat64(0.1), FilledSize: fixedpoint.FromFloat64(0.05), Status: shadowstate.StatusPartiallyFilled, CreatedAt: c.Now(), UpdatedAt: c.Now()},
		shadowstate.Position{Venue: "sim", Symbol: "BTC-USD", Size: fixedpoint.FromFloat64(0.05), AvgEntryPrice: fixedpoint.FromInt64(50000), LastMarkPrice: fixedpoint.FromInt64(50000), LastUpdateAt: c.Now()},
	); err != nil {
		t.Fatalf("RecordFill: %v", err)
	}

	mode := modemachine.New(nil)
	rec := New(Config{Clock: c, Mode: mode}, st, map[string]venue.Adapter{"sim": simAdapter})
	rec.ReconcileAll(context.Background())

	if got := rec.Confidence(); got != 0.8 {
		t.Fatalf("confidence = %v, want 0.8 after one drift penalty", got)
	}
	drifts := rec.Drifts()
	if len(drifts) != 1 || drifts[0].Symbol != "BTC-USD" {
		t.Fatalf("drifts = %+v, want one BTC-USD drift", drifts)
	}
}

func TestLowConfidenceEscalatesToDefensive(t *testing.T) {
	st := newTestState(t)
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))

	if _, err := simAdapter.PlaceOrder(context.Background(), venue.Order{
		Symbol: "BTC-USD", Side: "buy", Type: "market", Size: fixedpoint.FromInt64(1),
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	// ShadowState never recorded this position at all: a full drift.
	mode := modemachine.New(nil)
	rec := New(Config{Clock: c, Mode: mode}, st, map[string]venue.Adapter{"sim": simAdapter})

	for i := 0; i < 4; i++ {
		rec.ReconcileAll(context.Background())
	}

	if got := rec.Confidence(); got > 0.25 {
		t.Fatalf("confidence = %v, want <= 0.25 after four drift penalties", got)
	}
	gotMode, reason, _ := mode.Mode()
	if gotMode != modemachine.Defensive || reason != modemachine.ReasonReconcileDrift {
		t.Fatalf("mode = (%v,%v), want (Defensive,reconcile_drift)", gotMode, reason)
	}
}
