package ordermanager

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/intent"
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

func testIntent() intent.Intent {
	return intent.Intent{
		IntentID:   "in-1",
		AccountID:  "acct-1",
		Venue:      "sim",
		Symbol:     "BTC-USD",
		Side:       intent.SideBuy,
		Type:       intent.TypeMarket,
		Size:       fixedpoint.FromInt64(1),
		Nonce:      "n1",
		Timestamp:  time.Now(),
	}
}

func TestSubmitPlacesAndFillsMarketOrder(t *testing.T) {
	st := newTestState(t)
	ids := &clock.Sequence{Prefix: "ord"}
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))

	mgr := New(Config{Clock: c, IDs: ids}, st, map[string]venue.Adapter{"sim": simAdapter})

	order, err := mgr.Submit(context.Background(), testIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != shadowstate.StatusWorking {
		t.Fatalf("status = %v, want Working", order.Status)
	}
	if order.VenueOrderID == "" {
		t.Fatal("expected a venue order id to be recorded")
	}

	fills, err := simAdapter.GetFillsSince(context.Background(), 0)
	if err != nil || len(fills) != 1 {
		t.Fatalf("GetFillsSince: %v %v", fills, err)
	}
	if err := mgr.HandleFill(context.Background(), fills[0]); err != nil {
		t.Fatalf("HandleFill: %v", err)
	}

	got, ok := st.Order(order.OrderID)
	if !ok {
		t.Fatal("expected order in shadow state")
	}
	if got.Status != shadowstate.StatusFilled {
		t.Fatalf("status = %v, want Filled", got.Status)
	}

	pos, ok := st.Position("sim", "BTC-USD")
	if !ok || pos.Size.Cmp(fixedpoint.FromInt64(1)) != 0 {
		t.Fatalf("position = %+v, want size 1", pos)
	}
}

func TestSubmitIsIdempotentOnDuplicateIntent(t *testing.T) {
	st := newTestState(t)
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))
	mgr := New(Config{Clock: c, IDs: &clock.Sequence{Prefix: "ord"}}, st, map[string]venue.Adapter{"sim": simAdapter})

	in := testIntent()
	first, err := mgr.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := mgr.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit (duplicate): %v", err)
	}
	if first.OrderID != second.OrderID {
		t.Fatalf("duplicate submit produced a different order: %s vs %s", first.OrderID, second.OrderID)
	}
}

type stepClock struct{ at time.Time }

func (c *stepClock) Now() time.Time          { return c.at }
func (c *stepClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func TestCheckChasesReplacesStaleLimitOrder(t *testing.T) {
	st := newTestState(t)
	clk := &stepClock{at: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), clk, &clock.Sequence{Prefix: "vo"})

	mgr := New(Config{
		Clock: clk,
		IDs:   &clock.Sequence{Prefix: "ord"},
		Chase: ChaseConfig{
			Interval:   time.Minute,
			MaxChases:  3,
			ChaseTicks: 2,
			TickSize:   map[string]fixedpoint.Value{"BTC-USD": fixedpoint.FromInt64(1)},
		},
	}, st, map[string]venue.Adapter{"sim": simAdapter})

	in := testIntent()
	in.Type = intent.TypeLimit
	in.LimitPrice = fixedpoint.FromInt64(49000)

	order, err := mgr.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.Status != shadowstate.StatusWorking {
		t.Fatalf("status = %v, want Working", order.Status)
	}
	firstVenueOrderID := order.VenueOrderID

	clk.Advance(2 * time.Minute)
	mgr.checkChases(context.Background())

	got, ok := st.Order(order.OrderID)
	if !ok {
		t.Fatal("expected order in shadow state")
	}
	if got.ChaseCount != 1 {
		t.Fatalf("ChaseCount = %d, want 1", got.ChaseCount)
	}
	if got.VenueOrderID == firstVenueOrderID {
		t.Fatal("expected a new venue order id after chasing")
	}
	wantPrice := fixedpoint.FromInt64(49000).Add(fixedpoint.FromInt64(2))
	if got.LimitPrice.Cmp(wantPrice) != 0 {
		t.Fatalf("LimitPrice = %s, want %s", got.LimitPrice.String(), wantPrice.String())
	}
	if got.Status != shadowstate.StatusWorking {
		t.Fatalf("status = %v, want Working", got.Status)
	}

	// A second pass before another Interval elapses must not chase again.
	mgr.checkChases(context.Background())
	got, _ = st.Order(order.OrderID)
	if got.ChaseCount != 1 {
		t.Fatalf("ChaseCount = %d after immediate recheck, want unchanged 1", got.ChaseCount)
	}
}

func TestHandleFillBuffersOutOfOrderThenApplies(t *testing.T) {
	st := newTestState(t)
	c := clock.Fixed{At: time.Now()}
	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), c, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))
	mgr := New(Config{Clock: c, IDs: &clock.Sequence{Prefix: "ord"}, ReorderBufferSize: 10, ReorderTimeout: time.Minute}, st, map[string]venue.Adapter{"sim": simAdapter})

	in := testIntent()
	in.Size = fixedpoint.FromInt64(2)
	order, err := mgr.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fillOutOfOrder := venue.Fill{FillID: "f2", VenueOrderID: order.VenueOrderID, Symbol: "BTC-USD", Side: "buy", Price: fixedpoint.FromInt64(50000), Size: fixedpoint.FromInt64(1), Seq: 2}
	fillInOrder := venue.Fill{FillID: "f1", VenueOrderID: order.VenueOrderID, Symbol: "BTC-USD", Side: "buy", Price: fixedpoint.FromInt64(50000), Size: fixedpoint.FromInt64(1), Seq: 1}

	if err := mgr.HandleFill(context.Background(), fillOutOfOrder); err != nil {
		t.Fatalf("HandleFill (out of order): %v", err)
	}
	got, _ := st.Order(order.OrderID)
	if got.FilledSize.Sign() != 0 {
		t.Fatalf("fill applied before its predecessor arrived: filledSize=%s", got.FilledSize)
	}

	if err := mgr.HandleFill(context.Background(), fillInOrder); err != nil {
		t.Fatalf("HandleFill (in order): %v", err)
	}
	got, _ = st.Order(order.OrderID)
	if got.FilledSize.Cmp(fixedpoint.FromInt64(2)) != 0 {
		t.Fatalf("filledSize = %s, want 2 once both fills applied", got.FilledSize)
	}
}
