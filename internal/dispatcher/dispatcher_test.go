package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/gatekeeper"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/ordermanager"
	"github.com/r3e-network/execution-core/internal/policy"
	"github.com/r3e-network/execution-core/internal/reconciler"
	"github.com/r3e-network/execution-core/internal/riskguard"
	"github.com/r3e-network/execution-core/internal/shadowstate"
	"github.com/r3e-network/execution-core/internal/venue"
	"github.com/r3e-network/execution-core/internal/venue/sim"
)

const hexChars = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[2*i] = hexChars[c>>4]
		out[2*i+1] = hexChars[c&0x0f]
	}
	return string(out)
}

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

type fakeTicks struct{}

func (fakeTicks) LastTick(venueName, symbol string) (fixedpoint.Value, time.Time, bool) {
	return fixedpoint.FromInt64(50000), time.Now(), true
}

type fakeHeartbeats struct{}

func (fakeHeartbeats) LastHeartbeat(venueName string) (time.Time, bool) {
	return time.Now(), true
}

func signIntent(t *testing.T, key []byte, in intent.Intent) intent.Intent {
	t.Helper()
	payload, err := in.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	in.Signature = hexEncode(crypto.HMACSign(key, payload))
	return in
}

func newPipeline(t *testing.T) (*Dispatcher, *shadowstate.State, []byte, string) {
	t.Helper()
	st := newTestState(t)

	accountKey := []byte("account-key")
	policyKey := []byte("policy-key")

	p := policy.RiskPolicy{
		Version:        1,
		Whitelist:      map[string][]string{"sim": {"BTC-USD"}},
		MaxNotional:    map[string]fixedpoint.Value{"BTC-USD": fixedpoint.FromInt64(1000000)},
		MaxLeverage:    fixedpoint.FromInt64(100),
		DailyLossLimit: fixedpoint.FromInt64(1000000),
	}
	payload, err := p.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	p.Signature = hexEncode(crypto.HMACSign(policyKey, payload))
	store := policy.NewStore(30 * time.Second)
	if err := store.Set(p); err != nil {
		t.Fatalf("Set: %v", err)
	}
	_, hash := store.Active()

	gk := gatekeeper.New(gatekeeper.Config{MaxClockSkew: 5 * time.Second, NonceWindow: time.Minute},
		func(string) ([]byte, error) { return accountKey, nil }, store, nil)

	mode := modemachine.New(nil)
	rg := riskguard.New(riskguard.Config{
		PolicyStore: store,
		Mode:        mode,
		Ticks:       fakeTicks{},
		Heartbeats:  fakeHeartbeats{},
		Positions:   NewPositionSource(st),
		Equity:      func() fixedpoint.Value { return fixedpoint.FromInt64(1000000) },
	})

	simAdapter := sim.New("sim", fixedpoint.FromInt64(1000000), clock.System{}, &clock.Sequence{Prefix: "vo"})
	simAdapter.SetMark("BTC-USD", fixedpoint.FromInt64(50000))
	venues := map[string]venue.Adapter{"sim": simAdapter}

	om := ordermanager.New(ordermanager.Config{IDs: &clock.Sequence{Prefix: "ord"}, RiskGuard: rg}, st, venues)
	rec := reconciler.New(reconciler.Config{Mode: mode}, st, venues)

	d := New(Config{
		IntentTopic:  "exec.intent.v1",
		State:        st,
		Venues:       venues,
		Gatekeeper:   gk,
		RiskGuard:    rg,
		OrderManager: om,
		Reconciler:   rec,
		Mode:         mode,
	})
	return d, st, accountKey, hash
}

func testIntent(policyHash string) intent.Intent {
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
		PolicyHash: policyHash,
	}
}

func TestHandleIntentPlacesOrderOnAdmission(t *testing.T) {
	d, st, key, hash := newPipeline(t)
	in := signIntent(t, key, testIntent(hash))

	d.HandleIntent(context.Background(), in)

	orders := st.Orders()
	if len(orders) != 1 {
		t.Fatalf("expected one order in shadow state, got %d", len(orders))
	}
}

func TestHandleIntentRejectsReplayedNonce(t *testing.T) {
	d, st, key, hash := newPipeline(t)
	in := signIntent(t, key, testIntent(hash))

	d.HandleIntent(context.Background(), in)
	d.HandleIntent(context.Background(), in)

	if len(st.Orders()) != 1 {
		t.Fatalf("expected the replayed intent to be rejected, not produce a second order")
	}
}

func TestHandleIntentRejectsWhenDefensive(t *testing.T) {
	d, st, key, hash := newPipeline(t)
	d.cfg.Mode.Escalate(modemachine.ReasonOperatorOverride)

	in := signIntent(t, key, testIntent(hash))
	d.HandleIntent(context.Background(), in)

	if len(st.Orders()) != 0 {
		t.Fatalf("expected no order placed while mode machine is Defensive")
	}
}

func TestPositionSourceReflectsFilledOrder(t *testing.T) {
	d, st, key, hash := newPipeline(t)
	in := signIntent(t, key, testIntent(hash))
	d.HandleIntent(context.Background(), in)

	src := NewPositionSource(st)
	size := src.PositionSize("sim", "BTC-USD")
	if size.Cmp(fixedpoint.FromInt64(1)) != 0 {
		t.Fatalf("position size = %s, want 1", size.String())
	}
}

func TestEquityCacheRefreshPopulatesPerVenueEquity(t *testing.T) {
	simAdapter := sim.New("sim", fixedpoint.FromInt64(250000), clock.System{}, &clock.Sequence{Prefix: "vo"})
	cache := NewEquityCache(map[string]venue.Adapter{"sim": simAdapter}, nil)
	cache.refresh(context.Background())

	got := cache.Equity("sim")()
	if got.Cmp(fixedpoint.FromInt64(250000)) != 0 {
		t.Fatalf("equity = %s, want 250000", got.String())
	}
}
