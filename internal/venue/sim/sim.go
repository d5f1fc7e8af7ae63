// Package sim implements an in-memory venue.Adapter used for local
// development, backtests, and the seed test scenarios — it never touches the
// network, and fills orders immediately at the quoted price (or the last
// published mark for market orders).
package sim

import (
	"context"
	"sync"

	"github.com/r3e-network/execution-core/internal/clock"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/venue"
)

// Adapter is a deterministic, in-memory venue used for tests and local runs.
type Adapter struct {
	name  string
	clock clock.Clock
	ids   clock.IDGenerator

	mu        sync.Mutex
	marks     map[string]fixedpoint.Value
	positions map[string]venue.VenuePosition
	fills     []venue.Fill
	equity    fixedpoint.Value
	nextSeq   uint64
	subs      map[string][]chan venue.Tick
}

// New builds a simulated adapter seeded with the given starting equity.
func New(name string, equity fixedpoint.Value, c clock.Clock, ids clock.IDGenerator) *Adapter {
	return &Adapter{
		name:      name,
		clock:     c,
		ids:       ids,
		marks:     make(map[string]fixedpoint.Value),
		positions: make(map[string]venue.VenuePosition),
		equity:    equity,
		subs:      make(map[string][]chan venue.Tick),
	}
}

func (a *Adapter) Name() string { return a.name }

// SetMark updates the simulated last-traded price for symbol and publishes a
// Tick to any active market-data subscribers.
func (a *Adapter) SetMark(symbol string, price fixedpoint.Value) {
	a.mu.Lock()
	a.marks[symbol] = price
	subs := append([]chan venue.Tick(nil), a.subs[symbol]...)
	now := a.clock.Now()
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- venue.Tick{Symbol: symbol, Price: price, Timestamp: now}:
		default:
		}
	}
}

func (a *Adapter) PlaceOrder(ctx context.Context, order venue.Order) (venue.PlaceResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	price := order.LimitPrice
	if mark, ok := a.marks[order.Symbol]; order.Type == "market" && ok {
		price = mark
	}
	if price.IsZero() {
		return venue.PlaceResult{}, venue.NewError(venue.ClassPermanent, "no_price", "no quotable price for symbol")
	}

	venueOrderID := a.ids.NewID()
	signed := order.Size
	if order.Side == "sell" {
		signed = signed.Neg()
	}

	pos := a.positions[order.Symbol]
	pos.Symbol = order.Symbol
	pos.NetQty = pos.NetQty.Add(signed)
	pos.AvgEntryPrice = price
	a.positions[order.Symbol] = pos

	a.nextSeq++
	a.fills = append(a.fills, venue.Fill{
		FillID:       a.ids.NewID(),
		VenueOrderID: venueOrderID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Price:        price,
		Size:         order.Size,
		Fee:          fixedpoint.Zero,
		Seq:          a.nextSeq,
		Timestamp:    a.clock.Now(),
	})

	return venue.PlaceResult{VenueOrderID: venueOrderID}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	return nil
}

func (a *Adapter) GetPositions(ctx context.Context) ([]venue.VenuePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]venue.VenuePosition, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p)
	}
	return out, nil
}

func (a *Adapter) GetFillsSince(ctx context.Context, seq uint64) ([]venue.Fill, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]venue.Fill, 0)
	for _, f := range a.fills {
		if f.Seq > seq {
			out = append(out, f)
		}
	}
	return out, nil
}

func (a *Adapter) GetAccount(ctx context.Context) (venue.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return venue.Account{Equity: a.equity, Margin: fixedpoint.Zero, Leverage: fixedpoint.Zero}, nil
}

func (a *Adapter) SubscribeMarketData(ctx context.Context, symbol string) (<-chan venue.Tick, error) {
	ch := make(chan venue.Tick, 16)
	a.mu.Lock()
	a.subs[symbol] = append(a.subs[symbol], ch)
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		a.mu.Lock()
		defer a.mu.Unlock()
		subs := a.subs[symbol]
		for i, c := range subs {
			if c == ch {
				a.subs[symbol] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

var _ venue.Adapter = (*Adapter)(nil)
