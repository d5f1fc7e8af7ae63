// Package riskguard implements the gate chain every admitted intent must
// clear before reaching the OrderManager, plus the post-fill slippage
// observer that feeds the ModeMachine (spec §4.2).
package riskguard

import (
	"context"
	"time"

	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/metrics"
	"github.com/r3e-network/execution-core/internal/modemachine"
	"github.com/r3e-network/execution-core/internal/policy"
)

// TickSource resolves the last known tick for a venue/symbol.
type TickSource interface {
	LastTick(venue, symbol string) (price fixedpoint.Value, observedAt time.Time, ok bool)
}

// HeartbeatSource resolves the last heartbeat observed from a venue.
type HeartbeatSource interface {
	LastHeartbeat(venue string) (time.Time, bool)
}

// PositionSource resolves current position size and realized/unrealized
// PnL for risk checks.
type PositionSource interface {
	PositionSize(venue, symbol string) fixedpoint.Value
	DailyPnL() fixedpoint.Value
}

// EquityProvider resolves the account equity used for leverage checks.
type EquityProvider func() fixedpoint.Value

// Config wires a RiskGuard's collaborators.
type Config struct {
	PolicyStore *policy.Store
	Mode        *modemachine.Machine
	Ticks       TickSource
	Heartbeats  HeartbeatSource
	Positions   PositionSource
	Equity      EquityProvider
	Metrics     *metrics.Metrics
	Logger      *logging.Logger
}

// RiskGuard evaluates intents against the active RiskPolicy and live
// market/account state.
type RiskGuard struct {
	cfg Config
	pl  *powerLawEvaluator
}

// New builds a RiskGuard.
func New(cfg Config) *RiskGuard {
	return &RiskGuard{cfg: cfg, pl: newPowerLawEvaluator()}
}

// gateNames lists gates in evaluation order, used for metrics labeling.
const (
	gateMode       = "mode"
	gateHeartbeat  = "heartbeat"
	gateStaleness  = "staleness"
	gateWhitelist  = "whitelist"
	gateNotional   = "notional"
	gateLeverage   = "leverage"
	gateDailyLoss  = "daily_loss"
	gatePowerLaw   = "power_law"
)

// Evaluate runs the gate chain in spec order, short-circuiting on the first
// rejection. Gate 9 (slippage) is not evaluated here — see ObserveFill.
func (r *RiskGuard) Evaluate(ctx context.Context, in intent.Intent) error {
	reject := func(gate string, code execerrors.Code, msg string) error {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.GateRejections.WithLabelValues(gate).Inc()
		}
		if r.cfg.Logger != nil {
			r.cfg.Logger.LogGateDecision(ctx, gate, in.IntentID, false, msg)
		}
		return execerrors.New(code, msg)
	}

	isOpening := !in.ReduceOnly

	// Gate 1: Defcon/Mode.
	if isOpening && r.cfg.Mode != nil && !r.cfg.Mode.AllowsOpening() {
		return reject(gateMode, execerrors.CodeModeRestriction, "mode machine blocks opening intents")
	}

	// Gate 2: Heartbeat.
	if r.cfg.Heartbeats != nil {
		last, ok := r.cfg.Heartbeats.LastHeartbeat(in.Venue)
		policyObj, _ := r.cfg.PolicyStore.Active()
		timeout := time.Duration(policyObj.HeartbeatTimeoutMs) * time.Millisecond
		if !ok || time.Since(last) > timeout {
			return reject(gateHeartbeat, execerrors.CodeHeartbeatLost, "venue heartbeat lost or stale")
		}
	}

	// Gate 3: Staleness.
	var lastPrice fixedpoint.Value
	if r.cfg.Ticks != nil {
		price, observedAt, ok := r.cfg.Ticks.LastTick(in.Venue, in.Symbol)
		policyObj, _ := r.cfg.PolicyStore.Active()
		limit := time.Duration(policyObj.StalenessLimitMs) * time.Millisecond
		if !ok || time.Since(observedAt) > limit {
			return reject(gateStaleness, execerrors.CodeStaleness, "last tick is stale")
		}
		lastPrice = price
	}

	activePolicy, _ := r.cfg.PolicyStore.Active()

	// Gate 4: Whitelist.
	if isOpening {
		allowed := false
		for _, sym := range activePolicy.Whitelist[in.Venue] {
			if sym == in.Symbol {
				allowed = true
				break
			}
		}
		if !allowed {
			return reject(gateWhitelist, execerrors.CodeWhitelistViolation, "symbol not whitelisted for venue")
		}
	}

	// Gate 5: Notional.
	price := in.LimitPrice
	if in.Type == intent.TypeMarket {
		price = lastPrice
	}
	notional := in.Size.Mul(price).Abs()
	if maxNotional, ok := activePolicy.MaxNotional[in.Symbol]; ok && isOpening {
		if notional.Cmp(maxNotional) > 0 {
			return reject(gateNotional, execerrors.CodeNotionalExceeded, "intent notional exceeds policy limit")
		}
	}

	// Gate 6: Leverage.
	if isOpening && r.cfg.Positions != nil && r.cfg.Equity != nil {
		current := r.cfg.Positions.PositionSize(in.Venue, in.Symbol)
		projected := current.Add(signedSize(in)).Abs()
		equity := r.cfg.Equity()
		if equity.Sign() > 0 {
			leverage := projected.Mul(price).Div(equity)
			if leverage.Cmp(activePolicy.MaxLeverage) > 0 {
				return reject(gateLeverage, execerrors.CodeLeverageExceeded, "projected leverage exceeds policy limit")
			}
		}
	}

	// Gate 7: Daily loss (resolved ahead of power-law, see DESIGN.md).
	if r.cfg.Positions != nil {
		loss := r.cfg.Positions.DailyPnL()
		if loss.Sign() < 0 && loss.Abs().Cmp(activePolicy.DailyLossLimit) >= 0 {
			return reject(gateDailyLoss, execerrors.CodeDailyLossReached, "daily loss limit reached")
		}
	}

	// Gate 8: Power-law tail-risk constraint.
	if expr, ok := activePolicy.PowerLawConstraints[in.Symbol]; ok && expr != "" {
		allowed, err := r.pl.Evaluate(expr, map[string]interface{}{
			"size":     in.Size.Float64(),
			"price":    price.Float64(),
			"notional": notional.Float64(),
		})
		if err != nil {
			return reject(gatePowerLaw, execerrors.CodePowerLawViolation, "power-law expression evaluation failed: "+err.Error())
		}
		if !allowed {
			return reject(gatePowerLaw, execerrors.CodePowerLawViolation, "power-law tail-risk constraint violated")
		}
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.IntentsAdmitted.WithLabelValues(in.Symbol).Inc()
	}
	return nil
}

func signedSize(in intent.Intent) fixedpoint.Value {
	if in.Side == intent.SideSell {
		return in.Size.Neg()
	}
	return in.Size
}

// ObserveFill is the post-fill slippage observer (gate 9). It compares the
// realized fill price to the intent's quoted price and, on a breach beyond
// the policy's hard limit, escalates the mode machine rather than
// rejecting anything — slippage is never a pre-admission check (spec §4.2
// gate 9, resolved in DESIGN.md Open Question 3).
func (r *RiskGuard) ObserveFill(ctx context.Context, symbol string, quotedPrice, fillPrice fixedpoint.Value) {
	if quotedPrice.IsZero() {
		return
	}
	diff := fillPrice.Sub(quotedPrice).Abs()
	bps := diff.Div(quotedPrice).Mul(fixedpoint.FromInt64(10000))

	activePolicy, _ := r.cfg.PolicyStore.Active()
	limit := activePolicy.SlippageHardLimitBps
	if limit == 0 {
		return
	}
	if bps.Cmp(fixedpoint.FromInt64(limit)) > 0 {
		if r.cfg.Logger != nil {
			r.cfg.Logger.LogSecurityEvent(ctx, "slippage_breach", symbol)
		}
		if r.cfg.Mode != nil {
			r.cfg.Mode.CautionOn(modemachine.ReasonSlippageBreach)
		}
	}
}
