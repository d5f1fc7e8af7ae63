// Package modemachine implements the Normal/Cautious/Defensive trading mode
// state machine (spec §4.6). Transitions are externally observable and
// drive RiskGuard's mode-restriction gate and the operator's /status
// surface.
package modemachine

import (
	"sync"
	"time"
)

// Mode is a trading mode.
type Mode int

const (
	Normal Mode = iota
	Cautious
	Defensive
)

// String renders the mode name.
func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Cautious:
		return "cautious"
	case Defensive:
		return "defensive"
	default:
		return "unknown"
	}
}

// Reason identifies what caused a transition, surfaced on /status.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonSlippageBreach     Reason = "slippage_breach"
	ReasonHeartbeatLoss      Reason = "heartbeat_loss"
	ReasonReconcileDrift     Reason = "reconcile_drift"
	ReasonDailyLossApproach  Reason = "daily_loss_approach"
	ReasonOperatorOverride   Reason = "operator_override"
	ReasonOperatorClear      Reason = "operator_clear"
	ReasonAutoRecovery       Reason = "auto_recovery"
)

// OnTransition is called after a mode change commits.
type OnTransition func(from, to Mode, reason Reason)

// Machine is a mutex-guarded mode state machine. Its transition table only
// allows Normal<->Cautious<->Defensive adjacent moves, plus a direct
// Defensive entry from any mode for safety-critical reasons (heartbeat
// loss, reconcile drift), mirroring the defcon-style escalation spec.md
// describes.
type Machine struct {
	mu         sync.Mutex
	mode       Mode
	reason     Reason
	since      time.Time
	onChange   OnTransition
	now        func() time.Time
}

// New builds a Machine starting in Normal mode.
func New(onChange OnTransition) *Machine {
	return &Machine{mode: Normal, since: time.Now(), onChange: onChange, now: time.Now}
}

// Mode returns the current mode and the reason/time it was entered.
func (m *Machine) Mode() (Mode, Reason, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode, m.reason, m.since
}

// Escalate moves to Defensive directly, regardless of current mode. Used
// for safety-critical triggers: heartbeat loss, reconcile drift, operator
// halt.
func (m *Machine) Escalate(reason Reason) {
	m.transition(Defensive, reason)
}

// Downgrade moves one step toward Cautious (from Defensive) or Normal (from
// Cautious). Used for gradual recovery; a no-op in Normal.
func (m *Machine) Downgrade(reason Reason) {
	m.mu.Lock()
	var to Mode
	switch m.mode {
	case Defensive:
		to = Cautious
	case Cautious:
		to = Normal
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.transition(to, reason)
}

// CautionOn moves Normal->Cautious. A no-op from Cautious/Defensive.
func (m *Machine) CautionOn(reason Reason) {
	m.mu.Lock()
	if m.mode != Normal {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.transition(Cautious, reason)
}

// Clear forces a return to Normal, used for the explicit operator "/arm"
// clear-all-restrictions action.
func (m *Machine) Clear(reason Reason) {
	m.transition(Normal, reason)
}

func (m *Machine) transition(to Mode, reason Reason) {
	m.mu.Lock()
	from := m.mode
	if from == to {
		m.mu.Unlock()
		return
	}
	m.mode = to
	m.reason = reason
	m.since = m.now()
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, to, reason)
	}
}

// AllowsOpening reports whether new position-opening intents are admitted
// under the current mode (spec §4.2 gate 1: Defensive blocks all opening
// intents; Cautious and Normal allow them, subject to the remaining gates).
func (m *Machine) AllowsOpening() bool {
	mode, _, _ := m.Mode()
	return mode != Defensive
}

// AllowsClosing reports whether closing/reduce-only intents are admitted.
// Closing is always allowed, even in Defensive, so the system can always
// flatten down to safety.
func (m *Machine) AllowsClosing() bool {
	return true
}
