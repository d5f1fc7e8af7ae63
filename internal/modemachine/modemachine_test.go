package modemachine

import "testing"

func TestEscalateFromNormalToDefensive(t *testing.T) {
	var transitions [][2]Mode
	m := New(func(from, to Mode, reason Reason) {
		transitions = append(transitions, [2]Mode{from, to})
	})
	m.Escalate(ReasonHeartbeatLoss)
	mode, reason, _ := m.Mode()
	if mode != Defensive {
		t.Fatalf("mode = %v, want Defensive", mode)
	}
	if reason != ReasonHeartbeatLoss {
		t.Fatalf("reason = %v, want ReasonHeartbeatLoss", reason)
	}
	if len(transitions) != 1 || transitions[0] != [2]Mode{Normal, Defensive} {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestDowngradeStepsThroughCautious(t *testing.T) {
	m := New(nil)
	m.Escalate(ReasonReconcileDrift)
	m.Downgrade(ReasonAutoRecovery)
	mode, _, _ := m.Mode()
	if mode != Cautious {
		t.Fatalf("mode = %v, want Cautious", mode)
	}
	m.Downgrade(ReasonAutoRecovery)
	mode, _, _ = m.Mode()
	if mode != Normal {
		t.Fatalf("mode = %v, want Normal", mode)
	}
}

func TestAllowsOpeningBlockedInDefensive(t *testing.T) {
	m := New(nil)
	if !m.AllowsOpening() {
		t.Fatal("expected opening allowed in Normal")
	}
	m.Escalate(ReasonSlippageBreach)
	if m.AllowsOpening() {
		t.Fatal("expected opening blocked in Defensive")
	}
	if !m.AllowsClosing() {
		t.Fatal("expected closing always allowed")
	}
}

func TestClearForcesNormal(t *testing.T) {
	m := New(nil)
	m.Escalate(ReasonHeartbeatLoss)
	m.Clear(ReasonOperatorClear)
	mode, reason, _ := m.Mode()
	if mode != Normal || reason != ReasonOperatorClear {
		t.Fatalf("mode=%v reason=%v, want Normal/OperatorClear", mode, reason)
	}
}
