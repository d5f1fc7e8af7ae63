// Package intent defines the Intent wire type the intent bus carries into
// the Gatekeeper, along with its canonical signing payload.
package intent

import (
	"fmt"
	"time"

	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

// Side is the direction of an order intent.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Type is the order type an intent requests.
type Type string

const (
	TypeMarket Type = "market"
	TypeLimit  Type = "limit"
)

// Intent is a signed request from an upstream strategy process to open,
// modify, or close a position on a venue (spec §3, §6).
type Intent struct {
	IntentID   string           `json:"intentId"`
	AccountID  string           `json:"accountId"`
	Venue      string           `json:"venue"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Type       Type             `json:"type"`
	Size       fixedpoint.Value `json:"size"`
	LimitPrice fixedpoint.Value `json:"limitPrice,omitempty"`
	ReduceOnly bool             `json:"reduceOnly"`
	Nonce      string           `json:"nonce"`
	Timestamp  time.Time        `json:"timestamp"`
	PolicyHash string           `json:"policyHash"`
	Signature  string           `json:"signature,omitempty"`
}

// SigningPayload returns the canonical JSON encoding of the fields the
// signature covers — everything except the signature itself.
func (in Intent) SigningPayload() ([]byte, error) {
	cp := in
	cp.Signature = ""
	return crypto.CanonicalJSON(cp)
}

// Validate checks that all required fields are present and internally
// consistent, independent of signature/policy/risk checks (spec §4.1
// "malformed" rejection).
func (in Intent) Validate() error {
	if in.IntentID == "" {
		return fmt.Errorf("intent: missing intentId")
	}
	if in.AccountID == "" {
		return fmt.Errorf("intent: missing accountId")
	}
	if in.Venue == "" {
		return fmt.Errorf("intent: missing venue")
	}
	if in.Symbol == "" {
		return fmt.Errorf("intent: missing symbol")
	}
	if in.Side != SideBuy && in.Side != SideSell {
		return fmt.Errorf("intent: invalid side %q", in.Side)
	}
	if in.Type != TypeMarket && in.Type != TypeLimit {
		return fmt.Errorf("intent: invalid type %q", in.Type)
	}
	if in.Size.Sign() <= 0 {
		return fmt.Errorf("intent: size must be positive")
	}
	if in.Type == TypeLimit && in.LimitPrice.Sign() <= 0 {
		return fmt.Errorf("intent: limit order requires a positive limitPrice")
	}
	if in.Nonce == "" {
		return fmt.Errorf("intent: missing nonce")
	}
	if in.Timestamp.IsZero() {
		return fmt.Errorf("intent: missing timestamp")
	}
	if in.PolicyHash == "" {
		return fmt.Errorf("intent: missing policyHash")
	}
	return nil
}
