package intent

import (
	"testing"
	"time"

	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

func validIntent() Intent {
	return Intent{
		IntentID:   "in-1",
		AccountID:  "acct-1",
		Venue:      "sim",
		Symbol:     "BTC-USD",
		Side:       SideBuy,
		Type:       TypeLimit,
		Size:       fixedpoint.FromInt64(1),
		LimitPrice: fixedpoint.FromInt64(50000),
		Nonce:      "nonce-1",
		Timestamp:  time.Now(),
		PolicyHash: "abc123",
	}
}

func TestValidateAcceptsWellFormedIntent(t *testing.T) {
	if err := validIntent().Validate(); err != nil {
		t.Fatalf("expected valid intent, got %v", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []func(Intent) Intent{
		func(i Intent) Intent { i.IntentID = ""; return i },
		func(i Intent) Intent { i.Side = "invalid"; return i },
		func(i Intent) Intent { i.Size = fixedpoint.Zero; return i },
		func(i Intent) Intent { i.Type = TypeLimit; i.LimitPrice = fixedpoint.Zero; return i },
		func(i Intent) Intent { i.Nonce = ""; return i },
		func(i Intent) Intent { i.PolicyHash = ""; return i },
	}
	for idx, mutate := range cases {
		if err := mutate(validIntent()).Validate(); err == nil {
			t.Errorf("case %d: expected validation error", idx)
		}
	}
}

func TestSigningPayloadExcludesSignature(t *testing.T) {
	in := validIntent()
	in.Signature = "should-not-appear"
	payload, err := in.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	if string(payload) == "" {
		t.Fatal("expected non-empty payload")
	}
	for i := 0; i+len("should-not-appear") <= len(payload); i++ {
		if string(payload[i:i+len("should-not-appear")]) == "should-not-appear" {
			t.Fatal("signature leaked into signing payload")
		}
	}
}
