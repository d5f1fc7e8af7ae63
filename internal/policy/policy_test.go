package policy

import (
	"testing"
	"time"

	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

func signedPolicy(t *testing.T, key []byte, version int) RiskPolicy {
	t.Helper()
	p := RiskPolicy{
		Version:              version,
		Whitelist:            map[string][]string{"sim": {"BTC-USD"}},
		MaxNotional:          map[string]fixedpoint.Value{"BTC-USD": fixedpoint.FromInt64(100000)},
		MaxLeverage:          fixedpoint.FromInt64(5),
		DailyLossLimit:       fixedpoint.FromInt64(10000),
		SlippageHardLimitBps: 50,
	}
	payload, err := p.SigningPayload()
	if err != nil {
		t.Fatalf("SigningPayload: %v", err)
	}
	sig := crypto.HMACSign(key, payload)
	p.Signature = hexEncode(sig)
	return p
}

func hexEncode(b []byte) string {
	const hexChars = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[2*i] = hexChars[c>>4]
		out[2*i+1] = hexChars[c&0x0f]
	}
	return string(out)
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	key := []byte("policy-signing-key")
	p := signedPolicy(t, key, 1)
	if err := p.Verify(key); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	p := signedPolicy(t, []byte("key-a"), 1)
	if err := p.Verify([]byte("key-b")); err == nil {
		t.Fatal("expected verification failure with wrong key")
	}
}

func TestStoreAcceptsPreviousHashWithinGraceWindow(t *testing.T) {
	key := []byte("policy-signing-key")
	s := NewStore(50 * time.Millisecond)

	p1 := signedPolicy(t, key, 1)
	if err := s.Set(p1); err != nil {
		t.Fatalf("Set p1: %v", err)
	}
	_, h1 := s.Active()

	p2 := signedPolicy(t, key, 2)
	if err := s.Set(p2); err != nil {
		t.Fatalf("Set p2: %v", err)
	}
	_, h2 := s.Active()
	if h1 == h2 {
		t.Fatal("expected distinct hashes across versions")
	}

	if !s.AcceptsHash(h1) {
		t.Fatal("expected grace window to accept previous hash immediately after rotation")
	}
	if !s.AcceptsHash(h2) {
		t.Fatal("expected current hash to be accepted")
	}

	time.Sleep(70 * time.Millisecond)
	if s.AcceptsHash(h1) {
		t.Fatal("expected previous hash to be rejected after grace window elapses")
	}
}

func TestStoreRejectsUnknownHash(t *testing.T) {
	s := NewStore(time.Second)
	_ = s.Set(signedPolicy(t, []byte("k"), 1))
	if s.AcceptsHash("not-a-real-hash") {
		t.Fatal("expected unknown hash to be rejected")
	}
}
