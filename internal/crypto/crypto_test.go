package crypto

import "testing"

func TestHMACSignVerify(t *testing.T) {
	key := []byte("root-secret")
	data := []byte("intent payload")
	sig := HMACSign(key, data)
	if !HMACVerify(key, data, sig) {
		t.Fatal("expected signature to verify")
	}
	if HMACVerify(key, []byte("tampered"), sig) {
		t.Fatal("expected tampered payload to fail verification")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	master := []byte("root-secret-0123456789abcdef")
	k1, err := DeriveKey(master, []byte("acct-1"), PurposeIntentSigning, 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey(master, []byte("acct-1"), PurposeIntentSigning, 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("expected identical derivation for identical inputs")
	}
	k3, _ := DeriveKey(master, []byte("acct-1"), PurposeOperatorSigning, 32)
	if string(k1) == string(k3) {
		t.Fatal("expected distinct keys for distinct purposes")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, _ := GenerateRandomBytes(32)
	plaintext := []byte("shadow state snapshot")
	ct, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt(key, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("round trip mismatch: %s", pt)
	}
}

func TestCanonicalJSONKeyOrderInsensitive(t *testing.T) {
	a := map[string]interface{}{"b": 1, "a": 2}
	b := map[string]interface{}{"a": 2, "b": 1}
	ab, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	bb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	if string(ab) != string(bb) {
		t.Fatalf("expected canonical encodings to match: %s vs %s", ab, bb)
	}
	if string(ab) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical encoding: %s", ab)
	}
}

func TestPolicyHashStable(t *testing.T) {
	policy := map[string]interface{}{"version": 1, "maxLeverage": "5"}
	h1, err := PolicyHash(policy)
	if err != nil {
		t.Fatalf("PolicyHash: %v", err)
	}
	h2, _ := PolicyHash(policy)
	if h1 != h2 {
		t.Fatal("expected stable policy hash")
	}
}
