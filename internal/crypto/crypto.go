// Package crypto provides the execution core's trust-boundary primitives:
// HMAC signing/verification for intents and operator commands, HKDF-based
// per-purpose key derivation from one root secret, canonical JSON for
// signing payloads deterministically, and policy-hash computation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

// Purpose-scoped HKDF info strings. Each caller of DeriveKey for a new
// purpose should add a constant here rather than inlining a string, so the
// full set of derived-key domains stays visible in one place.
const (
	PurposeIntentSigning   = "execcore/intent-signing/v1"
	PurposeOperatorSigning = "execcore/operator-signing/v1"
	PurposePolicySigning   = "execcore/policy-signing/v1"
)

// DeriveKey derives a key of keyLen bytes using HKDF-SHA256 from masterKey,
// scoped by salt (e.g. an account or venue id) and info (a Purpose
// constant). The same (masterKey, salt, info) always yields the same key.
func DeriveKey(masterKey, salt []byte, info string, keyLen int) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// GenerateRandomBytes returns n cryptographically secure random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// HMACSign returns the HMAC-SHA256 of data under key.
func HMACSign(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// HMACVerify reports whether signature is the HMAC-SHA256 of data under key,
// using a constant-time comparison.
func HMACVerify(key, data, signature []byte) bool {
	expected := HMACSign(key, data)
	return hmac.Equal(signature, expected)
}

// Encrypt encrypts plaintext with AES-256-GCM, prepending the nonce to the
// returned ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}

// Hash256 computes SHA-256.
func Hash256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// ZeroBytes overwrites b with zeros, for scrubbing key material once done
// with it.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CanonicalJSON marshals v to JSON with object keys sorted lexicographically
// so the same logical payload always produces the same byte string to sign
// or hash, regardless of field declaration order or map iteration order.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalEncode(generic)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// PolicyHash returns the SHA-256 hash of the canonical JSON encoding of a
// risk policy document, used to bind intents and operator commands to the
// policy version in effect when they were signed.
func PolicyHash(policy interface{}) (string, error) {
	canon, err := CanonicalJSON(policy)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", Hash256(canon)), nil
}
