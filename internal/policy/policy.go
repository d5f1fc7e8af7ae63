// Package policy implements the signed RiskPolicy document and the
// PolicyStore that holds the active policy plus a grace-window retained
// predecessor during rotation (spec §4.7).
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/fixedpoint"
)

// RiskPolicy is the signed, versioned document RiskGuard evaluates intents
// against (spec §3, §4.2).
type RiskPolicy struct {
	Version            int                         `json:"version"`
	Whitelist          map[string][]string         `json:"whitelist"` // venue -> allowed symbols
	MaxNotional        map[string]fixedpoint.Value  `json:"maxNotional"` // symbol -> max notional
	MaxLeverage        fixedpoint.Value             `json:"maxLeverage"`
	DailyLossLimit     fixedpoint.Value             `json:"dailyLossLimit"`
	SlippageHardLimitBps int64                      `json:"slippageHardLimitBps"`
	PowerLawConstraints map[string]string           `json:"powerLawConstraints"` // symbol -> gval expression
	StalenessLimitMs    int64                       `json:"stalenessLimitMs"`
	HeartbeatTimeoutMs  int64                       `json:"heartbeatTimeoutMs"`
	Signature           string                      `json:"signature,omitempty"`
}

// SigningPayload is the canonical JSON of every field except Signature.
func (p RiskPolicy) SigningPayload() ([]byte, error) {
	cp := p
	cp.Signature = ""
	return crypto.CanonicalJSON(cp)
}

// Hash returns the policy-hash bound into intents and operator commands.
func (p RiskPolicy) Hash() (string, error) {
	payload, err := p.SigningPayload()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", crypto.Hash256(payload)), nil
}

// Verify checks p.Signature against key.
func (p RiskPolicy) Verify(key []byte) error {
	payload, err := p.SigningPayload()
	if err != nil {
		return err
	}
	sigBytes, err := decodeHex(p.Signature)
	if err != nil {
		return execerrors.Wrap(execerrors.CodePolicyBadSig, "malformed policy signature", err)
	}
	if !crypto.HMACVerify(key, payload, sigBytes) {
		return execerrors.New(execerrors.CodePolicyBadSig, "policy signature verification failed")
	}
	return nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexDigit(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexDigit(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", b)
	}
}

// generation pairs a policy with the instant it was superseded (zero if
// still active).
type generation struct {
	policy      RiskPolicy
	hash        string
	supersededAt time.Time
}

// Store holds the active policy and, during the grace window, its
// immediate predecessor, so in-flight intents signed against the old
// policy hash are not spuriously rejected mid-rotation.
type Store struct {
	mu          sync.RWMutex
	current     generation
	previous    *generation
	graceWindow time.Duration
}

// NewStore builds an empty Store with the given grace window (spec Open
// Question: made configurable, see DESIGN.md).
func NewStore(graceWindow time.Duration) *Store {
	return &Store{graceWindow: graceWindow}
}

// LoadFromFile reads and verifies a RiskPolicy document from path, setting
// it as the active policy. Used at boot.
func (s *Store) LoadFromFile(path string, hmacKey []byte) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("policy: read %s: %w", path, err)
	}
	var p RiskPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return execerrors.Wrap(execerrors.CodePolicyInvalid, "malformed policy document", err)
	}
	if err := p.Verify(hmacKey); err != nil {
		return err
	}
	return s.Set(p)
}

// Set installs policy as the active generation, retaining the previous
// active policy for the grace window.
func (s *Store) Set(p RiskPolicy) error {
	hash, err := p.Hash()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.policy.Version != 0 || s.current.hash != "" {
		prev := s.current
		prev.supersededAt = time.Now()
		s.previous = &prev
	}
	s.current = generation{policy: p, hash: hash}
	return nil
}

// Active returns the current active policy and its hash.
func (s *Store) Active() (RiskPolicy, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.policy, s.current.hash
}

// AcceptsHash reports whether hash is either the active policy's hash, or
// the previous policy's hash within the grace window (spec §4.1 "reject
// stale policy hash" with a rotation grace period).
func (s *Store) AcceptsHash(hash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if hash == s.current.hash {
		return true
	}
	if s.previous != nil && hash == s.previous.hash {
		return time.Since(s.previous.supersededAt) <= s.graceWindow
	}
	return false
}

// CleanupExpired drops the previous generation once its grace window has
// elapsed; intended to run on the scheduler's policy-grace-cleanup cadence.
func (s *Store) CleanupExpired(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.previous != nil && time.Since(s.previous.supersededAt) > s.graceWindow {
		s.previous = nil
	}
}
