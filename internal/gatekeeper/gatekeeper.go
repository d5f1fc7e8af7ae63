// Package gatekeeper implements the execution core's trust boundary: every
// intent must carry a valid HMAC signature, a fresh timestamp, an unused
// nonce, and the hash of a policy the PolicyStore currently accepts before
// it is handed to RiskGuard (spec §4.1).
package gatekeeper

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/execution-core/internal/crypto"
	"github.com/r3e-network/execution-core/internal/execerrors"
	"github.com/r3e-network/execution-core/internal/intent"
	"github.com/r3e-network/execution-core/internal/logging"
	"github.com/r3e-network/execution-core/internal/policy"
)

// KeyLookup resolves the HMAC signing key for an account, via per-account
// HKDF derivation from one root secret (internal/crypto.DeriveKey).
type KeyLookup func(accountID string) ([]byte, error)

// Config configures a Gatekeeper.
type Config struct {
	MaxClockSkew time.Duration
	NonceWindow  time.Duration
}

// Gatekeeper validates inbound intents before they reach RiskGuard.
type Gatekeeper struct {
	cfg     Config
	keys    KeyLookup
	policy  *policy.Store
	logger  *logging.Logger

	mu         sync.Mutex
	seenNonces map[string]time.Time
}

// New builds a Gatekeeper.
func New(cfg Config, keys KeyLookup, policyStore *policy.Store, logger *logging.Logger) *Gatekeeper {
	return &Gatekeeper{
		cfg:        cfg,
		keys:       keys,
		policy:     policyStore,
		logger:     logger,
		seenNonces: make(map[string]time.Time),
	}
}

// Admit runs every Gatekeeper check on in, in the order spec §4.1 defines:
// malformed -> stale timestamp -> bad signature -> replay -> stale policy.
func (g *Gatekeeper) Admit(ctx context.Context, in intent.Intent) error {
	if err := in.Validate(); err != nil {
		return execerrors.Wrap(execerrors.CodeMalformed, "intent failed validation", err)
	}

	if skew := absDuration(time.Since(in.Timestamp)); skew > g.cfg.MaxClockSkew {
		if g.logger != nil {
			g.logger.LogSecurityEvent(ctx, "stale_timestamp", in.IntentID)
		}
		return execerrors.New(execerrors.CodeStaleTimestamp, "intent timestamp outside allowed clock skew")
	}

	key, err := g.keys(in.AccountID)
	if err != nil {
		return execerrors.Wrap(execerrors.CodeBadSignature, "no signing key for account", err)
	}
	payload, err := in.SigningPayload()
	if err != nil {
		return execerrors.Wrap(execerrors.CodeMalformed, "failed to build signing payload", err)
	}
	sigBytes, err := decodeHexSig(in.Signature)
	if err != nil {
		return execerrors.Wrap(execerrors.CodeBadSignature, "malformed signature encoding", err)
	}
	if !crypto.HMACVerify(key, payload, sigBytes) {
		if g.logger != nil {
			g.logger.LogSecurityEvent(ctx, "bad_signature", in.IntentID)
		}
		return execerrors.New(execerrors.CodeBadSignature, "HMAC signature verification failed")
	}

	if !g.markNonce(in.AccountID, in.Nonce) {
		if g.logger != nil {
			g.logger.LogSecurityEvent(ctx, "replay_detected", in.IntentID)
		}
		return execerrors.New(execerrors.CodeReplayOrOutOfOrder, "nonce already used or out of order")
	}

	if g.policy != nil && !g.policy.AcceptsHash(in.PolicyHash) {
		return execerrors.New(execerrors.CodeStalePolicy, "intent signed against a policy hash no longer accepted")
	}

	return nil
}

// markNonce records accountID/nonce as seen, returning false if it was
// already seen within the nonce window. Grounded on the teacher's
// txproxy replay-window map (services/txproxy/marble/service.go).
func (g *Gatekeeper) markNonce(accountID, nonce string) bool {
	key := accountID + ":" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()

	if ts, ok := g.seenNonces[key]; ok && time.Since(ts) <= g.cfg.NonceWindow {
		return false
	}
	g.seenNonces[key] = time.Now()
	if len(g.seenNonces) > 4096 {
		g.cleanupLocked()
	}
	return true
}

func (g *Gatekeeper) cleanupLocked() {
	cutoff := time.Now().Add(-g.cfg.NonceWindow)
	for k, ts := range g.seenNonces {
		if ts.Before(cutoff) {
			delete(g.seenNonces, k)
		}
	}
}

// CleanupExpired trims nonces older than the window on demand, outside of
// the inline cleanup markNonce runs once more than 4096 nonces are held.
func (g *Gatekeeper) CleanupExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanupLocked()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func decodeHexSig(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, errOddLength
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

var errOddLength = execerrors.New(execerrors.CodeBadSignature, "odd-length signature hex string")

func hexNibble(b byte) (byte, error) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', nil
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, nil
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, nil
	default:
		return 0, execerrors.New(execerrors.CodeBadSignature, "invalid signature hex digit")
	}
}
