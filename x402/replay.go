package x402

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
)

// ReplayGuard remembers admitted proofs for a short window and refuses to admit the same
// proof twice. It is an opt-in extension: by default replay protection is left to the
// ledger's own nonce and uniqueness rules.
type ReplayGuard struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *cache.Cache[string, struct{}]
}

// NewReplayGuard creates a guard remembering proofs for ttl.
func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	return &ReplayGuard{
		ttl:   ttl,
		cache: cache.New[string, struct{}](),
	}
}

// Claim records the proof and reports whether it had not been seen before.
func (g *ReplayGuard) Claim(p PaymentProof) bool {
	key := proofKey(p)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, seen := g.cache.Get(key); seen {
		return false
	}
	g.cache.Set(key, struct{}{}, cache.WithExpiration(g.ttl))
	return true
}

// Release forgets a claimed proof, used when admission fails after the claim.
func (g *ReplayGuard) Release(p PaymentProof) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache.Delete(proofKey(p))
}

func proofKey(p PaymentProof) string {
	// timestamps are excluded so re-stamping a proof does not evade the guard
	b, _ := json.Marshal(struct {
		Scheme  Scheme       `json:"scheme"`
		Network Network      `json:"network"`
		Payload ProofPayload `json:"payload"`
	}{p.Scheme, p.Network, p.Payload})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
