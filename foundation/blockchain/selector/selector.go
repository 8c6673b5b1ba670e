// Package selector implements the reputation-weighted, verifiably-random
// stake lottery that picks the block producer for each height.
package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sync"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/validators"
)

// ErrNoValidators is returned when no validator is eligible for selection.
var ErrNoValidators = errors.New("no eligible validators")

// Fairness adjustment tuning. The exact constants are not load-bearing;
// they are validated against the convergence property in the tests.
const (
	fairnessGamma = 0.5
	fairnessMin   = 0.5
	fairnessMax   = 2.0
	fairnessEps   = 1e-9
)

// =============================================================================

// Context carries the seed-contributing state for one selection round.
// Every field derives from the previous block so any node can re-run the
// selection when validating the block produced for this height.
type Context struct {
	Height        uint64             // Height being selected for.
	PrevBlockHash string             // Hash of the previous block.
	PrevTimeStamp uint64             // Timestamp of the previous block, in milliseconds.
	PrevTxHash    string             // Hash of the last transaction in the previous block.
	PrevValidator database.AccountID // Producer of the previous block.
	BlockNonce    uint64             // Random nonce carried by the previous block.
}

// ContextFromBlock derives the selection context for the height that
// follows the specified block.
func ContextFromBlock(prev database.Block) Context {
	ctx := Context{
		Height:        prev.Header.Height + 1,
		PrevBlockHash: prev.Hash(),
		PrevTimeStamp: prev.Header.TimeStamp,
		PrevValidator: prev.Header.ValidatorID,
		BlockNonce:    prev.Header.Nonce,
	}

	if trans := prev.Trans.Values(); len(trans) > 0 {
		ctx.PrevTxHash = trans[len(trans)-1].HashHex()
	}

	return ctx
}

// =============================================================================

// Config carries the selection tunables, normally taken from genesis.
type Config struct {
	MinStake       uint64 // Stake required for eligibility.
	Window         int    // Number of past selections the fairness adjustment considers.
	MaxConsecutive int    // Times in a row one validator may win before being skipped.
}

// Selector maintains the evolving entropy pool and selection history and
// performs the producer lottery. Pick is read-only so validation can re-run
// a selection; Commit advances the entropy state once a block is accepted.
type Selector struct {
	mu             sync.RWMutex
	entropyPool    [sha256.Size]byte
	history        []database.AccountID
	minStake       uint64
	window         int
	maxConsecutive int
	evHandler      func(v string, args ...any)
}

// New constructs a Selector with the specified tunables.
func New(cfg Config, evHandler func(v string, args ...any)) *Selector {
	return &Selector{
		minStake:       cfg.MinStake,
		window:         cfg.Window,
		maxConsecutive: cfg.MaxConsecutive,
		evHandler:      evHandler,
	}
}

// Pick selects the producer for the height described by the context.
// The result is deterministic for a given entropy pool, history and
// context. Eligibility is re-checked here, never cached.
func (s *Selector) Pick(active []validators.Validator, ctx Context) (database.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	eligible := make([]validators.Validator, 0, len(active))
	for _, v := range active {
		if v.Eligible(s.minStake) {
			eligible = append(eligible, v)
		}
	}

	if len(eligible) == 0 {
		return "", ErrNoValidators
	}

	seed := s.seedLocked(ctx)

	// Total effective weight is needed for the fairness expectation.
	var totalWeight float64
	for _, v := range eligible {
		totalWeight += float64(v.Stake) * v.Multiplier()
	}

	type scored struct {
		accountID database.AccountID
		score     float64
	}

	scores := make([]scored, 0, len(eligible))
	for _, v := range eligible {
		weight := float64(v.Stake) * v.Multiplier()
		weight *= s.fairnessLocked(v.AccountID, weight/totalWeight)

		// Weighted random sampling: raise the validator's VRF draw to the
		// inverse of its adjusted weight. The maximum score then lands on
		// each validator with probability proportional to its weight.
		u := vrfDraw(seed, v.AccountID)
		scores = append(scores, scored{
			accountID: v.AccountID,
			score:     math.Pow(u, 1/weight),
		})
	}

	best := func(skip database.AccountID) scored {
		winner := scored{score: -1}
		for _, sc := range scores {
			if sc.accountID == skip {
				continue
			}
			if sc.score > winner.score {
				winner = sc
			}
		}
		return winner
	}

	winner := best("")

	// Anti-consecutive rule: a validator that has already won the last
	// maxConsecutive rounds is forced out in favor of the runner-up.
	if len(scores) > 1 && s.consecutiveLocked(winner.accountID) >= s.maxConsecutive {
		forced := best(winner.accountID)
		s.evHandler("selector: Pick: anti-consecutive: skipping validator[%s] for validator[%s]", winner.accountID, forced.accountID)
		winner = forced
	}

	return winner.accountID, nil
}

// Commit records an accepted selection: the entropy pool absorbs the round
// seed and the winner enters the selection history. Must be called exactly
// once per appended block, with the same context used for Pick.
func (s *Selector) Commit(winner database.AccountID, ctx Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seed := s.seedLocked(ctx)

	h := sha256.New()
	h.Write(s.entropyPool[:])
	h.Write(seed[:])
	copy(s.entropyPool[:], h.Sum(nil))

	s.history = append(s.history, winner)
	if len(s.history) > s.window {
		s.history = s.history[len(s.history)-s.window:]
	}
}

// History returns a copy of the recent selection history.
func (s *Selector) History() []database.AccountID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]database.AccountID, len(s.history))
	copy(out, s.history)
	return out
}

// =============================================================================

// seedLocked digests the full set of seed sources for the round. Mixing
// the entropy pool and history digest with the block-derived fields is the
// defense against stake grinding: no single producer-controlled field can
// steer the outcome. Callers must hold the mutex.
func (s *Selector) seedLocked(ctx Context) [sha256.Size]byte {
	var num [8]byte

	h := sha256.New()

	binary.LittleEndian.PutUint64(num[:], ctx.PrevTimeStamp)
	h.Write(num[:])
	h.Write([]byte(ctx.PrevBlockHash))

	binary.LittleEndian.PutUint64(num[:], ctx.Height)
	h.Write(num[:])
	h.Write([]byte(ctx.PrevTxHash))
	h.Write([]byte(ctx.PrevValidator))
	h.Write(s.entropyPool[:])

	hd := s.historyDigestLocked()
	h.Write(hd[:])

	binary.LittleEndian.PutUint64(num[:], ctx.BlockNonce)
	h.Write(num[:])

	var seed [sha256.Size]byte
	copy(seed[:], h.Sum(nil))
	return seed
}

// historyDigestLocked folds the recent selection history into a single
// digest for seed mixing.
func (s *Selector) historyDigestLocked() [sha256.Size]byte {
	h := sha256.New()
	for _, accountID := range s.history {
		h.Write([]byte(accountID))
	}

	var digest [sha256.Size]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

// fairnessLocked compares the validator's observed selection rate over the
// history window against the rate its weight predicts and returns a bounded
// multiplicative correction: under-selected validators are boosted,
// over-selected ones damped.
func (s *Selector) fairnessLocked(accountID database.AccountID, expectedRate float64) float64 {
	if len(s.history) == 0 {
		return 1
	}

	var count int
	for _, id := range s.history {
		if id == accountID {
			count++
		}
	}
	observedRate := float64(count) / float64(len(s.history))

	corr := math.Pow((expectedRate+fairnessEps)/(observedRate+fairnessEps), fairnessGamma)

	if corr < fairnessMin {
		return fairnessMin
	}
	if corr > fairnessMax {
		return fairnessMax
	}
	return corr
}

// consecutiveLocked counts how many of the most recent selections in a row
// went to the specified validator.
func (s *Selector) consecutiveLocked(accountID database.AccountID) int {
	var run int
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i] != accountID {
			break
		}
		run++
	}
	return run
}

// vrfDraw produces the validator's pseudorandom draw in (0,1) for the
// round: a hash of the seed and the validator's identity, so a validator
// can influence neither its own draw nor anyone else's.
func vrfDraw(seed [sha256.Size]byte, accountID database.AccountID) float64 {
	h := sha256.New()
	h.Write(seed[:])
	h.Write([]byte(accountID))
	sum := h.Sum(nil)

	v := binary.LittleEndian.Uint64(sum[:8])

	// Map to (0,1): zero would collapse every weight to a zero score.
	u := (float64(v) + 1) / (float64(math.MaxUint64) + 2)
	return u
}
