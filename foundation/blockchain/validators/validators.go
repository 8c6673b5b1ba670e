// Package validators maintains the validator set: stake, lifecycle state
// and the reputation score that feeds selection weighting.
package validators

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/genesis"
)

// State represents the lifecycle state of a validator.
type State int

// The set of validator lifecycle states.
const (
	StateActive State = iota + 1
	StateInactive
	StateJailed
	StateTombstoned
)

// String implements the fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateJailed:
		return "jailed"
	case StateTombstoned:
		return "tombstoned"
	}
	return "unknown"
}

// Reputation score bounds. New validators start at the midpoint.
const (
	ReputationMin     = 0.0
	ReputationMax     = 100.0
	ReputationDefault = 50.0
)

// Selection multiplier bounds derived from the reputation score.
const (
	MultiplierMin = 0.1
	MultiplierMax = 2.0
)

// =============================================================================

// Validator represents the record kept for each known validator.
type Validator struct {
	AccountID       database.AccountID `json:"account"`
	Stake           uint64             `json:"stake"`
	State           State              `json:"state"`
	Reputation      float64            `json:"reputation"` // Bounded [0,100], blended from the signals below.
	Accuracy        float64            `json:"accuracy"`   // Block validation accuracy signal [0,100].
	Uptime          float64            `json:"uptime"`     // Liveness signal [0,100].
	Throughput      float64            `json:"throughput"` // Production throughput signal [0,100].
	ProposedBlocks  uint64             `json:"proposed_blocks"`
	MissedBlocks    uint64             `json:"missed_blocks"`
	DoubleSignCount uint64             `json:"double_sign_count"`
	JailedUntil     uint64             `json:"jailed_until"` // Height at which unjailing becomes possible.
}

// Multiplier maps the bounded reputation score onto the selection weight
// multiplier range. Even the worst reputation keeps a nonzero multiplier so
// no validator's selection probability collapses to zero.
func (v Validator) Multiplier() float64 {
	return MultiplierMin + (v.Reputation/ReputationMax)*(MultiplierMax-MultiplierMin)
}

// Eligible reports whether the validator can be selected given the
// minimum stake requirement.
func (v Validator) Eligible(minStake uint64) bool {
	return v.State == StateActive && v.Stake >= minStake
}

// =============================================================================

// Registry manages the validator set and applies lifecycle transitions from
// production, miss and double-sign events.
type Registry struct {
	mu         sync.RWMutex
	validators map[database.AccountID]*Validator
	misses     map[database.AccountID][]uint64 // Heights of recent misses, pruned to the rolling window.

	minStake    uint64
	missWindow  uint64
	missLimit   int
	jailPenalty uint64
	weights     genesis.ReputationWeights
	evHandler   func(v string, args ...any)
}

// New constructs a registry seeded with the genesis validator stakes.
func New(gen genesis.Genesis, evHandler func(v string, args ...any)) (*Registry, error) {
	r := Registry{
		validators:  make(map[database.AccountID]*Validator),
		misses:      make(map[database.AccountID][]uint64),
		minStake:    gen.MinStake,
		missWindow:  gen.MissWindow,
		missLimit:   gen.MissLimit,
		jailPenalty: gen.JailPenalty,
		weights:     gen.Reputation,
		evHandler:   evHandler,
	}

	for accountStr, stake := range gen.Stakes {
		accountID, err := database.ToAccountID(accountStr)
		if err != nil {
			return nil, err
		}
		r.addLocked(accountID, stake)
	}

	return &r, nil
}

// Add registers a validator with the specified stake. The validator starts
// Active when the stake meets the minimum, Inactive otherwise.
func (r *Registry) Add(accountID database.AccountID, stake uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.addLocked(accountID, stake)
}

func (r *Registry) addLocked(accountID database.AccountID, stake uint64) {
	state := StateInactive
	if stake >= r.minStake {
		state = StateActive
	}

	r.validators[accountID] = &Validator{
		AccountID:  accountID,
		Stake:      stake,
		State:      state,
		Reputation: ReputationDefault,
		Accuracy:   ReputationDefault,
		Uptime:     ReputationDefault,
		Throughput: ReputationDefault,
	}
}

// Get returns a copy of the validator record.
func (r *Registry) Get(accountID database.AccountID) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.validators[accountID]
	if !exists {
		return Validator{}, false
	}
	return *v, true
}

// Active returns a snapshot of the validators currently eligible for
// selection, sorted by account id for deterministic iteration.
func (r *Registry) Active() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]Validator, 0, len(r.validators))
	for _, v := range r.validators {
		if v.Eligible(r.minStake) {
			active = append(active, *v)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].AccountID < active[j].AccountID
	})

	return active
}

// All returns a snapshot of every validator record.
func (r *Registry) All() []Validator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]Validator, 0, len(r.validators))
	for _, v := range r.validators {
		all = append(all, *v)
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].AccountID < all[j].AccountID
	})

	return all
}

// StakeOf returns the stake bonded by the specified validator. Unknown
// validators have zero stake.
func (r *Registry) StakeOf(accountID database.AccountID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, exists := r.validators[accountID]
	if !exists {
		return 0
	}
	return v.Stake
}

// =============================================================================
// Lifecycle events

// RecordProposed credits a validator for producing the block at the
// specified height and nudges its performance signals upward.
func (r *Registry) RecordProposed(accountID database.AccountID, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		return
	}

	v.ProposedBlocks++
	v.Accuracy = nudge(v.Accuracy, ReputationMax)
	v.Uptime = nudge(v.Uptime, ReputationMax)
	v.Throughput = nudge(v.Throughput, ReputationMax)
	r.rescoreLocked(v)
}

// RecordMissed charges a validator for failing to produce the block at the
// specified height. Excessive misses within the rolling window jail the
// validator until the penalty period passes.
func (r *Registry) RecordMissed(accountID database.AccountID, height uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		return
	}

	v.MissedBlocks++
	v.Uptime = nudge(v.Uptime, ReputationMin)
	v.Throughput = nudge(v.Throughput, ReputationMin)
	r.rescoreLocked(v)

	// Prune the miss history to the rolling window before counting.
	misses := append(r.misses[accountID], height)
	var floor uint64
	if height > r.missWindow {
		floor = height - r.missWindow
	}
	keep := misses[:0]
	for _, h := range misses {
		if h >= floor {
			keep = append(keep, h)
		}
	}
	r.misses[accountID] = keep

	if len(keep) >= r.missLimit && v.State == StateActive {
		v.State = StateJailed
		v.JailedUntil = height + r.jailPenalty
		r.evHandler("validators: RecordMissed: JAILED: validator[%s] until height[%d]", accountID, v.JailedUntil)
	}
}

// RecordDoubleSign tombstones a validator for signing two blocks at the
// same height. This transition is terminal.
func (r *Registry) RecordDoubleSign(accountID database.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		return
	}

	v.DoubleSignCount++
	v.State = StateTombstoned
	v.Reputation = ReputationMin
	r.evHandler("validators: RecordDoubleSign: TOMBSTONED: validator[%s]", accountID)
}

// Unjail returns a jailed validator to Active once the penalty period has
// passed. Unjailing is explicit; serving the penalty alone is not enough.
func (r *Registry) Unjail(accountID database.AccountID, height uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		return errors.New("unknown validator")
	}

	if v.State != StateJailed {
		return fmt.Errorf("validator %s is %s, not jailed", accountID, v.State)
	}
	if height < v.JailedUntil {
		return fmt.Errorf("validator %s jailed until height %d", accountID, v.JailedUntil)
	}

	v.State = StateActive
	r.misses[accountID] = nil

	return nil
}

// SetStake adjusts a validator's stake, moving it between Inactive and
// Active around the minimum-stake threshold. Jailed and tombstoned
// validators keep their state regardless of stake.
func (r *Registry) SetStake(accountID database.AccountID, stake uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		r.addLocked(accountID, stake)
		return
	}

	v.Stake = stake

	switch v.State {
	case StateActive:
		if stake < r.minStake {
			v.State = StateInactive
		}
	case StateInactive:
		if stake >= r.minStake {
			v.State = StateActive
		}
	}
}

// UpdateSignals overrides the raw performance signals directly. Values are
// clamped to the score bounds. Used by the integration layer when it has
// better telemetry than the engine's own production events.
func (r *Registry) UpdateSignals(accountID database.AccountID, accuracy, uptime, throughput float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, exists := r.validators[accountID]
	if !exists {
		return
	}

	v.Accuracy = clamp(accuracy)
	v.Uptime = clamp(uptime)
	v.Throughput = clamp(throughput)
	r.rescoreLocked(v)
}

// =============================================================================

// rescoreLocked recomputes the blended reputation score from the raw
// signals. Callers must hold the mutex.
func (r *Registry) rescoreLocked(v *Validator) {
	score := r.weights.Accuracy*v.Accuracy + r.weights.Uptime*v.Uptime + r.weights.Throughput*v.Throughput
	v.Reputation = clamp(score)
}

// nudge moves a signal a fraction of the way toward the target, keeping
// the score responsive without letting one event dominate.
func nudge(current, target float64) float64 {
	const step = 0.05
	return clamp(current + (target-current)*step)
}

// clamp bounds a score to the reputation range.
func clamp(score float64) float64 {
	if score < ReputationMin {
		return ReputationMin
	}
	if score > ReputationMax {
		return ReputationMax
	}
	return score
}
