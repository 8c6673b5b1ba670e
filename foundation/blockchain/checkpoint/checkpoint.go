// Package checkpoint maintains trusted (height, hash) anchors that bound
// reorg depth and support weak-subjectivity recovery. Checkpoints are
// stored as discrete signed records in a checkpoint directory.
package checkpoint

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/database"
	"github.com/sa2shinakamo2/bt2c/foundation/blockchain/signature"
)

// CheckpointHashMismatchError is returned when the chain's block at a
// checkpoint height does not carry the checkpoint's recorded hash.
type CheckpointHashMismatchError struct {
	Height    uint64
	Expected  string
	StoredVal string
}

// Error implements the error interface.
func (e *CheckpointHashMismatchError) Error() string {
	return fmt.Sprintf("checkpoint hash mismatch at height %d: checkpoint %s, stored block %s", e.Height, e.Expected, e.StoredVal)
}

// =============================================================================

// Checkpoint is a single trusted anchor. PrevHash links checkpoints into
// their own chain so a gap or substitution is detectable.
type Checkpoint struct {
	Height    uint64    `json:"height"`
	BlockHash string    `json:"block_hash"`
	CreatedAt time.Time `json:"created_at"`
	PrevHash  string    `json:"prev_checkpoint_hash"`
	Sig       string    `json:"sig,omitempty"`
}

// Hash returns the digest identifying this checkpoint record.
func (cp Checkpoint) Hash() string {
	return signature.Hash(cp.payload())
}

// payload is the portion of the record covered by the signature.
func (cp Checkpoint) payload() Checkpoint {
	cp.Sig = ""
	return cp
}

// =============================================================================

// Config carries the settings for the checkpoint manager.
type Config struct {
	Dir        string
	Interval   uint64             // Create a checkpoint every N blocks.
	PrivateKey *ecdsa.PrivateKey  // When set, new checkpoints are signed.
	TrustedID  database.AccountID // When set, verification requires this signer.
	Allowlist  map[uint64]string  // Fallback trust: height to block hash.
}

// Manager creates, verifies and serves checkpoints.
type Manager struct {
	mu          sync.RWMutex
	checkpoints []Checkpoint // Sorted by height ascending.
	cfg         Config
	evHandler   func(v string, args ...any)
}

// New constructs a Manager and loads any existing checkpoint records from
// the checkpoint directory.
func New(cfg Config, evHandler func(v string, args ...any)) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	m := Manager{
		cfg:       cfg,
		evHandler: evHandler,
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(cfg.Dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		var cp Checkpoint
		if err := json.Unmarshal(content, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint record %s: %w", entry.Name(), err)
		}

		m.checkpoints = append(m.checkpoints, cp)
	}

	sort.Slice(m.checkpoints, func(i, j int) bool {
		return m.checkpoints[i].Height < m.checkpoints[j].Height
	})

	if len(m.checkpoints) > 0 {
		last := m.checkpoints[len(m.checkpoints)-1]
		evHandler("checkpoint: New: loaded %d checkpoints, latest height[%d]", len(m.checkpoints), last.Height)
	}

	return &m, nil
}

// Interval returns the configured checkpoint cadence in blocks.
func (m *Manager) Interval() uint64 {
	return m.cfg.Interval
}

// Due reports whether a checkpoint should be created for the specified
// height under the configured interval.
func (m *Manager) Due(height uint64) bool {
	if m.cfg.Interval == 0 || height == 0 {
		return false
	}
	return height%m.cfg.Interval == 0
}

// Create records a new checkpoint for the specified height and block hash,
// linked to the most recent existing checkpoint. Checkpoint heights must be
// monotonically increasing.
func (m *Manager) Create(height uint64, blockHash string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := Checkpoint{
		Height:    height,
		BlockHash: blockHash,
		CreatedAt: time.Now().UTC(),
	}

	if len(m.checkpoints) > 0 {
		last := m.checkpoints[len(m.checkpoints)-1]
		if height <= last.Height {
			return Checkpoint{}, fmt.Errorf("checkpoint height %d not above latest checkpoint %d", height, last.Height)
		}
		cp.PrevHash = last.Hash()
	}

	if m.cfg.PrivateKey != nil {
		v, r, s, err := signature.Sign(cp.payload(), m.cfg.PrivateKey)
		if err != nil {
			return Checkpoint{}, err
		}
		cp.Sig = signature.SignatureString(v, r, s)
	}

	if err := m.write(cp); err != nil {
		return Checkpoint{}, err
	}

	m.checkpoints = append(m.checkpoints, cp)
	m.evHandler("checkpoint: Create: height[%d] hash[%s]", height, blockHash)

	return cp, nil
}

// Verify checks a checkpoint's trustworthiness: its signature against the
// configured trusted signer when signing is enabled, otherwise membership
// in the trusted allowlist.
func (m *Manager) Verify(cp Checkpoint) bool {
	if m.cfg.TrustedID != "" {
		if cp.Sig == "" {
			return false
		}

		v, r, s, err := signature.ToVRSFromHexSignature(cp.Sig)
		if err != nil {
			return false
		}
		if err := signature.VerifySignature(v, r, s); err != nil {
			return false
		}

		signer, err := signature.FromAddress(cp.payload(), v, r, s)
		if err != nil {
			return false
		}
		return database.AccountID(signer) == m.cfg.TrustedID
	}

	hash, exists := m.cfg.Allowlist[cp.Height]
	return exists && hash == cp.BlockHash
}

// Latest returns the most recent checkpoint.
func (m *Manager) Latest() (Checkpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return m.checkpoints[len(m.checkpoints)-1], true
}

// NearestBelow returns the highest checkpoint at or below the specified
// height.
func (m *Manager) NearestBelow(height uint64) (Checkpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.checkpoints) - 1; i >= 0; i-- {
		if m.checkpoints[i].Height <= height {
			return m.checkpoints[i], true
		}
	}
	return Checkpoint{}, false
}

// All returns the checkpoints most-recent-first.
func (m *Manager) All() []Checkpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Checkpoint, len(m.checkpoints))
	for i, cp := range m.checkpoints {
		out[len(m.checkpoints)-1-i] = cp
	}
	return out
}

// Truncate drops checkpoints above the specified height. Used when a
// checkpoint restore rewinds the chain.
func (m *Manager) Truncate(height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := m.checkpoints[:0]
	for _, cp := range m.checkpoints {
		if cp.Height <= height {
			keep = append(keep, cp)
			continue
		}
		if err := os.Remove(m.path(cp.Height)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	m.checkpoints = keep

	return nil
}

// =============================================================================

// write persists a checkpoint record to its own file. File names embed the
// height zero-padded so a reverse lexical listing is most-recent-first.
func (m *Manager) write(cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(m.path(cp.Height), data, 0600)
}

// path forms the record path for the specified checkpoint height.
func (m *Manager) path(height uint64) string {
	return filepath.Join(m.cfg.Dir, fmt.Sprintf("%020d.json", height))
}
