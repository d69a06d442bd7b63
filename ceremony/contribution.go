package ceremony

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Contribution is one participant's verified update to a circuit's
// parameter chain. Contributions form a hash chain: each one commits to the
// hash of its predecessor, the first one to the genesis hash. A failed
// (unverified) attempt is discarded, never stored.
type Contribution struct {
	CircuitID     string
	ParticipantID string
	// SequenceNumber is 1-based, strictly increasing with no gaps.
	SequenceNumber int
	PreviousHash   string
	ComputedHash   string
	Verified       bool
	// Terminal marks the closing contribution incorporating the
	// ceremony beacon. Only the finalizer appends terminal
	// contributions.
	Terminal bool
	// DurationMs is the wall-clock time the contributor consumed,
	// excluding verification.
	DurationMs int64
	CreatedAt  time.Time
}

// genesis is the domain separation string hashed into the previous-hash
// field of every first contribution.
const genesis = "zkceremony.coordinator.chain.genesis.v1"

var genesisHash = func() string {
	h := sha256.Sum256([]byte(genesis))
	return hex.EncodeToString(h[:])
}()

// GenesisHash is the fixed previous-hash value of a circuit's first
// contribution.
func GenesisHash() string {
	return genesisHash
}

// HashPayload computes the chain hash of a contribution payload.
func HashPayload(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

// TimeoutKind distinguishes why a penalty entry was recorded.
type TimeoutKind uint32

const (
	// TimeoutExpiry marks an eviction by the sweep after the deadline
	// passed.
	TimeoutExpiry TimeoutKind = iota
	// TimeoutRejection marks a contribution that failed verification. It
	// costs the same penalty as a timeout.
	TimeoutRejection
)

func (k TimeoutKind) String() string {
	switch k {
	case TimeoutExpiry:
		return "Expiry"
	case TimeoutRejection:
		return "Rejection"
	default:
		return "Unknown"
	}
}

// TimeoutEvent gates re-admission of a participant to a circuit. The
// penalty window runs from Timestamp for the parent ceremony's
// PenaltyMinutes.
type TimeoutEvent struct {
	ParticipantID string
	CircuitID     string
	Timestamp     time.Time
	Kind          TimeoutKind
}
