// Package checkpoint implements the sealed log's periodic signed summary.
// A checkpoint lets retention prune events older than its coverage while
// leaving the tail verifiable from the checkpoint forward instead of from
// genesis: pwkverify never needs the pruned entries to confirm the kept
// ones are intact.
package checkpoint

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"pwk/internal/mmr"
	"pwk/internal/sealedlog"
	"pwk/internal/signer"
	"pwk/internal/store"
)

const checkpointHashPrefix = "pwk:checkpoint:v1"

var (
	// ErrNoEvents is returned when a checkpoint is requested over an
	// empty log.
	ErrNoEvents = errors.New("checkpoint: no sealed events to cover")
	// ErrSignatureInvalid is returned by Verify when a checkpoint's
	// signature does not match the device public key.
	ErrSignatureInvalid = errors.New("checkpoint: signature verification failed")
	// ErrCoverageMismatch is returned by Verify when a checkpoint's
	// covers_through_hash does not equal the entry_hash of the event at
	// covers_through_seq.
	ErrCoverageMismatch = errors.New("checkpoint: covers_through_hash does not match the covered entry")
)

// Cadence bounds how often a checkpoint is taken: every EveryEvents new
// sealed events, or every EveryBuckets distinct time buckets, whichever
// comes first. spec.md leaves the exact cadence unspecified beyond
// "periodic" — this is the chosen bound (see DESIGN.md Open Questions).
type Cadence struct {
	EveryEvents  int64
	EveryBuckets int64
}

// DefaultCadence checkpoints every 500 events or every 6 buckets
// (one hour, at the default 10-minute bucket width), whichever is first.
func DefaultCadence() Cadence {
	return Cadence{EveryEvents: 500, EveryBuckets: 6}
}

// Due reports whether a new checkpoint should be taken given how many
// events and distinct buckets have elapsed since the last checkpoint.
func (c Cadence) Due(eventsSinceCheckpoint, bucketsSinceCheckpoint int64) bool {
	if c.EveryEvents > 0 && eventsSinceCheckpoint >= c.EveryEvents {
		return true
	}
	if c.EveryBuckets > 0 && bucketsSinceCheckpoint >= c.EveryBuckets {
		return true
	}
	return false
}

// Taker creates and persists checkpoints over a sealed log's store,
// enriching them with the auxiliary MMR root.
type Taker struct {
	st   *store.Store
	tree *mmr.MMR
	priv ed25519.PrivateKey
}

// NewTaker builds a Taker bound to a store, the log's MMR accumulator,
// and the device signing key.
func NewTaker(st *store.Store, tree *mmr.MMR, priv ed25519.PrivateKey) *Taker {
	return &Taker{st: st, tree: tree, priv: priv}
}

// Take seals a checkpoint covering every sealed event up to and including
// the current tail, and persists it.
func (t *Taker) Take() (*store.CheckpointRow, error) {
	last, err := t.st.GetLastSealedEvent()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read tail: %w", err)
	}
	if last == nil {
		return nil, ErrNoEvents
	}

	var mmrRoot [32]byte
	if t.tree != nil {
		root, err := t.tree.GetRoot()
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read mmr root: %w", err)
		}
		mmrRoot = root
	}

	h := computeHash(last.Seq, last.EntryHash, mmrRoot)
	sig := signer.SignCommitment(t.priv, h[:])

	row := &store.CheckpointRow{
		CoversThroughSeq:  last.Seq,
		CoversThroughHash: last.EntryHash,
		MMRRoot:           mmrRoot,
		Signature:         sig,
		CreatedAtNs:       time.Now().UnixNano(),
	}

	id, err := t.st.InsertCheckpoint(row)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: insert: %w", err)
	}
	row.ID = id
	return row, nil
}

// computeHash is the value a checkpoint's signature covers: binding
// coverage position, the covered entry's hash, and the MMR root together
// so a verifier can't accept a checkpoint signed over a different
// coverage claim than the one attached to it.
func computeHash(coversThroughSeq int64, coversThroughHash, mmrRoot [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(checkpointHashPrefix))
	var seqBuf [8]byte
	for i := 0; i < 8; i++ {
		seqBuf[i] = byte(coversThroughSeq >> (8 * (7 - i)))
	}
	h.Write(seqBuf[:])
	h.Write(coversThroughHash[:])
	h.Write(mmrRoot[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Verify checks that a checkpoint's signature is valid and that its
// covers_through_hash actually matches the entry_hash of the sealed
// event at covers_through_seq. It does not itself walk the chain from
// genesis — that is sealedlog.VerifyChain's job, starting from this
// checkpoint instead of from the genesis hash.
func Verify(cp *store.CheckpointRow, coveredEvent *store.SealedEventRow, pub ed25519.PublicKey) error {
	if coveredEvent.Seq != cp.CoversThroughSeq {
		return fmt.Errorf("checkpoint: covered event seq %d does not match checkpoint seq %d",
			coveredEvent.Seq, cp.CoversThroughSeq)
	}
	if coveredEvent.EntryHash != cp.CoversThroughHash {
		return ErrCoverageMismatch
	}

	h := computeHash(cp.CoversThroughSeq, cp.CoversThroughHash, cp.MMRRoot)
	if !signer.VerifyCommitment(pub, h[:], cp.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifyChainFromCheckpoint walks events forward from the entry right
// after cp's coverage, treating cp.CoversThroughHash as the starting
// prev_hash instead of sealedlog.GenesisHash. This is what lets
// retention prune everything at or before cp without breaking
// verifiability of the kept tail.
func VerifyChainFromCheckpoint(cp *store.CheckpointRow, tail []store.SealedEventRow, pub ed25519.PublicKey) error {
	return sealedlog.VerifyChain(tail, cp.CoversThroughHash, pub)
}
