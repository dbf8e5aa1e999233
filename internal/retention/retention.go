// Package retention implements the retention sweep (spec.md §4.7):
// pruning sealed events older than a configurable ceiling, provided a
// signed checkpoint already covers them. Pruning never outruns the
// latest checkpoint's coverage, so the kept tail always stays verifiable
// from that checkpoint forward; there is no "recoverable" deleted state
// once a sweep commits.
package retention

import (
	"errors"
	"fmt"
	"time"

	"pwk/internal/store"
)

// ErrNoCheckpoint is returned when a sweep is attempted before any
// checkpoint has ever been taken, since pruning has nothing to anchor to.
var ErrNoCheckpoint = errors.New("retention: no checkpoint exists to anchor pruning")

// Sweeper periodically prunes sealed events older than Ceiling, bounded
// by the latest checkpoint's coverage.
type Sweeper struct {
	st      *store.Store
	ceiling time.Duration
}

// NewSweeper builds a sweeper bound to the store, pruning events whose
// created_at is older than ceiling.
func NewSweeper(st *store.Store, ceiling time.Duration) *Sweeper {
	return &Sweeper{st: st, ceiling: ceiling}
}

// Result reports what one sweep did.
type Result struct {
	PrunedCount   int64
	CheckpointSeq int64
	OldestKeptSeq int64
}

// Sweep deletes every sealed event older than the retention ceiling that
// is at or before the latest checkpoint's coverage. Events newer than the
// ceiling, and events the checkpoint does not yet cover, are always kept
// regardless of age — an uncovered event must survive until the next
// checkpoint takes it, since pruning it first would leave the chain
// unverifiable from genesis with no checkpoint to resume from.
func (s *Sweeper) Sweep() (*Result, error) {
	cp, err := s.st.GetLatestCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("retention: read latest checkpoint: %w", err)
	}
	if cp == nil {
		return nil, ErrNoCheckpoint
	}

	cutoffSeq, err := s.ageCutoffSeq(cp.CoversThroughSeq)
	if err != nil {
		return nil, err
	}
	if cutoffSeq <= 1 {
		return &Result{CheckpointSeq: cp.CoversThroughSeq, OldestKeptSeq: 1}, nil
	}

	pruned, err := s.st.DeleteSealedEventsBefore(cutoffSeq)
	if err != nil {
		return nil, fmt.Errorf("retention: prune: %w", err)
	}

	return &Result{
		PrunedCount:   pruned,
		CheckpointSeq: cp.CoversThroughSeq,
		OldestKeptSeq: cutoffSeq,
	}, nil
}

// ageCutoffSeq finds the highest seq at or before checkpointSeq whose
// created_at is older than the retention ceiling and returns the seq just
// after it; everything strictly before the returned seq is eligible for
// pruning. It never returns a seq past checkpointSeq+1, so events the
// checkpoint hasn't covered yet survive regardless of age.
func (s *Sweeper) ageCutoffSeq(checkpointSeq int64) (int64, error) {
	cutoffTime := time.Now().Add(-s.ceiling).UnixNano()

	events, err := s.st.GetSealedEventRange(1, checkpointSeq)
	if err != nil {
		return 0, fmt.Errorf("retention: read covered range: %w", err)
	}

	cutoffSeq := int64(1)
	for _, e := range events {
		if e.CreatedAtNs >= cutoffTime {
			break
		}
		cutoffSeq = e.Seq + 1
	}
	return cutoffSeq, nil
}
