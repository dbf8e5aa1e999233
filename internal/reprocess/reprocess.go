// Package reprocess implements the ReprocessGuard (spec.md §4.7): the
// gate bracketing every read of historical sealed events that will feed a
// detection module. A module may read events sealed under its own active
// ruleset but may never reinterpret events sealed under an older ruleset
// — that would let a rule change retroactively expand what an already-
// recorded observation means. The guard enforces this by comparing the
// active ruleset hash against each event's stored ruleset_hash and
// refusing the read on any mismatch, recording a conformance alarm.
package reprocess

import (
	"errors"
	"fmt"
	"time"

	"pwk/internal/store"
)

// ErrRetroactiveReprocessingRefused is returned when a historical read's
// ruleset hash does not match the event's ruleset hash at seal time.
var ErrRetroactiveReprocessingRefused = errors.New("reprocess: retroactive reprocessing refused")

const conformanceCategory = "retroactive_reprocessing"

// Guard brackets historical reads with the active ruleset hash check.
type Guard struct {
	st *store.Store
}

// NewGuard builds a guard bound to the kernel's store, used to record
// conformance alarms on refusal.
func NewGuard(st *store.Store) *Guard {
	return &Guard{st: st}
}

// Check compares activeRulesetHash against event's stored ruleset hash.
// It records a conformance alarm and returns ErrRetroactiveReprocessingRefused
// on mismatch; callers must treat that as "no data returned," never as a
// stale-but-usable read.
func (g *Guard) Check(event *store.SealedEventRow, activeRulesetHash [32]byte) error {
	if event.RulesetHash == activeRulesetHash {
		return nil
	}

	if err := g.st.InsertConformanceAlarm(&store.ConformanceAlarmRow{
		Category: conformanceCategory,
		Detail: fmt.Sprintf("seq %d sealed under ruleset %x, active ruleset is %x",
			event.Seq, event.RulesetHash, activeRulesetHash),
		CreatedAtNs: time.Now().UnixNano(),
	}); err != nil {
		return fmt.Errorf("reprocess: record conformance alarm: %w", err)
	}

	return ErrRetroactiveReprocessingRefused
}

// Filter returns only the events in events whose ruleset hash matches
// activeRulesetHash, recording one conformance alarm per refused event.
// A detection module that wants "my own-ruleset history, nothing else"
// calls this instead of Check per event.
func (g *Guard) Filter(events []store.SealedEventRow, activeRulesetHash [32]byte) ([]store.SealedEventRow, error) {
	out := make([]store.SealedEventRow, 0, len(events))
	for i := range events {
		if err := g.Check(&events[i], activeRulesetHash); err != nil {
			if errors.Is(err, ErrRetroactiveReprocessingRefused) {
				continue
			}
			return nil, err
		}
		out = append(out, events[i])
	}
	return out, nil
}
