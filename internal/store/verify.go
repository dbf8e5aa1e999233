package store

import (
	"bytes"
	"fmt"
)

// VerifyChainLinkage walks a contiguous run of sealed events and confirms
// each entry's prev_hash equals the preceding entry's entry_hash. It does
// not verify signatures or recompute entry hashes — that requires the
// signer's public key and the hashing scheme, both of which live above
// this package (internal/sealedlog). This is the storage-layer half of
// chain verification: "is the sequence I read back internally consistent."
func VerifyChainLinkage(events []SealedEventRow) error {
	for i := 1; i < len(events); i++ {
		if !bytes.Equal(events[i].PrevHash[:], events[i-1].EntryHash[:]) {
			return fmt.Errorf("store: chain break at seq %d: prev_hash does not match seq %d's entry_hash",
				events[i].Seq, events[i-1].Seq)
		}
	}
	return nil
}

// VerifyGapFree confirms a run of sealed events has no missing sequence
// numbers, which AUTOINCREMENT alone does not guarantee after a deletion.
func VerifyGapFree(events []SealedEventRow) error {
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			return fmt.Errorf("store: sequence gap between seq %d and seq %d", events[i-1].Seq, events[i].Seq)
		}
	}
	return nil
}
