// Package sealedlog implements the sealed append-only event log (spec.md
// §4.4): the component that turns a contract-reduced payload into a
// signed, hash-chained SealedEvent and commits it to storage. It is the
// only writer of internal/store's sealed_events table and enforces the
// append lock that internal/store's own CRUD layer does not.
package sealedlog

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"pwk/internal/mmr"
	"pwk/internal/signer"
	"pwk/internal/store"
)

// Domain separation prefixes. Every hash computed by this package is
// prefixed by one of these so a collision across contexts (e.g. a payload
// hash that happens to equal a genesis hash) can never be engineered.
const (
	payloadHashPrefix = "pwk:payload:v1"
	genesisPrefix     = "pwk:genesis:v1"
)

var (
	// ErrEmptyLog is returned by operations that require at least one entry.
	ErrEmptyLog = errors.New("sealedlog: log is empty")
	// ErrChainBroken is returned when a verification pass finds a prev_hash
	// that does not match the preceding entry's entry_hash.
	ErrChainBroken = errors.New("sealedlog: chain integrity violation")
	// ErrSignatureInvalid is returned when an entry's signature does not
	// verify against the device's public key.
	ErrSignatureInvalid = errors.New("sealedlog: signature verification failed")
)

// AppendRequest carries everything Log.Append needs beyond what it derives
// itself (prev_hash, entry_hash, signature, created_at).
type AppendRequest struct {
	DeviceID         [16]byte
	EventType        string
	Zone             string
	CanonicalPayload []byte
	RulesetHash      [32]byte
	CorrelationToken []byte
}

// Log is the sealed event log. It owns the append lock: every Append call
// serializes against every other, so prev_hash is always derived from the
// true latest entry even under concurrent producers.
type Log struct {
	mu      sync.Mutex
	st      *store.Store
	mmrTree *mmr.MMR
	priv    ed25519.PrivateKey
}

// New constructs a Log bound to a store, an MMR accumulator, and the
// device's signing key.
func New(st *store.Store, tree *mmr.MMR, priv ed25519.PrivateKey) *Log {
	return &Log{st: st, mmrTree: tree, priv: priv}
}

// PayloadHash computes the domain-separated hash of canonical payload
// bytes. This is the value a SealedEvent's payload_hash field carries, kept
// distinct from entry_hash so a verifier can check a claim's content
// independent of its position in the chain.
func PayloadHash(canonicalPayload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(payloadHashPrefix))
	h.Write(canonicalPayload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// entryHash computes SHA256(prev_hash ‖ payload_canonical) exactly as
// spec.md §4.4 defines it. Signing covers this hash, not the raw payload,
// so the signature also binds the entry's position in the chain. The
// ruleset hash, event type, and zone are not folded into entry_hash
// separately: they are already committed to transitively, since
// Reduce stamps ruleset_id/zone_id into the canonical payload this hash
// covers, and an external verifier built strictly to the documented wire
// format must be able to recompute this value without knowing our
// internal field layout.
func entryHash(prevHash [32]byte, canonicalPayload []byte) [32]byte {
	h := sha256.New()
	h.Write(prevHash[:])
	h.Write(canonicalPayload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenesisHash is the prev_hash of the first entry in a fresh log: a
// domain-separated constant, never the zero hash, so an empty-log chain
// can't be confused with an accidentally-zeroed prev_hash field.
func GenesisHash(deviceID [16]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(genesisPrefix))
	h.Write(deviceID[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append seals req into the next chain entry: it reads the current tail
// under the append lock, computes payload_hash/entry_hash, signs the entry
// hash with the device key, appends an MMR leaf, and commits the row.
func (l *Log) Append(req AppendRequest) (*store.SealedEventRow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := l.tailHashLocked(req.DeviceID)
	if err != nil {
		return nil, err
	}

	payloadHash := PayloadHash(req.CanonicalPayload)
	eHash := entryHash(prevHash, req.CanonicalPayload)
	sig := signer.SignCommitment(l.priv, eHash[:])

	row := &store.SealedEventRow{
		DeviceID:         req.DeviceID,
		EventType:        req.EventType,
		Zone:             req.Zone,
		CanonicalPayload: req.CanonicalPayload,
		PayloadHash:      payloadHash,
		RulesetHash:      req.RulesetHash,
		PrevHash:         prevHash,
		EntryHash:        eHash,
		Signature:        sig,
		CorrelationToken: req.CorrelationToken,
		CreatedAtNs:      time.Now().UnixNano(),
	}

	seq, err := l.st.AppendSealedEvent(row)
	if err != nil {
		return nil, fmt.Errorf("sealedlog: append: %w", err)
	}
	row.Seq = seq

	if l.mmrTree != nil {
		if _, err := l.mmrTree.Append(eHash[:]); err != nil {
			return nil, fmt.Errorf("sealedlog: append mmr leaf: %w", err)
		}
	}

	return row, nil
}

func (l *Log) tailHashLocked(deviceID [16]byte) ([32]byte, error) {
	last, err := l.st.GetLastSealedEvent()
	if err != nil {
		return [32]byte{}, fmt.Errorf("sealedlog: read tail: %w", err)
	}
	if last == nil {
		return GenesisHash(deviceID), nil
	}
	return last.EntryHash, nil
}

// VerifyChain verifies payload hashes, signatures and chain linkage for a
// contiguous run of entries, using pub as the device's public key.
func VerifyChain(events []store.SealedEventRow, genesisHash [32]byte, pub ed25519.PublicKey) error {
	if len(events) == 0 {
		return nil
	}

	expectedPrev := genesisHash
	if events[0].Seq != 1 {
		expectedPrev = events[0].PrevHash
	}

	for i, e := range events {
		if e.PrevHash != expectedPrev {
			return fmt.Errorf("%w: seq %d", ErrChainBroken, e.Seq)
		}

		recomputed := entryHash(e.PrevHash, e.CanonicalPayload)
		if recomputed != e.EntryHash {
			return fmt.Errorf("%w: seq %d entry hash mismatch", ErrChainBroken, e.Seq)
		}

		if PayloadHash(e.CanonicalPayload) != e.PayloadHash {
			return fmt.Errorf("%w: seq %d payload hash mismatch", ErrChainBroken, e.Seq)
		}

		if !signer.VerifyCommitment(pub, e.EntryHash[:], e.Signature) {
			return fmt.Errorf("%w: seq %d", ErrSignatureInvalid, e.Seq)
		}

		expectedPrev = e.EntryHash
		_ = i
	}
	return nil
}
