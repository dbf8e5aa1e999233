// Package store provides SQLite-based persistence for the sealed event log,
// checkpoints, break-glass workflow state, and device metadata.
package store

// SealedEventRow is the persisted form of one sealed log entry (spec.md
// §3's SealedEvent). CanonicalPayload is the exact RFC 8785 JCS bytes that
// EntryHash and Signature were computed over; it is stored verbatim so a
// verifier never has to re-derive it from the structured fields.
type SealedEventRow struct {
	Seq              int64
	DeviceID         [16]byte
	EventType        string
	Zone             string
	CanonicalPayload []byte
	PayloadHash      [32]byte
	RulesetHash      [32]byte
	PrevHash         [32]byte
	EntryHash        [32]byte
	Signature        []byte
	CorrelationToken []byte
	CreatedAtNs      int64
}

// CheckpointRow is the persisted form of a Checkpoint (spec.md §3).
type CheckpointRow struct {
	ID                int64
	CoversThroughSeq  int64
	CoversThroughHash [32]byte
	MMRRoot           [32]byte
	Signature         []byte
	CreatedAtNs       int64
}

// DeviceRow records the device identity and its current signing public key.
type DeviceRow struct {
	DeviceID      [16]byte
	CreatedAtNs   int64
	SigningPubkey [32]byte
	Hostname      string
}

// PolicyRow is the currently active break-glass policy document (spec.md
// §4.5): an N-of-M trustee threshold plus the trustee public key set,
// versioned so a policy change is itself auditable.
type PolicyRow struct {
	Version         int64
	Threshold       int
	TotalOfM        int
	TrusteeIDs      []string
	TrusteeKeys     [][32]byte
	VaultCryptoMode string
	CreatedAtNs     int64
}

// BreakGlassRequestRow is a pending or resolved break-glass export request.
// RequestHash, RulesetHash, and Bucket bind the request to the exact
// context its approvals and token are scoped to (spec.md §4.6); Status
// moves pending -> authorized|denied, and authorized -> consumed exactly
// once, enforced by ConsumeBreakGlassRequest's conditional UPDATE.
type BreakGlassRequestRow struct {
	ID            int64
	EnvelopeID    string
	RequestedBy   string
	Justification string
	PolicyVersion int64
	RequestHash   [32]byte
	RulesetHash   [32]byte
	Bucket        string
	CreatedAtNs   int64
	Status        string // "pending", "authorized", "denied", "consumed"
	ConsumedAtNs  int64
}

// BreakGlassApprovalRow is one trustee's signed approval of a request.
type BreakGlassApprovalRow struct {
	RequestID int64
	TrusteeID string
	Signature []byte
	CreatedAtNs int64
}

// BreakGlassReceiptRow is the signed, chained receipt issued once a request
// crosses its policy's threshold and the export token is minted.
type BreakGlassReceiptRow struct {
	ID          int64
	RequestID   int64
	PrevHash    [32]byte
	ReceiptHash [32]byte
	Signature   []byte
	CreatedAtNs int64
}

// ConformanceAlarmRow records a forbidden-action attempt (spec.md §4.1,
// §4.6): raw export without a valid token, a contract violation, a
// reprocess-guard refusal. These are append-only and never silently
// dropped.
type ConformanceAlarmRow struct {
	ID          int64
	Category    string
	Detail      string
	CreatedAtNs int64
}
