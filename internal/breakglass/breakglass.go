// Package breakglass implements the N-of-M trustee authorization gate that
// guards every raw-media vault unseal (spec.md §4.6). No component other
// than this one is permitted to mint an unseal token, and no token is
// honored twice: Authorize counts distinct valid trustee approvals against
// the active policy and mints a one-shot Token only at quorum; Consume
// enforces the one-shot property with a single conditional row update so a
// token can never be replayed even under concurrent unseal attempts.
package breakglass

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"pwk/internal/contract"
	"pwk/internal/signer"
	"pwk/internal/store"
)

// Domain separation prefixes, following the same convention as
// internal/sealedlog and internal/checkpoint.
const (
	requestHashPrefix = "pwk:bg:req:v1"
	tokenHashPrefix   = "pwk:bg:token:v1"
	receiptHashPrefix = "pwk:bg:receipt:v1"
)

var (
	ErrPolicyNotSet      = errors.New("breakglass: no policy configured")
	ErrInvalidPolicy     = errors.New("breakglass: threshold exceeds trustee count")
	ErrUnknownTrustee    = errors.New("breakglass: approval from a trustee not in the active policy")
	ErrDuplicateApproval = errors.New("breakglass: duplicate approval from the same trustee")
	ErrRequestNotFound   = errors.New("breakglass: request not found")
	ErrAlreadyResolved   = errors.New("breakglass: request has already been authorized or denied")
	ErrQuorumNotMet      = errors.New("breakglass: distinct valid approvals do not meet the policy threshold")
	ErrTokenExpired      = errors.New("breakglass: token ttl has elapsed")
	ErrTokenInvalid      = errors.New("breakglass: token signature or context binding is invalid")
	ErrTokenConsumed     = errors.New("breakglass: token has already been consumed")
)

// Trustee is one member of a break-glass policy.
type Trustee struct {
	ID        string
	PublicKey ed25519.PublicKey
}

// Request is the logical content a break-glass request binds: the vault
// envelope being sought, the ruleset claimed to justify it, why, and the
// bucket it concerns. Approvals are bound to Hash(), never the envelope_id
// alone, so a trustee's signature cannot be replayed onto a different
// purpose or bucket for the same envelope.
type Request struct {
	EnvelopeID  string
	RulesetHash [32]byte
	Purpose     string
	Bucket      string
}

// Hash computes request_hash = SHA256("pwk:bg:req:v1" || canonical(request)).
func (r Request) Hash() ([32]byte, error) {
	payload := map[string]any{
		"envelope_id":  r.EnvelopeID,
		"ruleset_hash": hex.EncodeToString(r.RulesetHash[:]),
		"purpose":      r.Purpose,
		"bucket":       r.Bucket,
	}
	canon, err := contract.CanonicalPayload(payload)
	if err != nil {
		return [32]byte{}, fmt.Errorf("breakglass: canonicalize request: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(requestHashPrefix))
	h.Write(canon)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Approval is one trustee's signature over a request hash.
type Approval struct {
	TrusteeID string
	Signature []byte
}

// SignApproval is the trustee-side half of the workflow: a trustee signs
// request_hash with their own Ed25519 key. This package never holds a
// trustee's private key; it is exported only so cmd/breakglass's "approve"
// subcommand and tests share the exact signing convention Authorize
// verifies against.
func SignApproval(trusteeID string, trusteeKey ed25519.PrivateKey, requestHash [32]byte) Approval {
	return Approval{
		TrusteeID: trusteeID,
		Signature: ed25519.Sign(trusteeKey, requestHash[:]),
	}
}

type approvalWire struct {
	TrusteeID string `json:"trustee_id"`
	Signature string `json:"signature"`
}

// WriteFile persists the approval to path so it can travel from a
// trustee's machine to wherever "authorize" eventually runs.
func (a Approval) WriteFile(path string) error {
	w := approvalWire{TrusteeID: a.TrusteeID, Signature: hex.EncodeToString(a.Signature)}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("breakglass: marshal approval: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ReadApprovalFile loads an approval written by Approval.WriteFile.
func ReadApprovalFile(path string) (Approval, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Approval{}, fmt.Errorf("breakglass: read approval: %w", err)
	}
	var w approvalWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Approval{}, fmt.Errorf("breakglass: unmarshal approval: %w", err)
	}
	sig, err := hex.DecodeString(w.Signature)
	if err != nil {
		return Approval{}, fmt.Errorf("breakglass: malformed approval signature")
	}
	return Approval{TrusteeID: w.TrusteeID, Signature: sig}, nil
}

// Token is the one-shot capability Gate.Consume accepts. Per spec.md
// §4.6 its logical fields are envelope_id, bucket, ttl, nonce, and
// kernel_sig; RequestID is this kernel's own bookkeeping handle for
// enforcing one-shot consumption and is never part of what kernel_sig
// covers.
type Token struct {
	RequestID  int64
	EnvelopeID string
	Bucket     string
	TTL        time.Time
	Nonce      [16]byte
	KernelSig  []byte
}

type tokenWire struct {
	RequestID  int64  `json:"request_id"`
	EnvelopeID string `json:"envelope_id"`
	Bucket     string `json:"bucket"`
	TTLUnixNs  int64  `json:"ttl_unix_ns"`
	Nonce      string `json:"nonce"`
	KernelSig  string `json:"kernel_sig"`
}

// WriteFile persists the token to path with owner-only permissions. A
// token is a bearer capability; spec.md §4.6 requires it is "never
// printed," and 0600 is the filesystem equivalent of that discipline.
func (t *Token) WriteFile(path string) error {
	w := tokenWire{
		RequestID:  t.RequestID,
		EnvelopeID: t.EnvelopeID,
		Bucket:     t.Bucket,
		TTLUnixNs:  t.TTL.UnixNano(),
		Nonce:      hex.EncodeToString(t.Nonce[:]),
		KernelSig:  hex.EncodeToString(t.KernelSig),
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("breakglass: marshal token: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ReadTokenFile loads a token written by WriteFile.
func ReadTokenFile(path string) (*Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("breakglass: read token: %w", err)
	}
	var w tokenWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("breakglass: unmarshal token: %w", err)
	}
	nonce, err := hex.DecodeString(w.Nonce)
	if err != nil || len(nonce) != 16 {
		return nil, fmt.Errorf("%w: malformed nonce", ErrTokenInvalid)
	}
	sig, err := hex.DecodeString(w.KernelSig)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed signature", ErrTokenInvalid)
	}
	t := &Token{
		RequestID:  w.RequestID,
		EnvelopeID: w.EnvelopeID,
		Bucket:     w.Bucket,
		TTL:        time.Unix(0, w.TTLUnixNs).UTC(),
		KernelSig:  sig,
	}
	copy(t.Nonce[:], nonce)
	return t, nil
}

// tokenHash is what KernelSig covers: binding envelope, bucket, ttl, and
// nonce together so a token cannot be trimmed, extended, or rebound to a
// different envelope after the kernel signs it.
func tokenHash(envelopeID, bucket string, ttl time.Time, nonce [16]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(tokenHashPrefix))
	h.Write([]byte(envelopeID))
	h.Write([]byte{0})
	h.Write([]byte(bucket))
	h.Write([]byte{0})
	var ttlBuf [8]byte
	ttlNs := ttl.UnixNano()
	for i := 0; i < 8; i++ {
		ttlBuf[i] = byte(ttlNs >> (8 * (7 - i)))
	}
	h.Write(ttlBuf[:])
	h.Write(nonce[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DefaultTTL is how long a minted token remains redeemable. Short and
// absolute, not sliding, per spec.md §4.6's replay-resistance requirement.
const DefaultTTL = 5 * time.Minute

// Gate is the kernel-side authorization gate: it owns policy storage, the
// request/approve/authorize/unseal workflow, and the receipts chain. It
// signs tokens and receipts with the same device key that signs the
// sealed log, so a single public key verifies everything the kernel ever
// attested to.
type Gate struct {
	st        *store.Store
	deviceKey ed25519.PrivateKey
}

// NewGate builds a Gate bound to the kernel's store and device signing key.
func NewGate(st *store.Store, deviceKey ed25519.PrivateKey) *Gate {
	return &Gate{st: st, deviceKey: deviceKey}
}

// SetPolicy installs a new break-glass policy as the next version. Policy
// versions are append-only: resolved requests keep referencing the
// version active when they were created, so changing the trustee set
// never rewrites the meaning of a past receipt.
func (g *Gate) SetPolicy(threshold int, trustees []Trustee, vaultCryptoMode string) (*store.PolicyRow, error) {
	if threshold <= 0 || threshold > len(trustees) {
		return nil, ErrInvalidPolicy
	}

	current, err := g.st.GetLatestPolicy()
	if err != nil {
		return nil, fmt.Errorf("breakglass: read latest policy: %w", err)
	}
	nextVersion := int64(1)
	if current != nil {
		nextVersion = current.Version + 1
	}

	ids := make([]string, len(trustees))
	keys := make([][32]byte, len(trustees))
	for i, t := range trustees {
		ids[i] = t.ID
		copy(keys[i][:], t.PublicKey)
	}

	row := &store.PolicyRow{
		Version:         nextVersion,
		Threshold:       threshold,
		TotalOfM:        len(trustees),
		TrusteeIDs:      ids,
		TrusteeKeys:     keys,
		VaultCryptoMode: vaultCryptoMode,
		CreatedAtNs:     time.Now().UnixNano(),
	}
	if err := g.st.InsertPolicy(row); err != nil {
		return nil, fmt.Errorf("breakglass: insert policy: %w", err)
	}
	return row, nil
}

// Request records a new break-glass export request against the active
// policy and returns it, with RequestHash already computed.
func (g *Gate) Request(req Request, requestedBy string) (*store.BreakGlassRequestRow, error) {
	policy, err := g.st.GetLatestPolicy()
	if err != nil {
		return nil, fmt.Errorf("breakglass: read latest policy: %w", err)
	}
	if policy == nil {
		return nil, ErrPolicyNotSet
	}

	reqHash, err := req.Hash()
	if err != nil {
		return nil, err
	}

	row := &store.BreakGlassRequestRow{
		EnvelopeID:    req.EnvelopeID,
		RequestedBy:   requestedBy,
		Justification: req.Purpose,
		PolicyVersion: policy.Version,
		RequestHash:   reqHash,
		RulesetHash:   req.RulesetHash,
		Bucket:        req.Bucket,
		CreatedAtNs:   time.Now().UnixNano(),
		Status:        "pending",
	}
	id, err := g.st.InsertBreakGlassRequest(row)
	if err != nil {
		return nil, fmt.Errorf("breakglass: insert request: %w", err)
	}
	row.ID = id
	return row, nil
}

// Authorize verifies approvals against the request's policy version,
// counts distinct valid trustees, and either mints a one-shot Token (at
// quorum) or records a denial — either way appending a signed, chained
// receipt. The returned Token is nil exactly when quorum was not met.
func (g *Gate) Authorize(requestID int64, approvals []Approval) (*store.BreakGlassReceiptRow, *Token, error) {
	req, err := g.st.GetBreakGlassRequest(requestID)
	if err != nil {
		return nil, nil, fmt.Errorf("breakglass: read request: %w", err)
	}
	if req == nil {
		return nil, nil, ErrRequestNotFound
	}
	if req.Status != "pending" {
		return nil, nil, ErrAlreadyResolved
	}

	policy, err := g.policyAtVersion(req.PolicyVersion)
	if err != nil {
		return nil, nil, err
	}

	pubkeyByID := make(map[string]ed25519.PublicKey, len(policy.TrusteeIDs))
	for i, id := range policy.TrusteeIDs {
		key := policy.TrusteeKeys[i]
		pubkeyByID[id] = ed25519.PublicKey(key[:])
	}

	validTrustees := make(map[string]struct{})
	for _, a := range approvals {
		pub, ok := pubkeyByID[a.TrusteeID]
		if !ok {
			continue
		}
		if !ed25519.Verify(pub, req.RequestHash[:], a.Signature) {
			continue
		}
		if _, dup := validTrustees[a.TrusteeID]; dup {
			continue
		}
		validTrustees[a.TrusteeID] = struct{}{}

		if err := g.st.InsertBreakGlassApproval(&store.BreakGlassApprovalRow{
			RequestID:   requestID,
			TrusteeID:   a.TrusteeID,
			Signature:   a.Signature,
			CreatedAtNs: time.Now().UnixNano(),
		}); err != nil {
			return nil, nil, fmt.Errorf("breakglass: record approval: %w", err)
		}
	}

	granted := len(validTrustees) >= policy.Threshold

	approvingIDs := make([]string, 0, len(validTrustees))
	for id := range validTrustees {
		approvingIDs = append(approvingIDs, id)
	}

	var token *Token
	status := "denied"
	if granted {
		status = "authorized"
		tok, err := g.mintToken(requestID, req.EnvelopeID, req.Bucket)
		if err != nil {
			return nil, nil, err
		}
		token = tok
	}

	if err := g.st.UpdateBreakGlassRequestStatus(requestID, status); err != nil {
		return nil, nil, fmt.Errorf("breakglass: update status: %w", err)
	}

	receipt, err := g.appendReceipt(requestID, req.RequestHash, status, approvingIDs)
	if err != nil {
		return nil, nil, err
	}

	if !granted {
		return receipt, nil, ErrQuorumNotMet
	}
	return receipt, token, nil
}

func (g *Gate) policyAtVersion(version int64) (*store.PolicyRow, error) {
	// The kernel keeps only the currently active policy's trustee set
	// queryable by version through GetLatestPolicy; since policy changes
	// are rare and deliberate operator actions, requiring the request's
	// policy version to still be the latest is the simplest correct rule
	// that avoids silently authorizing against a superseded trustee set.
	policy, err := g.st.GetLatestPolicy()
	if err != nil {
		return nil, fmt.Errorf("breakglass: read policy: %w", err)
	}
	if policy == nil {
		return nil, ErrPolicyNotSet
	}
	if policy.Version != version {
		return nil, fmt.Errorf("breakglass: request references policy version %d, active is %d", version, policy.Version)
	}
	return policy, nil
}

func (g *Gate) mintToken(requestID int64, envelopeID, bucket string) (*Token, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("breakglass: generate nonce: %w", err)
	}
	ttl := time.Now().Add(DefaultTTL)
	h := tokenHash(envelopeID, bucket, ttl, nonce)
	sig := signer.SignCommitment(g.deviceKey, h[:])

	return &Token{
		RequestID:  requestID,
		EnvelopeID: envelopeID,
		Bucket:     bucket,
		TTL:        ttl,
		Nonce:      nonce,
		KernelSig:  sig,
	}, nil
}

// receiptHash binds a receipt to the full chain so far, the request it
// resolves, the outcome, and the trustees who approved it.
func receiptHash(prevHash [32]byte, requestHash [32]byte, outcome string, approvingIDs []string) [32]byte {
	h := sha256.New()
	h.Write([]byte(receiptHashPrefix))
	h.Write(prevHash[:])
	h.Write(requestHash[:])
	h.Write([]byte(outcome))
	for _, id := range approvingIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (g *Gate) appendReceipt(requestID int64, requestHash [32]byte, outcome string, approvingIDs []string) (*store.BreakGlassReceiptRow, error) {
	prev, err := g.st.GetLatestBreakGlassReceipt()
	if err != nil {
		return nil, fmt.Errorf("breakglass: read latest receipt: %w", err)
	}
	var prevHash [32]byte
	if prev != nil {
		prevHash = prev.ReceiptHash
	}

	rHash := receiptHash(prevHash, requestHash, outcome, approvingIDs)
	sig := signer.SignCommitment(g.deviceKey, rHash[:])

	row := &store.BreakGlassReceiptRow{
		RequestID:   requestID,
		PrevHash:    prevHash,
		ReceiptHash: rHash,
		Signature:   sig,
		CreatedAtNs: time.Now().UnixNano(),
	}
	id, err := g.st.InsertBreakGlassReceipt(row)
	if err != nil {
		return nil, fmt.Errorf("breakglass: insert receipt: %w", err)
	}
	row.ID = id
	return row, nil
}

// VerifyReceiptChain walks a slice of receipts (ordered by id ascending)
// and checks hash linkage; it does not re-derive receiptHash from request
// content since the approving-trustee list and outcome live only in the
// row's inputs at append time, not in the row itself, so callers that
// need full re-derivation should keep the request's RequestHash and the
// approvals alongside the receipt.
func VerifyReceiptChain(receipts []store.BreakGlassReceiptRow) error {
	var expectedPrev [32]byte
	for i, r := range receipts {
		if i == 0 {
			expectedPrev = r.PrevHash
		}
		if r.PrevHash != expectedPrev {
			return fmt.Errorf("breakglass: receipt chain broken at id %d", r.ID)
		}
		expectedPrev = r.ReceiptHash
	}
	return nil
}

// VerifyToken checks a token's kernel signature and TTL against pub and
// the expected envelope/bucket context, without consuming it.
func VerifyToken(t *Token, pub ed25519.PublicKey, expectedEnvelopeID, expectedBucket string) error {
	if t.EnvelopeID != expectedEnvelopeID || t.Bucket != expectedBucket {
		return ErrTokenInvalid
	}
	h := tokenHash(t.EnvelopeID, t.Bucket, t.TTL, t.Nonce)
	if !signer.VerifyCommitment(pub, h[:], t.KernelSig) {
		return ErrTokenInvalid
	}
	if time.Now().After(t.TTL) {
		return ErrTokenExpired
	}
	return nil
}

// Consume verifies a token and atomically marks its backing request
// consumed, in the step cmd/breakglass's unseal subcommand runs right
// before decrypting. It returns the resolved request (carrying RulesetHash and
// Bucket) so the caller can proceed straight to vault decryption.
func (g *Gate) Consume(t *Token, pub ed25519.PublicKey) (*store.BreakGlassRequestRow, error) {
	req, err := g.st.GetBreakGlassRequest(t.RequestID)
	if err != nil {
		return nil, fmt.Errorf("breakglass: read request: %w", err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}

	if err := VerifyToken(t, pub, req.EnvelopeID, req.Bucket); err != nil {
		return nil, err
	}

	ok, err := g.st.ConsumeBreakGlassRequest(t.RequestID, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("breakglass: consume: %w", err)
	}
	if !ok {
		return nil, ErrTokenConsumed
	}
	return req, nil
}
