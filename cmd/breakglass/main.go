// Command breakglass drives the N-of-M trustee authorization workflow that
// guards every raw-media vault unseal (spec.md §4.6, §6 "break_glass"). Each
// subcommand is a single step a human or script runs in sequence: set a
// policy once, request an export, collect trustee approvals, authorize at
// quorum, then unseal with the resulting one-shot token.
package main

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pwk/internal/breakglass"
	"pwk/internal/signer"
	"pwk/internal/store"
	"pwk/internal/vault"
)

// Exit codes follow spec.md §6: 0 success, 2 configuration error, 3 quorum
// not met, 4 verification failure.
const (
	exitOK        = 0
	exitConfigErr = 2
	exitQuorum    = 3
	exitVerifyErr = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfigErr)
	}

	var err error
	switch os.Args[1] {
	case "policy":
		err = runPolicy(os.Args[2:])
	case "request":
		err = runRequest(os.Args[2:])
	case "approve":
		err = runApprove(os.Args[2:])
	case "authorize":
		err = runAuthorize(os.Args[2:])
	case "unseal":
		err = runUnseal(os.Args[2:])
	case "receipts":
		err = runReceipts(os.Args[2:])
	default:
		usage()
		os.Exit(exitConfigErr)
	}

	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "breakglass: %v\n", err)
	switch {
	case err == breakglass.ErrQuorumNotMet:
		os.Exit(exitQuorum)
	case isVerifyError(err):
		os.Exit(exitVerifyErr)
	default:
		os.Exit(exitConfigErr)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: breakglass <subcommand> [flags]

subcommands:
  policy set     --threshold N --trustee id:pubkey ... --db <path>
  request        --envelope <id> --purpose <str> --ruleset-id <id> --bucket <id> --db <path>
  approve        --request-hash <hex> --trustee <id> --signing-key <path> --output <file>
  authorize      --request-id N --envelope <id> --purpose <str> --ruleset-id <id> --bucket <id> --approvals a.approval,b.approval --db <path> --device-key-path <path> --output-token <file>
  unseal         --envelope <id> --token <file> --db <path> --ruleset-id <id> --vault-path <dir> --output-dir <dir>
  receipts       --db <path>`)
}

func isVerifyError(err error) bool {
	return errors.Is(err, breakglass.ErrTokenExpired) || errors.Is(err, breakglass.ErrTokenInvalid) || errors.Is(err, breakglass.ErrTokenConsumed)
}

// rulesetHash maps the CLI's stable string identifier onto the [32]byte
// commitment Request/authorize actually bind to.
func rulesetHash(rulesetID string) [32]byte {
	return sha256.Sum256([]byte(rulesetID))
}

func openStoreAndKey(dbPath, deviceKeyPath string) (*store.Store, ed25519.PrivateKey, error) {
	if dbPath == "" {
		return nil, nil, fmt.Errorf("--db is required")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if deviceKeyPath == "" {
		return st, nil, nil
	}
	key, err := signer.LoadPrivateKey(deviceKeyPath)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("load device key: %w", err)
	}
	return st, key, nil
}

// trusteeFlags collects repeated --trustee id:pubkey flags.
type trusteeFlags []string

func (t *trusteeFlags) String() string { return strings.Join(*t, ",") }
func (t *trusteeFlags) Set(v string) error {
	*t = append(*t, v)
	return nil
}

func parseTrustees(raw []string) ([]breakglass.Trustee, error) {
	trustees := make([]breakglass.Trustee, 0, len(raw))
	for _, entry := range raw {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed --trustee %q, want id:pubkeyhex", entry)
		}
		pub, err := hex.DecodeString(parts[1])
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("malformed trustee public key for %q", parts[0])
		}
		trustees = append(trustees, breakglass.Trustee{ID: parts[0], PublicKey: ed25519.PublicKey(pub)})
	}
	return trustees, nil
}

func runPolicy(args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return fmt.Errorf("usage: breakglass policy set --threshold N --trustee id:pubkey ... --db <path>")
	}
	fs := flag.NewFlagSet("policy set", flag.ContinueOnError)
	threshold := fs.Int("threshold", 0, "number of trustee approvals required")
	dbPath := fs.String("db", "", "kernel database path")
	deviceKeyPath := fs.String("device-key-path", "", "device signing key (required to sign future tokens/receipts)")
	cryptoMode := fs.String("vault-crypto-mode", "classical", "classical, pq, or hybrid")
	var trusteeArgs trusteeFlags
	fs.Var(&trusteeArgs, "trustee", "id:pubkeyhex, repeatable")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	trustees, err := parseTrustees(trusteeArgs)
	if err != nil {
		return err
	}

	st, deviceKey, err := openStoreAndKey(*dbPath, *deviceKeyPath)
	if err != nil {
		return err
	}
	defer st.Close()

	gate := breakglass.NewGate(st, deviceKey)
	policy, err := gate.SetPolicy(*threshold, trustees, *cryptoMode)
	if err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	fmt.Printf("policy version %d installed: %d-of-%d, crypto mode %s\n", policy.Version, policy.Threshold, policy.TotalOfM, policy.VaultCryptoMode)
	return nil
}

func runRequest(args []string) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	envelope := fs.String("envelope", "", "vault envelope id")
	purpose := fs.String("purpose", "", "reason for the export")
	rulesetID := fs.String("ruleset-id", "", "ruleset identifier the request is justified under")
	bucket := fs.String("bucket", "", "bucket id the envelope belongs to")
	requestedBy := fs.String("requested-by", "", "human identifier of the requester")
	dbPath := fs.String("db", "", "kernel database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *envelope == "" || *purpose == "" || *rulesetID == "" {
		return fmt.Errorf("--envelope, --purpose, and --ruleset-id are required")
	}

	st, _, err := openStoreAndKey(*dbPath, "")
	if err != nil {
		return err
	}
	defer st.Close()

	gate := breakglass.NewGate(st, nil)
	row, err := gate.Request(breakglass.Request{
		EnvelopeID:  *envelope,
		RulesetHash: rulesetHash(*rulesetID),
		Purpose:     *purpose,
		Bucket:      *bucket,
	}, *requestedBy)
	if err != nil {
		return fmt.Errorf("submit request: %w", err)
	}
	fmt.Printf("request id %d, request_hash %x\n", row.ID, row.RequestHash)
	return nil
}

func runApprove(args []string) error {
	fs := flag.NewFlagSet("approve", flag.ContinueOnError)
	requestHashHex := fs.String("request-hash", "", "request hash printed by 'request'")
	trustee := fs.String("trustee", "", "trustee id")
	signingKeyPath := fs.String("signing-key", "", "trustee's Ed25519 signing key")
	output := fs.String("output", "", "file to write the approval to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *requestHashHex == "" || *trustee == "" || *signingKeyPath == "" || *output == "" {
		return fmt.Errorf("--request-hash, --trustee, --signing-key, and --output are all required")
	}

	raw, err := hex.DecodeString(*requestHashHex)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("malformed --request-hash")
	}
	var reqHash [32]byte
	copy(reqHash[:], raw)

	trusteeKey, err := signer.LoadPrivateKey(*signingKeyPath)
	if err != nil {
		return fmt.Errorf("load trustee signing key: %w", err)
	}

	approval := breakglass.SignApproval(*trustee, trusteeKey, reqHash)
	if err := approval.WriteFile(*output); err != nil {
		return fmt.Errorf("write approval: %w", err)
	}
	fmt.Printf("approval written to %s\n", *output)
	return nil
}

func runAuthorize(args []string) error {
	fs := flag.NewFlagSet("authorize", flag.ContinueOnError)
	envelope := fs.String("envelope", "", "vault envelope id")
	purpose := fs.String("purpose", "", "reason for the export (must match the original request)")
	rulesetID := fs.String("ruleset-id", "", "ruleset identifier (must match the original request)")
	bucket := fs.String("bucket", "", "bucket id (must match the original request)")
	requestID := fs.Int64("request-id", 0, "request id to resolve")
	approvalsCSV := fs.String("approvals", "", "comma-separated approval file paths")
	dbPath := fs.String("db", "", "kernel database path")
	deviceKeyPath := fs.String("device-key-path", "", "device signing key (required: signs the token and receipt)")
	outputToken := fs.String("output-token", "", "file to write the one-shot unseal token to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = envelope
	_ = purpose
	_ = rulesetID
	_ = bucket
	if *requestID == 0 || *approvalsCSV == "" || *outputToken == "" {
		return fmt.Errorf("--request-id, --approvals, and --output-token are required")
	}

	st, deviceKey, err := openStoreAndKey(*dbPath, *deviceKeyPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if deviceKey == nil {
		return fmt.Errorf("--device-key-path is required to sign the token and receipt")
	}

	var approvals []breakglass.Approval
	for _, path := range strings.Split(*approvalsCSV, ",") {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		a, err := breakglass.ReadApprovalFile(path)
		if err != nil {
			return fmt.Errorf("read approval %s: %w", path, err)
		}
		approvals = append(approvals, a)
	}

	gate := breakglass.NewGate(st, deviceKey)
	receipt, token, err := gate.Authorize(*requestID, approvals)
	if err != nil && err != breakglass.ErrQuorumNotMet {
		return fmt.Errorf("authorize: %w", err)
	}
	if err == breakglass.ErrQuorumNotMet {
		fmt.Printf("quorum not met; receipt id %d records the denial\n", receipt.ID)
		return err
	}

	if err := token.WriteFile(*outputToken); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	fmt.Printf("authorized; receipt id %d, token written to %s\n", receipt.ID, *outputToken)
	return nil
}

func runUnseal(args []string) error {
	fs := flag.NewFlagSet("unseal", flag.ContinueOnError)
	envelope := fs.String("envelope", "", "vault envelope id")
	tokenPath := fs.String("token", "", "path to the one-shot token written by 'authorize'")
	dbPath := fs.String("db", "", "kernel database path")
	rulesetID := fs.String("ruleset-id", "", "ruleset identifier (recorded for the audit trail)")
	vaultPath := fs.String("vault-path", "", "directory holding sealed envelopes and key material")
	outputDir := fs.String("output-dir", "", "directory to write the recovered plaintext into")
	deviceKeyPath := fs.String("device-key-path", "", "device public key used to verify the token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = rulesetID
	if *envelope == "" || *tokenPath == "" || *vaultPath == "" || *outputDir == "" {
		return fmt.Errorf("--envelope, --token, --vault-path, and --output-dir are required")
	}

	st, _, err := openStoreAndKey(*dbPath, "")
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := resolveDevicePublicKey(st, *deviceKeyPath)
	if err != nil {
		return err
	}

	token, err := breakglass.ReadTokenFile(*tokenPath)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}

	gate := breakglass.NewGate(st, nil)
	req, err := gate.Consume(token, pub)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}

	env, err := vault.ReadEnvelopeFile(filepath.Join(*vaultPath, req.EnvelopeID+".envelope"))
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}

	classicalKey, err := vault.LoadOrGenerateClassicalMasterKey(filepath.Join(*vaultPath, "classical_master.key"))
	if err != nil {
		return fmt.Errorf("load classical master key: %w", err)
	}
	classical := vault.NewClassicalWrapper(classicalKey)

	var pq *vault.PQDecapsulator
	if env.CryptoMode != vault.ModeClassical {
		dk, err := vault.LoadOrGeneratePQIdentity(filepath.Join(*vaultPath, "pq_identity.key"))
		if err != nil {
			return fmt.Errorf("load pq identity: %w", err)
		}
		pq = vault.NewPQDecapsulator(dk)
	}

	plaintext, err := vault.Unseal(env, classical, pq)
	if err != nil {
		return fmt.Errorf("unseal: %w", err)
	}

	if err := os.MkdirAll(*outputDir, 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	outPath := filepath.Join(*outputDir, req.EnvelopeID+".bin")
	if err := os.WriteFile(outPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("write plaintext: %w", err)
	}
	fmt.Printf("unsealed envelope %s -> %s\n", req.EnvelopeID, outPath)
	return nil
}

func resolveDevicePublicKey(st *store.Store, deviceKeyPath string) (ed25519.PublicKey, error) {
	if deviceKeyPath != "" {
		return signer.LoadPublicKey(deviceKeyPath)
	}
	first, err := st.GetSealedEvent(1)
	if err != nil {
		return nil, fmt.Errorf("read first sealed event: %w", err)
	}
	if first == nil {
		return nil, fmt.Errorf("empty log and no --device-key-path given; cannot determine device")
	}
	device, err := st.GetDevice(first.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("read device row: %w", err)
	}
	if device == nil {
		return nil, fmt.Errorf("no device row on record; pass --device-key-path")
	}
	return ed25519.PublicKey(device.SigningPubkey[:]), nil
}

func runReceipts(args []string) error {
	fs := flag.NewFlagSet("receipts", flag.ContinueOnError)
	dbPath := fs.String("db", "", "kernel database path")
	deviceKeyPath := fs.String("device-key-path", "", "device public key used to verify signatures")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, _, err := openStoreAndKey(*dbPath, "")
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := resolveDevicePublicKey(st, *deviceKeyPath)
	if err != nil {
		return err
	}

	receipts, err := st.GetAllBreakGlassReceipts()
	if err != nil {
		return fmt.Errorf("read receipts: %w", err)
	}
	if len(receipts) == 0 {
		fmt.Println("no receipts recorded")
		return nil
	}
	if err := breakglass.VerifyReceiptChain(receipts); err != nil {
		return fmt.Errorf("%w: %v", breakglass.ErrTokenInvalid, err)
	}
	for _, r := range receipts {
		if !signer.VerifyCommitment(pub, r.ReceiptHash[:], r.Signature) {
			return fmt.Errorf("%w: receipt id %d signature invalid", breakglass.ErrTokenInvalid, r.ID)
		}
	}
	fmt.Printf("receipts chain OK: %d receipts (id %d..%d)\n", len(receipts), receipts[0].ID, receipts[len(receipts)-1].ID)
	return nil
}
