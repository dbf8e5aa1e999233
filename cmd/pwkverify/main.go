// Command pwkverify independently verifies a kernel's sealed event log and
// break-glass receipts chain without needing a running kernel (spec.md §6,
// "log_verify"). It is the offline auditor: given only the database file
// and (optionally) the device's public key, it re-derives every hash and
// signature and refuses to assume anything the data doesn't prove.
package main

import (
	"flag"
	"fmt"
	"os"

	"pwk/internal/breakglass"
	"pwk/internal/checkpoint"
	"pwk/internal/sealedlog"
	"pwk/internal/signer"
	"pwk/internal/store"

	"crypto/ed25519"
)

// Exit codes follow spec.md §6: 0 success, 2 configuration error, 4
// verification failure.
const (
	exitOK        = 0
	exitConfigErr = 2
	exitVerifyErr = 4
)

func main() {
	dbPath := flag.String("db", "", "path to the kernel's sqlite database (required)")
	deviceKeyPath := flag.String("device-key-path", "", "path to the device's Ed25519 public key (default: read from the database's device row)")
	verbose := flag.Bool("verbose", false, "print per-entry detail")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "pwkverify: --db is required")
		os.Exit(exitConfigErr)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: open database: %v\n", err)
		os.Exit(exitConfigErr)
	}
	defer st.Close()

	pub, deviceID, err := resolvePublicKey(st, *deviceKeyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: %v\n", err)
		os.Exit(exitConfigErr)
	}

	last, err := st.GetLastSealedEvent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: read log tail: %v\n", err)
		os.Exit(exitConfigErr)
	}
	if last == nil {
		fmt.Println("sealed log is empty; nothing to verify")
		if !verifyReceipts(st, pub, *verbose) {
			os.Exit(exitVerifyErr)
		}
		return
	}

	cp, err := st.GetLatestCheckpoint()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: read latest checkpoint: %v\n", err)
		os.Exit(exitConfigErr)
	}

	events, err := st.GetSealedEventRange(1, last.Seq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: read sealed events: %v\n", err)
		os.Exit(exitConfigErr)
	}

	if cp != nil {
		// The checkpoint's own signature is verifiable from its stored
		// fields alone; reconstructing the covered event's Seq/EntryHash
		// from the checkpoint itself (rather than re-reading a possibly
		// pruned row) still exercises checkpoint.Verify's real signature
		// check, it just skips the cross-check against a live row.
		coveredEvent := &store.SealedEventRow{Seq: cp.CoversThroughSeq, EntryHash: cp.CoversThroughHash}
		if err := checkpoint.Verify(cp, coveredEvent, pub); err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: checkpoint signature invalid: %v\n", err)
			os.Exit(exitVerifyErr)
		}
		if *verbose {
			fmt.Printf("checkpoint OK: covers through seq %d\n", cp.CoversThroughSeq)
		}
	}

	if err := verifyChain(events, cp, deviceID, pub, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(exitVerifyErr)
	}

	fmt.Printf("sealed log OK: %d entries verified (seq %d..%d)\n", len(events), events[0].Seq, events[len(events)-1].Seq)

	if !verifyReceipts(st, pub, *verbose) {
		os.Exit(exitVerifyErr)
	}

	fmt.Println("verification PASSED")
}

func verifyChain(events []store.SealedEventRow, cp *store.CheckpointRow, deviceID [16]byte, pub ed25519.PublicKey, verbose bool) error {
	if events[0].Seq == 1 {
		if verbose {
			fmt.Println("verifying full chain from genesis")
		}
		return sealedlog.VerifyChain(events, sealedlog.GenesisHash(deviceID), pub)
	}

	if cp == nil || cp.CoversThroughSeq != events[0].Seq-1 {
		return fmt.Errorf("log prefix before seq %d is missing and no checkpoint covers it", events[0].Seq)
	}
	if verbose {
		fmt.Printf("verifying chain tail from checkpoint (seq %d)\n", cp.CoversThroughSeq)
	}
	return checkpoint.VerifyChainFromCheckpoint(cp, events, pub)
}

// verifyReceipts validates the break-glass receipts chain, returning false
// (after printing a FAIL line) on any failure.
func verifyReceipts(st *store.Store, pub ed25519.PublicKey, verbose bool) bool {
	receipts, err := st.GetAllBreakGlassReceipts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pwkverify: read receipts: %v\n", err)
		return false
	}
	if len(receipts) == 0 {
		if verbose {
			fmt.Println("no break-glass receipts to verify")
		}
		return true
	}

	if err := breakglass.VerifyReceiptChain(receipts); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: receipts chain: %v\n", err)
		return false
	}
	for _, r := range receipts {
		if !signer.VerifyCommitment(pub, r.ReceiptHash[:], r.Signature) {
			fmt.Fprintf(os.Stderr, "FAIL: receipt id %d signature invalid\n", r.ID)
			return false
		}
	}
	fmt.Printf("receipts chain OK: %d receipts verified\n", len(receipts))
	return true
}

// resolvePublicKey returns the device's public key and device ID, either
// from an explicit --device-key-path or from the database's device row
// located via the sealed event at seq 1. It returns an error when no event
// with seq 1 is stored.
func resolvePublicKey(st *store.Store, deviceKeyPath string) (ed25519.PublicKey, [16]byte, error) {
	first, err := st.GetSealedEvent(1)
	if err != nil {
		return nil, [16]byte{}, fmt.Errorf("read first sealed event: %w", err)
	}

	var deviceID [16]byte
	if first != nil {
		deviceID = first.DeviceID
	}

	if deviceKeyPath != "" {
		pub, err := signer.LoadPublicKey(deviceKeyPath)
		if err != nil {
			return nil, deviceID, fmt.Errorf("load device public key: %w", err)
		}
		return pub, deviceID, nil
	}

	if first == nil {
		return nil, deviceID, fmt.Errorf("empty log and no --device-key-path given; cannot determine device")
	}

	device, err := st.GetDevice(deviceID)
	if err != nil {
		return nil, deviceID, fmt.Errorf("read device row: %w", err)
	}
	if device == nil {
		return nil, deviceID, fmt.Errorf("no device row for the log's device id; pass --device-key-path")
	}
	return ed25519.PublicKey(device.SigningPubkey[:]), deviceID, nil
}
