package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pwk/internal/signer"
	"pwk/internal/store"
	"pwk/internal/vault"
)

// writeKeyFile persists a raw 32-byte Ed25519 seed the way signer.LoadPrivateKey
// expects to read it back.
func writeKeyFile(t *testing.T, dir, name string) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, priv.Seed(), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path, pub
}

// captureOutput runs fn with os.Stdout redirected to a pipe and returns what
// it printed along with fn's error; callers parse that text themselves.
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	stdout := os.Stdout
	os.Stdout = w
	fnErr := fn()
	w.Close()
	os.Stdout = stdout

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	return string(buf[:n]), fnErr
}

func TestBreakGlassFullFlow(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kernel.db")

	deviceKeyPath, devicePub := writeKeyFile(t, dir, "device.key")
	trustee1Path, trustee1Pub := writeKeyFile(t, dir, "trustee1.key")
	trustee2Path, trustee2Pub := writeKeyFile(t, dir, "trustee2.key")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	var deviceID [16]byte
	copy(deviceID[:], []byte("test-device-0001"))
	if err := st.InsertDevice(&store.DeviceRow{DeviceID: deviceID, SigningPubkey: [32]byte(devicePub)}); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	st.Close()

	out, err := captureOutput(t, func() error {
		return runPolicy([]string{"set",
			"--threshold", "2",
			"--trustee", "trustee1:" + hex.EncodeToString(trustee1Pub),
			"--trustee", "trustee2:" + hex.EncodeToString(trustee2Pub),
			"--db", dbPath,
			"--device-key-path", deviceKeyPath,
		})
	})
	if err != nil {
		t.Fatalf("policy set: %v (%s)", err, out)
	}

	out, err = captureOutput(t, func() error {
		return runRequest([]string{
			"--envelope", "env-1",
			"--purpose", "investigate-incident",
			"--ruleset-id", "ruleset-v1",
			"--bucket", "bucket-1",
			"--requested-by", "operator",
			"--db", dbPath,
		})
	})
	if err != nil {
		t.Fatalf("request: %v (%s)", err, out)
	}
	requestHash, requestID := parseRequestOutput(t, out)

	approval1 := filepath.Join(dir, "approval1.json")
	approval2 := filepath.Join(dir, "approval2.json")
	if _, err := captureOutput(t, func() error {
		return runApprove([]string{
			"--request-hash", requestHash,
			"--trustee", "trustee1",
			"--signing-key", trustee1Path,
			"--output", approval1,
		})
	}); err != nil {
		t.Fatalf("approve 1: %v", err)
	}
	if _, err := captureOutput(t, func() error {
		return runApprove([]string{
			"--request-hash", requestHash,
			"--trustee", "trustee2",
			"--signing-key", trustee2Path,
			"--output", approval2,
		})
	}); err != nil {
		t.Fatalf("approve 2: %v", err)
	}

	tokenPath := filepath.Join(dir, "token.json")
	out, err = captureOutput(t, func() error {
		return runAuthorize([]string{
			"--request-id", requestID,
			"--approvals", approval1 + "," + approval2,
			"--db", dbPath,
			"--device-key-path", deviceKeyPath,
			"--output-token", tokenPath,
		})
	})
	if err != nil {
		t.Fatalf("authorize: %v (%s)", err, out)
	}

	vaultDir := t.TempDir()
	classicalKey, err := vault.LoadOrGenerateClassicalMasterKey(filepath.Join(vaultDir, "classical_master.key"))
	if err != nil {
		t.Fatalf("LoadOrGenerateClassicalMasterKey: %v", err)
	}
	env, err := vault.Seal([]byte("hello raw media"), vault.ModeClassical, vault.NewClassicalWrapper(classicalKey), nil)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := env.WriteFile(filepath.Join(vaultDir, "env-1.envelope")); err != nil {
		t.Fatalf("write envelope: %v", err)
	}

	outputDir := t.TempDir()
	out, err = captureOutput(t, func() error {
		return runUnseal([]string{
			"--envelope", "env-1",
			"--token", tokenPath,
			"--db", dbPath,
			"--ruleset-id", "ruleset-v1",
			"--vault-path", vaultDir,
			"--output-dir", outputDir,
			"--device-key-path", deviceKeyPath,
		})
	})
	if err != nil {
		t.Fatalf("unseal: %v (%s)", err, out)
	}

	plaintext, err := os.ReadFile(filepath.Join(outputDir, "env-1.bin"))
	if err != nil {
		t.Fatalf("read recovered plaintext: %v", err)
	}
	if string(plaintext) != "hello raw media" {
		t.Fatalf("recovered plaintext mismatch: %q", plaintext)
	}

	if _, err := captureOutput(t, func() error {
		return runUnseal([]string{
			"--envelope", "env-1",
			"--token", tokenPath,
			"--db", dbPath,
			"--ruleset-id", "ruleset-v1",
			"--vault-path", vaultDir,
			"--output-dir", outputDir,
			"--device-key-path", deviceKeyPath,
		})
	}); err == nil {
		t.Fatalf("expected second unseal with the same token to fail")
	}

	out, err = captureOutput(t, func() error {
		return runReceipts([]string{"--db", dbPath, "--device-key-path", deviceKeyPath})
	})
	if err != nil {
		t.Fatalf("receipts: %v (%s)", err, out)
	}
	if !strings.Contains(out, "receipts chain OK") {
		t.Fatalf("unexpected receipts output: %q", out)
	}
}

func TestAuthorizeFailsQuorumNotMet(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kernel.db")
	deviceKeyPath, devicePub := writeKeyFile(t, dir, "device.key")
	trustee1Path, trustee1Pub := writeKeyFile(t, dir, "trustee1.key")
	_, trustee2Pub := writeKeyFile(t, dir, "trustee2.key")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	var deviceID [16]byte
	copy(deviceID[:], []byte("test-device-0002"))
	if err := st.InsertDevice(&store.DeviceRow{DeviceID: deviceID, SigningPubkey: [32]byte(devicePub)}); err != nil {
		t.Fatalf("InsertDevice: %v", err)
	}
	st.Close()

	if _, err := captureOutput(t, func() error {
		return runPolicy([]string{"set",
			"--threshold", "2",
			"--trustee", "trustee1:" + hex.EncodeToString(trustee1Pub),
			"--trustee", "trustee2:" + hex.EncodeToString(trustee2Pub),
			"--db", dbPath,
			"--device-key-path", deviceKeyPath,
		})
	}); err != nil {
		t.Fatalf("policy set: %v", err)
	}

	out, err := captureOutput(t, func() error {
		return runRequest([]string{
			"--envelope", "env-2",
			"--purpose", "investigate-incident",
			"--ruleset-id", "ruleset-v1",
			"--bucket", "bucket-1",
			"--db", dbPath,
		})
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	requestHash, requestID := parseRequestOutput(t, out)

	approval1 := filepath.Join(dir, "approval1.json")
	if _, err := captureOutput(t, func() error {
		return runApprove([]string{
			"--request-hash", requestHash,
			"--trustee", "trustee1",
			"--signing-key", trustee1Path,
			"--output", approval1,
		})
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	tokenPath := filepath.Join(dir, "token.json")
	_, err = captureOutput(t, func() error {
		return runAuthorize([]string{
			"--request-id", requestID,
			"--approvals", approval1,
			"--db", dbPath,
			"--device-key-path", deviceKeyPath,
			"--output-token", tokenPath,
		})
	})
	if err == nil {
		t.Fatal("expected quorum-not-met error with only one of two approvals")
	}
}

// parseRequestOutput extracts "id" and "request_hash" from runRequest's
// single line of output: "request id 1, request_hash deadbeef...".
func parseRequestOutput(t *testing.T, out string) (hash, id string) {
	t.Helper()
	var n int
	_, err := fmt.Sscanf(out, "request id %d, request_hash %s", &n, &hash)
	if err != nil {
		t.Fatalf("parse request output %q: %v", out, err)
	}
	return hash, fmt.Sprintf("%d", n)
}
