package vault

import (
	"bytes"
	"crypto/mlkem"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"
)

func testMasterKey(t *testing.T) [32]byte {
	t.Helper()
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand.Read failed: %v", err)
	}
	return k
}

func testKEMKeyPair(t *testing.T) (*mlkem.EncapsulationKey768, *mlkem.DecapsulationKey768) {
	t.Helper()
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		t.Fatalf("GenerateKey768 failed: %v", err)
	}
	return dk.EncapsulationKey(), dk
}

func TestSealUnsealClassical(t *testing.T) {
	masterKey := testMasterKey(t)
	classical := NewClassicalWrapper(masterKey)

	plaintext := []byte("frame export payload")
	env, err := Seal(plaintext, ModeClassical, classical, nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := Unseal(env, classical, nil)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("unsealed plaintext does not match original")
	}
}

func TestSealUnsealPQ(t *testing.T) {
	ek, dk := testKEMKeyPair(t)
	enc := NewPQEncapsulator(ek)
	dec := NewPQDecapsulator(dk)

	plaintext := []byte("frame export payload")
	env, err := Seal(plaintext, ModePQ, nil, enc)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	got, err := Unseal(env, nil, dec)
	if err != nil {
		t.Fatalf("Unseal failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("unsealed plaintext does not match original")
	}
}

func TestSealUnsealHybridEitherSuffices(t *testing.T) {
	masterKey := testMasterKey(t)
	classical := NewClassicalWrapper(masterKey)
	ek, dk := testKEMKeyPair(t)
	enc := NewPQEncapsulator(ek)
	dec := NewPQDecapsulator(dk)

	plaintext := []byte("frame export payload")
	env, err := Seal(plaintext, ModeHybrid, classical, enc)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	gotClassical, err := Unseal(env, classical, nil)
	if err != nil {
		t.Fatalf("Unseal via classical only failed: %v", err)
	}
	if !bytes.Equal(gotClassical, plaintext) {
		t.Error("classical-only unseal mismatch")
	}

	gotPQ, err := Unseal(env, nil, dec)
	if err != nil {
		t.Fatalf("Unseal via pq only failed: %v", err)
	}
	if !bytes.Equal(gotPQ, plaintext) {
		t.Error("pq-only unseal mismatch")
	}
}

func TestUnsealFailsWithWrongMasterKey(t *testing.T) {
	classical := NewClassicalWrapper(testMasterKey(t))
	wrongKey := NewClassicalWrapper(testMasterKey(t))

	env, err := Seal([]byte("secret"), ModeClassical, classical, nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Unseal(env, wrongKey, nil); err == nil {
		t.Error("expected Unseal to fail with the wrong master key")
	}
}

func TestSealRejectsMissingCapabilityForMode(t *testing.T) {
	if _, err := Seal([]byte("x"), ModeClassical, nil, nil); !errors.Is(err, ErrNoWrapCapability) {
		t.Errorf("expected ErrNoWrapCapability, got %v", err)
	}
	if _, err := Seal([]byte("x"), ModePQ, nil, nil); !errors.Is(err, ErrNoWrapCapability) {
		t.Errorf("expected ErrNoWrapCapability, got %v", err)
	}
}

func TestEnvelopeWriteFileRoundTrip(t *testing.T) {
	classical := NewClassicalWrapper(testMasterKey(t))
	env, err := Seal([]byte("envelope contents"), ModeClassical, classical, nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "envelope.json")
	if err := env.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := ReadEnvelopeFile(path)
	if err != nil {
		t.Fatalf("ReadEnvelopeFile failed: %v", err)
	}
	if got.CryptoMode != env.CryptoMode {
		t.Errorf("crypto mode mismatch: got %s want %s", got.CryptoMode, env.CryptoMode)
	}

	plaintext, err := Unseal(got, classical, nil)
	if err != nil {
		t.Fatalf("Unseal after round trip failed: %v", err)
	}
	if string(plaintext) != "envelope contents" {
		t.Errorf("unexpected plaintext after round trip: %q", plaintext)
	}
}
