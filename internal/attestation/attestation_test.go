package attestation

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSoftwareProviderDeterministicResponse(t *testing.T) {
	p, err := NewSoftwareProviderWithPath(filepath.Join(t.TempDir(), "seed"))
	if err != nil {
		t.Fatalf("NewSoftwareProviderWithPath failed: %v", err)
	}

	challenge := []byte("challenge-a")
	a, err := p.GetResponse(challenge)
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	b, err := p.GetResponse(challenge)
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("GetResponse must be deterministic for a fixed challenge and seed")
	}
}

func TestSoftwareProviderDiffersByChallenge(t *testing.T) {
	p, err := NewSoftwareProviderWithPath(filepath.Join(t.TempDir(), "seed"))
	if err != nil {
		t.Fatalf("NewSoftwareProviderWithPath failed: %v", err)
	}

	a, err := p.GetResponse([]byte("challenge-a"))
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	b, err := p.GetResponse([]byte("challenge-b"))
	if err != nil {
		t.Fatalf("GetResponse failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("GetResponse must differ across challenges")
	}
}

func TestSoftwareProviderPersistsSeedAcrossInstances(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seed")

	first, err := NewSoftwareProviderWithPath(seedPath)
	if err != nil {
		t.Fatalf("NewSoftwareProviderWithPath failed: %v", err)
	}
	firstID := first.DeviceID()

	second, err := NewSoftwareProviderWithPath(seedPath)
	if err != nil {
		t.Fatalf("NewSoftwareProviderWithPath failed: %v", err)
	}
	if second.DeviceID() != firstID {
		t.Error("device id must be stable across instances sharing a seed path")
	}
}

func TestGetOrCreateProviderNeverFails(t *testing.T) {
	t.Setenv("PWK_DATA_DIR", t.TempDir())
	if _, err := GetOrCreateProvider(); err != nil {
		t.Errorf("GetOrCreateProvider should always fall back to software, got: %v", err)
	}
}
