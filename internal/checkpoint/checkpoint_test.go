package checkpoint

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"testing"

	"pwk/internal/mmr"
	"pwk/internal/sealedlog"
	"pwk/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestMMR(t *testing.T) *mmr.MMR {
	t.Helper()
	tree, err := mmr.New(mmr.NewMemoryStore())
	if err != nil {
		t.Fatalf("mmr.New failed: %v", err)
	}
	return tree
}

func testDeviceID() [16]byte {
	return [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
}

func TestCadenceDueOnEventCount(t *testing.T) {
	c := Cadence{EveryEvents: 500, EveryBuckets: 6}
	if c.Due(499, 0) {
		t.Error("should not be due at 499 events")
	}
	if !c.Due(500, 0) {
		t.Error("should be due at 500 events")
	}
}

func TestCadenceDueOnBucketCount(t *testing.T) {
	c := Cadence{EveryEvents: 500, EveryBuckets: 6}
	if c.Due(0, 5) {
		t.Error("should not be due at 5 buckets")
	}
	if !c.Due(0, 6) {
		t.Error("should be due at 6 buckets")
	}
}

func TestTakeFailsOnEmptyLog(t *testing.T) {
	s := openTestStore(t)
	tree := openTestMMR(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	taker := NewTaker(s, tree, priv)
	if _, err := taker.Take(); err != ErrNoEvents {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
}

func TestTakeAndVerify(t *testing.T) {
	s := openTestStore(t)
	tree := openTestMMR(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	log := sealedlog.New(s, tree, priv)
	deviceID := testDeviceID()

	var last *store.SealedEventRow
	for i := 0; i < 3; i++ {
		last, err = log.Append(sealedlog.AppendRequest{
			DeviceID:         deviceID,
			EventType:        "motion_detected",
			Zone:             "zone:front-door",
			CanonicalPayload: []byte(`{"event_type":"motion_detected"}`),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	taker := NewTaker(s, tree, priv)
	cp, err := taker.Take()
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if cp.CoversThroughSeq != last.Seq {
		t.Errorf("expected coverage through seq %d, got %d", last.Seq, cp.CoversThroughSeq)
	}
	if cp.CoversThroughHash != last.EntryHash {
		t.Error("checkpoint must cover the tail entry's hash")
	}

	if err := Verify(cp, last, pub); err != nil {
		t.Errorf("Verify on a freshly-taken checkpoint should succeed: %v", err)
	}
}

func TestVerifyRejectsWrongCoverage(t *testing.T) {
	s := openTestStore(t)
	tree := openTestMMR(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	log := sealedlog.New(s, tree, priv)
	deviceID := testDeviceID()

	first, err := log.Append(sealedlog.AppendRequest{
		DeviceID:         deviceID,
		EventType:        "motion_detected",
		Zone:             "zone:front-door",
		CanonicalPayload: []byte(`{"event_type":"motion_detected"}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	second, err := log.Append(sealedlog.AppendRequest{
		DeviceID:         deviceID,
		EventType:        "object_present",
		Zone:             "zone:front-door",
		CanonicalPayload: []byte(`{"event_type":"object_present"}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	taker := NewTaker(s, tree, priv)
	cp, err := taker.Take()
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	if err := Verify(cp, first, pub); err == nil {
		t.Error("Verify must reject a checkpoint checked against the wrong covered event")
	}
	if err := Verify(cp, second, pub); err != nil {
		t.Errorf("Verify against the actually-covered event should succeed: %v", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	s := openTestStore(t)
	tree := openTestMMR(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	log := sealedlog.New(s, tree, priv)
	deviceID := testDeviceID()

	last, err := log.Append(sealedlog.AppendRequest{
		DeviceID:         deviceID,
		EventType:        "motion_detected",
		Zone:             "zone:front-door",
		CanonicalPayload: []byte(`{"event_type":"motion_detected"}`),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	taker := NewTaker(s, tree, priv)
	cp, err := taker.Take()
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}
	cp.Signature[0] ^= 0xff

	if err := Verify(cp, last, pub); err != ErrSignatureInvalid {
		t.Errorf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestVerifyChainFromCheckpointCoversPrunedTail(t *testing.T) {
	s := openTestStore(t)
	tree := openTestMMR(t)
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	log := sealedlog.New(s, tree, priv)
	deviceID := testDeviceID()

	for i := 0; i < 2; i++ {
		if _, err := log.Append(sealedlog.AppendRequest{
			DeviceID:         deviceID,
			EventType:        "motion_detected",
			Zone:             "zone:front-door",
			CanonicalPayload: []byte(`{"event_type":"motion_detected"}`),
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	taker := NewTaker(s, tree, priv)
	cp, err := taker.Take()
	if err != nil {
		t.Fatalf("Take failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := log.Append(sealedlog.AppendRequest{
			DeviceID:         deviceID,
			EventType:        "object_present",
			Zone:             "zone:front-door",
			CanonicalPayload: []byte(`{"event_type":"object_present"}`),
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	tail, err := s.GetSealedEventRange(cp.CoversThroughSeq+1, cp.CoversThroughSeq+2)
	if err != nil {
		t.Fatalf("GetSealedEventRange failed: %v", err)
	}

	if err := VerifyChainFromCheckpoint(cp, tail, pub); err != nil {
		t.Errorf("VerifyChainFromCheckpoint should succeed over the post-checkpoint tail: %v", err)
	}
}
