package bucketkey

import (
	"bytes"
	"testing"
	"time"
)

func TestIssueTokenFailsBeforeRotate(t *testing.T) {
	m := NewManager()
	var fh [32]byte
	if _, err := m.IssueToken(time.Now(), fh); err != ErrNoBucketKey {
		t.Errorf("expected ErrNoBucketKey, got %v", err)
	}
}

func TestIssueTokenDeterministicWithinBucket(t *testing.T) {
	m := NewManager()
	bucketStart := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	if err := m.Rotate(bucketStart); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	var fh [32]byte
	fh[0] = 0x42

	a, err := m.IssueToken(bucketStart, fh)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	b, err := m.IssueToken(bucketStart, fh)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("tokens for the same feature hash within a bucket must match")
	}
	if len(a) != TokenSize {
		t.Errorf("expected token size %d, got %d", TokenSize, len(a))
	}
}

func TestIssueTokenRejectsBucketMismatch(t *testing.T) {
	m := NewManager()
	bucketStart := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	if err := m.Rotate(bucketStart); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	var fh [32]byte
	wrongBucket := bucketStart.Add(10 * time.Minute)
	if _, err := m.IssueToken(wrongBucket, fh); err != ErrBucketMismatch {
		t.Errorf("expected ErrBucketMismatch, got %v", err)
	}
}

func TestRotateDestroysPreviousKey(t *testing.T) {
	m := NewManager()
	first := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	second := first.Add(10 * time.Minute)

	if err := m.Rotate(first); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	var fh [32]byte
	if _, err := m.IssueToken(first, fh); err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if err := m.Rotate(second); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if _, err := m.IssueToken(first, fh); err != ErrBucketMismatch {
		t.Errorf("issuing against the destroyed bucket's start should now mismatch, got %v", err)
	}
}

func TestRotateRejectsNonMonotonicBucketStart(t *testing.T) {
	m := NewManager()
	first := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	if err := m.Rotate(first); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	if err := m.Rotate(first); err == nil {
		t.Error("rotating to the same bucket start again must be rejected")
	}
	if err := m.Rotate(first.Add(-10 * time.Minute)); err == nil {
		t.Error("rotating backwards must be rejected")
	}
}

func TestTokensDifferAcrossBuckets(t *testing.T) {
	m := NewManager()
	first := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	second := first.Add(10 * time.Minute)

	var fh [32]byte
	fh[0] = 7

	if err := m.Rotate(first); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	tokenFirst, err := m.IssueToken(first, fh)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if err := m.Rotate(second); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	tokenSecond, err := m.IssueToken(second, fh)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if bytes.Equal(tokenFirst, tokenSecond) {
		t.Error("tokens for the same feature hash in different buckets must differ")
	}
}

func TestShutdownDestroysActiveKey(t *testing.T) {
	m := NewManager()
	bucketStart := time.Now()
	if err := m.Rotate(bucketStart); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	m.Shutdown()

	var fh [32]byte
	if _, err := m.IssueToken(bucketStart, fh); err == nil {
		t.Error("issuing after Shutdown must fail")
	}
}

func TestActiveBucketStart(t *testing.T) {
	m := NewManager()
	if _, ok := m.ActiveBucketStart(); ok {
		t.Error("expected no active bucket before first rotate")
	}

	bucketStart := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	if err := m.Rotate(bucketStart); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}

	got, ok := m.ActiveBucketStart()
	if !ok {
		t.Fatal("expected an active bucket after rotate")
	}
	if !got.Equal(bucketStart) {
		t.Errorf("expected bucket start %s, got %s", bucketStart, got)
	}
}
