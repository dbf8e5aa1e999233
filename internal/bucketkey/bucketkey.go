// Package bucketkey issues short-lived correlation tokens scoped to a
// single time bucket, and rotates the Tier-1 key that backs them. A
// correlation token lets a downstream consumer tell "these two events
// within the same bucket likely share a feature" without carrying any
// identity — and, once the bucket's key is destroyed, without letting
// anyone decide whether two tokens issued in different buckets match.
package bucketkey

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"pwk/internal/keyhierarchy"
)

// TokenSize is the length of an issued correlation token, per spec.md
// §4.5: HMAC(bucket_key, feature_hash)[0:16].
const TokenSize = 16

// ErrNoBucketKey is returned when a token is requested before any bucket
// key has been rotated in.
var ErrNoBucketKey = errors.New("bucketkey: no active bucket key")

// ErrBucketMismatch is returned when IssueToken is called with a feature
// hash belonging to a bucket other than the currently active one.
var ErrBucketMismatch = errors.New("bucketkey: feature hash bucket does not match active bucket key")

// Manager owns the single active Tier-1 bucket key and issues
// correlation tokens against it. Safe for concurrent use; rotation and
// token issuance are serialized against each other so a token can never
// be issued from a key mid-destruction. The manager takes no dependency
// on the device's Tier-0 signing key: each bucket key is generated
// independently (keyhierarchy.GenerateBucketKey), so nothing the device
// key can ever do reconstructs a destroyed bucket key.
type Manager struct {
	mu          sync.Mutex
	active      *keyhierarchy.BucketKey
	bucketStart time.Time
}

// NewManager creates a bucket-key manager.
func NewManager() *Manager {
	return &Manager{}
}

// Rotate destroys the current bucket key (if any) and generates a new one
// for bucketStart. Rotation is monotonic in bucket start time: rotating
// to an earlier or equal bucket start than the active one is rejected,
// since spec.md §8 requires no two keys ever exist for the same bucket.
func (m *Manager) Rotate(bucketStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && !bucketStart.After(m.bucketStart) {
		return fmt.Errorf("bucketkey: rotate to %s is not after active bucket %s",
			bucketStart, m.bucketStart)
	}

	next, err := keyhierarchy.GenerateBucketKey(bucketStart)
	if err != nil {
		return fmt.Errorf("bucketkey: generate: %w", err)
	}

	if m.active != nil {
		m.active.Destroy()
	}
	m.active = next
	m.bucketStart = bucketStart
	return nil
}

// IssueToken computes a correlation token for featureHash under the
// currently active bucket key. bucketStart must equal the bucket the
// manager last rotated into — a mismatch means the caller is trying to
// bind a token to the wrong bucket, which would defeat the
// destroy-at-boundary guarantee.
func (m *Manager) IssueToken(bucketStart time.Time, featureHash [32]byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil, ErrNoBucketKey
	}
	if !bucketStart.Equal(m.bucketStart) {
		return nil, ErrBucketMismatch
	}

	key, err := m.active.Key()
	if err != nil {
		return nil, fmt.Errorf("bucketkey: %w", err)
	}

	mac := hmac.New(sha256.New, key[:])
	mac.Write(featureHash[:])
	sum := mac.Sum(nil)
	return sum[:TokenSize], nil
}

// ActiveBucketStart returns the bucket start of the currently rotated-in
// key, and false if no key is active yet.
func (m *Manager) ActiveBucketStart() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return time.Time{}, false
	}
	return m.bucketStart, true
}

// Shutdown destroys the active bucket key. Call this when the manager
// itself is being torn down, not just rotated.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		m.active.Destroy()
		m.active = nil
	}
}
