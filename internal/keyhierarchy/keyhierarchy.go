// Package keyhierarchy implements the kernel's two-tier key hierarchy.
//
// Tier 0 (device identity) is a persistent Ed25519 key derived from an
// attestation.Provider response; it signs the sealed log, checkpoints,
// and break-glass receipts. Tier 1 (bucket keys) are independently
// generated random keys, one per time bucket, with no derivation path
// back to Tier 0 or to any other bucket; unlike the teacher's
// forward-secret ratchet, which advances past old state but remains
// reconstructible from it, a bucket key here is destroyed outright at
// bucket end — non-linkability across buckets is enforced by deletion
// of an unrecoverable key, not by making reconstruction merely hard.
package keyhierarchy

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"pwk/internal/security"
)

const (
	// Version is the key hierarchy's wire/derivation version.
	Version = 1

	identityDomain = "pwk-identity-v1"
)

var (
	// ErrBucketKeyDestroyed is returned by any operation on a BucketKey
	// after Destroy has been called.
	ErrBucketKeyDestroyed = errors.New("keyhierarchy: bucket key has been destroyed")
)

// IdentityProvider derives a deterministic, device-bound response to a
// challenge. internal/attestation.Provider satisfies this.
type IdentityProvider interface {
	GetResponse(challenge []byte) ([]byte, error)
	DeviceID() string
}

// DeviceIdentity is the kernel's persistent Tier-0 signing identity.
type DeviceIdentity struct {
	PublicKey   ed25519.PublicKey
	Fingerprint string
	DeviceID    string
	CreatedAt   time.Time
	Version     uint32
}

// DeriveDeviceIdentity derives the device's persistent Ed25519 identity
// from an attestation provider. The private key itself is never returned
// or stored by this function — callers that need to sign should use
// DeriveDeviceSigningKey and wipe the result once finished.
func DeriveDeviceIdentity(provider IdentityProvider) (*DeviceIdentity, error) {
	priv, err := DeriveDeviceSigningKey(provider)
	if err != nil {
		return nil, err
	}
	defer SecureWipeBytes(priv, DefaultWipeConfig())

	pub := priv.Public().(ed25519.PublicKey)
	fingerprint := sha256.Sum256(pub)

	return &DeviceIdentity{
		PublicKey:   pub,
		Fingerprint: hex.EncodeToString(fingerprint[:8]),
		DeviceID:    provider.DeviceID(),
		CreatedAt:   time.Now(),
		Version:     Version,
	}, nil
}

// DeriveDeviceSigningKey re-derives the Tier-0 Ed25519 private key from
// the attestation provider. The caller owns the returned key and must
// wipe it (SecureWipeBytes, or keep it only as long as the process needs
// to sign) once done — this package never persists it.
func DeriveDeviceSigningKey(provider IdentityProvider) (ed25519.PrivateKey, error) {
	challenge := sha256.Sum256([]byte(identityDomain + "-challenge"))

	response, err := provider.GetResponse(challenge[:])
	if err != nil {
		return nil, fmt.Errorf("keyhierarchy: attestation response: %w", err)
	}
	defer SecureWipeBytes(response, DefaultWipeConfig())

	if err := security.ValidateKeyStrength(response); err != nil {
		return nil, fmt.Errorf("keyhierarchy: attestation response failed strength check: %w", err)
	}

	reader := hkdf.New(sha256.New, response, []byte(identityDomain), []byte("device-signing-key"))
	var seed [32]byte
	if _, err := io.ReadFull(reader, seed[:]); err != nil {
		return nil, fmt.Errorf("keyhierarchy: hkdf expand: %w", err)
	}
	defer SecureWipeSlice32(&seed)

	return ed25519.NewKeyFromSeed(seed[:]), nil
}

// BucketKey is a Tier-1 key bound to a single time bucket. It is never
// signed or persisted; it exists only to key the bucket's correlation
// tokens (internal/bucketkey) and is destroyed when the bucket ends.
type BucketKey struct {
	key       [32]byte
	bucketID  string
	destroyed bool
}

// GenerateBucketKey generates a fresh, independent Tier-1 key for a
// single time bucket. The key is drawn from crypto/rand, not derived
// from the Tier-0 device signing key: the device key persists for the
// device's lifetime, and bucket_id is public (it is echoed in every
// sealed event's time bucket), so a key derived from the two would let
// anyone who later obtains the device key recompute every historical
// bucket key, defeating cross-bucket non-linkability. A random key that
// is destroyed outright at bucket end (BucketKey.Destroy) is the only
// one that stays unrecoverable once its bucket has closed, even to the
// device itself.
func GenerateBucketKey(bucketStart time.Time) (*BucketKey, error) {
	bucketID := bucketStart.UTC().Format(time.RFC3339)

	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("keyhierarchy: generate bucket key: %w", err)
	}

	return &BucketKey{key: key, bucketID: bucketID}, nil
}

// Key returns the bucket key's raw bytes. Returns ErrBucketKeyDestroyed
// once Destroy has been called.
func (b *BucketKey) Key() ([32]byte, error) {
	if b.destroyed {
		return [32]byte{}, ErrBucketKeyDestroyed
	}
	return b.key, nil
}

// BucketID returns the canonical bucket-start identifier this key is
// bound to.
func (b *BucketKey) BucketID() string {
	return b.bucketID
}

// Destroy irreversibly zeroes the bucket key. After Destroy, Key returns
// ErrBucketKeyDestroyed; this is the enforcement mechanism for
// cross-bucket non-linkability, not merely a cleanup convenience.
func (b *BucketKey) Destroy() {
	if b.destroyed {
		return
	}
	SecureWipeSlice32(&b.key)
	b.destroyed = true
}

// IsDestroyed reports whether Destroy has been called.
func (b *BucketKey) IsDestroyed() bool {
	return b.destroyed
}
