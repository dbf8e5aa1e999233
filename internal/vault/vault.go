// Package vault implements crypto-agile envelope encryption for raw-media
// exports released through the break-glass gate (spec.md §4.6). An
// envelope's DEK is wrapped under one or both of a classical master key
// and a post-quantum KEM public key, selected per the active policy's
// vault_crypto_mode; in hybrid mode either wrap suffices to recover the
// DEK, so a future break of either primitive alone does not strand
// existing envelopes.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/mlkem"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"pwk/internal/keyhierarchy"
)

// CryptoMode selects which wrap(s) an envelope's DEK carries.
type CryptoMode string

const (
	ModeClassical CryptoMode = "classical"
	ModePQ        CryptoMode = "pq"
	ModeHybrid    CryptoMode = "hybrid"
)

const envelopeVersion = 1

var (
	ErrUnknownMode     = errors.New("vault: unknown crypto mode")
	ErrNoWrapCapability = errors.New("vault: no unwrap capability available for this envelope's crypto mode")
	ErrUnwrapFailed    = errors.New("vault: dek unwrap failed under every available capability")
	ErrDecryptFailed   = errors.New("vault: payload decryption failed")
)

// Envelope is the on-disk form of one sealed raw-media export (spec.md
// §6): version, crypto mode, the DEK wrap(s) that mode requires, and the
// DEK-sealed payload.
type Envelope struct {
	Version             int        `json:"version"`
	CryptoMode          CryptoMode `json:"crypto_mode"`
	WrappedDEKClassical []byte     `json:"wrapped_dek_classical,omitempty"`
	KEMCiphertext       []byte     `json:"kem_ciphertext_pq,omitempty"`
	WrappedDEKPQ        []byte     `json:"wrapped_dek_pq,omitempty"`
	Nonce               []byte     `json:"iv"`
	Ciphertext          []byte     `json:"ciphertext"`
}

// WriteFile persists the envelope as JSON with owner-only permissions.
func (e *Envelope) WriteFile(path string) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("vault: marshal envelope: %w", err)
	}
	return os.WriteFile(path, raw, 0o600)
}

// ReadEnvelopeFile loads an envelope written by WriteFile.
func ReadEnvelopeFile(path string) (*Envelope, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vault: read envelope: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("vault: unmarshal envelope: %w", err)
	}
	return &e, nil
}

// ClassicalWrapper wraps/unwraps a DEK under a locally-held master key
// using AES-256-GCM.
type ClassicalWrapper struct {
	masterKey [32]byte
}

// NewClassicalWrapper builds a wrapper bound to masterKey.
func NewClassicalWrapper(masterKey [32]byte) *ClassicalWrapper {
	return &ClassicalWrapper{masterKey: masterKey}
}

// Wrap seals dek under the master key, returning nonce||ciphertext.
func (w *ClassicalWrapper) Wrap(dek []byte) ([]byte, error) {
	return aesGCMSeal(w.masterKey[:], dek)
}

// Unwrap recovers the DEK sealed by Wrap.
func (w *ClassicalWrapper) Unwrap(wrapped []byte) ([]byte, error) {
	return aesGCMOpen(w.masterKey[:], wrapped)
}

// PQEncapsulator wraps a DEK under an ML-KEM-768 public (encapsulation)
// key: it generates a fresh KEM shared secret, uses it to AES-GCM-seal
// the DEK, and returns the KEM ciphertext alongside the sealed DEK.
type PQEncapsulator struct {
	ek *mlkem.EncapsulationKey768
}

// NewPQEncapsulator builds an encapsulator bound to a trustee or
// kernel-held ML-KEM-768 public key.
func NewPQEncapsulator(ek *mlkem.EncapsulationKey768) *PQEncapsulator {
	return &PQEncapsulator{ek: ek}
}

// Wrap returns (kemCiphertext, wrappedDEK).
func (p *PQEncapsulator) Wrap(dek []byte) (kemCiphertext, wrappedDEK []byte, err error) {
	sharedSecret, ct := p.ek.Encapsulate()
	wrapped, err := aesGCMSeal(sharedSecret, dek)
	if err != nil {
		return nil, nil, err
	}
	return ct, wrapped, nil
}

// PQDecapsulator unwraps a DEK sealed by a PQEncapsulator, given the
// matching ML-KEM-768 private (decapsulation) key.
type PQDecapsulator struct {
	dk *mlkem.DecapsulationKey768
}

// NewPQDecapsulator builds a decapsulator bound to the private half of
// the key an Envelope's KEMCiphertext was encapsulated against.
func NewPQDecapsulator(dk *mlkem.DecapsulationKey768) *PQDecapsulator {
	return &PQDecapsulator{dk: dk}
}

// Unwrap recovers the DEK from a (kemCiphertext, wrappedDEK) pair.
func (p *PQDecapsulator) Unwrap(kemCiphertext, wrappedDEK []byte) ([]byte, error) {
	sharedSecret, err := p.dk.Decapsulate(kemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("vault: kem decapsulate: %w", err)
	}
	return aesGCMOpen(sharedSecret, wrappedDEK)
}

// Seal generates a fresh DEK, wraps it per mode using whichever of
// classical/pq are supplied (both must be supplied for ModeHybrid, and
// only the one matching mode is required otherwise), and seals plaintext
// under the DEK.
func Seal(plaintext []byte, mode CryptoMode, classical *ClassicalWrapper, pq *PQEncapsulator) (*Envelope, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("vault: generate dek: %w", err)
	}
	defer keyhierarchy.SecureWipeBytes(dek, keyhierarchy.DefaultWipeConfig())

	env := &Envelope{Version: envelopeVersion, CryptoMode: mode}

	switch mode {
	case ModeClassical, ModeHybrid:
		if classical == nil {
			return nil, fmt.Errorf("%w: classical wrapper required for mode %s", ErrNoWrapCapability, mode)
		}
		wrapped, err := classical.Wrap(dek)
		if err != nil {
			return nil, fmt.Errorf("vault: classical wrap: %w", err)
		}
		env.WrappedDEKClassical = wrapped
	}

	switch mode {
	case ModePQ, ModeHybrid:
		if pq == nil {
			return nil, fmt.Errorf("%w: pq encapsulator required for mode %s", ErrNoWrapCapability, mode)
		}
		ct, wrapped, err := pq.Wrap(dek)
		if err != nil {
			return nil, fmt.Errorf("vault: pq wrap: %w", err)
		}
		env.KEMCiphertext = ct
		env.WrappedDEKPQ = wrapped
	}

	if mode != ModeClassical && mode != ModePQ && mode != ModeHybrid {
		return nil, ErrUnknownMode
	}

	sealed, err := aesGCMSeal(dek, plaintext)
	if err != nil {
		return nil, fmt.Errorf("vault: seal payload: %w", err)
	}
	// aesGCMSeal prefixes its own fresh nonce; split it back out so the
	// envelope carries nonce and ciphertext as distinct fields per
	// spec.md §6's envelope format.
	env.Nonce = sealed[:gcmNonceSize]
	env.Ciphertext = sealed[gcmNonceSize:]

	return env, nil
}

// Unseal recovers plaintext from env, trying classical unwrap first (if
// the envelope and caller both support it) and falling back to pq. In
// ModeHybrid envelopes either capability suffices.
func Unseal(env *Envelope, classical *ClassicalWrapper, pq *PQDecapsulator) ([]byte, error) {
	var dek []byte
	var lastErr error

	if (env.CryptoMode == ModeClassical || env.CryptoMode == ModeHybrid) && classical != nil && env.WrappedDEKClassical != nil {
		d, err := classical.Unwrap(env.WrappedDEKClassical)
		if err == nil {
			dek = d
		} else {
			lastErr = err
		}
	}

	if dek == nil && (env.CryptoMode == ModePQ || env.CryptoMode == ModeHybrid) && pq != nil && env.KEMCiphertext != nil {
		d, err := pq.Unwrap(env.KEMCiphertext, env.WrappedDEKPQ)
		if err == nil {
			dek = d
		} else {
			lastErr = err
		}
	}

	if dek == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, lastErr)
		}
		return nil, ErrUnwrapFailed
	}
	defer keyhierarchy.SecureWipeBytes(dek, keyhierarchy.DefaultWipeConfig())

	plaintext, err := aesGCMOpen(dek, append(append([]byte{}, env.Nonce...), env.Ciphertext...))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// LoadOrGenerateClassicalMasterKey reads a 32-byte master key from path,
// generating and persisting a fresh random one on first use. This is the
// kernel-local secret a ClassicalWrapper wraps every envelope DEK under;
// it never leaves the host the vault lives on.
func LoadOrGenerateClassicalMasterKey(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != 32 {
			return key, fmt.Errorf("vault: master key at %s is not 32 bytes", path)
		}
		copy(key[:], data)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("vault: read master key: %w", err)
	}
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("vault: generate master key: %w", err)
	}
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return key, fmt.Errorf("vault: persist master key: %w", err)
	}
	return key, nil
}

// LoadOrGeneratePQIdentity reads an ML-KEM-768 decapsulation key's 64-byte
// seed from path, generating and persisting a fresh one on first use. The
// returned key's EncapsulationKey() is what a policy's trustees would be
// given to seal future envelopes against.
func LoadOrGeneratePQIdentity(path string) (*mlkem.DecapsulationKey768, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		dk, err := mlkem.NewDecapsulationKey768(seed)
		if err != nil {
			return nil, fmt.Errorf("vault: parse pq identity: %w", err)
		}
		return dk, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("vault: read pq identity: %w", err)
	}
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("vault: generate pq identity: %w", err)
	}
	if err := os.WriteFile(path, dk.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("vault: persist pq identity: %w", err)
	}
	return dk, nil
}

const gcmNonceSize = 12

// aesGCMSeal returns nonce||ciphertext(+tag), sealed under key.
func aesGCMSeal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// aesGCMOpen reverses aesGCMSeal.
func aesGCMOpen(key, nonceAndCiphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	if len(nonceAndCiphertext) < gcm.NonceSize() {
		return nil, errors.New("vault: ciphertext shorter than nonce")
	}
	nonce := nonceAndCiphertext[:gcm.NonceSize()]
	ciphertext := nonceAndCiphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
