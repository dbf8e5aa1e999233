// Package attestation provides the device identity key's hardware-backed
// sealing path: on a TPM 2.0-equipped host, the key material that feeds
// Tier-0 device-identity derivation never has to touch disk unsealed. On
// hosts without a usable TPM, a software-derived fallback provides the
// same interface with weaker guarantees.
//
// Adapted from the teacher's internal/tpm and internal/keyhierarchy PUF
// files: the multi-party remote-attestation challenge protocol and the
// Windows/macOS TPM backends are dropped (no SPEC_FULL component reads
// from them; see DESIGN.md), keeping only a device-bound HMAC response to
// a challenge, from the Linux backend plus the universal software fallback.
package attestation

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"pwk/internal/security"
)

// Provider derives a deterministic, device-bound response to a challenge.
// internal/keyhierarchy uses this to derive the Tier-0 device identity key
// without ever persisting the key material itself.
type Provider interface {
	GetResponse(challenge []byte) ([]byte, error)
	DeviceID() string
}

// ErrNoHardware is returned by DetectHardware on platforms or hosts with
// no usable hardware root of trust.
var ErrNoHardware = errors.New("attestation: no hardware attestation available on this host")

// GetOrCreateProvider returns the best attestation provider available:
// a hardware TPM if one is present and accessible, otherwise a
// software-derived fallback.
func GetOrCreateProvider() (Provider, error) {
	if hw, err := DetectHardware(); err == nil {
		return hw, nil
	}
	return NewSoftwareProvider()
}

// SoftwareProvider implements Provider using a locally-persisted random
// seed. It offers consistent device identity across restarts but, unlike
// a hardware provider, the seed file can be copied to another host.
type SoftwareProvider struct {
	mu       sync.Mutex
	deviceID string
	seed     []byte
	seedPath string
}

const softwareSeedName = "device_seed"

// NewSoftwareProvider creates a software provider from the default seed path.
func NewSoftwareProvider() (*SoftwareProvider, error) {
	return NewSoftwareProviderWithPath(filepath.Join(dataDir(), softwareSeedName))
}

// NewSoftwareProviderWithPath creates a software provider with an explicit
// seed path.
func NewSoftwareProviderWithPath(seedPath string) (*SoftwareProvider, error) {
	p := &SoftwareProvider{seedPath: seedPath}
	if err := p.loadOrCreateSeed(); err != nil {
		return nil, fmt.Errorf("attestation: init software provider: %w", err)
	}
	return p, nil
}

func (p *SoftwareProvider) loadOrCreateSeed() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.seedPath), 0700); err != nil {
		return fmt.Errorf("create seed dir: %w", err)
	}

	if data, err := os.ReadFile(p.seedPath); err == nil && len(data) == 32 {
		p.seed = data
		p.deviceID = p.computeDeviceID()
		return nil
	}

	seed, err := p.generateSeed()
	if err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}

	tmpPath := p.seedPath + ".tmp"
	if err := os.WriteFile(tmpPath, seed, 0600); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	if err := os.Rename(tmpPath, p.seedPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("save seed: %w", err)
	}

	p.seed = seed
	p.deviceID = p.computeDeviceID()
	return nil
}

func (p *SoftwareProvider) generateSeed() ([]byte, error) {
	h := sha256.New()

	randomBytes, err := security.GenerateKey(32)
	if err != nil {
		return nil, fmt.Errorf("random generation failed: %w", err)
	}
	h.Write(randomBytes)
	h.Write([]byte("pwk-software-attestation-v1"))

	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	h.Write([]byte(runtime.GOOS))
	h.Write([]byte(runtime.GOARCH))
	h.Write([]byte(time.Now().Format(time.RFC3339Nano)))

	return h.Sum(nil), nil
}

func (p *SoftwareProvider) computeDeviceID() string {
	h := sha256.Sum256(p.seed)
	return fmt.Sprintf("swdev-%s", hex.EncodeToString(h[:4]))
}

// GetResponse derives a deterministic response to challenge via HKDF over
// the persisted seed.
func (p *SoftwareProvider) GetResponse(challenge []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.seed) == 0 {
		return nil, errors.New("attestation: software provider not initialized")
	}

	reader := hkdf.New(sha256.New, p.seed, challenge, []byte("attestation-response-v1"))
	response := make([]byte, 32)
	if _, err := io.ReadFull(reader, response); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return response, nil
}

// DeviceID returns the software-derived device identifier.
func (p *SoftwareProvider) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

func dataDir() string {
	if envDir := os.Getenv("PWK_DATA_DIR"); envDir != "" {
		return envDir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".pwk")
}
