//go:build linux

package attestation

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

// TPMProvider implements Provider using a Linux TPM 2.0 resource manager
// device. It derives responses via an HMAC key that never leaves the TPM.
type TPMProvider struct {
	mu         sync.Mutex
	devicePath string
	deviceID   string
	transport  transport.TPMCloser
	isOpen     bool
}

// DetectHardware opens the first accessible TPM device and derives the
// device's identity from its endorsement key.
func DetectHardware() (Provider, error) {
	var devicePath string
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err == nil {
			if f, err := os.OpenFile(path, os.O_RDWR, 0); err == nil {
				f.Close()
				devicePath = path
				break
			}
		}
	}
	if devicePath == "" {
		return nil, ErrNoHardware
	}

	p := &TPMProvider{devicePath: devicePath}
	if err := p.init(); err != nil {
		return nil, fmt.Errorf("attestation: init tpm provider: %w", err)
	}
	return p, nil
}

func (p *TPMProvider) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, err := transport.OpenTPM(p.devicePath)
	if err != nil {
		return fmt.Errorf("open tpm: %w", err)
	}
	p.transport = t
	p.isOpen = true

	deviceID, err := p.endorsementDeviceID()
	if err != nil {
		p.transport.Close()
		p.isOpen = false
		return fmt.Errorf("read endorsement key: %w", err)
	}
	p.deviceID = fmt.Sprintf("tpm-%x", deviceID[:8])
	return nil
}

// Close releases the TPM transport.
func (p *TPMProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isOpen && p.transport != nil {
		p.transport.Close()
		p.isOpen = false
	}
	return nil
}

// GetResponse derives a deterministic, TPM-bound response via an HMAC key
// created under a fixed unique field so the same key is reconstructed on
// every call.
func (p *TPMProvider) GetResponse(challenge []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isOpen {
		return nil, ErrNoHardware
	}

	keyHandle, err := p.createHMACKey()
	if err != nil {
		return nil, fmt.Errorf("create hmac key: %w", err)
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: keyHandle}
		flush.Execute(p.transport)
	}()

	hmacCmd := tpm2.HMAC{
		Handle: tpm2.AuthHandle{
			Handle: keyHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Buffer:  tpm2.TPM2BMaxBuffer{Buffer: challenge},
		HashAlg: tpm2.TPMAlgSHA256,
	}
	rsp, err := hmacCmd.Execute(p.transport)
	if err != nil {
		return nil, fmt.Errorf("hmac: %w", err)
	}
	return rsp.OutHMAC.Buffer, nil
}

// DeviceID returns the TPM-derived device identifier.
func (p *TPMProvider) DeviceID() string {
	return p.deviceID
}

func (p *TPMProvider) createHMACKey() (tpm2.TPMHandle, error) {
	createCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				UserAuth: tpm2.TPM2BAuth{Buffer: nil},
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:            true,
				FixedParent:         true,
				SensitiveDataOrigin: true,
				UserWithAuth:        true,
				Sign:                true,
			},
			Parameters: tpm2.NewTPMUPublicParms(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPMSKeyedHashParms{
					Scheme: tpm2.TPMTKeyedHashScheme{
						Scheme: tpm2.TPMAlgHMAC,
						Details: tpm2.NewTPMUSchemeKeyedHash(
							tpm2.TPMAlgHMAC,
							&tpm2.TPMSSchemeHMAC{HashAlg: tpm2.TPMAlgSHA256},
						),
					},
				},
			),
			Unique: tpm2.NewTPMUPublicID(
				tpm2.TPMAlgKeyedHash,
				&tpm2.TPM2BDigest{Buffer: []byte("pwk-device-identity-v1")},
			),
		}),
	}

	rsp, err := createCmd.Execute(p.transport)
	if err != nil {
		return 0, err
	}
	return rsp.ObjectHandle, nil
}

func (p *TPMProvider) endorsementDeviceID() ([]byte, error) {
	createEK := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEK.Execute(p.transport)
	if err != nil {
		return nil, err
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}
		flush.Execute(p.transport)
	}()

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	hash := sha256.Sum256(pubBytes)
	return hash[:], nil
}
