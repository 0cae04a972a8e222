// Package softhsm is a software stand-in for the hardware key-management
// backend. Key material lives in process memory and is never exported;
// callers only ever see key ids and public key bytes, the same contract a
// hardware module presents.
package softhsm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"github.com/google/uuid"

	keysmodels "conclave/internal/keys/models"
	"conclave/pkg/domain"
	"conclave/pkg/platform/sentinel"
)

type keyEntry struct {
	algorithm    keysmodels.KeyAlgorithm
	public       []byte
	ed25519Priv  ed25519.PrivateKey
	dilithium3Sk *mode3.PrivateKey
}

// HSM generates, holds and uses signing keys. All keys produced by one
// instance share the algorithm chosen at construction.
type HSM struct {
	mu        sync.RWMutex
	algorithm keysmodels.KeyAlgorithm
	keys      map[domain.KeyID]keyEntry
}

// New builds a software HSM for the given algorithm.
func New(algorithm keysmodels.KeyAlgorithm) (*HSM, error) {
	if !algorithm.IsValid() {
		return nil, fmt.Errorf("softhsm: unsupported algorithm %q", algorithm)
	}
	return &HSM{
		algorithm: algorithm,
		keys:      make(map[domain.KeyID]keyEntry),
	}, nil
}

// Algorithm reports the signature scheme of keys this backend produces.
func (h *HSM) Algorithm() keysmodels.KeyAlgorithm {
	return h.algorithm
}

// Mode identifies the backend for audit logs. It is never branched on.
func (h *HSM) Mode() string {
	return "software-" + h.algorithm.String()
}

// GenerateKeyPair creates a key pair and returns its id. Private material
// stays inside the HSM.
func (h *HSM) GenerateKeyPair(_ context.Context) (domain.KeyID, error) {
	entry := keyEntry{algorithm: h.algorithm}
	switch h.algorithm {
	case keysmodels.AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate ed25519 key: %w", err)
		}
		entry.public = pub
		entry.ed25519Priv = priv
	case keysmodels.AlgorithmDilithium3:
		pk, sk, err := mode3.GenerateKey(rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate dilithium3 key: %w", err)
		}
		pub, err := pk.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("marshal dilithium3 public key: %w", err)
		}
		entry.public = pub
		entry.dilithium3Sk = sk
	default:
		return "", fmt.Errorf("softhsm: unsupported algorithm %q", h.algorithm)
	}

	keyID := domain.KeyID("hsm-" + uuid.NewString())
	h.mu.Lock()
	h.keys[keyID] = entry
	h.mu.Unlock()
	return keyID, nil
}

// GetPublicKeyBytes returns the raw public key material for a held key.
func (h *HSM) GetPublicKeyBytes(_ context.Context, keyID domain.KeyID) ([]byte, error) {
	h.mu.RLock()
	entry, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("softhsm key %s: %w", keyID, sentinel.ErrNotFound)
	}
	return append([]byte(nil), entry.public...), nil
}

// SignWithKey signs content with a held key. Used by test witnesses and
// operational tooling; the ceremony path itself only verifies.
func (h *HSM) SignWithKey(_ context.Context, content []byte, keyID domain.KeyID) ([]byte, error) {
	h.mu.RLock()
	entry, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("softhsm key %s: %w", keyID, sentinel.ErrNotFound)
	}
	switch entry.algorithm {
	case keysmodels.AlgorithmEd25519:
		return ed25519.Sign(entry.ed25519Priv, content), nil
	case keysmodels.AlgorithmDilithium3:
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(entry.dilithium3Sk, content, sig)
		return sig, nil
	}
	return nil, fmt.Errorf("softhsm: unsupported algorithm %q", entry.algorithm)
}

// VerifyWithKey checks a signature over content against a held key.
// A verification mismatch returns (false, nil); errors are reserved for
// missing keys and malformed input.
func (h *HSM) VerifyWithKey(_ context.Context, content, signature []byte, keyID domain.KeyID) (bool, error) {
	h.mu.RLock()
	entry, ok := h.keys[keyID]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("softhsm key %s: %w", keyID, sentinel.ErrNotFound)
	}
	switch entry.algorithm {
	case keysmodels.AlgorithmEd25519:
		if len(signature) != ed25519.SignatureSize {
			return false, nil
		}
		return ed25519.Verify(ed25519.PublicKey(entry.public), content, signature), nil
	case keysmodels.AlgorithmDilithium3:
		if len(signature) != mode3.SignatureSize {
			return false, nil
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(entry.public); err != nil {
			return false, fmt.Errorf("unpack dilithium3 public key: %w", err)
		}
		return mode3.Verify(&pk, content, signature), nil
	}
	return false, fmt.Errorf("softhsm: unsupported algorithm %q", entry.algorithm)
}
