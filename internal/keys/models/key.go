package models

import (
	"time"

	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
)

// KeyAlgorithm identifies the signature scheme of registered key material.
type KeyAlgorithm string

const (
	AlgorithmEd25519    KeyAlgorithm = "ed25519"
	AlgorithmDilithium3 KeyAlgorithm = "dilithium3"
)

var validAlgorithms = map[KeyAlgorithm]bool{
	AlgorithmEd25519:    true,
	AlgorithmDilithium3: true,
}

func (a KeyAlgorithm) IsValid() bool {
	return validAlgorithms[a]
}

func (a KeyAlgorithm) String() string {
	return string(a)
}

// Key is a keeper's registered signing key.
//
// Invariants:
//   - ActiveUntil is nil while the key is active
//   - A deactivation is scheduled (ActiveUntil in the future) after a
//     rotation, keeping old signatures verifiable through the window
//   - RevokedAt is set only by emergency revocation, which cuts the key
//     off immediately with no transition window
type Key struct {
	KeyID            domain.KeyID    `json:"key_id"`
	KeeperID         domain.KeeperID `json:"keeper_id"`
	PublicKey        []byte          `json:"public_key"`
	Algorithm        KeyAlgorithm    `json:"algorithm"`
	ActiveFrom       time.Time       `json:"active_from"`
	ActiveUntil      *time.Time      `json:"active_until,omitempty"`
	RevokedAt        *time.Time      `json:"revoked_at,omitempty"`
	RevokedBy        domain.KeeperID `json:"revoked_by,omitempty"`
	RevocationReason string          `json:"revocation_reason,omitempty"`
}

// NewKey validates and builds an active key record.
func NewKey(keyID domain.KeyID, keeperID domain.KeeperID, publicKey []byte, algorithm KeyAlgorithm, activeFrom time.Time) (*Key, error) {
	if keyID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "key id cannot be empty")
	}
	if keeperID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "keeper id cannot be empty")
	}
	if len(publicKey) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "public key material cannot be empty")
	}
	if !algorithm.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "unsupported key algorithm")
	}
	return &Key{
		KeyID:      keyID,
		KeeperID:   keeperID,
		PublicKey:  publicKey,
		Algorithm:  algorithm,
		ActiveFrom: activeFrom,
	}, nil
}

// IsActiveAt reports whether the key is usable for verification at t.
func (k *Key) IsActiveAt(t time.Time) bool {
	if k.RevokedAt != nil && !k.RevokedAt.After(t) {
		return false
	}
	if t.Before(k.ActiveFrom) {
		return false
	}
	return k.ActiveUntil == nil || k.ActiveUntil.After(t)
}

// Clone returns a copy safe to hand out from in-memory stores.
func (k *Key) Clone() *Key {
	cp := *k
	cp.PublicKey = append([]byte(nil), k.PublicKey...)
	if k.ActiveUntil != nil {
		t := *k.ActiveUntil
		cp.ActiveUntil = &t
	}
	if k.RevokedAt != nil {
		t := *k.RevokedAt
		cp.RevokedAt = &t
	}
	return &cp
}
