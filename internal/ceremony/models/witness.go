package models

import (
	"time"

	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
)

// WitnessType classifies who is attesting.
type WitnessType string

const (
	WitnessTypeKeeper   WitnessType = "KEEPER"
	WitnessTypeSystem   WitnessType = "SYSTEM"
	WitnessTypeExternal WitnessType = "EXTERNAL"
)

var validWitnessTypes = map[WitnessType]bool{
	WitnessTypeKeeper:   true,
	WitnessTypeSystem:   true,
	WitnessTypeExternal: true,
}

// ParseWitnessType constructs a WitnessType from external input.
// Errors: CodeInvalidInput when the value is empty or unsupported.
func ParseWitnessType(s string) (WitnessType, error) {
	t := WitnessType(s)
	if !validWitnessTypes[t] {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid witness type: "+s)
	}
	return t, nil
}

func (t WitnessType) IsValid() bool {
	return validWitnessTypes[t]
}

func (t WitnessType) String() string {
	return string(t)
}

// Witness records one attestation over a ceremony. Immutable once recorded.
//
// Invariants:
//   - WitnessID is unique within a ceremony's witness set
//   - Signature is opaque; verification happens before the record is created
//   - Verified is false only for witnesses accepted through bootstrap mode
type Witness struct {
	WitnessID   domain.WitnessID `json:"witness_id"`
	Signature   []byte           `json:"signature"`
	Type        WitnessType      `json:"witness_type"`
	Verified    bool             `json:"verified"`
	WitnessedAt time.Time        `json:"witnessed_at"`
}

// NewWitness validates and builds a witness record.
func NewWitness(witnessID domain.WitnessID, signature []byte, witnessType WitnessType, verified bool, now time.Time) (Witness, error) {
	if witnessID.IsNil() {
		return Witness{}, dErrors.New(dErrors.CodeInvariantViolation, "witness id cannot be empty")
	}
	if len(signature) == 0 {
		return Witness{}, dErrors.New(dErrors.CodeInvariantViolation, "witness signature cannot be empty")
	}
	if !witnessType.IsValid() {
		return Witness{}, dErrors.New(dErrors.CodeInvariantViolation, "invalid witness type")
	}
	return Witness{
		WitnessID:   witnessID,
		Signature:   signature,
		Type:        witnessType,
		Verified:    verified,
		WitnessedAt: now,
	}, nil
}
