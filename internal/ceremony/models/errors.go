package models

import (
	"errors"
	"fmt"
)

// Domain errors for the ceremony subsystem. Every failure condition is a
// distinct, named error; repositories and services return these (optionally
// wrapped with pkg/domain-errors codes) so callers never have to match on
// message strings.
var (
	// ErrCeremonyNotFound indicates the referenced ceremony does not exist.
	ErrCeremonyNotFound = errors.New("ceremony not found")

	// ErrCeremonyConflict indicates a non-terminal ceremony already exists
	// for the keeper. At most one active ceremony per keeper may exist.
	ErrCeremonyConflict = errors.New("active ceremony already exists for keeper")

	// ErrDuplicateWitness indicates the witness id is already recorded on
	// the ceremony. Witness sets never contain duplicates.
	ErrDuplicateWitness = errors.New("witness already recorded for ceremony")

	// ErrInvalidWitnessSignature indicates the signature did not verify
	// against the witness's registered key. Hard reject, no state change.
	ErrInvalidWitnessSignature = errors.New("witness signature verification failed")

	// ErrInsufficientWitnesses indicates execution was requested before the
	// ceremony gathered the required witness quorum.
	ErrInsufficientWitnesses = errors.New("ceremony has not reached witness quorum")

	// ErrBootstrapModeDisabled indicates a witness without a registered key
	// was rejected because the bootstrap gate is closed. Once disabled,
	// there is no path to accept an unverifiable attestation.
	ErrBootstrapModeDisabled = errors.New("bootstrap mode disabled: witness key is not registered")
)

// InvalidStateError reports a transition request outside the state table.
// It names both the attempted target and the current state; an illegal
// transition never silently no-ops.
type InvalidStateError struct {
	Current   State
	Attempted State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid ceremony state transition: %s -> %s", e.Current, e.Attempted)
}

// NewInvalidStateError builds the typed transition error.
func NewInvalidStateError(current, attempted State) *InvalidStateError {
	return &InvalidStateError{Current: current, Attempted: attempted}
}
