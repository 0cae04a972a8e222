package models

import (
	"time"

	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
)

// RequiredWitnesses is the quorum: the number of distinct witnesses a
// ceremony must gather before it may be approved for execution.
const RequiredWitnesses = 3

// RotationTransitionWindow is how long the old key stays verifiable after a
// rotation completes. Signatures already produced with the old key remain
// valid during the window; deactivation is scheduled, not immediate.
const RotationTransitionWindow = 30 * 24 * time.Hour

// CeremonyType distinguishes first-time key issuance from rotation.
type CeremonyType string

const (
	CeremonyTypeNewKeeperKey CeremonyType = "NEW_KEEPER_KEY"
	CeremonyTypeKeyRotation  CeremonyType = "KEY_ROTATION"
)

var validCeremonyTypes = map[CeremonyType]bool{
	CeremonyTypeNewKeeperKey: true,
	CeremonyTypeKeyRotation:  true,
}

// ParseCeremonyType constructs a CeremonyType from external input.
// Errors: CodeInvalidInput when the value is empty or unsupported.
func ParseCeremonyType(s string) (CeremonyType, error) {
	t := CeremonyType(s)
	if !validCeremonyTypes[t] {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid ceremony type: "+s)
	}
	return t, nil
}

func (t CeremonyType) IsValid() bool {
	return validCeremonyTypes[t]
}

func (t CeremonyType) String() string {
	return string(t)
}

// Ceremony is the aggregate root for a witnessed key generation or rotation.
//
// Invariants:
//   - At most one non-terminal ceremony exists per keeper at any time
//     (enforced atomically by the repository, not here)
//   - Witness ids are pairwise distinct
//   - State changes only along the edges in the state table
//   - EXECUTING is reachable only from APPROVED; APPROVED requires the quorum
//   - KEY_ROTATION always carries OldKeyID; on completion TransitionEndAt is
//     CompletedAt + RotationTransitionWindow
//   - Terminal ceremonies are never mutated; the store is append/update-only
//     and ceremonies are never deleted, preserving full audit history
type Ceremony struct {
	ID              domain.CeremonyID `json:"id"`
	KeeperID        domain.KeeperID   `json:"keeper_id"`
	Type            CeremonyType      `json:"ceremony_type"`
	State           State             `json:"state"`
	Witnesses       []Witness         `json:"witnesses"`
	InitiatorID     domain.KeeperID   `json:"initiator_id"`
	NewKeyID        domain.KeyID      `json:"new_key_id,omitempty"`
	OldKeyID        domain.KeyID      `json:"old_key_id,omitempty"`
	TransitionEndAt *time.Time        `json:"transition_end_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	FailureReason   string            `json:"failure_reason,omitempty"`
}

// NewCeremony validates invariants and builds a PENDING ceremony with zero
// witnesses.
func NewCeremony(id domain.CeremonyID, keeperID domain.KeeperID, ceremonyType CeremonyType, initiatorID domain.KeeperID, oldKeyID domain.KeyID, now time.Time) (*Ceremony, error) {
	if id.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "ceremony id cannot be nil")
	}
	if keeperID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "keeper id cannot be empty")
	}
	if initiatorID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "initiator id cannot be empty")
	}
	if !ceremonyType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid ceremony type")
	}
	if ceremonyType == CeremonyTypeKeyRotation && oldKeyID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "key rotation requires the old key id")
	}
	if ceremonyType == CeremonyTypeNewKeeperKey && !oldKeyID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "new keeper key ceremony cannot reference an old key")
	}
	return &Ceremony{
		ID:          id,
		KeeperID:    keeperID,
		Type:        ceremonyType,
		State:       StatePending,
		InitiatorID: initiatorID,
		OldKeyID:    oldKeyID,
		CreatedAt:   now,
	}, nil
}

// IsActive reports whether the ceremony is in a non-terminal state.
func (c *Ceremony) IsActive() bool {
	return !c.State.IsTerminal()
}

// HasWitness reports whether the witness id is already recorded.
func (c *Ceremony) HasWitness(witnessID domain.WitnessID) bool {
	for _, w := range c.Witnesses {
		if w.WitnessID == witnessID {
			return true
		}
	}
	return false
}

// HasQuorum reports whether the witness count has reached the quorum.
func (c *Ceremony) HasQuorum() bool {
	return len(c.Witnesses) >= RequiredWitnesses
}

// CanTransition checks the edge c.State -> target against the state table.
// Returns *InvalidStateError naming both states when the edge is absent.
func (c *Ceremony) CanTransition(target State) error {
	if !c.State.CanTransitionTo(target) {
		return NewInvalidStateError(c.State, target)
	}
	return nil
}

// ApplyTransition moves the ceremony along a validated edge. Callers must
// run CanTransition first; this is the mutate half of the validate-then-
// mutate pair used inside repository critical sections.
func (c *Ceremony) ApplyTransition(target State, reason string, now time.Time) {
	c.State = target
	switch target {
	case StateFailed, StateExpired:
		c.FailureReason = reason
		t := now
		c.CompletedAt = &t
	}
}

// ApplyCompletion marks a ceremony COMPLETED with its new key. For
// rotations, transitionEndAt must be completion time + the transition
// window; for new keeper keys it must be nil.
func (c *Ceremony) ApplyCompletion(newKeyID domain.KeyID, transitionEndAt *time.Time, now time.Time) {
	c.State = StateCompleted
	c.NewKeyID = newKeyID
	c.TransitionEndAt = transitionEndAt
	t := now
	c.CompletedAt = &t
}

// Clone returns a deep copy so in-memory stores can hand out snapshots
// without aliasing internal state.
func (c *Ceremony) Clone() *Ceremony {
	cp := *c
	cp.Witnesses = make([]Witness, len(c.Witnesses))
	copy(cp.Witnesses, c.Witnesses)
	if c.TransitionEndAt != nil {
		t := *c.TransitionEndAt
		cp.TransitionEndAt = &t
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
