package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "conclave/pkg/domain-errors"
)

// Typed identifiers for the ceremony subsystem. Distinct types stop a
// keeper id from being passed where a witness id or key id is expected;
// the compiler enforces what code review would otherwise have to catch.

// CeremonyID identifies a single key generation ceremony.
type CeremonyID uuid.UUID

// NewCeremonyID allocates a fresh ceremony identifier.
func NewCeremonyID() CeremonyID {
	return CeremonyID(uuid.New())
}

// ParseCeremonyID constructs a CeremonyID from external input.
// Errors: CodeInvalidInput when the value is empty, malformed, or the nil UUID.
func ParseCeremonyID(s string) (CeremonyID, error) {
	if s == "" {
		return CeremonyID{}, dErrors.New(dErrors.CodeInvalidInput, "ceremony id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return CeremonyID{}, dErrors.New(dErrors.CodeInvalidInput, "ceremony id must be a valid UUID")
	}
	if u == uuid.Nil {
		return CeremonyID{}, dErrors.New(dErrors.CodeInvalidInput, "ceremony id cannot be the nil UUID")
	}
	return CeremonyID(u), nil
}

func (id CeremonyID) String() string {
	return uuid.UUID(id).String()
}

func (id CeremonyID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// KeeperID identifies a trusted principal holding a signing key.
// Keeper ids are opaque caller-scheme strings such as "KEEPER:alice".
type KeeperID string

// ParseKeeperID constructs a KeeperID from external input.
// Errors: CodeInvalidInput when the value is empty or whitespace.
func ParseKeeperID(s string) (KeeperID, error) {
	if strings.TrimSpace(s) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "keeper id cannot be empty")
	}
	return KeeperID(s), nil
}

func (id KeeperID) String() string {
	return string(id)
}

func (id KeeperID) IsNil() bool {
	return id == ""
}

// WitnessID identifies a party attesting to a ceremony step. Witnesses are
// usually keepers themselves, but SYSTEM and EXTERNAL witnesses carry ids
// from their own schemes, so the type stays separate from KeeperID.
type WitnessID string

// ParseWitnessID constructs a WitnessID from external input.
// Errors: CodeInvalidInput when the value is empty or whitespace.
func ParseWitnessID(s string) (WitnessID, error) {
	if strings.TrimSpace(s) == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "witness id cannot be empty")
	}
	return WitnessID(s), nil
}

func (id WitnessID) String() string {
	return string(id)
}

func (id WitnessID) IsNil() bool {
	return id == ""
}

// KeyID identifies key material held by the HSM backend. The HSM assigns
// it at generation time; the registry and ceremonies only ever reference it.
type KeyID string

func (id KeyID) String() string {
	return string(id)
}

func (id KeyID) IsNil() bool {
	return id == ""
}
