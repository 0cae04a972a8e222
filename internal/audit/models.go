package audit

import "time"

// EventCategory classifies audit events by their primary purpose.
// This drives retention and routing in the downstream pipeline.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance.
	// Ceremony lifecycle records fall here: they are the evidence that a
	// key was produced under quorum.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events that feed alerting and forensics:
	// failed verifications, bootstrap acceptances, emergency revocations.
	CategorySecurity EventCategory = "security"
)

// Severity levels for security-category events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is emitted from domain logic to capture key ceremony actions.
// Keep it transport-agnostic so stores and sinks can fan out.
type Event struct {
	Timestamp  time.Time
	Action     string
	CeremonyID string
	KeeperID   string
	ActorID    string
	KeyID      string
	Decision   string
	Reason     string
	Severity   Severity
	RequestID  string
}

// AuditEvent names every action the ceremony subsystem emits.
type AuditEvent string

const (
	EventCeremonyStarted           AuditEvent = "ceremony_started"
	EventCeremonyWitnessed         AuditEvent = "ceremony_witnessed"
	EventUnverifiedWitnessAccepted AuditEvent = "unverified_witness_accepted"
	EventCeremonyCompleted         AuditEvent = "ceremony_completed"
	EventCeremonyFailed            AuditEvent = "ceremony_failed"
	EventCeremonyExpired           AuditEvent = "ceremony_expired"
	EventKeyEmergencyRevoked       AuditEvent = "key_emergency_revoked"
)

// eventCategories maps each audit event to its category. The map is the
// source of truth; unknown events default to compliance so nothing is
// silently down-ranked.
var eventCategories = map[AuditEvent]EventCategory{
	EventCeremonyStarted:   CategoryCompliance,
	EventCeremonyWitnessed: CategoryCompliance,
	EventCeremonyCompleted: CategoryCompliance,

	EventUnverifiedWitnessAccepted: CategorySecurity,
	EventCeremonyFailed:            CategorySecurity,
	EventCeremonyExpired:           CategorySecurity,
	EventKeyEmergencyRevoked:       CategorySecurity,
}

// Category returns the EventCategory for this audit event.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryCompliance
}
