package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"conclave/internal/audit"
	"conclave/internal/ceremony/models"
	keysmodels "conclave/internal/keys/models"
	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
	"conclave/pkg/platform/sentinel"
	"conclave/pkg/requestcontext"
)

// StartCeremony opens a PENDING ceremony for the keeper. At most one
// ceremony per keeper may be active; the repository resolves concurrent
// starts so that exactly one succeeds.
func (s *Service) StartCeremony(ctx context.Context, keeperID domain.KeeperID, ceremonyType models.CeremonyType, initiatorID domain.KeeperID, oldKeyID domain.KeyID) (*models.Ceremony, error) {
	ctx, span := s.tracer.Start(ctx, "ceremony.Start",
		trace.WithAttributes(attribute.String("keeper_id", keeperID.String())))
	defer span.End()

	if err := s.checkWriteAllowed(ctx); err != nil {
		return nil, err
	}

	c, err := models.NewCeremony(domain.NewCeremonyID(), keeperID, ceremonyType, initiatorID, oldKeyID, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}

	if err := s.repo.Create(ctx, c); err != nil {
		if errors.Is(err, models.ErrCeremonyConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "keeper already has an active ceremony")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create ceremony")
	}

	s.emit(ctx, audit.Event{
		Action:     string(audit.EventCeremonyStarted),
		CeremonyID: c.ID.String(),
		KeeperID:   keeperID.String(),
		ActorID:    initiatorID.String(),
		Severity:   audit.SeverityInfo,
	})
	if s.metrics != nil {
		s.metrics.IncrementStarted()
	}
	s.logInfo(ctx, "ceremony started",
		"ceremony_id", c.ID, "keeper_id", keeperID, "ceremony_type", ceremonyType)

	return c, nil
}

// ExecuteCeremony runs an APPROVED ceremony: generates the key pair,
// registers the new key and, for rotations, schedules the old key's
// deactivation at the end of the transition window. The APPROVED
// precondition is enforced by the compare-and-set transition, so a
// concurrent sweep or duplicate execute loses with a typed error.
func (s *Service) ExecuteCeremony(ctx context.Context, id domain.CeremonyID) (*models.Ceremony, error) {
	ctx, span := s.tracer.Start(ctx, "ceremony.Execute",
		trace.WithAttributes(attribute.String("ceremony_id", id.String())))
	defer span.End()

	if err := s.checkWriteAllowed(ctx); err != nil {
		return nil, err
	}

	// Defensive quorum re-check: execution can be invoked long after the
	// approval, by a different caller.
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrCeremonyNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "ceremony not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ceremony")
	}
	if current.State == models.StatePending && !current.HasQuorum() {
		return nil, dErrors.Wrap(models.ErrInsufficientWitnesses, dErrors.CodeConflict,
			"ceremony has not reached witness quorum")
	}

	c, err := s.repo.Transition(ctx, id, models.StateApproved, models.StateExecuting, "")
	if err != nil {
		var stateErr *models.InvalidStateError
		switch {
		case errors.Is(err, models.ErrCeremonyNotFound):
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "ceremony not found")
		case errors.As(err, &stateErr):
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "ceremony is not approved for execution")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to begin execution")
		}
	}

	start := time.Now()
	now := requestcontext.Now(ctx)

	// External effects. Any failure here is persisted as FAILED before the
	// error propagates, so the audit trail survives unhandled callers.
	newKeyID, transitionEndAt, err := s.provisionKey(ctx, c, now)
	if err != nil {
		s.failCeremony(ctx, c, err.Error())
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "ceremony execution failed")
	}

	completed, err := s.repo.MarkCompleted(ctx, id, newKeyID, transitionEndAt, now)
	if err != nil {
		s.failCeremony(ctx, c, "completion write failed: "+err.Error())
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record ceremony completion")
	}

	s.emit(ctx, audit.Event{
		Action:     string(audit.EventCeremonyCompleted),
		CeremonyID: id.String(),
		KeeperID:   c.KeeperID.String(),
		KeyID:      newKeyID.String(),
		Severity:   audit.SeverityInfo,
	})
	if s.metrics != nil {
		s.metrics.IncrementCompleted()
		s.metrics.ObserveExecute(start)
	}
	s.logInfo(ctx, "ceremony completed",
		"ceremony_id", id, "keeper_id", c.KeeperID, "new_key_id", newKeyID,
		"hsm_mode", s.hsm.Mode())

	return completed, nil
}

// provisionKey performs the HSM and registry calls for an executing
// ceremony and returns the new key id and, for rotations, the transition
// window end.
func (s *Service) provisionKey(ctx context.Context, c *models.Ceremony, now time.Time) (domain.KeyID, *time.Time, error) {
	newKeyID, err := s.hsm.GenerateKeyPair(ctx)
	if err != nil {
		return "", nil, err
	}
	publicKey, err := s.hsm.GetPublicKeyBytes(ctx, newKeyID)
	if err != nil {
		return "", nil, err
	}

	key, err := keysmodels.NewKey(newKeyID, c.KeeperID, publicKey, s.hsm.Algorithm(), now)
	if err != nil {
		return "", nil, err
	}
	if err := s.registry.RegisterKey(ctx, key); err != nil {
		return "", nil, err
	}

	var transitionEndAt *time.Time
	if c.Type == models.CeremonyTypeKeyRotation {
		// Scheduled future deactivation, not an immediate cutover:
		// signatures made with the old key stay verifiable until the
		// window closes.
		windowEnd := now.Add(models.RotationTransitionWindow)
		if err := s.registry.DeactivateKey(ctx, c.OldKeyID, windowEnd); err != nil {
			return "", nil, err
		}
		transitionEndAt = &windowEnd
	}
	return newKeyID, transitionEndAt, nil
}

// failCeremony persists the FAILED transition and its reason. A lost
// compare-and-set here means someone else already terminated the ceremony;
// that is logged and otherwise ignored because the caller is about to see
// the original execution error.
func (s *Service) failCeremony(ctx context.Context, c *models.Ceremony, reason string) {
	if _, err := s.repo.Transition(ctx, c.ID, models.StateExecuting, models.StateFailed, reason); err != nil {
		s.logWarn(ctx, "could not persist ceremony failure",
			"ceremony_id", c.ID, "reason", reason, "error", err)
		return
	}
	s.emit(ctx, audit.Event{
		Action:     string(audit.EventCeremonyFailed),
		CeremonyID: c.ID.String(),
		KeeperID:   c.KeeperID.String(),
		Reason:     reason,
		Severity:   audit.SeverityWarning,
	})
	if s.metrics != nil {
		s.metrics.IncrementFailed()
	}
}

// EmergencyRevokeKey immediately deactivates a key, bypassing the rotation
// transition window. Used when a key is suspected compromised.
func (s *Service) EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error) {
	ctx, span := s.tracer.Start(ctx, "ceremony.EmergencyRevokeKey",
		trace.WithAttributes(attribute.String("key_id", keyID.String())))
	defer span.End()

	if err := s.checkWriteAllowed(ctx); err != nil {
		return time.Time{}, err
	}
	if keyID.IsNil() {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "key id is required")
	}
	if reason == "" {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "revocation reason is required")
	}
	if revokedBy.IsNil() {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, "revoking principal is required")
	}

	revokedAt, err := s.registry.EmergencyRevokeKey(ctx, keyID, reason, revokedBy)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return time.Time{}, dErrors.Wrap(err, dErrors.CodeNotFound, "key not found")
		}
		return time.Time{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to revoke key")
	}

	s.emit(ctx, audit.Event{
		Action:   string(audit.EventKeyEmergencyRevoked),
		KeyID:    keyID.String(),
		ActorID:  revokedBy.String(),
		Reason:   reason,
		Decision: "immediate revocation, rotation transition window bypassed",
		Severity: audit.SeverityCritical,
	})
	if s.metrics != nil {
		s.metrics.IncrementEmergencyRevoke()
	}
	s.logWarn(ctx, "key emergency revoked",
		"key_id", keyID, "revoked_by", revokedBy, "reason", reason)

	return revokedAt, nil
}
