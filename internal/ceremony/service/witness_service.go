package service

import (
	"context"
	"encoding/binary"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/sha3"

	"conclave/internal/audit"
	"conclave/internal/ceremony/models"
	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
	"conclave/pkg/platform/sentinel"
	"conclave/pkg/requestcontext"
)

// signableContentPrefix versions the canonical witness attestation format.
// Changing the field set or encoding requires a new version string.
const signableContentPrefix = "conclave.witness.v1"

// SignableContent builds the canonical content a witness signs: a SHA3-256
// digest over the version prefix and the length-prefixed ceremony, witness
// and keeper identifiers. Exported so signing clients and tests produce
// byte-identical content.
func SignableContent(ceremonyID domain.CeremonyID, witnessID domain.WitnessID, keeperID domain.KeeperID) []byte {
	h := sha3.New256()
	for _, field := range []string{
		signableContentPrefix,
		ceremonyID.String(),
		witnessID.String(),
		keeperID.String(),
	} {
		var length [8]byte
		binary.BigEndian.PutUint64(length[:], uint64(len(field)))
		h.Write(length[:])
		h.Write([]byte(field))
	}
	return h.Sum(nil)
}

// AddWitness records a witness attestation on a PENDING ceremony.
//
// The witness's registered active key, if any, must verify the signature
// over the canonical content; an unregistered witness is accepted only
// while the bootstrap-mode gate is enabled, and that acceptance always
// emits its own audit event. Reaching the required witness count
// transitions the ceremony to APPROVED within the same call.
func (s *Service) AddWitness(ctx context.Context, ceremonyID domain.CeremonyID, witnessID domain.WitnessID, signature []byte, witnessType models.WitnessType) (*models.Ceremony, error) {
	ctx, span := s.tracer.Start(ctx, "ceremony.AddWitness",
		trace.WithAttributes(
			attribute.String("ceremony_id", ceremonyID.String()),
			attribute.String("witness_id", witnessID.String()),
		))
	defer span.End()

	if err := s.checkWriteAllowed(ctx); err != nil {
		return nil, err
	}

	c, err := s.repo.Get(ctx, ceremonyID)
	if err != nil {
		if errors.Is(err, models.ErrCeremonyNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "ceremony not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load ceremony")
	}

	if c.State != models.StatePending {
		s.rejectWitness("not_pending")
		return nil, dErrors.Wrap(models.NewInvalidStateError(c.State, models.StatePending),
			dErrors.CodeConflict, "ceremony is no longer accepting witnesses")
	}
	if c.HasWitness(witnessID) {
		s.rejectWitness("duplicate")
		return nil, dErrors.Wrap(models.ErrDuplicateWitness, dErrors.CodeConflict,
			"witness already recorded for this ceremony")
	}

	verified, err := s.verifyWitness(ctx, c, witnessID, signature)
	if err != nil {
		return nil, err
	}

	witness, err := models.NewWitness(witnessID, signature, witnessType, verified, requestcontext.Now(ctx))
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			return nil, dErrors.New(dErrors.CodeValidation, err.Error())
		}
		return nil, err
	}

	updated, err := s.repo.AddWitness(ctx, ceremonyID, witness)
	if err != nil {
		var stateErr *models.InvalidStateError
		switch {
		case errors.Is(err, models.ErrDuplicateWitness):
			s.rejectWitness("duplicate")
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "witness already recorded for this ceremony")
		case errors.As(err, &stateErr):
			s.rejectWitness("not_pending")
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "ceremony is no longer accepting witnesses")
		case errors.Is(err, models.ErrCeremonyNotFound):
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "ceremony not found")
		default:
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record witness")
		}
	}

	if s.metrics != nil {
		s.metrics.IncrementWitnessAccepted(verified)
	}
	s.emit(ctx, audit.Event{
		Action:     string(audit.EventCeremonyWitnessed),
		CeremonyID: ceremonyID.String(),
		KeeperID:   c.KeeperID.String(),
		ActorID:    witnessID.String(),
		Severity:   audit.SeverityInfo,
	})
	if !verified {
		// Never a silent acceptance: bootstrap admissions are flagged for
		// the security pipeline every single time.
		s.emit(ctx, audit.Event{
			Action:     string(audit.EventUnverifiedWitnessAccepted),
			CeremonyID: ceremonyID.String(),
			KeeperID:   c.KeeperID.String(),
			ActorID:    witnessID.String(),
			Reason:     "no registered key for witness; accepted under bootstrap mode",
			Severity:   audit.SeverityWarning,
		})
		s.logWarn(ctx, "unverified witness accepted under bootstrap mode",
			"ceremony_id", ceremonyID, "witness_id", witnessID)
	}

	// >= rather than ==: if a prior approval write failed after the quorum
	// append, the next accepted witness retries it instead of stranding a
	// quorum-reached ceremony in PENDING.
	if len(updated.Witnesses) >= models.RequiredWitnesses {
		approved, err := s.repo.Transition(ctx, ceremonyID, models.StatePending, models.StateApproved, "")
		if err != nil {
			var stateErr *models.InvalidStateError
			if errors.As(err, &stateErr) && stateErr.Current == models.StateApproved {
				// A concurrent call won the approval race. The witness is
				// recorded either way.
				current, getErr := s.repo.Get(ctx, ceremonyID)
				if getErr != nil {
					return nil, dErrors.Wrap(getErr, dErrors.CodeInternal, "failed to load ceremony")
				}
				return current, nil
			}
			// Any other state change between append and approval (a
			// concurrent expiry). The witness stands; the caller learns why
			// approval did not happen.
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "ceremony reached quorum but could not be approved")
		}
		s.logInfo(ctx, "ceremony approved",
			"ceremony_id", ceremonyID, "keeper_id", c.KeeperID, "witnesses", len(approved.Witnesses))
		return approved, nil
	}

	return updated, nil
}

// verifyWitness resolves the witness's registered key and checks the
// signature. It returns whether the witness is cryptographically verified;
// an unregistered witness is admitted unverified only in bootstrap mode.
func (s *Service) verifyWitness(ctx context.Context, c *models.Ceremony, witnessID domain.WitnessID, signature []byte) (bool, error) {
	key, err := s.registry.GetActiveKeyForKeeper(ctx, domain.KeeperID(witnessID))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			if !s.bootstrapMode {
				s.rejectWitness("bootstrap_disabled")
				return false, dErrors.Wrap(models.ErrBootstrapModeDisabled, dErrors.CodeForbidden,
					"witness has no registered key and bootstrap mode is disabled")
			}
			return false, nil
		}
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve witness key")
	}

	content := SignableContent(c.ID, witnessID, c.KeeperID)
	ok, err := s.hsm.VerifyWithKey(ctx, content, signature, key.KeyID)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "witness signature verification errored")
	}
	if !ok {
		s.rejectWitness("invalid_signature")
		return false, dErrors.Wrap(models.ErrInvalidWitnessSignature, dErrors.CodeForbidden,
			"witness signature does not verify against the registered key")
	}
	return true, nil
}

func (s *Service) rejectWitness(reason string) {
	if s.metrics != nil {
		s.metrics.IncrementWitnessRejected(reason)
	}
}
