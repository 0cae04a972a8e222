package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"conclave/internal/audit"
	"conclave/internal/ceremony/models"
	dErrors "conclave/pkg/domain-errors"
	"conclave/pkg/requestcontext"
)

// SweepReport summarizes one timeout sweep run.
type SweepReport struct {
	// Expired counts PENDING/APPROVED ceremonies moved to EXPIRED.
	Expired int
	// FailedStalled counts EXECUTING ceremonies past the execution grace
	// period moved to FAILED.
	FailedStalled int
}

// ExpireTimedOut is the timeout sweep. Ceremonies still PENDING or APPROVED
// past the ceremony timeout become EXPIRED; ceremonies stuck in EXECUTING
// past the execution grace period become FAILED. Each transition is a
// compare-and-set, so a ceremony that advances concurrently (an execute
// call winning the race) is skipped, and repeated sweeps never expire the
// same ceremony twice.
func (s *Service) ExpireTimedOut(ctx context.Context) (SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "ceremony.ExpireTimedOut")
	defer span.End()

	var report SweepReport
	if err := s.checkWriteAllowed(ctx); err != nil {
		return report, err
	}

	start := time.Now()
	now := requestcontext.Now(ctx)

	timedOut, err := s.repo.ListTimedOut(ctx, now.Add(-s.ceremonyTimeout))
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list timed out ceremonies")
	}
	reason := fmt.Sprintf("ceremony timed out after %s", s.ceremonyTimeout)
	for _, c := range timedOut {
		if !s.expireOne(ctx, c, c.State, models.StateExpired, string(audit.EventCeremonyExpired), reason) {
			continue
		}
		if s.metrics != nil {
			s.metrics.IncrementExpired()
		}
		report.Expired++
	}

	stalled, err := s.repo.ListStalledExecuting(ctx, now.Add(-s.executionGrace))
	if err != nil {
		return report, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list stalled ceremonies")
	}
	for _, c := range stalled {
		if !s.expireOne(ctx, c, models.StateExecuting, models.StateFailed, string(audit.EventCeremonyFailed),
			"execution stalled past grace period") {
			continue
		}
		if s.metrics != nil {
			s.metrics.IncrementFailed()
		}
		report.FailedStalled++
	}

	if s.metrics != nil {
		s.metrics.ObserveSweep(start)
	}
	if report.Expired > 0 || report.FailedStalled > 0 {
		s.logInfo(ctx, "timeout sweep finished",
			"expired", report.Expired, "failed_stalled", report.FailedStalled)
	}
	return report, nil
}

// expireOne applies one sweep transition. A lost compare-and-set means the
// ceremony advanced between the listing and the transition; that is not an
// error, the other caller won.
func (s *Service) expireOne(ctx context.Context, c *models.Ceremony, from, to models.State, action, reason string) bool {
	if _, err := s.repo.Transition(ctx, c.ID, from, to, reason); err != nil {
		var stateErr *models.InvalidStateError
		if errors.As(err, &stateErr) {
			s.logInfo(ctx, "sweep skipped ceremony that advanced concurrently",
				"ceremony_id", c.ID, "state", stateErr.Current)
			return false
		}
		s.logWarn(ctx, "sweep transition failed",
			"ceremony_id", c.ID, "target", to, "error", err)
		return false
	}
	s.emit(ctx, audit.Event{
		Action:     action,
		CeremonyID: c.ID.String(),
		KeeperID:   c.KeeperID.String(),
		Reason:     reason,
		Severity:   audit.SeverityWarning,
	})
	return true
}

// Sweeper runs ExpireTimedOut on a fixed interval until its context ends.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, interval: interval, logger: logger}
}

// Run blocks until ctx is done. Halted runs are skipped, not errors: the
// sweep resumes on its own once the halt lifts.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.service.ExpireTimedOut(ctx); err != nil {
				if dErrors.HasCode(err, dErrors.CodeUnavailable) {
					if w.logger != nil {
						w.logger.InfoContext(ctx, "sweep skipped: system halted")
					}
					continue
				}
				if w.logger != nil {
					w.logger.ErrorContext(ctx, "timeout sweep failed", "error", err)
				}
			}
		}
	}
}
