package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"conclave/internal/audit"
	"conclave/internal/ceremony/models"
	ceremonystore "conclave/internal/ceremony/store"
	keysmodels "conclave/internal/keys/models"
	keystore "conclave/internal/keys/store"
	"conclave/internal/hsm/softhsm"
	"conclave/internal/platform/haltguard"
	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
	"conclave/pkg/requestcontext"
)

type SweepSuite struct {
	suite.Suite
	repo    *ceremonystore.InMemory
	halt    *haltguard.Static
	events  *audit.InMemoryStore
	service *Service
	ctx     context.Context
	now     time.Time
}

func (s *SweepSuite) SetupTest() {
	s.repo = ceremonystore.NewInMemory()
	s.halt = haltguard.NewStatic()
	s.events = audit.NewInMemoryStore()
	hsm, err := softhsm.New(keysmodels.AlgorithmEd25519)
	s.Require().NoError(err)
	s.service = New(s.repo, hsm, keystore.NewInMemory(), s.halt, audit.NewPublisher(s.events))
	s.now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func TestSweepSuite(t *testing.T) {
	suite.Run(t, new(SweepSuite))
}

// at returns a context whose clock is offset from the suite's fixed now.
func (s *SweepSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(offset))
}

func (s *SweepSuite) startCeremony(keeper string) *models.Ceremony {
	c, err := s.service.StartCeremony(s.ctx, domain.KeeperID(keeper), models.CeremonyTypeNewKeeperKey, domain.KeeperID("KEEPER:admin"), "")
	s.Require().NoError(err)
	return c
}

func (s *SweepSuite) TestExpiresTimedOutCeremonies() {
	stale := s.startCeremony("KEEPER:stale")

	// Started later; still inside the timeout at sweep time.
	freshCtx := s.at(30 * time.Minute)
	fresh, err := s.service.StartCeremony(freshCtx, domain.KeeperID("KEEPER:fresh"), models.CeremonyTypeNewKeeperKey, domain.KeeperID("KEEPER:admin"), "")
	s.Require().NoError(err)

	report, err := s.service.ExpireTimedOut(s.at(DefaultCeremonyTimeout + time.Second))
	s.Require().NoError(err)
	s.Equal(1, report.Expired)
	s.Equal(0, report.FailedStalled)

	expired, err := s.service.GetCeremony(s.ctx, stale.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, expired.State)
	s.Contains(expired.FailureReason, "timed out")

	untouched, err := s.service.GetCeremony(s.ctx, fresh.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePending, untouched.State)

	events := s.events.ByAction(audit.EventCeremonyExpired)
	s.Require().Len(events, 1)
	s.Equal(stale.ID.String(), events[0].CeremonyID)
}

func (s *SweepSuite) TestSweepIsIdempotent() {
	s.startCeremony("KEEPER:once")

	sweepCtx := s.at(DefaultCeremonyTimeout + time.Second)
	report, err := s.service.ExpireTimedOut(sweepCtx)
	s.Require().NoError(err)
	s.Equal(1, report.Expired)

	report, err = s.service.ExpireTimedOut(sweepCtx)
	s.Require().NoError(err)
	s.Equal(0, report.Expired)

	s.Len(s.events.ByAction(audit.EventCeremonyExpired), 1)
}

func (s *SweepSuite) TestExpiresApprovedCeremonies() {
	c := s.startCeremony("KEEPER:approved")
	_, err := s.repo.Transition(s.ctx, c.ID, models.StatePending, models.StateApproved, "")
	s.Require().NoError(err)

	report, err := s.service.ExpireTimedOut(s.at(DefaultCeremonyTimeout + time.Second))
	s.Require().NoError(err)
	s.Equal(1, report.Expired)

	expired, err := s.service.GetCeremony(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, expired.State)
}

func (s *SweepSuite) TestFailsStalledExecutions() {
	c := s.startCeremony("KEEPER:stuck")
	_, err := s.repo.Transition(s.ctx, c.ID, models.StatePending, models.StateApproved, "")
	s.Require().NoError(err)
	_, err = s.repo.Transition(s.ctx, c.ID, models.StateApproved, models.StateExecuting, "")
	s.Require().NoError(err)

	// Inside the grace period the execution is left alone.
	report, err := s.service.ExpireTimedOut(s.at(DefaultCeremonyTimeout + time.Second))
	s.Require().NoError(err)
	s.Equal(0, report.FailedStalled)

	// Past the grace period it is declared stalled and failed.
	report, err = s.service.ExpireTimedOut(s.at(2*DefaultCeremonyTimeout + time.Second))
	s.Require().NoError(err)
	s.Equal(1, report.FailedStalled)

	failed, err := s.service.GetCeremony(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StateFailed, failed.State)
	s.Contains(failed.FailureReason, "stalled")

	events := s.events.ByAction(audit.EventCeremonyFailed)
	s.Require().Len(events, 1)
}

func (s *SweepSuite) TestSkipsWhileHalted() {
	s.startCeremony("KEEPER:held")
	s.halt.Halt()
	defer s.halt.Resume()

	_, err := s.service.ExpireTimedOut(s.at(DefaultCeremonyTimeout + time.Second))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

	s.halt.Resume()
	report, err := s.service.ExpireTimedOut(s.at(DefaultCeremonyTimeout + time.Second))
	s.Require().NoError(err)
	s.Equal(1, report.Expired)
}

func (s *SweepSuite) TestCustomTimeout() {
	hsm, err := softhsm.New(keysmodels.AlgorithmEd25519)
	s.Require().NoError(err)
	short := New(s.repo, hsm, keystore.NewInMemory(), s.halt, audit.NewPublisher(s.events),
		WithCeremonyTimeout(10*time.Minute))

	c, err := short.StartCeremony(s.ctx, domain.KeeperID("KEEPER:short"), models.CeremonyTypeNewKeeperKey, domain.KeeperID("KEEPER:admin"), "")
	s.Require().NoError(err)

	report, err := short.ExpireTimedOut(s.at(11 * time.Minute))
	s.Require().NoError(err)
	s.Equal(1, report.Expired)

	expired, err := short.GetCeremony(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExpired, expired.State)
}
