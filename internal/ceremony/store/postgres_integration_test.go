//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"conclave/internal/ceremony/models"
	"conclave/internal/ceremony/store"
	"conclave/pkg/domain"
	"conclave/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.Postgres
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	// Truncate in dependency order
	err := s.postgres.TruncateTables(ctx, "ceremony_witnesses", "ceremonies")
	s.Require().NoError(err)
}

func newTestCeremony(keeper string) *models.Ceremony {
	c, err := models.NewCeremony(
		domain.NewCeremonyID(),
		domain.KeeperID(keeper),
		models.CeremonyTypeNewKeeperKey,
		domain.KeeperID("initiator-1"),
		"",
		time.Now().UTC(),
	)
	if err != nil {
		panic(err)
	}
	return c
}

func newTestWitness(id string) models.Witness {
	w, err := models.NewWitness(domain.WitnessID(id), []byte("sig-"+id), models.WitnessTypeKeeper, true, time.Now().UTC())
	if err != nil {
		panic(err)
	}
	return w
}

// TestConcurrentCreateSameKeeper verifies that concurrent ceremony creation
// for one keeper results in exactly one success via the partial unique index.
func (s *PostgresStoreSuite) TestConcurrentCreateSameKeeper() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	var successCount atomic.Int32
	var conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := s.store.Create(ctx, newTestCeremony("keeper-concurrent"))
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, models.ErrCeremonyConflict) {
				conflictCount.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one create should succeed")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should get conflict error")

	found, err := s.store.GetActiveForKeeper(ctx, domain.KeeperID("keeper-concurrent"))
	s.Require().NoError(err)
	s.Equal(models.StatePending, found.State)
}

// TestCreateAfterTerminal verifies the partial index frees the keeper once
// the previous ceremony reaches a terminal state.
func (s *PostgresStoreSuite) TestCreateAfterTerminal() {
	ctx := context.Background()

	first := newTestCeremony("keeper-reuse")
	s.Require().NoError(s.store.Create(ctx, first))

	second := newTestCeremony("keeper-reuse")
	s.Require().ErrorIs(s.store.Create(ctx, second), models.ErrCeremonyConflict)

	_, err := s.store.Transition(ctx, first.ID, models.StatePending, models.StateFailed, "operator abort")
	s.Require().NoError(err)

	s.Require().NoError(s.store.Create(ctx, second))
}

// TestConcurrentDuplicateWitness verifies the composite primary key admits
// exactly one of N identical witness submissions.
func (s *PostgresStoreSuite) TestConcurrentDuplicateWitness() {
	ctx := context.Background()

	c := newTestCeremony("keeper-witness")
	s.Require().NoError(s.store.Create(ctx, c))

	const goroutines = 30
	witness := newTestWitness("witness-dup")

	var wg sync.WaitGroup
	var successCount atomic.Int32
	var duplicateCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.store.AddWitness(ctx, c.ID, witness)
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, models.ErrDuplicateWitness) {
				duplicateCount.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one witness insert should succeed")
	s.Equal(int32(goroutines-1), duplicateCount.Load(), "all others should get duplicate error")

	found, err := s.store.Get(ctx, c.ID)
	s.Require().NoError(err)
	s.Len(found.Witnesses, 1)
}

// TestWitnessRejectedAfterPending verifies the row lock makes the state
// check and insert atomic.
func (s *PostgresStoreSuite) TestWitnessRejectedAfterPending() {
	ctx := context.Background()

	c := newTestCeremony("keeper-late")
	s.Require().NoError(s.store.Create(ctx, c))

	_, err := s.store.Transition(ctx, c.ID, models.StatePending, models.StateExpired, "timed out")
	s.Require().NoError(err)

	_, err = s.store.AddWitness(ctx, c.ID, newTestWitness("witness-late"))
	var stateErr *models.InvalidStateError
	s.Require().ErrorAs(err, &stateErr)
	s.Equal(models.StateExpired, stateErr.Current)
}

// TestConcurrentTransition verifies the conditional UPDATE admits exactly
// one winner when many workers race the same edge.
func (s *PostgresStoreSuite) TestConcurrentTransition() {
	ctx := context.Background()

	c := newTestCeremony("keeper-cas")
	s.Require().NoError(s.store.Create(ctx, c))
	_, err := s.store.Transition(ctx, c.ID, models.StatePending, models.StateApproved, "")
	s.Require().NoError(err)

	const goroutines = 30
	var wg sync.WaitGroup
	var successCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if _, err := s.store.Transition(ctx, c.ID, models.StateApproved, models.StateExecuting, ""); err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one transition should win")

	found, err := s.store.Get(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExecuting, found.State)
}

// TestSweepRace verifies a ceremony cannot be both expired and executed:
// one of the two racing transitions always loses the compare-and-set.
func (s *PostgresStoreSuite) TestSweepRace() {
	ctx := context.Background()

	const rounds = 10
	for i := 0; i < rounds; i++ {
		c := newTestCeremony("keeper-sweep")
		s.Require().NoError(s.store.Create(ctx, c))

		var wg sync.WaitGroup
		var expireErr, executeErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, expireErr = s.store.Transition(ctx, c.ID, models.StatePending, models.StateExpired, "timed out")
		}()
		go func() {
			defer wg.Done()
			_, executeErr = s.store.Transition(ctx, c.ID, models.StatePending, models.StateApproved, "")
		}()
		wg.Wait()

		s.True((expireErr == nil) != (executeErr == nil), "exactly one transition should win")

		found, err := s.store.Get(ctx, c.ID)
		s.Require().NoError(err)
		if expireErr == nil {
			s.Equal(models.StateExpired, found.State)
		} else {
			s.Equal(models.StateApproved, found.State)
			// Finish the round so the keeper frees up for the next one.
			_, err = s.store.Transition(ctx, c.ID, models.StateApproved, models.StateExecuting, "")
			s.Require().NoError(err)
			_, err = s.store.Transition(ctx, c.ID, models.StateExecuting, models.StateFailed, "round done")
			s.Require().NoError(err)
			continue
		}
	}
}

// TestCompletionRoundTrip verifies key and window persistence on completion.
func (s *PostgresStoreSuite) TestCompletionRoundTrip() {
	ctx := context.Background()

	c := newTestCeremony("keeper-complete")
	s.Require().NoError(s.store.Create(ctx, c))
	_, err := s.store.Transition(ctx, c.ID, models.StatePending, models.StateApproved, "")
	s.Require().NoError(err)
	_, err = s.store.Transition(ctx, c.ID, models.StateApproved, models.StateExecuting, "")
	s.Require().NoError(err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	windowEnd := now.Add(models.RotationTransitionWindow)
	completed, err := s.store.MarkCompleted(ctx, c.ID, domain.KeyID("key-new"), &windowEnd, now)
	s.Require().NoError(err)
	s.Equal(models.StateCompleted, completed.State)
	s.Equal(domain.KeyID("key-new"), completed.NewKeyID)
	s.Require().NotNil(completed.TransitionEndAt)
	s.True(completed.TransitionEndAt.Equal(windowEnd))
	s.Require().NotNil(completed.CompletedAt)
	s.True(completed.CompletedAt.Equal(now))
}

// TestSweepListings verifies the listings that drive the timeout sweep.
func (s *PostgresStoreSuite) TestSweepListings() {
	ctx := context.Background()
	now := time.Now().UTC()

	old := newTestCeremony("keeper-old")
	old.CreatedAt = now.Add(-2 * time.Hour)
	s.Require().NoError(s.store.Create(ctx, old))

	fresh := newTestCeremony("keeper-fresh")
	s.Require().NoError(s.store.Create(ctx, fresh))

	stalled := newTestCeremony("keeper-stalled")
	stalled.CreatedAt = now.Add(-3 * time.Hour)
	s.Require().NoError(s.store.Create(ctx, stalled))
	_, err := s.store.Transition(ctx, stalled.ID, models.StatePending, models.StateApproved, "")
	s.Require().NoError(err)
	_, err = s.store.Transition(ctx, stalled.ID, models.StateApproved, models.StateExecuting, "")
	s.Require().NoError(err)

	timedOut, err := s.store.ListTimedOut(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(timedOut, 1)
	s.Equal(old.ID, timedOut[0].ID)

	stalledList, err := s.store.ListStalledExecuting(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Len(stalledList, 1)
	s.Equal(stalled.ID, stalledList[0].ID)

	active, err := s.store.ListActive(ctx)
	s.Require().NoError(err)
	s.Len(active, 3)
}
