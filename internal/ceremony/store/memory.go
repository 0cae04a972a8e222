package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/ceremony/models"
	"conclave/pkg/domain"
	"conclave/pkg/requestcontext"
)

// InMemory is the reference ceremony repository. One mutex covers every
// operation, which gives the repository-level atomicity the service layer
// depends on: the keeper-uniqueness check happens under the same lock as
// the insert, and a witness append cannot race a duplicate or a state
// change. Records are append/update-only; ceremonies are never deleted.
type InMemory struct {
	mu             sync.RWMutex
	byID           map[domain.CeremonyID]*models.Ceremony
	activeByKeeper map[domain.KeeperID]domain.CeremonyID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:           make(map[domain.CeremonyID]*models.Ceremony),
		activeByKeeper: make(map[domain.KeeperID]domain.CeremonyID),
	}
}

// Create inserts a new ceremony iff the keeper has no active one.
// Concurrent calls for the same keeper resolve deterministically: exactly
// one succeeds, the rest observe ErrCeremonyConflict.
func (s *InMemory) Create(_ context.Context, c *models.Ceremony) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.activeByKeeper[c.KeeperID]; busy {
		return fmt.Errorf("keeper %s: %w", c.KeeperID, models.ErrCeremonyConflict)
	}
	if _, exists := s.byID[c.ID]; exists {
		return fmt.Errorf("ceremony %s: %w", c.ID, models.ErrCeremonyConflict)
	}
	s.byID[c.ID] = c.Clone()
	s.activeByKeeper[c.KeeperID] = c.ID
	return nil
}

// Get returns a snapshot of the ceremony.
func (s *InMemory) Get(_ context.Context, id domain.CeremonyID) (*models.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
	}
	return c.Clone(), nil
}

// GetActiveForKeeper returns the keeper's non-terminal ceremony, if any.
func (s *InMemory) GetActiveForKeeper(_ context.Context, keeperID domain.KeeperID) (*models.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.activeByKeeper[keeperID]
	if !ok {
		return nil, fmt.Errorf("active ceremony for keeper %s: %w", keeperID, models.ErrCeremonyNotFound)
	}
	return s.byID[id].Clone(), nil
}

// AddWitness appends a witness to a PENDING ceremony. The duplicate check
// and the append happen under one lock, so concurrent calls with the same
// witness id cannot both succeed.
func (s *InMemory) AddWitness(_ context.Context, id domain.CeremonyID, w models.Witness) (*models.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
	}
	if c.State != models.StatePending {
		return nil, models.NewInvalidStateError(c.State, models.StatePending)
	}
	if c.HasWitness(w.WitnessID) {
		return nil, fmt.Errorf("witness %s on ceremony %s: %w", w.WitnessID, id, models.ErrDuplicateWitness)
	}
	c.Witnesses = append(c.Witnesses, w)
	return c.Clone(), nil
}

// Transition is a compare-and-set state change: it succeeds only when the
// ceremony is still in the from state and the edge exists in the table.
// Racing callers (sweep vs execute) are resolved here; the loser gets the
// typed *InvalidStateError.
func (s *InMemory) Transition(ctx context.Context, id domain.CeremonyID, from, to models.State, reason string) (*models.Ceremony, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
	}
	if c.State != from {
		return nil, models.NewInvalidStateError(c.State, to)
	}
	if err := c.CanTransition(to); err != nil {
		return nil, err
	}
	c.ApplyTransition(to, reason, now)
	if to.IsTerminal() {
		s.releaseKeeper(c)
	}
	return c.Clone(), nil
}

// MarkCompleted finishes an EXECUTING ceremony with its new key.
func (s *InMemory) MarkCompleted(_ context.Context, id domain.CeremonyID, newKeyID domain.KeyID, transitionEndAt *time.Time, completedAt time.Time) (*models.Ceremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("ceremony %s: %w", id, models.ErrCeremonyNotFound)
	}
	if c.State != models.StateExecuting {
		return nil, models.NewInvalidStateError(c.State, models.StateCompleted)
	}
	c.ApplyCompletion(newKeyID, transitionEndAt, completedAt)
	s.releaseKeeper(c)
	return c.Clone(), nil
}

// ListActive returns all non-terminal ceremonies.
func (s *InMemory) ListActive(_ context.Context) ([]*models.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Ceremony
	for _, id := range s.activeByKeeper {
		out = append(out, s.byID[id].Clone())
	}
	return out, nil
}

// ListTimedOut returns PENDING and APPROVED ceremonies created before the
// threshold. Terminal ceremonies are excluded by construction, which is
// what makes repeated sweeps idempotent.
func (s *InMemory) ListTimedOut(_ context.Context, before time.Time) ([]*models.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Ceremony
	for _, id := range s.activeByKeeper {
		c := s.byID[id]
		if (c.State == models.StatePending || c.State == models.StateApproved) && c.CreatedAt.Before(before) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// ListStalledExecuting returns EXECUTING ceremonies created before the
// threshold. These are orphans of a crash between key generation and the
// completion write; the sweep fails them after the grace period.
func (s *InMemory) ListStalledExecuting(_ context.Context, before time.Time) ([]*models.Ceremony, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Ceremony
	for _, id := range s.activeByKeeper {
		c := s.byID[id]
		if c.State == models.StateExecuting && c.CreatedAt.Before(before) {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

// releaseKeeper drops the keeper's active index entry once the ceremony is
// terminal. Callers hold the write lock.
func (s *InMemory) releaseKeeper(c *models.Ceremony) {
	if id, ok := s.activeByKeeper[c.KeeperID]; ok && id == c.ID {
		delete(s.activeByKeeper, c.KeeperID)
	}
}
