package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conclave/internal/keys/models"
	"conclave/pkg/domain"
	"conclave/pkg/platform/sentinel"
	"conclave/pkg/requestcontext"
)

// InMemory is the reference key registry. A single mutex covers every
// operation; the registry is small and registry calls sit off the hot path.
type InMemory struct {
	mu       sync.RWMutex
	byID     map[domain.KeyID]*models.Key
	byKeeper map[domain.KeeperID][]domain.KeyID
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[domain.KeyID]*models.Key),
		byKeeper: make(map[domain.KeeperID][]domain.KeyID),
	}
}

// RegisterKey stores a new key record. Registering an existing key id is a
// conflict; key records are never replaced in place.
func (s *InMemory) RegisterKey(_ context.Context, key *models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[key.KeyID]; exists {
		return fmt.Errorf("key %s: %w", key.KeyID, sentinel.ErrConflict)
	}
	s.byID[key.KeyID] = key.Clone()
	s.byKeeper[key.KeeperID] = append(s.byKeeper[key.KeeperID], key.KeyID)
	return nil
}

// GetActiveKeyForKeeper returns the keeper's newest key active at the
// request time. During a rotation window both keys verify, but the newest
// one is the keeper's current signing identity.
func (s *InMemory) GetActiveKeyForKeeper(ctx context.Context, keeperID domain.KeeperID) (*models.Key, error) {
	now := requestcontext.Now(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()

	var newest *models.Key
	for _, keyID := range s.byKeeper[keeperID] {
		k := s.byID[keyID]
		if !k.IsActiveAt(now) {
			continue
		}
		if newest == nil || k.ActiveFrom.After(newest.ActiveFrom) {
			newest = k
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("active key for keeper %s: %w", keeperID, sentinel.ErrNotFound)
	}
	return newest.Clone(), nil
}

// DeactivateKey schedules the key to stop verifying at the given time.
// This is the graceful-rotation path: not an immediate cutover.
func (s *InMemory) DeactivateKey(_ context.Context, keyID domain.KeyID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[keyID]
	if !ok {
		return fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	t := at
	k.ActiveUntil = &t
	return nil
}

// EmergencyRevokeKey deactivates the key immediately, bypassing any
// transition window, and records who revoked it and why.
func (s *InMemory) EmergencyRevokeKey(ctx context.Context, keyID domain.KeyID, reason string, revokedBy domain.KeeperID) (time.Time, error) {
	now := requestcontext.Now(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[keyID]
	if !ok {
		return time.Time{}, fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	revokedAt := now
	k.RevokedAt = &revokedAt
	k.RevokedBy = revokedBy
	k.RevocationReason = reason
	k.ActiveUntil = &revokedAt
	return revokedAt, nil
}

// GetKey returns a key record by id, active or not.
func (s *InMemory) GetKey(_ context.Context, keyID domain.KeyID) (*models.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[keyID]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", keyID, sentinel.ErrNotFound)
	}
	return k.Clone(), nil
}
