package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"conclave/internal/keys/models"
	"conclave/pkg/domain"
	"conclave/pkg/platform/sentinel"
	"conclave/pkg/requestcontext"
)

type KeyStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	now   time.Time
}

func (s *KeyStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.now = time.Now().Truncate(time.Second)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func TestKeyStoreSuite(t *testing.T) {
	suite.Run(t, new(KeyStoreSuite))
}

func (s *KeyStoreSuite) newKey(keyID, keeperID string, activeFrom time.Time) *models.Key {
	key, err := models.NewKey(
		domain.KeyID("hsm-"+keyID),
		domain.KeeperID("KEEPER:"+keeperID),
		[]byte("public-key-material-"+keyID),
		models.AlgorithmEd25519,
		activeFrom,
	)
	s.Require().NoError(err)
	return key
}

func (s *KeyStoreSuite) TestRegisterAndLookup() {
	key := s.newKey("k1", "alice", s.now.Add(-time.Hour))
	s.Require().NoError(s.store.RegisterKey(s.ctx, key))

	found, err := s.store.GetActiveKeyForKeeper(s.ctx, "KEEPER:alice")
	s.Require().NoError(err)
	s.Equal(key.KeyID, found.KeyID)
	s.Nil(found.ActiveUntil)
}

func (s *KeyStoreSuite) TestRegisterDuplicateKeyID() {
	key := s.newKey("k1", "alice", s.now)
	s.Require().NoError(s.store.RegisterKey(s.ctx, key))
	err := s.store.RegisterKey(s.ctx, s.newKey("k1", "alice", s.now))
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *KeyStoreSuite) TestNoActiveKey() {
	_, err := s.store.GetActiveKeyForKeeper(s.ctx, "KEEPER:nobody")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *KeyStoreSuite) TestNewestActiveKeyWins() {
	old := s.newKey("old", "alice", s.now.Add(-48*time.Hour))
	recent := s.newKey("new", "alice", s.now.Add(-time.Hour))
	s.Require().NoError(s.store.RegisterKey(s.ctx, old))
	s.Require().NoError(s.store.RegisterKey(s.ctx, recent))

	found, err := s.store.GetActiveKeyForKeeper(s.ctx, "KEEPER:alice")
	s.Require().NoError(err)
	s.Equal(recent.KeyID, found.KeyID)
}

func (s *KeyStoreSuite) TestScheduledDeactivationKeepsKeyVerifiable() {
	key := s.newKey("k1", "alice", s.now.Add(-time.Hour))
	s.Require().NoError(s.store.RegisterKey(s.ctx, key))

	// Deactivation 30 days out: the key still resolves now.
	s.Require().NoError(s.store.DeactivateKey(s.ctx, key.KeyID, s.now.Add(30*24*time.Hour)))
	found, err := s.store.GetActiveKeyForKeeper(s.ctx, "KEEPER:alice")
	s.Require().NoError(err)
	s.Equal(key.KeyID, found.KeyID)

	// After the window it no longer resolves.
	after := requestcontext.WithTime(context.Background(), s.now.Add(31*24*time.Hour))
	_, err = s.store.GetActiveKeyForKeeper(after, "KEEPER:alice")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *KeyStoreSuite) TestEmergencyRevokeIsImmediate() {
	key := s.newKey("k1", "alice", s.now.Add(-time.Hour))
	s.Require().NoError(s.store.RegisterKey(s.ctx, key))

	revokedAt, err := s.store.EmergencyRevokeKey(s.ctx, key.KeyID, "compromised", "KEEPER:admin")
	s.Require().NoError(err)
	s.Equal(s.now, revokedAt)

	// No grace period: immediately unresolvable.
	later := requestcontext.WithTime(context.Background(), s.now.Add(time.Second))
	_, err = s.store.GetActiveKeyForKeeper(later, "KEEPER:alice")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	stored, err := s.store.GetKey(s.ctx, key.KeyID)
	s.Require().NoError(err)
	s.Equal("compromised", stored.RevocationReason)
	s.EqualValues("KEEPER:admin", stored.RevokedBy)
	s.NotNil(stored.RevokedAt)
}

func (s *KeyStoreSuite) TestDeactivateUnknownKey() {
	err := s.store.DeactivateKey(s.ctx, "hsm-missing", s.now)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.EmergencyRevokeKey(s.ctx, "hsm-missing", "reason", "KEEPER:admin")
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
