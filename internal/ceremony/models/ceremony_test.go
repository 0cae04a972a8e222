package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conclave/pkg/domain"
	dErrors "conclave/pkg/domain-errors"
)

func TestNewCeremony(t *testing.T) {
	now := time.Now()

	t.Run("new keeper key starts pending with no witnesses", func(t *testing.T) {
		c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
		require.NoError(t, err)
		assert.Equal(t, StatePending, c.State)
		assert.Empty(t, c.Witnesses)
		assert.True(t, c.IsActive())
		assert.Nil(t, c.TransitionEndAt)
	})

	t.Run("rotation requires old key id", func(t *testing.T) {
		_, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeKeyRotation, "KEEPER:admin", "", now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("new keeper key rejects old key id", func(t *testing.T) {
		_, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "k1", now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("rejects empty keeper id", func(t *testing.T) {
		_, err := NewCeremony(domain.NewCeremonyID(), "", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
		require.Error(t, err)
	})

	t.Run("rejects unknown ceremony type", func(t *testing.T) {
		_, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyType("SOMETHING"), "KEEPER:admin", "", now)
		require.Error(t, err)
	})
}

func TestCeremonyCanTransition(t *testing.T) {
	now := time.Now()
	c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
	require.NoError(t, err)

	t.Run("illegal edge returns typed error naming both states", func(t *testing.T) {
		err := c.CanTransition(StateExecuting)
		require.Error(t, err)
		var stateErr *InvalidStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, StatePending, stateErr.Current)
		assert.Equal(t, StateExecuting, stateErr.Attempted)
		assert.Contains(t, stateErr.Error(), "PENDING")
		assert.Contains(t, stateErr.Error(), "EXECUTING")
	})

	t.Run("legal edge passes", func(t *testing.T) {
		require.NoError(t, c.CanTransition(StateApproved))
	})
}

func TestCeremonyApplyTransition(t *testing.T) {
	now := time.Now()

	t.Run("failed sets reason and completion time", func(t *testing.T) {
		c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
		require.NoError(t, err)
		c.ApplyTransition(StateFailed, "hsm unreachable", now)
		assert.Equal(t, StateFailed, c.State)
		assert.Equal(t, "hsm unreachable", c.FailureReason)
		require.NotNil(t, c.CompletedAt)
		assert.False(t, c.IsActive())
	})

	t.Run("approved keeps completion empty", func(t *testing.T) {
		c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
		require.NoError(t, err)
		c.ApplyTransition(StateApproved, "", now)
		assert.Equal(t, StateApproved, c.State)
		assert.Nil(t, c.CompletedAt)
	})
}

func TestCeremonyApplyCompletion(t *testing.T) {
	now := time.Now()
	c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeKeyRotation, "KEEPER:admin", "k-old", now)
	require.NoError(t, err)
	c.State = StateExecuting

	end := now.Add(RotationTransitionWindow)
	c.ApplyCompletion("k-new", &end, now)

	assert.Equal(t, StateCompleted, c.State)
	assert.Equal(t, domain.KeyID("k-new"), c.NewKeyID)
	require.NotNil(t, c.TransitionEndAt)
	assert.Equal(t, now.Add(30*24*time.Hour), *c.TransitionEndAt)
	require.NotNil(t, c.CompletedAt)
	assert.Equal(t, now, *c.CompletedAt)
}

func TestCeremonyWitnessHelpers(t *testing.T) {
	now := time.Now()
	c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
	require.NoError(t, err)

	w, err := NewWitness("KEEPER:bob", []byte("sig"), WitnessTypeKeeper, true, now)
	require.NoError(t, err)
	c.Witnesses = append(c.Witnesses, w)

	assert.True(t, c.HasWitness("KEEPER:bob"))
	assert.False(t, c.HasWitness("KEEPER:carol"))
	assert.False(t, c.HasQuorum())

	for _, id := range []domain.WitnessID{"KEEPER:carol", "KEEPER:dave"} {
		w, err := NewWitness(id, []byte("sig"), WitnessTypeKeeper, true, now)
		require.NoError(t, err)
		c.Witnesses = append(c.Witnesses, w)
	}
	assert.True(t, c.HasQuorum())
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	c, err := NewCeremony(domain.NewCeremonyID(), "KEEPER:alice", CeremonyTypeNewKeeperKey, "KEEPER:admin", "", now)
	require.NoError(t, err)
	w, err := NewWitness("KEEPER:bob", []byte("sig"), WitnessTypeKeeper, true, now)
	require.NoError(t, err)
	c.Witnesses = append(c.Witnesses, w)

	cp := c.Clone()
	cp.Witnesses[0].WitnessID = "KEEPER:mallory"
	cp.State = StateFailed

	assert.Equal(t, domain.WitnessID("KEEPER:bob"), c.Witnesses[0].WitnessID)
	assert.Equal(t, StatePending, c.State)
}

func TestParseWitnessType(t *testing.T) {
	for _, valid := range []string{"KEEPER", "SYSTEM", "EXTERNAL"} {
		_, err := ParseWitnessType(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseWitnessType("keeper")
	assert.Error(t, err)
	_, err = ParseWitnessType("")
	assert.Error(t, err)
}

func TestParseCeremonyType(t *testing.T) {
	for _, valid := range []string{"NEW_KEEPER_KEY", "KEY_ROTATION"} {
		_, err := ParseCeremonyType(valid)
		assert.NoError(t, err, valid)
	}
	_, err := ParseCeremonyType("ROTATE")
	assert.Error(t, err)
}
