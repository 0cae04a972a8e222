package softhsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keysmodels "conclave/internal/keys/models"
	"conclave/pkg/platform/sentinel"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, alg := range []keysmodels.KeyAlgorithm{keysmodels.AlgorithmEd25519, keysmodels.AlgorithmDilithium3} {
		t.Run(string(alg), func(t *testing.T) {
			hsm, err := New(alg)
			require.NoError(t, err)

			keyID, err := hsm.GenerateKeyPair(ctx)
			require.NoError(t, err)
			require.False(t, keyID.IsNil())

			pub, err := hsm.GetPublicKeyBytes(ctx, keyID)
			require.NoError(t, err)
			assert.NotEmpty(t, pub)

			content := []byte("witness attestation content")
			sig, err := hsm.SignWithKey(ctx, content, keyID)
			require.NoError(t, err)

			ok, err := hsm.VerifyWithKey(ctx, content, sig, keyID)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = hsm.VerifyWithKey(ctx, []byte("tampered content"), sig, keyID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	ctx := context.Background()
	hsm, err := New(keysmodels.AlgorithmEd25519)
	require.NoError(t, err)

	k1, err := hsm.GenerateKeyPair(ctx)
	require.NoError(t, err)
	k2, err := hsm.GenerateKeyPair(ctx)
	require.NoError(t, err)

	content := []byte("content")
	sig, err := hsm.SignWithKey(ctx, content, k1)
	require.NoError(t, err)

	ok, err := hsm.VerifyWithKey(ctx, content, sig, k2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownKey(t *testing.T) {
	ctx := context.Background()
	hsm, err := New(keysmodels.AlgorithmEd25519)
	require.NoError(t, err)

	_, err = hsm.GetPublicKeyBytes(ctx, "hsm-missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	_, err = hsm.SignWithKey(ctx, []byte("x"), "hsm-missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	_, err = hsm.VerifyWithKey(ctx, []byte("x"), []byte("y"), "hsm-missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMode(t *testing.T) {
	hsm, err := New(keysmodels.AlgorithmEd25519)
	require.NoError(t, err)
	assert.Equal(t, "software-ed25519", hsm.Mode())

	pq, err := New(keysmodels.AlgorithmDilithium3)
	require.NoError(t, err)
	assert.Equal(t, "software-dilithium3", pq.Mode())
}

func TestMalformedSignatureLength(t *testing.T) {
	ctx := context.Background()
	hsm, err := New(keysmodels.AlgorithmEd25519)
	require.NoError(t, err)
	keyID, err := hsm.GenerateKeyPair(ctx)
	require.NoError(t, err)

	ok, err := hsm.VerifyWithKey(ctx, []byte("content"), []byte("short"), keyID)
	require.NoError(t, err)
	assert.False(t, ok)
}
