package keychain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"vpngate/internal/models"
)

func TestMasterSecretIsCreatedOnce(t *testing.T) {
	keyring.MockInit()
	k := New("")

	first, err := k.MasterSecret()
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := k.MasterSecret()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCredentialsRoundTrip(t *testing.T) {
	keyring.MockInit()
	k := New("test-service")

	none, err := k.Credentials()
	require.NoError(t, err)
	assert.Nil(t, none)

	creds := models.Credentials{
		Username:       "alice",
		AccountPlan:    "plus",
		MaxTier:        models.TierPlus,
		MaxConnect:     10,
		ExpirationTime: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, k.StoreCredentials(creds))

	got, err := k.Credentials()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, creds.Username, got.Username)
	assert.Equal(t, creds.MaxTier, got.MaxTier)
	assert.True(t, creds.ExpirationTime.Equal(got.ExpirationTime))
}

func TestClearKeepsMasterSecret(t *testing.T) {
	keyring.MockInit()
	k := New("test-service")

	secret, err := k.MasterSecret()
	require.NoError(t, err)
	require.NoError(t, k.StoreAuth(models.AuthCredentials{Username: "alice", UID: "uid", AccessToken: "token"}))
	require.NoError(t, k.StoreCredentials(models.Credentials{Username: "alice"}))

	require.NoError(t, k.Clear())
	require.NoError(t, k.Clear())

	auth, err := k.Auth()
	require.NoError(t, err)
	assert.Nil(t, auth)
	creds, err := k.Credentials()
	require.NoError(t, err)
	assert.Nil(t, creds)

	again, err := k.MasterSecret()
	require.NoError(t, err)
	assert.Equal(t, secret, again)
}
