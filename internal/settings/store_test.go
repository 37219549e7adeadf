package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "casahub.db"), "../../migrations", testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreFlagRoundTrip(t *testing.T) {
	store := openTestStore(t)

	flags, err := store.Flags()
	require.NoError(t, err)
	assert.Empty(t, flags)

	require.NoError(t, store.SaveFlag("doorbell", true))
	require.NoError(t, store.SaveFlag("weather", false))
	// Upsert overwrites.
	require.NoError(t, store.SaveFlag("doorbell", false))

	flags, err = store.Flags()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"doorbell": false, "weather": false}, flags)
}

func TestStoreCredentialsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, _, ok, err := store.Credentials()
	require.NoError(t, err)
	assert.False(t, ok, "fresh store has no cached credentials")

	require.NoError(t, store.SaveCredentials("http://ha.local:8123", "token-one"))
	require.NoError(t, store.SaveCredentials("http://ha.local:8123", "token-two"))

	url, token, ok, err := store.Credentials()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://ha.local:8123", url)
	assert.Equal(t, "token-two", token, "later save replaces the single cached pair")
}

func TestReconcilerSeedsFromStore(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.SaveFlag("doorbell", true))

	r, err := NewReconciler("papa", store, nil, testLogger())
	require.NoError(t, err)
	assert.True(t, r.Get(FlagDoorbell))
	assert.False(t, r.Get(FlagWeather))
}
