package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSaveGet(t *testing.T) {
	ts := New()
	require.NoError(t, ts.Create("mac", "ABCDEF", 300))

	et, ok, err := ts.Get("mac")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ABCDEF", et.RequestCode)
	assert.Empty(t, et.Token)

	require.NoError(t, ts.Save("mac", "XXXXX"))
	et, _, _ = ts.Get("mac")
	assert.Equal(t, "XXXXX", et.Token)

	assert.Error(t, ts.Save("unknown", "XXXXX"))

	require.NoError(t, ts.Delete("mac"))
	_, ok, _ = ts.Get("mac")
	assert.False(t, ok)
}

func TestPrune(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := New()
	ts.now = func() time.Time { return now }

	require.NoError(t, ts.Create("old", "a", 10))
	require.NoError(t, ts.Create("new", "b", 600))
	require.NoError(t, ts.Revoke("tok", now.Unix()+60))

	now = now.Add(time.Minute)
	ts.Prune()

	_, ok, _ := ts.Get("old")
	assert.False(t, ok, "expired pending login should be pruned")
	_, ok, _ = ts.Get("new")
	assert.True(t, ok)

	ts.mutex.RLock()
	assert.Empty(t, ts.revoked, "lapsed revocation should be pruned")
	ts.mutex.RUnlock()
}

func TestRevoke(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := New()
	ts.now = func() time.Time { return now }

	assert.False(t, ts.Revoked("tok"))

	require.NoError(t, ts.Revoke("tok", now.Unix()+60))
	assert.True(t, ts.Revoked("tok"))
	assert.False(t, ts.Revoked("other"))

	now = now.Add(2 * time.Minute)
	assert.False(t, ts.Revoked("tok"))

	require.NoError(t, ts.Revoke("forever-ish", 0))
	assert.True(t, ts.Revoked("forever-ish"))
}
