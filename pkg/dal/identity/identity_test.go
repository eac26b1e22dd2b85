package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return raw
}

func TestFromIDToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signed(t, jwt.MapClaims{"sub": "2vxsx-fae", "exp": exp.Unix()})

	id, err := FromIDToken(raw)
	require.NoError(t, err)
	assert.Equal(t, "2vxsx-fae", id.Principal())
	assert.Equal(t, "2vxsx-fae", id.String())
	assert.Equal(t, raw, id.Token())
	assert.True(t, exp.Equal(id.Expiry()))
	assert.False(t, id.Expired(time.Now()))
	assert.True(t, id.Expired(exp))
}

func TestFromIDTokenNoExpiry(t *testing.T) {
	id, err := FromIDToken(signed(t, jwt.MapClaims{"sub": "alice"}))
	require.NoError(t, err)
	assert.True(t, id.Expiry().IsZero())
	assert.False(t, id.Expired(time.Now().Add(100*365*24*time.Hour)))
}

func TestFromIDTokenErrors(t *testing.T) {
	_, err := FromIDToken(signed(t, jwt.MapClaims{"aud": "dal"}))
	assert.ErrorIs(t, err, ErrNoSubject)

	_, err = FromIDToken("not-a-token")
	assert.Error(t, err)
}

func TestNilIdentity(t *testing.T) {
	var id *Identity
	assert.Equal(t, "", id.String())
	assert.Equal(t, "", id.Token())
	assert.True(t, id.Expired(time.Now()))
	assert.True(t, id.Equal(nil))
	assert.False(t, id.Equal(New("alice", "t", time.Time{})))
}

func TestEqual(t *testing.T) {
	a := New("alice", "t1", time.Time{})
	assert.True(t, a.Equal(New("alice", "t1", time.Now())))
	assert.False(t, a.Equal(New("alice", "t2", time.Time{})))
	assert.False(t, a.Equal(New("bob", "t1", time.Time{})))
}
