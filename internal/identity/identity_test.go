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
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-secret"))
	require.NoError(t, err)
	return token
}

func TestResolve(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signed(t, jwt.MapClaims{"sub": "u1", "email": "ana@example.com", "exp": exp.Unix()})

	c := NewCache()
	claims, err := c.Resolve(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.True(t, exp.Equal(claims.ExpiresAt))
}

func TestResolve_Invalid(t *testing.T) {
	c := NewCache()
	for _, token := range []string{"", "opaque-token", "a.b.c"} {
		_, err := c.Resolve(token)
		assert.Error(t, err, token)
	}
}

func TestReset(t *testing.T) {
	c := NewCache()
	first := signed(t, jwt.MapClaims{"sub": "u1"})
	_, err := c.Resolve(first)
	require.NoError(t, err)
	assert.Equal(t, first, c.token)

	c.Reset()
	assert.Empty(t, c.token)

	claims, err := c.Resolve(signed(t, jwt.MapClaims{"sub": "u2"}))
	require.NoError(t, err)
	assert.Equal(t, "u2", claims.Subject)
}
