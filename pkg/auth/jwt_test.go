package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVisitorToken_RoundTrip(t *testing.T) {
	cfg := &JWTConfig{Secret: "secret", ExpireTime: time.Hour}

	token, err := GenerateVisitorToken("v1", "site-1", cfg)
	require.NoError(t, err)

	claims, err := ParseVisitorToken(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, "v1", claims.VisitorID)
	assert.Equal(t, "site-1", claims.SiteID)
}

func TestParseVisitorToken_Rejects(t *testing.T) {
	cfg := &JWTConfig{Secret: "secret", ExpireTime: time.Hour}
	token, err := GenerateVisitorToken("v1", "", cfg)
	require.NoError(t, err)

	t.Run("wrong secret", func(t *testing.T) {
		_, err := ParseVisitorToken(token, &JWTConfig{Secret: "other"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := GenerateVisitorToken("v1", "", &JWTConfig{Secret: "secret", ExpireTime: -time.Minute})
		require.NoError(t, err)
		_, err = ParseVisitorToken(expired, cfg)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseVisitorToken("not-a-token", cfg)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing visitor", func(t *testing.T) {
		_, err := GenerateVisitorToken("", "", cfg)
		assert.Error(t, err)
	})
}

func TestAdminToken(t *testing.T) {
	cfg := &JWTConfig{Secret: "admin-secret", ExpireTime: time.Hour}

	token, err := GenerateAdminToken("ops", cfg)
	require.NoError(t, err)

	claims, err := ParseAdminToken(token, cfg)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ops", claims.Subject)

	t.Run("visitor token is not admin", func(t *testing.T) {
		visitor, err := GenerateVisitorToken("v1", "", cfg)
		require.NoError(t, err)
		_, err = ParseAdminToken(visitor, cfg)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unconfigured secret rejects everything", func(t *testing.T) {
		_, err := ParseAdminToken(token, &JWTConfig{})
		assert.ErrorIs(t, err, ErrInvalidToken)

		_, err = GenerateAdminToken("ops", &JWTConfig{})
		assert.Error(t, err)
	})
}
