package crypto

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	m, err := NewJWTManager([]byte("secret"))
	require.NoError(t, err)

	token, err := m.GenerateToken("lumiverse-client", time.Hour)
	require.NoError(t, err)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	require.Equal(t, "lumiverse-client", claims.Subject)
	require.NotNil(t, claims.ExpiresAt)
}

func TestJWTRejectsForeignAndExpiredTokens(t *testing.T) {
	m, err := NewJWTManager([]byte("secret"))
	require.NoError(t, err)
	other, err := NewJWTManager([]byte("other"))
	require.NoError(t, err)

	token, err := other.GenerateToken("client", 0)
	require.NoError(t, err)
	_, err = m.VerifyToken(token)
	require.Error(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "client",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = m.VerifyToken(signed)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = m.VerifyToken("not-a-token")
	require.Error(t, err)
}

func TestJWTValidation(t *testing.T) {
	_, err := NewJWTManager(nil)
	require.Error(t, err)

	m, err := NewJWTManager([]byte("secret"))
	require.NoError(t, err)
	_, err = m.GenerateToken("", 0)
	require.Error(t, err)
}

func TestNewSecret(t *testing.T) {
	a, err := NewSecret(32)
	require.NoError(t, err)
	b, err := NewSecret(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 43)

	_, err = NewSecret(0)
	require.Error(t, err)
}
