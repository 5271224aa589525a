package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestGenerateAndValidateToken(t *testing.T) {
	exp := now.Add(5 * time.Minute)
	tok, err := GenerateClientToken("secret123", "u1", exp)
	require.NoError(t, err)

	uid, gotExp, err := ValidateClientToken("secret123", tok, "u1", now, 60)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
	assert.True(t, exp.Equal(gotExp))

	// Any user is accepted when none is expected.
	uid, _, err = ValidateClientToken("secret123", tok, "", now, 60)
	require.NoError(t, err)
	assert.Equal(t, "u1", uid)
}

func TestValidateClientToken_Errors(t *testing.T) {
	good, err := GenerateClientToken("secret123", "u1", now.Add(time.Minute))
	require.NoError(t, err)
	expired, err := GenerateClientToken("secret123", "u1", now.Add(-2*time.Minute))
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{jwt.RegisteredClaims{
		Issuer: issuer, Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{jwt.RegisteredClaims{
		Issuer: issuer, Subject: "u1",
	}}).SignedString([]byte("secret123"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		secret string
		token  string
		user   string
		want   error
	}{
		{name: "wrong secret", secret: "other", token: good, user: "u1", want: ErrTokenSig},
		{name: "wrong user", secret: "secret123", token: good, user: "u2", want: ErrTokenUser},
		{name: "expired", secret: "secret123", token: expired, user: "u1", want: ErrTokenExp},
		{name: "garbage", secret: "secret123", token: "not-a-token", user: "u1", want: ErrTokenFormat},
		{name: "unsigned", secret: "secret123", token: none, user: "u1", want: ErrTokenSig},
		{name: "no expiry", secret: "secret123", token: noExp, user: "u1", want: ErrTokenFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ValidateClientToken(tt.secret, tt.token, tt.user, now, 60)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidateClientToken_Skew(t *testing.T) {
	tok, err := GenerateClientToken("s", "u1", now.Add(-30*time.Second))
	require.NoError(t, err)

	_, _, err = ValidateClientToken("s", tok, "u1", now, 60)
	assert.NoError(t, err)
	_, _, err = ValidateClientToken("s", tok, "u1", now, 10)
	assert.ErrorIs(t, err, ErrTokenExp)
}

func TestGenerateClientToken_EmptyUser(t *testing.T) {
	_, err := GenerateClientToken("s", "", now)
	assert.ErrorIs(t, err, ErrTokenFormat)
}
