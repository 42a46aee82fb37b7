package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstream/pkg/interfaces"
)

func TestNewJWTValidator_EmptySecret(t *testing.T) {
	_, err := NewJWTValidator("", true)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestJWTValidator_RoundTrip(t *testing.T) {
	v, err := NewJWTValidator("s3cret", true)
	require.NoError(t, err)

	token, err := v.Issue("user-42", time.Hour)
	require.NoError(t, err)

	subject, err := v.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestJWTValidator_Rejections(t *testing.T) {
	v, err := NewJWTValidator("s3cret", true)
	require.NoError(t, err)
	other, err := NewJWTValidator("other", true)
	require.NoError(t, err)

	wrongKey, err := other.Issue("user-42", time.Hour)
	require.NoError(t, err)
	expired, err := v.Issue("user-42", -time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	testCases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"alg none", none},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Validate(tc.token)
			assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
		})
	}
}

func TestJWTValidator_OptionalToken(t *testing.T) {
	v, err := NewJWTValidator("s3cret", false)
	require.NoError(t, err)

	subject, err := v.Validate("")
	require.NoError(t, err)
	assert.Empty(t, subject)

	_, err = v.Validate("not-a-token")
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized, "a bad token is rejected even when optional")
}

func TestAllowAll(t *testing.T) {
	subject, err := AllowAll{}.Validate("anything")
	assert.NoError(t, err)
	assert.Empty(t, subject)
}
