package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

const secret = "test-secret"

func sign(t *testing.T, key string, c jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(key))
	require.NoError(t, err)
	return tok
}

func TestJWTVerifier(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := NewJWTVerifier(secret, "boardsync", "")
	v.now = func() time.Time { return now }

	valid := jwt.MapClaims{"sub": "u1", "name": "alex", "iss": "boardsync", "exp": now.Add(time.Hour).Unix()}

	tests := []struct {
		name    string
		token   string
		want    Identity
		wantErr bool
	}{
		{name: "empty token is anonymous", token: "", want: Anonymous},
		{name: "valid", token: sign(t, secret, valid), want: Identity{UserID: "u1", Username: "alex", Authenticated: true}},
		{name: "wrong secret", token: sign(t, "other", valid), wantErr: true},
		{name: "expired", token: sign(t, secret, jwt.MapClaims{"sub": "u1", "iss": "boardsync", "exp": now.Add(-time.Minute).Unix()}), wantErr: true},
		{name: "no expiry", token: sign(t, secret, jwt.MapClaims{"sub": "u1", "iss": "boardsync"}), wantErr: true},
		{name: "wrong issuer", token: sign(t, secret, jwt.MapClaims{"sub": "u1", "iss": "elsewhere", "exp": now.Add(time.Hour).Unix()}), wantErr: true},
		{name: "missing subject", token: sign(t, secret, jwt.MapClaims{"iss": "boardsync", "exp": now.Add(time.Hour).Unix()}), wantErr: true},
		{name: "garbage", token: "not-a-token", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(context.Background(), tt.token)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated))
				assert.False(t, got.Authenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJWTVerifierWithoutSecretRejectsTokens(t *testing.T) {
	v := NewJWTVerifier("", "", "")
	_, err := v.Verify(context.Background(), "abc")
	assert.True(t, apperr.IsCode(err, apperr.CodeUnauthenticated))

	id, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, id.Authenticated)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken(""))
}
