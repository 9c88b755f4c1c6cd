package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("plumbing-pro-2024")
	require.NoError(t, err)
	assert.NotEqual(t, "plumbing-pro-2024", hash)

	assert.NoError(t, CheckPassword(hash, "plumbing-pro-2024"))
	assert.Error(t, CheckPassword(hash, "plumbing-pro-2025"))
}

func TestTokenClaims(t *testing.T) {
	m := NewJWTManager("test-secret", 5*time.Minute)

	token, exp, err := m.GenerateToken("665f1c2e9b1d4a0001a1b2c3", "  Worker.One@Example.COM ")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), exp, 2*time.Second)

	claims, err := m.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "665f1c2e9b1d4a0001a1b2c3", claims.UserID)
	assert.Equal(t, "665f1c2e9b1d4a0001a1b2c3", claims.Subject)
	assert.Equal(t, "worker.one@example.com", claims.Email)
}

func TestVerifyRejects(t *testing.T) {
	keys := map[string]string{"k1": "secret-one", "k2": "secret-two"}
	current := NewJWTManagerFromKeys(keys, "k2", 5*time.Minute)

	sign := func(kid string, ttl time.Duration, uid string) string {
		t.Helper()
		tok, _, err := NewJWTManagerFromKeys(keys, kid, ttl).GenerateToken(uid, "x@example.com")
		require.NoError(t, err)
		return tok
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "u1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		manager *JWTManager
		token   string
		ok      bool
	}{
		{"active key", current, sign("k2", time.Minute, "u1"), true},
		{"previous key still listed", current, sign("k1", time.Minute, "u1"), true},
		{"retired key", NewJWTManagerFromKeys(map[string]string{"k2": "secret-two"}, "k2", time.Minute), sign("k1", time.Minute, "u1"), false},
		{"expired", current, sign("k2", -time.Minute, "u1"), false},
		{"no user id", current, sign("k2", time.Minute, ""), false},
		{"alg none", current, unsigned, false},
		{"garbage", current, "not.a.token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.manager.VerifyToken(tt.token)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestGenerateWithoutActiveKey(t *testing.T) {
	m := NewJWTManagerFromKeys(map[string]string{"k1": "secret"}, "missing", time.Minute)
	_, _, err := m.GenerateToken("u1", "x@example.com")
	assert.Error(t, err)
}
