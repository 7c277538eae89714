package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, sub, role string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "role": role, "exp": exp.Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "token", "abc"))
	val, err := s.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "abc", val)

	require.NoError(t, s.Remove(ctx, "token"))
	_, err = s.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSaveClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := Load(ctx, store)
	assert.ErrorIs(t, err, ErrNoSession)

	want := Session{
		Token: "tok",
		User:  Identity{ID: "u1", Name: "Asha", Role: RoleStaff},
	}
	require.NoError(t, Save(ctx, store, want))

	got, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, Clear(ctx, store))
	_, err = Load(ctx, store)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestIdentityUnmarshalNormalizesIDKeys(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Identity
	}{
		{
			name: "mongo underscore key",
			json: `{"_id":"u1","name":"Asha","role":"Staff"}`,
			want: Identity{ID: "u1", Name: "Asha", Role: RoleStaff},
		},
		{
			name: "plain id key",
			json: `{"id":"u2","name":"Ben","role":"Student"}`,
			want: Identity{ID: "u2", Name: "Ben", Role: RoleStudent},
		},
		{
			name: "plain id wins when both present",
			json: `{"id":"u3","_id":"legacy","name":"Cy","role":"Admin"}`,
			want: Identity{ID: "u3", Name: "Cy", Role: RoleAdmin},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Identity
			require.NoError(t, json.Unmarshal([]byte(tt.json), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTokenClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token := signToken(t, "u1", RoleStaff, exp)

	claims, err := TokenClaims(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, RoleStaff, claims.Role)
	assert.True(t, claims.ExpiresAt.Equal(exp))

	_, err = TokenClaims("")
	assert.Error(t, err)
	_, err = TokenClaims("not-a-jwt")
	assert.Error(t, err)
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	live := Session{Token: signToken(t, "u1", RoleStaff, now.Add(time.Hour))}
	stale := Session{Token: signToken(t, "u1", RoleStaff, now.Add(-time.Hour))}
	garbage := Session{Token: "xxx"}

	assert.False(t, live.Expired(now))
	assert.True(t, stale.Expired(now))
	assert.True(t, garbage.Expired(now))
}
