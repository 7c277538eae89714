package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Roles recognized by the school API.
const (
	RoleAdmin   = "Admin"
	RoleStaff   = "Staff"
	RoleStudent = "Student"
)

// ErrNoSession is returned by Load when no login has been persisted.
var ErrNoSession = errors.New("no session")

// Identity is the normalized user identity. The API is inconsistent about
// id key naming ("_id" vs "id" depending on endpoint); both decode into the
// single ID field here and nothing downstream sees the raw keys.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// UnmarshalJSON accepts either "_id" or "id" as the identifier key.
func (i *Identity) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string `json:"id"`
		MongoID string `json:"_id"`
		Name    string `json:"name"`
		Role    string `json:"role"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.ID = raw.ID
	if i.ID == "" {
		i.ID = raw.MongoID
	}
	i.Name = raw.Name
	i.Role = raw.Role
	return nil
}

// Session holds the bearer token and the logged-in user. It is created by
// the login flow, read-only to everything else, and passed to engines by
// injection rather than re-read from storage per operation.
type Session struct {
	Token string
	User  Identity
}

// Expired reports whether the token's exp claim has passed. Tokens whose
// claims cannot be decoded are treated as expired.
func (s Session) Expired(now time.Time) bool {
	claims, err := TokenClaims(s.Token)
	if err != nil {
		return true
	}
	return !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(now)
}

const (
	keyToken = "token"
	keyUser  = "user"
)

// Load reads the persisted token and user from the store.
func Load(ctx context.Context, store Store) (Session, error) {
	token, err := store.Get(ctx, keyToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	rawUser, err := store.Get(ctx, keyUser)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, ErrNoSession
		}
		return Session{}, err
	}
	var user Identity
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return Session{}, fmt.Errorf("decode stored user: %w", err)
	}
	return Session{Token: token, User: user}, nil
}

// Save persists a session. Used by the login flow.
func Save(ctx context.Context, store Store, sess Session) error {
	rawUser, err := json.Marshal(sess.User)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, keyToken, sess.Token); err != nil {
		return err
	}
	return store.Set(ctx, keyUser, string(rawUser))
}

// Clear removes a persisted session. Used by the logout flow.
func Clear(ctx context.Context, store Store) error {
	if err := store.Remove(ctx, keyToken); err != nil {
		return err
	}
	return store.Remove(ctx, keyUser)
}
