package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT payload issued by the school API.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenClaims decodes a bearer token's payload without verifying the
// signature. The client has no signing key; the server remains the
// authority. Decoding locally lets callers detect an expired token and
// recover the subject id before burning a round trip.
func TokenClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}
	var claims tokenClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return Claims{}, err
	}
	out := Claims{Subject: claims.RegisteredClaims.Subject, Role: claims.Role}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
