package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
)

func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleBuyer
}

// Principal is the resolved identity of a caller. It is passed explicitly
// into every core operation.
type Principal struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
}

// SystemPrincipal marks events produced by the platform itself
var SystemPrincipal = Principal{ParticipantID: "system"}

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims carried by bearer tokens
type Claims struct {
	ParticipantID string `json:"participant_id"`
	Role          Role   `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue signs a token for p
func (t *TokenIssuer) Issue(p Principal) (string, error) {
	if p.ParticipantID == "" || !p.Role.Valid() {
		return "", fmt.Errorf("cannot issue token for participant %q with role %q", p.ParticipantID, p.Role)
	}
	now := time.Now()
	claims := Claims{
		ParticipantID: p.ParticipantID,
		Role:          p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ParticipantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse validates tokenString and returns its principal
func (t *TokenIssuer) Parse(tokenString string) (Principal, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{ParticipantID: claims.ParticipantID, Role: claims.Role}
	if p.ParticipantID == "" || !p.Role.Valid() {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}
