package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tickstream/pkg/interfaces"
)

var (
	ErrMissingToken = fmt.Errorf("%w: token required", interfaces.ErrUnauthorized)
	ErrEmptySecret  = errors.New("signing secret cannot be empty")
)

// Claims carried by a tickstream token
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator checks HMAC-signed tokens presented at handshake
type JWTValidator struct {
	secret   []byte
	required bool
	leeway   time.Duration
}

var _ interfaces.TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator. When required is false an absent
// token is accepted anonymously; a present but invalid token is always rejected.
func NewJWTValidator(secret string, required bool) (*JWTValidator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTValidator{
		secret:   []byte(secret),
		required: required,
		leeway:   30 * time.Second,
	}, nil
}

// Validate returns the token subject, or the empty subject for an anonymous client
func (v *JWTValidator) Validate(token string) (string, error) {
	if token == "" {
		if v.required {
			return "", ErrMissingToken
		}
		return "", nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.leeway))
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("%w: invalid claims", interfaces.ErrUnauthorized)
	}
	if claims.UserID != "" {
		return claims.UserID, nil
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl
func (v *JWTValidator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "tickstream",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// AllowAll accepts every client anonymously
type AllowAll struct{}

func (AllowAll) Validate(string) (string, error) { return "", nil }
