package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Sub  string
	Name string
	Role string
	JTI  string
	Exp  int64
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

type tokenClaims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	gojwt.RegisteredClaims
}

func IssueToken(secret []byte, claims Claims) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, tokenClaims{
		Name: claims.Name,
		Role: claims.Role,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   claims.Sub,
			ID:        claims.JTI,
			ExpiresAt: gojwt.NewNumericDate(time.Unix(claims.Exp, 0)),
			IssuedAt:  gojwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var parsed tokenClaims
	_, err := gojwt.ParseWithClaims(token, &parsed, func(*gojwt.Token) (any, error) {
		return secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}), gojwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, gojwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, ErrInvalidToken
	}
	if parsed.Subject == "" || parsed.Name == "" || parsed.ID == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{
		Sub:  parsed.Subject,
		Name: parsed.Name,
		Role: parsed.Role,
		JTI:  parsed.ID,
		Exp:  parsed.ExpiresAt.Unix(),
	}, nil
}

// ExpiresAt reads the expiry of token without verifying its signature. Clients use it to
// decide whether a cached token is still worth sending.
func ExpiresAt(token string) (time.Time, error) {
	var parsed tokenClaims
	if _, _, err := gojwt.NewParser().ParseUnverified(token, &parsed); err != nil {
		return time.Time{}, ErrInvalidToken
	}
	if parsed.ExpiresAt == nil {
		return time.Time{}, ErrInvalidToken
	}
	return parsed.ExpiresAt.Time, nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
