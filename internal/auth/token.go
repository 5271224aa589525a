// Package auth mints and checks the short-lived tokens a browser presents
// when it opens a realtime session.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenFormat = errors.New("invalid token format")
	ErrTokenSig    = errors.New("invalid token signature")
	ErrTokenExp    = errors.New("token expired or not yet valid")
	ErrTokenUser   = errors.New("user id mismatch")
)

const issuer = "yuzu-relay"

// Claims binds a token to one user. The user id travels as the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateClientToken signs an HS256 token for userID that expires at exp.
func GenerateClientToken(secret, userID string, exp time.Time) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrTokenFormat)
	}
	claims := Claims{jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(exp),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// ValidateClientToken parses and checks the token against now, allowing
// skewSeconds of clock drift. An empty expectUserID accepts any user.
// Returns the embedded user id and expiry.
func ValidateClientToken(secret, token, expectUserID string, now time.Time, skewSeconds int) (string, time.Time, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(time.Duration(skewSeconds)*time.Second),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return "", time.Time{}, ErrTokenExp
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "", time.Time{}, ErrTokenSig
	default:
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrTokenFormat, err)
	}
	if claims.Subject == "" {
		return "", time.Time{}, ErrTokenFormat
	}
	if expectUserID != "" && claims.Subject != expectUserID {
		return "", time.Time{}, ErrTokenUser
	}
	return claims.Subject, claims.ExpiresAt.Time, nil
}
