package service

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IssueAccessToken creates a signed HS256 JWT whose subject is userID.
func IssueAccessToken(signKey []byte, userID string, ttl time.Duration) (string, time.Time, error) {
	if len(signKey) == 0 || userID == "" {
		return "", time.Time{}, errors.New("validation: signing key and user id are required")
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(signKey)
	return signed, exp, err
}
