package util

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims carried by the session token. Subject holds the user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateJWT verifies an HMAC-signed session token and returns its claims.
func ValidateJWT(tokenString, secret string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v (expected HMAC)", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
