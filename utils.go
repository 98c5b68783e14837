package xstorage

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenLifetime is deliberately shorter than the device's own token lifetime
// so the client signs in again before the device starts rejecting it.
const tokenLifetime = 55 * time.Minute

// GetJWTExpired returns the exp claim of a JWT without verifying it.
func GetJWTExpired(rawToken string) (*time.Time, error) {
	token, err := parseUnverified(rawToken)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid or missing claims")
	}
	unixTs, ok := claims["exp"].(float64)
	if !ok {
		return nil, fmt.Errorf("invalid or missing 'exp' claim: %+v", claims)
	}
	tm := time.Unix(int64(unixTs), 0)
	return &tm, nil
}

// tokenExpiry caps the local expiry at the token's own exp claim when the
// token happens to be a JWT. Opaque tokens keep the local expiry.
func tokenExpiry(rawToken string, local time.Time) time.Time {
	exp, err := GetJWTExpired(rawToken)
	if err != nil {
		return local
	}
	if exp.Before(local) {
		return *exp
	}
	return local
}

func parseUnverified(rawToken string) (*jwt.Token, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(rawToken, jwt.MapClaims{})
	return token, err
}
