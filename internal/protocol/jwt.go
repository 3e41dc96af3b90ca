package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// IsJWT returns true if the string has the 3-part JWT structure.
func IsJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

// ParseUnverifiedClaims decodes the payload segment of a compact JWT.
// The signature is NOT checked; the result must never drive authorization.
// A missing or unknown "alg" header does not matter here: the payload has
// already been decoded when jwt reports the token as unverifiable.
func ParseUnverifiedClaims(token string) (jwt.MapClaims, error) {
	if !IsJWT(token) {
		return nil, fmt.Errorf("decode token: not a compact JWT")
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithPaddingAllowed())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil && !errors.Is(err, jwt.ErrTokenUnverifiable) {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return claims, nil
}

// StringClaim returns claims[key] when it is a non-empty string.
func StringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}
