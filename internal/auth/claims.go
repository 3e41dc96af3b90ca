package auth

import (
	"github.com/wadahiro/iesgate/internal/protocol"
)

// ExtractProfileHint decodes the ID token payload WITHOUT verifying its
// signature. The ID is taken from the first non-empty claim in idClaims.
func ExtractProfileHint(idToken string, idClaims []string) (*ProfileHint, error) {
	claims, err := protocol.ParseUnverifiedClaims(idToken)
	if err != nil {
		return nil, err
	}
	if len(idClaims) == 0 {
		idClaims = []string{"sub"}
	}

	p := &ProfileHint{
		Email:     protocol.StringClaim(claims, "email"),
		FirstName: protocol.StringClaim(claims, "given_name"),
		LastName:  protocol.StringClaim(claims, "family_name"),
	}
	for _, name := range idClaims {
		if v := protocol.StringClaim(claims, name); v != "" {
			p.ID = v
			break
		}
	}
	return p, nil
}
