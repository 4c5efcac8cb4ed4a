package collab

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Identity is the user named by an access token
type Identity struct {
	UserId    string
	Email     string
	Name      string
	ExpiresAt time.Time
}

// ParseIdentityUnverified reads the claims of `jwt` without checking the signature.
// The server verifies the token; the client only needs to know who it is.
func ParseIdentityUnverified(jwt string) (*Identity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	identity := &Identity{}

	if sub, err := claims.GetSubject(); err == nil {
		identity.UserId = sub
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = email
		if identity.UserId == "" {
			identity.UserId = email
		}
	}
	if name, ok := claims["name"].(string); ok {
		identity.Name = name
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}

	return identity, nil
}

func (self *Identity) IsExpired(now time.Time) bool {
	return !self.ExpiresAt.IsZero() && !now.Before(self.ExpiresAt)
}
