package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AccessTokenClaims is the identity carried inside an access token.
type AccessTokenClaims struct {
	UserID        uuid.UUID
	Email         string
	Name          string
	EmailVerified bool
	Premium       bool
}

// DecodeAccessToken extracts the claims from an access token without
// signature verification. The token was just handed to us by the server
// over TLS; it is decoded for its payload, not trusted as a credential.
func DecodeAccessToken(token string) (*AccessTokenClaims, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("access token has no subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return nil, fmt.Errorf("access token subject is not a user id: %w", err)
	}

	out := &AccessTokenClaims{UserID: userID}
	if v, ok := claims["email"].(string); ok {
		out.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		out.Name = v
	}
	if v, ok := claims["email_verified"].(bool); ok {
		out.EmailVerified = v
	}
	if v, ok := claims["premium"].(bool); ok {
		out.Premium = v
	}
	return out, nil
}
