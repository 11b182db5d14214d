package hubchat

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenInfo is what the client can read from a bearer token without the
// server's key. It is used for display and to avoid sending a token that has
// already expired; it is not an authorization decision.
type TokenInfo struct {
	Subject   string
	Name      string
	ExpiresAt time.Time
}

// InspectToken decodes the claims of a JWT without verifying its signature.
func InspectToken(token string) (*TokenInfo, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	info := &TokenInfo{}
	info.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	return info, nil
}

// Expired reports whether the token carries an expiry at or before now.
func (i *TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// DisplayName returns the name claim, falling back to the subject.
func (i *TokenInfo) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Subject
}
