package model

import "time"

// AuthClaims is the decoded payload of a signed access or refresh token.
type AuthClaims struct {
	UserID    string
	Email     string
	Role      string
	Type      string
	TokenID   string
	ExpiresAt time.Time
}

// TokenPair is returned by login and refresh. The refresh token is only
// ever transported in an HttpOnly cookie, never in a JSON body.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	User         PublicUser
}

// RefreshToken is the persisted record of an outstanding refresh token.
// ID is the jti embedded in the signed token, so validation is a primary-key
// lookup. TokenHash is bcrypt over the sha256 hex digest of the raw token;
// the raw token is never stored.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}
