package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/ultraride/ridesync/internal/ride"
)

// Session is what survives a restart: the identity's tokens and who they belong to.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Email        string    `json:"email"`
}

// Expired reports whether the access token is unusable at now, counting early as
// expired by skew.
func (s Session) Expired(now time.Time, skew time.Duration) bool {
	if s.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.Expiry)
}

func (s Session) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		Expiry:       s.Expiry,
	}
}

func sessionFromGrant(g ride.Grant, now time.Time) (Session, error) {
	if strings.TrimSpace(g.AccessToken) == "" {
		return Session{}, &ride.ValidationError{Field: "access_token", Message: "missing"}
	}
	s := Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		TokenType:    g.TokenType,
		Email:        ride.NormalizeEmail(g.Email),
	}
	if g.ExpiresIn > 0 {
		s.Expiry = now.Add(time.Duration(g.ExpiresIn) * time.Second)
	}
	if claims, ok := readClaims(g.AccessToken); ok {
		if s.Email == "" {
			s.Email = claims.email
		}
		if s.Expiry.IsZero() {
			s.Expiry = claims.expiry
		}
	}
	return s, nil
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type tokenClaims struct {
	email  string
	expiry time.Time
}

// readClaims peeks at an access token without verifying it. Verification is the
// backend's job; the client only needs the identity and the expiry.
func readClaims(token string) (tokenClaims, bool) {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return tokenClaims{}, false
	}
	out := tokenClaims{email: ride.NormalizeEmail(claims.Email)}
	if out.email == "" && strings.Contains(claims.Subject, "@") {
		out.email = ride.NormalizeEmail(claims.Subject)
	}
	if claims.ExpiresAt != nil {
		out.expiry = claims.ExpiresAt.Time
	}
	return out, true
}
