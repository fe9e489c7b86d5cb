package devserver

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenAudience = "ridesync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type refreshGrant struct {
	email     string
	expiresAt time.Time
}

type issuedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	User         struct {
		Email string `json:"email"`
	} `json:"user"`
}

// tokenIssuer signs HS256 access tokens and keeps single-use refresh tokens.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu       sync.Mutex
	refresh  map[string]refreshGrant
	revoked  map[string]time.Time
	sessions map[string][]string
}

func newTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, now func() time.Time) *tokenIssuer {
	return &tokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
		refresh:    map[string]refreshGrant{},
		revoked:    map[string]time.Time{},
		sessions:   map[string][]string{},
	}
}

func (i *tokenIssuer) issue(email string) (issuedTokens, error) {
	now := i.now().UTC()
	claims := accessClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return issuedTokens{}, err
	}
	refreshToken := uuid.NewString()

	i.mu.Lock()
	i.refresh[refreshToken] = refreshGrant{email: email, expiresAt: now.Add(i.refreshTTL)}
	i.sessions[email] = append(i.sessions[email], refreshToken)
	i.mu.Unlock()

	out := issuedTokens{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(i.accessTTL / time.Second),
		TokenType:    "bearer",
	}
	out.User.Email = email
	return out, nil
}

// rotate consumes refreshToken and issues a fresh pair. A refresh token works once.
func (i *tokenIssuer) rotate(refreshToken string) (issuedTokens, *authError) {
	i.mu.Lock()
	grant, ok := i.refresh[refreshToken]
	delete(i.refresh, refreshToken)
	i.mu.Unlock()
	if !ok || !i.now().Before(grant.expiresAt) {
		return issuedTokens{}, &authError{status: http.StatusBadRequest, code: "invalid_grant", message: "refresh token is invalid or already used"}
	}
	tokens, err := i.issue(grant.email)
	if err != nil {
		return issuedTokens{}, &authError{status: http.StatusInternalServerError, code: "internal_error", message: err.Error()}
	}
	return tokens, nil
}

func (i *tokenIssuer) authorize(authHeader string) (accessClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return accessClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return accessClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	if claims.Email == "" {
		return accessClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing email claim"}
	}
	i.mu.Lock()
	_, revoked := i.revoked[claims.ID]
	i.mu.Unlock()
	if revoked {
		return accessClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "token revoked"}
	}
	return claims, nil
}

// logout revokes the presented access token and every refresh token of its rider.
func (i *tokenIssuer) logout(claims accessClaims) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if claims.ExpiresAt != nil {
		i.revoked[claims.ID] = claims.ExpiresAt.Time
	}
	for _, token := range i.sessions[claims.Email] {
		delete(i.refresh, token)
	}
	delete(i.sessions, claims.Email)
	now := i.now()
	for id, expiresAt := range i.revoked {
		if now.After(expiresAt) {
			delete(i.revoked, id)
		}
	}
}
