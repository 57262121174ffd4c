// Package identity decodes the claims of the backend access token. The
// token is verified by the backend on every call; here it is only read.
package identity

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the parts of the access token the page displays
type Claims struct {
	Subject   string    `json:"sub"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Cache memoizes the claims of the current access token. It is derived
// from the session and reset whenever the session changes hands.
type Cache struct {
	parser *jwt.Parser

	mu     sync.Mutex
	token  string
	claims Claims
}

func NewCache() *Cache {
	return &Cache{parser: jwt.NewParser()}
}

// Resolve returns the claims of accessToken
func (c *Cache) Resolve(accessToken string) (Claims, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if accessToken != "" && accessToken == c.token {
		return c.claims, nil
	}

	var tc tokenClaims
	if _, _, err := c.parser.ParseUnverified(accessToken, &tc); err != nil {
		return Claims{}, fmt.Errorf("failed to decode access token: %w", err)
	}

	claims := Claims{Subject: tc.Subject, Email: tc.Email}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	c.token = accessToken
	c.claims = claims
	return claims, nil
}

// Reset forgets the memoized claims
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.claims = Claims{}
}
