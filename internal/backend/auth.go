package backend

import (
	"fmt"
	"net/http"

	"github.com/brizzai/marketweb/internal/auth/constants"
)

// AuthManager handles request authentication
type AuthManager interface {
	ApplyAuth(req *http.Request) error
}

// NoAuth leaves the request untouched
type NoAuth struct{}

func (NoAuth) ApplyAuth(*http.Request) error { return nil }

// TokenAuth sends a backend access token in the Authorization header
type TokenAuth struct {
	TokenType   string
	AccessToken string
}

// ApplyAuth adds the Authorization header to the request
func (a TokenAuth) ApplyAuth(req *http.Request) error {
	if a.AccessToken == "" {
		return fmt.Errorf("missing access token")
	}
	tokenType := a.TokenType
	if tokenType == "" {
		tokenType = constants.TokenType
	}
	req.Header.Set(constants.AuthHeaderName, tokenType+" "+a.AccessToken)
	return nil
}
