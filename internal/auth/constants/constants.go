package constants

const (
	// TokenType is used when the backend returns a pair without a type
	TokenType = "Bearer"

	// AuthHeaderName is the name of the Authorization header
	AuthHeaderName = "Authorization"

	// CallbackPath receives the identity provider redirect
	CallbackPath = "/auth/callback"

	// StateCookieName carries the redirect state between authorize and callback
	StateCookieName = "mw_oauth_state"
)

// OAuth scopes
var DefaultScopes = []string{"openid", "profile", "email"}

// Identity provider kinds
const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
	ProviderOIDC   = "oidc"
)

// Reload reasons sent to the page
const (
	ReloadLogout         = "logout"
	ReloadRemoteLogout   = "remote_logout"
	ReloadProviderLogout = "provider_logout"
)
