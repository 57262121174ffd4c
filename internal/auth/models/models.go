package models

// Credentials are what the page submits to sign in. Either a username and
// password for the provider's password grant, or a token the page already
// obtained from the provider.
type Credentials struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ProviderToken string `json:"provider_token,omitempty"`
}

// ChangeKind is the kind of an identity provider auth state change
type ChangeKind int

const (
	SignedIn ChangeKind = iota
	SignedOut
)

func (k ChangeKind) String() string {
	switch k {
	case SignedIn:
		return "signed_in"
	case SignedOut:
		return "signed_out"
	default:
		return "unknown"
	}
}

// AuthChange is emitted by a provider when its own auth state changes
type AuthChange struct {
	Kind    ChangeKind
	Subject string
}
