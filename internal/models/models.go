package models

import "time"

// TokenPair is the backend credential unit. All three fields are set or
// cleared together; a pair with any field empty is not a session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Complete reports whether every field of the pair is set
func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != "" && p.TokenType != ""
}

// User is the profile shape returned by the marketplace API
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	AvatarRef string   `json:"avatar_ref,omitempty"`
	AvatarURL string   `json:"avatar_url,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// Avatar is the resolved avatar of a user. Ref identifies the stored
// image, URL is the resolved (possibly signed) location used for display.
type Avatar struct {
	Ref       string    `json:"ref"`
	URL       string    `json:"url"`
	FetchedAt time.Time `json:"fetched_at"`
}

// SessionEntry is the cached profile state shared by every consumer.
// A nil User means not logged in.
type SessionEntry struct {
	User      *User     `json:"user"`
	FetchedAt time.Time `json:"fetched_at"`
	Avatar    *Avatar   `json:"avatar,omitempty"`
}

// Mutation describes one change of a shared storage key.
// Origin is the execution context that performed the write.
type Mutation struct {
	Key      string `json:"key"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
	Origin   string `json:"origin"`
}
