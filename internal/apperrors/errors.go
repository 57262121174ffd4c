package apperrors

import "errors"

var (
	// Backing store of the token pair failed. Treated as logged out.
	ErrStorage = errors.New("token storage failure")

	// The marketplace API rejected the credentials (401/403)
	ErrUnauthorized = errors.New("unauthorized")

	// The profile fetch was rejected; the session has been cleared
	ErrSessionExpired = errors.New("session expired")

	// Identity provider or backend token exchange failed; no session was established
	ErrAuthExchange = errors.New("auth exchange failed")

	// No redirect sign-in result is waiting to be completed
	ErrNoPendingRedirect = errors.New("no pending redirect")

	ErrAlreadyStarted = errors.New("already started")
)
