// Package domain holds the entities and error taxonomy shared by the
// installation flow.
//
// The sentinel errors below are wrapped with fmt.Errorf("...: %w") by the
// services and dispatched with errors.Is at the HTTP boundary, so every
// callback failure path resolves to exactly one response shape.
package domain

import "errors"

var (
	// ErrInvalidShop indicates the shop query value failed sanitization.
	// HTTP: 500 with a plain-text body.
	ErrInvalidShop = errors.New("no shop provided")

	// ErrInvalidOAuth indicates a forged or malformed callback (bad code,
	// state mismatch, bad HMAC). Terminal. HTTP: 400.
	ErrInvalidOAuth = errors.New("invalid oauth callback")

	// ErrCookieNotFound indicates the pending-auth cookie was missing or its
	// signature did not verify. Recoverable: the merchant is redirected back
	// into /api/auth for the same shop.
	ErrCookieNotFound = errors.New("oauth cookie not found")

	// ErrSessionNotFound indicates the server-side pending session expired
	// before the merchant approved the request. Recoverable the same way.
	ErrSessionNotFound = errors.New("oauth session not found")

	// ErrBillingCheck indicates the billing subscription check itself failed.
	// Callers must treat this as "no payment", never as a grant.
	ErrBillingCheck = errors.New("billing check failed")
)
