package domain

import "time"

// Session is an OAuth session owned by the session store. Pending-auth
// sessions carry the state nonce and expire quickly; token sessions hold the
// access token granted by the code exchange and live until uninstall.
type Session struct {
	ID          string    `json:"id"`
	Shop        string    `json:"shop"`
	State       string    `json:"state"`
	AccessToken string    `json:"access_token"`
	Scope       string    `json:"scope"`
	Online      bool      `json:"online"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether a pending-auth session has outlived its TTL. Token
// sessions carry a zero ExpiresAt and never expire here.
func (s *Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// OfflineSessionID is the deterministic id under which the offline token
// session for a shop is stored, one per shop.
func OfflineSessionID(shop string) string {
	return "offline_" + shop
}
