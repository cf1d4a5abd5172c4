package domain

import (
	"regexp"
	"strings"
	"time"
)

// Shop is the persistent installation record for a single store, keyed by its
// myshopify domain. It is created on the first successful authorization
// callback and soft-toggled on uninstall; it is never hard-deleted.
type Shop struct {
	Domain        string         `json:"domain" bson:"domain"`
	Scopes        string         `json:"scopes" bson:"scopes"`
	IsInstalled   bool           `json:"is_installed" bson:"is_installed"`
	InstalledAt   *time.Time     `json:"installed_at" bson:"installed_at"`
	UninstalledAt *time.Time     `json:"uninstalled_at" bson:"uninstalled_at"`
	Subscription  *Subscription  `json:"subscription" bson:"subscription"`
	Settings      Settings       `json:"settings" bson:"settings"`
	ShopData      *ShopData      `json:"shop_data" bson:"shop_data"`
	Notifications []Notification `json:"notifications" bson:"notifications"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// Settings holds per-shop feature flags.
type Settings struct {
	Beta           bool `json:"beta" bson:"beta"`
	ShowOnboarding bool `json:"show_onboarding" bson:"show_onboarding"`
}

// Subscription references an accepted recurring charge.
type Subscription struct {
	ChargeID  int64     `json:"charge_id" bson:"charge_id"`
	Name      string    `json:"name" bson:"name"`
	Status    string    `json:"status" bson:"status"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// ShopData is the cached metadata snapshot fetched from the platform after an
// install or reinstall.
type ShopData struct {
	Name            string `json:"name" bson:"name"`
	Email           string `json:"email" bson:"email"`
	MyshopifyDomain string `json:"myshopify_domain" bson:"myshopify_domain"`
	PrimaryDomain   string `json:"primary_domain" bson:"primary_domain"`
	PlanDisplayName string `json:"plan_display_name" bson:"plan_display_name"`
	PartnerDev      bool   `json:"partner_development" bson:"partner_development"`
	ShopifyPlus     bool   `json:"shopify_plus" bson:"shopify_plus"`
}

// Notification is an append-only entry shown to the merchant inside the app.
type Notification struct {
	ID        string    `json:"id" bson:"id"`
	Message   string    `json:"message" bson:"message"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// ShopUpdate is a partial update applied to an existing shop record with
// upsert-by-domain semantics. Nil fields are left untouched.
type ShopUpdate struct {
	Domain         string
	Scopes         *string
	IsInstalled    *bool
	InstalledAt    *time.Time
	UninstalledAt  *time.Time
	ClearUninstall bool
	Settings       *Settings
	ShopData       *ShopData
	Subscription   *Subscription
}

var shopDomainRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-]*\.myshopify\.com$`)

// SanitizeShop normalizes a raw shop query value to a canonical myshopify
// domain. It returns "" when the value cannot be a shop domain.
func SanitizeShop(raw string) string {
	shop := strings.ToLower(strings.TrimSpace(raw))
	if !shopDomainRe.MatchString(shop) {
		return ""
	}
	return shop
}

var hostParamRe = regexp.MustCompile(`^[0-9a-zA-Z+/_-]+={0,2}$`)

// SanitizeHost validates the base64-encoded host query value Shopify appends
// to embedded-app URLs. Base64 is case-sensitive, so only surrounding
// whitespace is stripped. Returns "" when the value is not plausible base64.
func SanitizeHost(raw string) string {
	host := strings.TrimSpace(raw)
	if host == "" || !hostParamRe.MatchString(host) {
		return ""
	}
	return host
}

// Now returns the timestamp stored on shop records. UTC so Mongo round-trips
// compare equal.
func Now() time.Time {
	return time.Now().UTC()
}

// TimePtr is a convenience for the nullable timestamp fields.
func TimePtr(t time.Time) *time.Time {
	return &t
}
