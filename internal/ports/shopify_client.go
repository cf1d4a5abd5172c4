package ports

import (
	"context"
	"net/url"

	"shopify-install-gateway/internal/domain"

	"github.com/shopspring/decimal"
)

// TokenGrant is the result of exchanging an authorization code.
type TokenGrant struct {
	AccessToken string
	Scope       string
}

// RecurringCharge is the subset of a platform recurring application charge the
// billing gate needs.
type RecurringCharge struct {
	ID              int64
	Name            string
	Price           decimal.Decimal
	Status          string
	ConfirmationURL string
}

// ShopifyClient defines the platform API surface consumed by the installation
// flow.
type ShopifyClient interface {
	// Authentication
	AuthorizeURL(shop string, state string, online bool) string
	VerifyCallback(query url.Values) bool
	ExchangeToken(ctx context.Context, shop string, code string) (*TokenGrant, error)

	// Webhook API
	CreateWebhook(ctx context.Context, shop string, accessToken string, topic string, address string) error

	// Shop metadata (authenticated GraphQL query)
	GetShopData(ctx context.Context, shop string, accessToken string) (*domain.ShopData, error)

	// Billing API
	ListActiveCharges(ctx context.Context, shop string, accessToken string) ([]RecurringCharge, error)
	CreateRecurringCharge(ctx context.Context, shop string, accessToken string, name string, price decimal.Decimal, returnURL string, test bool) (*RecurringCharge, error)
}
