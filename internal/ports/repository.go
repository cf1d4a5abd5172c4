package ports

import (
	"context"

	"shopify-install-gateway/internal/domain"
)

// ShopRepository defines the persistence contract for shop records.
// Implementations return (nil, nil) when a shop does not exist.
type ShopRepository interface {
	GetShop(ctx context.Context, shopDomain string) (*domain.Shop, error)
	CreateShop(ctx context.Context, shop *domain.Shop) error
	// UpdateShop applies a partial update with upsert-by-domain semantics.
	UpdateShop(ctx context.Context, update *domain.ShopUpdate) error
}

// SessionStore defines the contract for OAuth session persistence. Sessions
// are exclusively owned by the store; services read them transiently per
// request and never cache them beyond the request lifetime.
type SessionStore interface {
	Store(ctx context.Context, session *domain.Session) error
	// Get returns (nil, nil) when no session exists under id.
	Get(ctx context.Context, id string) (*domain.Session, error)
	Delete(ctx context.Context, id string) error
	FindSessionsByShop(ctx context.Context, shopDomain string) ([]*domain.Session, error)
	// DeleteSessions removes the given ids atomically.
	DeleteSessions(ctx context.Context, shopDomain string, ids []string) error
}
