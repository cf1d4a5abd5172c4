package repository

import (
	"context"
	"fmt"
	"time"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/infrastructure/repository/entity"
	"shopify-install-gateway/internal/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoShopRepository implements ShopRepository using MongoDB.
type MongoShopRepository struct {
	shopsCollection *mongo.Collection
}

// NewMongoShopRepository creates a new MongoDB shop repository.
func NewMongoShopRepository(db *mongo.Database) ports.ShopRepository {
	return &MongoShopRepository{
		shopsCollection: db.Collection("shops"),
	}
}

// GetShop retrieves a shop by domain. Returns (nil, nil) when absent.
func (r *MongoShopRepository) GetShop(ctx context.Context, shopDomain string) (*domain.Shop, error) {
	var doc entity.MongoShopDoc
	filter := bson.M{"domain": shopDomain}

	err := r.shopsCollection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get shop: %w", err)
	}

	return doc.ToDomain(), nil
}

// CreateShop inserts a new shop record.
func (r *MongoShopRepository) CreateShop(ctx context.Context, shop *domain.Shop) error {
	doc := entity.MongoShopDocFromDomain(shop)
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	if _, err := r.shopsCollection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create shop: %w", err)
	}
	return nil
}

// UpdateShop applies a partial update with upsert-by-domain semantics.
func (r *MongoShopRepository) UpdateShop(ctx context.Context, update *domain.ShopUpdate) error {
	set := bson.M{"updatedAt": time.Now()}

	if update.Scopes != nil {
		set["scopes"] = *update.Scopes
	}
	if update.IsInstalled != nil {
		set["isInstalled"] = *update.IsInstalled
	}
	if update.InstalledAt != nil {
		set["installedAt"] = *update.InstalledAt
	}
	if update.UninstalledAt != nil {
		set["uninstalledAt"] = *update.UninstalledAt
	} else if update.ClearUninstall {
		set["uninstalledAt"] = nil
	}
	if update.Settings != nil {
		set["settings"] = entity.SettingsDoc{
			Beta:           update.Settings.Beta,
			ShowOnboarding: update.Settings.ShowOnboarding,
		}
	}
	if update.ShopData != nil {
		set["shopData"] = entity.ShopDataDocFromDomain(update.ShopData)
	}
	if update.Subscription != nil {
		set["subscription"] = entity.SubscriptionDoc{
			ChargeID:  update.Subscription.ChargeID,
			Name:      update.Subscription.Name,
			Status:    update.Subscription.Status,
			CreatedAt: update.Subscription.CreatedAt,
		}
	}

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"domain": update.Domain}

	if _, err := r.shopsCollection.UpdateOne(ctx, filter, bson.M{"$set": set}, opts); err != nil {
		return fmt.Errorf("failed to update shop: %w", err)
	}
	return nil
}
