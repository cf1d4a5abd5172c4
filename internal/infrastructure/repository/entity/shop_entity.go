package entity

import (
	"time"

	"shopify-install-gateway/internal/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MongoShopDoc represents a shop record in MongoDB.
type MongoShopDoc struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Domain        string             `bson:"domain"`
	Scopes        string             `bson:"scopes"`
	IsInstalled   bool               `bson:"isInstalled"`
	InstalledAt   *time.Time         `bson:"installedAt"`
	UninstalledAt *time.Time         `bson:"uninstalledAt"`
	Subscription  *SubscriptionDoc   `bson:"subscription"`
	Settings      SettingsDoc        `bson:"settings"`
	ShopData      *ShopDataDoc       `bson:"shopData"`
	Notifications []NotificationDoc  `bson:"notifications"`
	CreatedAt     time.Time          `bson:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt"`
}

// SettingsDoc holds per-shop flags.
type SettingsDoc struct {
	Beta           bool `bson:"beta"`
	ShowOnboarding bool `bson:"showOnboarding"`
}

// SubscriptionDoc references an accepted recurring charge.
type SubscriptionDoc struct {
	ChargeID  int64     `bson:"chargeId"`
	Name      string    `bson:"name"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"createdAt"`
}

// ShopDataDoc is the cached platform metadata snapshot.
type ShopDataDoc struct {
	Name            string `bson:"name"`
	Email           string `bson:"email"`
	MyshopifyDomain string `bson:"myshopifyDomain"`
	PrimaryDomain   string `bson:"primaryDomain"`
	PlanDisplayName string `bson:"planDisplayName"`
	PartnerDev      bool   `bson:"partnerDevelopment"`
	ShopifyPlus     bool   `bson:"shopifyPlus"`
}

// NotificationDoc is one append-only merchant notification.
type NotificationDoc struct {
	ID        string    `bson:"id"`
	Message   string    `bson:"message"`
	CreatedAt time.Time `bson:"createdAt"`
}

// ToDomain converts the MongoDB document to a domain entity.
func (d *MongoShopDoc) ToDomain() *domain.Shop {
	shop := &domain.Shop{
		Domain:        d.Domain,
		Scopes:        d.Scopes,
		IsInstalled:   d.IsInstalled,
		InstalledAt:   d.InstalledAt,
		UninstalledAt: d.UninstalledAt,
		Settings: domain.Settings{
			Beta:           d.Settings.Beta,
			ShowOnboarding: d.Settings.ShowOnboarding,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}

	if d.Subscription != nil {
		shop.Subscription = &domain.Subscription{
			ChargeID:  d.Subscription.ChargeID,
			Name:      d.Subscription.Name,
			Status:    d.Subscription.Status,
			CreatedAt: d.Subscription.CreatedAt,
		}
	}
	if d.ShopData != nil {
		shop.ShopData = shopDataToDomain(d.ShopData)
	}
	for _, n := range d.Notifications {
		shop.Notifications = append(shop.Notifications, domain.Notification{
			ID:        n.ID,
			Message:   n.Message,
			CreatedAt: n.CreatedAt,
		})
	}

	return shop
}

// MongoShopDocFromDomain converts a domain entity to a MongoDB document.
func MongoShopDocFromDomain(shop *domain.Shop) *MongoShopDoc {
	doc := &MongoShopDoc{
		Domain:        shop.Domain,
		Scopes:        shop.Scopes,
		IsInstalled:   shop.IsInstalled,
		InstalledAt:   shop.InstalledAt,
		UninstalledAt: shop.UninstalledAt,
		Settings: SettingsDoc{
			Beta:           shop.Settings.Beta,
			ShowOnboarding: shop.Settings.ShowOnboarding,
		},
		Notifications: []NotificationDoc{},
		CreatedAt:     shop.CreatedAt,
		UpdatedAt:     shop.UpdatedAt,
	}

	if shop.Subscription != nil {
		doc.Subscription = &SubscriptionDoc{
			ChargeID:  shop.Subscription.ChargeID,
			Name:      shop.Subscription.Name,
			Status:    shop.Subscription.Status,
			CreatedAt: shop.Subscription.CreatedAt,
		}
	}
	if shop.ShopData != nil {
		doc.ShopData = ShopDataDocFromDomain(shop.ShopData)
	}
	for _, n := range shop.Notifications {
		doc.Notifications = append(doc.Notifications, NotificationDoc{
			ID:        n.ID,
			Message:   n.Message,
			CreatedAt: n.CreatedAt,
		})
	}

	return doc
}

// ShopDataDocFromDomain converts the cached metadata snapshot.
func ShopDataDocFromDomain(data *domain.ShopData) *ShopDataDoc {
	return &ShopDataDoc{
		Name:            data.Name,
		Email:           data.Email,
		MyshopifyDomain: data.MyshopifyDomain,
		PrimaryDomain:   data.PrimaryDomain,
		PlanDisplayName: data.PlanDisplayName,
		PartnerDev:      data.PartnerDev,
		ShopifyPlus:     data.ShopifyPlus,
	}
}

func shopDataToDomain(doc *ShopDataDoc) *domain.ShopData {
	return &domain.ShopData{
		Name:            doc.Name,
		Email:           doc.Email,
		MyshopifyDomain: doc.MyshopifyDomain,
		PrimaryDomain:   doc.PrimaryDomain,
		PlanDisplayName: doc.PlanDisplayName,
		PartnerDev:      doc.PartnerDev,
		ShopifyPlus:     doc.ShopifyPlus,
	}
}
