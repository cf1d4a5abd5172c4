package application

import (
	"context"
	"sync"

	"shopify-install-gateway/internal/ports"

	"github.com/rs/zerolog"
)

// DefaultWebhookTopics are the subscriptions registered on every callback.
// The data-rights topics are included so the result map mirrors the platform
// response; their registration is expected to fail (see domain.GDPRTopics).
var DefaultWebhookTopics = []string{
	"app/uninstalled",
	"orders/create",
	"orders/updated",
	"customers/data_request",
	"customers/redact",
	"shop/redact",
}

// WebhookRegistrar registers the app's webhook subscriptions for a shop.
type WebhookRegistrar struct {
	platform ports.ShopifyClient
	address  string
	topics   []string
	logger   zerolog.Logger
}

// NewWebhookRegistrar creates a registrar delivering to address.
func NewWebhookRegistrar(platform ports.ShopifyClient, address string, topics []string, logger zerolog.Logger) *WebhookRegistrar {
	if len(topics) == 0 {
		topics = DefaultWebhookTopics
	}
	return &WebhookRegistrar{
		platform: platform,
		address:  address,
		topics:   topics,
		logger:   logger,
	}
}

// Topics returns the configured topic list.
func (r *WebhookRegistrar) Topics() []string {
	return r.topics
}

// RegisterAll attempts every topic independently and in parallel, returning a
// per-topic result map (nil on success). Failures are reported, never raised.
func (r *WebhookRegistrar) RegisterAll(ctx context.Context, shop string, accessToken string) map[string]error {
	results := make(map[string]error, len(r.topics))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, topic := range r.topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			err := r.platform.CreateWebhook(ctx, shop, accessToken, topic, r.address)
			mu.Lock()
			results[topic] = err
			mu.Unlock()
		}(topic)
	}
	wg.Wait()

	return results
}
