package webhook_handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"shopify-install-gateway/internal/application"
	"shopify-install-gateway/internal/domain"

	"github.com/rs/zerolog"
)

// AppUninstalledHandler tears down a shop's installation when the platform
// reports the app was removed.
type AppUninstalledHandler struct {
	installations *application.InstallationsService
	logger        zerolog.Logger
}

// NewAppUninstalledHandler creates the uninstall webhook handler.
func NewAppUninstalledHandler(installations *application.InstallationsService, logger zerolog.Logger) *AppUninstalledHandler {
	return &AppUninstalledHandler{
		installations: installations,
		logger:        logger,
	}
}

// CanHandle returns true for the app/uninstalled topic.
func (h *AppUninstalledHandler) CanHandle(topic string) bool {
	return topic == "app/uninstalled"
}

// Handle purges the shop's sessions and flips the record to uninstalled.
// MarkUninstalled is a no-op for a sessionless shop, so redelivered events
// are safe.
func (h *AppUninstalledHandler) Handle(ctx context.Context, event *domain.WebhookEvent) error {
	shopDomain := event.Shop
	if shopDomain == "" {
		var payload map[string]interface{}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to parse app uninstalled payload: %w", err)
		}
		if d, ok := payload["domain"].(string); ok {
			shopDomain = d
		} else if d, ok := payload["myshopify_domain"].(string); ok {
			shopDomain = d
		}
	}
	if shopDomain == "" {
		return fmt.Errorf("app uninstalled event without a shop domain")
	}

	installed, err := h.installations.IsInstalled(ctx, shopDomain)
	if err != nil {
		return err
	}
	if !installed {
		h.logger.Info().Str("shop", shopDomain).Msg("Uninstall event for shop with no live sessions")
		return nil
	}

	h.logger.Info().Str("shop", shopDomain).Msg("Processing app uninstalled webhook event")
	return h.installations.MarkUninstalled(ctx, shopDomain)
}
