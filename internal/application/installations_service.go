package application

import (
	"context"
	"fmt"
	"time"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	"github.com/rs/zerolog"
)

// InstallationsService derives a shop's install status from the session store
// and tears installations down when the app is removed.
type InstallationsService struct {
	shops    ports.ShopRepository
	sessions ports.SessionStore
	logger   zerolog.Logger
}

// NewInstallationsService creates the installation registry.
func NewInstallationsService(shops ports.ShopRepository, sessions ports.SessionStore, logger zerolog.Logger) *InstallationsService {
	return &InstallationsService{
		shops:    shops,
		sessions: sessions,
		logger:   logger,
	}
}

// IsInstalled reports whether at least one session for the shop carries a
// non-empty access token.
func (s *InstallationsService) IsInstalled(ctx context.Context, shopDomain string) (bool, error) {
	sessions, err := s.sessions.FindSessionsByShop(ctx, shopDomain)
	if err != nil {
		return false, fmt.Errorf("find sessions for %s: %w", shopDomain, err)
	}

	for _, session := range sessions {
		if session.AccessToken != "" {
			return true, nil
		}
	}
	return false, nil
}

// MarkUninstalled deletes every session belonging to the shop, then flips the
// shop record to uninstalled. A shop with no sessions is a no-op. The trailing
// record update is retried rather than swallowed: sessions are already gone at
// that point, and skipping the update would leave an installed-but-sessionless
// shop behind.
func (s *InstallationsService) MarkUninstalled(ctx context.Context, shopDomain string) error {
	sessions, err := s.sessions.FindSessionsByShop(ctx, shopDomain)
	if err != nil {
		return fmt.Errorf("find sessions for %s: %w", shopDomain, err)
	}
	if len(sessions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}

	s.logger.Info().Str("shop", shopDomain).Int("sessions", len(ids)).Msg("Deleting sessions for shop")
	if err := s.sessions.DeleteSessions(ctx, shopDomain, ids); err != nil {
		return fmt.Errorf("delete sessions for %s: %w", shopDomain, err)
	}

	installed := false
	update := &domain.ShopUpdate{
		Domain:        shopDomain,
		IsInstalled:   &installed,
		UninstalledAt: domain.TimePtr(domain.Now()),
	}

	var updateErr error
	for attempt := 1; attempt <= 3; attempt++ {
		updateErr = s.shops.UpdateShop(ctx, update)
		if updateErr == nil {
			s.logger.Info().Str("shop", shopDomain).Msg("Shop marked uninstalled")
			return nil
		}
		s.logger.Warn().
			Err(updateErr).
			Str("shop", shopDomain).
			Int("attempt", attempt).
			Msg("Failed to mark shop uninstalled, retrying")
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	return fmt.Errorf("mark %s uninstalled: %w", shopDomain, updateErr)
}
