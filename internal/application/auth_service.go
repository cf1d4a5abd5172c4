package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	"github.com/rs/zerolog"
)

// BetaPredicate decides whether a shop is enrolled in the beta program.
type BetaPredicate func(shopDomain string) bool

// AuthServiceConfig carries the deployment knobs for the authorization flow.
type AuthServiceConfig struct {
	// UseOnlineTokens requests per-user tokens instead of offline tokens.
	UseOnlineTokens bool
	// Billing is the optional payment gate; checked only when Required.
	Billing domain.BillingPolicy
	// PendingSessionTTL bounds how long a merchant may take between the
	// authorize redirect and the callback. Defaults to 10 minutes.
	PendingSessionTTL time.Duration
	// CallTimeout bounds every external call made during a callback.
	// Defaults to 10 seconds.
	CallTimeout time.Duration
}

// AuthService orchestrates the begin-auth, top-level-redirect and callback
// phases of the installation flow, and decides install vs. reinstall vs.
// reauthorization.
type AuthService struct {
	shops      ports.ShopRepository
	sessions   ports.SessionStore
	platform   ports.ShopifyClient
	registrar  *WebhookRegistrar
	billing    *BillingService
	isBetaShop BetaPredicate
	cfg        AuthServiceConfig
	logger     zerolog.Logger

	// Per-shop-domain locks serialize the create-vs-reinstall-vs-reauth
	// decision when two callbacks for the same shop race.
	mu        sync.Mutex
	shopLocks map[string]*sync.Mutex
}

// NewAuthService creates the authorization state machine service.
func NewAuthService(
	shops ports.ShopRepository,
	sessions ports.SessionStore,
	platform ports.ShopifyClient,
	registrar *WebhookRegistrar,
	billing *BillingService,
	isBetaShop BetaPredicate,
	cfg AuthServiceConfig,
	logger zerolog.Logger,
) *AuthService {
	if cfg.PendingSessionTTL <= 0 {
		cfg.PendingSessionTTL = 10 * time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if isBetaShop == nil {
		isBetaShop = func(string) bool { return false }
	}
	return &AuthService{
		shops:      shops,
		sessions:   sessions,
		platform:   platform,
		registrar:  registrar,
		billing:    billing,
		isBetaShop: isBetaShop,
		cfg:        cfg,
		logger:     logger,
		shopLocks:  map[string]*sync.Mutex{},
	}
}

// BeginAuth sanitizes the raw shop value, creates a pending-auth session and
// returns its id together with the platform authorization URL the merchant
// must be redirected to.
func (s *AuthService) BeginAuth(ctx context.Context, rawShop string) (pendingID string, authURL string, err error) {
	shop := domain.SanitizeShop(rawShop)
	if shop == "" {
		return "", "", fmt.Errorf("begin auth: %w", domain.ErrInvalidShop)
	}

	pendingID, err = randomToken(16)
	if err != nil {
		return "", "", fmt.Errorf("begin auth: %w", err)
	}
	state, err := randomToken(16)
	if err != nil {
		return "", "", fmt.Errorf("begin auth: %w", err)
	}

	now := time.Now()
	session := &domain.Session{
		ID:        pendingID,
		Shop:      shop,
		State:     state,
		Online:    s.cfg.UseOnlineTokens,
		ExpiresAt: now.Add(s.cfg.PendingSessionTTL),
		CreatedAt: now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.sessions.Store(storeCtx, session); err != nil {
		return "", "", fmt.Errorf("begin auth: store pending session: %w", err)
	}

	return pendingID, s.platform.AuthorizeURL(shop, state, s.cfg.UseOnlineTokens), nil
}

// HandleCallback processes the authorization callback and returns the URL the
// merchant is redirected to afterwards: the app root, or the billing
// confirmation URL when a required payment is missing.
func (s *AuthService) HandleCallback(ctx context.Context, query url.Values, pendingID string) (string, error) {
	session, err := s.validateCallback(ctx, query, pendingID)
	if err != nil {
		return "", err
	}

	host := domain.SanitizeHost(query.Get("host"))

	// Webhook registration is independent of the shop-record work; fan it
	// out while the record is reconciled. Per-topic failures never abort
	// the callback.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.registerWebhooks(ctx, session)
	}()

	if err := s.reconcileShopRecord(ctx, session); err != nil {
		wg.Wait()
		return "", err
	}
	wg.Wait()

	redirectURL := fmt.Sprintf("/?shop=%s&host=%s", url.QueryEscape(session.Shop), url.QueryEscape(host))

	if s.cfg.Billing.Required {
		decision, err := s.billing.Check(ctx, session, s.cfg.Billing)
		if err != nil {
			return "", fmt.Errorf("callback for %s: %w", session.Shop, err)
		}
		if !decision.HasPayment {
			redirectURL = decision.ConfirmationURL
		}
	}

	return redirectURL, nil
}

// validateCallback checks the pending cookie/session, state and HMAC, then
// exchanges the authorization code for a token session.
func (s *AuthService) validateCallback(ctx context.Context, query url.Values, pendingID string) (*domain.Session, error) {
	if pendingID == "" {
		return nil, fmt.Errorf("callback: %w", domain.ErrCookieNotFound)
	}

	getCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	pending, err := s.sessions.Get(getCtx, pendingID)
	if err != nil {
		return nil, fmt.Errorf("callback: load pending session: %w", err)
	}
	if pending == nil || pending.Expired() {
		return nil, fmt.Errorf("callback: %w", domain.ErrSessionNotFound)
	}

	shop := domain.SanitizeShop(query.Get("shop"))
	state := query.Get("state")
	code := query.Get("code")

	switch {
	case shop == "" || shop != pending.Shop:
		return nil, fmt.Errorf("callback: shop mismatch: %w", domain.ErrInvalidOAuth)
	case state == "" || state != pending.State:
		return nil, fmt.Errorf("callback: state mismatch: %w", domain.ErrInvalidOAuth)
	case code == "":
		return nil, fmt.Errorf("callback: missing code: %w", domain.ErrInvalidOAuth)
	case !s.platform.VerifyCallback(query):
		return nil, fmt.Errorf("callback: hmac verification failed: %w", domain.ErrInvalidOAuth)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	grant, err := s.platform.ExchangeToken(exchangeCtx, shop, code)
	if err != nil {
		return nil, fmt.Errorf("callback: exchange token for %s: %w", shop, err)
	}

	now := time.Now()
	session := &domain.Session{
		ID:          domain.OfflineSessionID(shop),
		Shop:        shop,
		AccessToken: grant.AccessToken,
		Scope:       grant.Scope,
		Online:      pending.Online,
		CreatedAt:   now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	if err := s.sessions.Store(storeCtx, session); err != nil {
		return nil, fmt.Errorf("callback: store token session: %w", err)
	}

	// The pending session is one-shot; a failed delete only means it ages
	// out via its TTL.
	if err := s.sessions.Delete(storeCtx, pendingID); err != nil {
		s.logger.Warn().Err(err).Str("shop", shop).Msg("Failed to delete pending session")
	}

	s.logger.Info().Str("shop", shop).Str("granted_scopes", grant.Scope).Msg("OAuth token exchange completed")

	return session, nil
}

// registerWebhooks fans out registration for every required topic and logs
// the failures, except data-rights topics whose failure is expected.
func (s *AuthService) registerWebhooks(ctx context.Context, session *domain.Session) {
	regCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	results := s.registrar.RegisterAll(regCtx, session.Shop, session.AccessToken)
	for topic, regErr := range results {
		if regErr == nil || domain.IsGDPRTopic(topic) {
			continue
		}
		s.logger.Error().
			Err(regErr).
			Str("shop", session.Shop).
			Str("topic", topic).
			Msg("Failed to register webhook")
	}
}

// reconcileShopRecord runs the install / reinstall / reauth branch under the
// per-shop lock, then refreshes the cached shop metadata when needed. The
// record write is always observed before the metadata write.
func (s *AuthService) reconcileShopRecord(ctx context.Context, session *domain.Session) error {
	unlock := s.lockShop(session.Shop)
	defer unlock()

	fetchShopData := true

	repoCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	existing, err := s.shops.GetShop(repoCtx, session.Shop)
	if err != nil {
		return fmt.Errorf("get shop %s: %w", session.Shop, err)
	}

	now := domain.Now()
	switch {
	case existing == nil:
		shop := &domain.Shop{
			Domain:        session.Shop,
			Scopes:        session.Scope,
			IsInstalled:   true,
			InstalledAt:   domain.TimePtr(now),
			UninstalledAt: nil,
			Subscription:  nil,
			Settings:      domain.Settings{Beta: s.isBetaShop(session.Shop)},
			ShopData:      nil,
			Notifications: []domain.Notification{},
		}
		if err := s.shops.CreateShop(repoCtx, shop); err != nil {
			return fmt.Errorf("create shop %s: %w", session.Shop, err)
		}
		s.logger.Info().Str("shop", session.Shop).Msg("Shop installed")

	case !existing.IsInstalled:
		installed := true
		update := &domain.ShopUpdate{
			Domain:         session.Shop,
			IsInstalled:    &installed,
			InstalledAt:    domain.TimePtr(now),
			ClearUninstall: true,
			Settings: &domain.Settings{
				Beta:           s.isBetaShop(session.Shop),
				ShowOnboarding: true,
			},
		}
		if err := s.shops.UpdateShop(repoCtx, update); err != nil {
			return fmt.Errorf("reinstall shop %s: %w", session.Shop, err)
		}
		s.logger.Info().Str("shop", session.Shop).Msg("Shop reinstalled")

	default:
		// Ordinary reauthorization. Skip the metadata refetch only when a
		// cached copy exists.
		if existing.ShopData != nil {
			fetchShopData = false
		}
	}

	if !fetchShopData {
		return nil
	}
	s.refreshShopData(ctx, session)
	return nil
}

// refreshShopData fetches the platform metadata snapshot and persists it. A
// malformed or failed response is logged and skipped; the callback proceeds.
func (s *AuthService) refreshShopData(ctx context.Context, session *domain.Session) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	shopData, err := s.platform.GetShopData(fetchCtx, session.Shop, session.AccessToken)
	if err != nil {
		s.logger.Warn().Err(err).Str("shop", session.Shop).Msg("Failed to fetch shop data")
		return
	}
	if shopData == nil {
		s.logger.Warn().Str("shop", session.Shop).Msg("Missing shop data in response")
		return
	}

	update := &domain.ShopUpdate{Domain: session.Shop, ShopData: shopData}
	if err := s.shops.UpdateShop(fetchCtx, update); err != nil {
		s.logger.Warn().Err(err).Str("shop", session.Shop).Msg("Failed to persist shop data")
	}
}

func (s *AuthService) lockShop(shopDomain string) func() {
	s.mu.Lock()
	lock, ok := s.shopLocks[shopDomain]
	if !ok {
		lock = &sync.Mutex{}
		s.shopLocks[shopDomain] = lock
	}
	s.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
