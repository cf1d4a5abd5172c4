package application_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"shopify-install-gateway/internal/application"
	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const testShop = "example.myshopify.com"

// fakeShopRepo is an in-memory ports.ShopRepository recording every write.
type fakeShopRepo struct {
	mu      sync.Mutex
	shops   map[string]*domain.Shop
	created []*domain.Shop
	updates []*domain.ShopUpdate

	getErr     error
	updateErrs []error
}

func newFakeShopRepo() *fakeShopRepo {
	return &fakeShopRepo{shops: map[string]*domain.Shop{}}
}

func (r *fakeShopRepo) GetShop(_ context.Context, shopDomain string) (*domain.Shop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	return r.shops[shopDomain], nil
}

func (r *fakeShopRepo) CreateShop(_ context.Context, shop *domain.Shop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shops[shop.Domain] = shop
	r.created = append(r.created, shop)
	return nil
}

func (r *fakeShopRepo) UpdateShop(_ context.Context, update *domain.ShopUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updateErrs) > 0 {
		err := r.updateErrs[0]
		r.updateErrs = r.updateErrs[1:]
		if err != nil {
			return err
		}
	}
	r.updates = append(r.updates, update)
	return nil
}

func (r *fakeShopRepo) lastUpdate() *domain.ShopUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return nil
	}
	return r.updates[len(r.updates)-1]
}

// fakeSessionStore is an in-memory ports.SessionStore.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	deleted  []string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]*domain.Session{}}
}

func (s *fakeSessionStore) Store(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *fakeSessionStore) Get(_ context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id], nil
}

func (s *fakeSessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeSessionStore) FindSessionsByShop(_ context.Context, shopDomain string) ([]*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Session
	for _, session := range s.sessions {
		if session.Shop == shopDomain {
			out = append(out, session)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) DeleteSessions(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.sessions, id)
		s.deleted = append(s.deleted, id)
	}
	return nil
}

// fakePlatform is a scripted ports.ShopifyClient.
type fakePlatform struct {
	mu sync.Mutex

	verifyOK    bool
	grant       ports.TokenGrant
	exchangeErr error

	webhookTopics []string
	webhookErrs   map[string]error

	shopData    *domain.ShopData
	shopDataErr error
	dataFetches int

	charges       []ports.RecurringCharge
	listErr       error
	createdCharge *ports.RecurringCharge
	createErr     error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		verifyOK: true,
		grant:    ports.TokenGrant{AccessToken: "shpat_test", Scope: "read_products,read_orders"},
		shopData: &domain.ShopData{Name: "Example", MyshopifyDomain: testShop},
	}
}

func (p *fakePlatform) AuthorizeURL(shop, state string, online bool) string {
	u := fmt.Sprintf("https://%s/admin/oauth/authorize?client_id=key&state=%s", shop, state)
	if online {
		u += "&grant_options[]=per-user"
	}
	return u
}

func (p *fakePlatform) VerifyCallback(url.Values) bool { return p.verifyOK }

func (p *fakePlatform) ExchangeToken(_ context.Context, _ string, _ string) (*ports.TokenGrant, error) {
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	grant := p.grant
	return &grant, nil
}

func (p *fakePlatform) CreateWebhook(_ context.Context, _ string, _ string, topic string, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.webhookTopics = append(p.webhookTopics, topic)
	return p.webhookErrs[topic]
}

func (p *fakePlatform) GetShopData(_ context.Context, _ string, _ string) (*domain.ShopData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataFetches++
	if p.shopDataErr != nil {
		return nil, p.shopDataErr
	}
	return p.shopData, nil
}

func (p *fakePlatform) ListActiveCharges(_ context.Context, _ string, _ string) ([]ports.RecurringCharge, error) {
	if p.listErr != nil {
		return nil, p.listErr
	}
	return p.charges, nil
}

func (p *fakePlatform) CreateRecurringCharge(_ context.Context, _ string, _ string, name string, price decimal.Decimal, _ string, _ bool) (*ports.RecurringCharge, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	if p.createdCharge != nil {
		return p.createdCharge, nil
	}
	return &ports.RecurringCharge{ID: 1, Name: name, Price: price, Status: "pending", ConfirmationURL: "https://example.myshopify.com/charges/1/confirm"}, nil
}

type authFixture struct {
	shops    *fakeShopRepo
	sessions *fakeSessionStore
	platform *fakePlatform
	service  *application.AuthService
}

func newAuthFixture(t *testing.T, cfg application.AuthServiceConfig, isBeta application.BetaPredicate) *authFixture {
	t.Helper()
	shops := newFakeShopRepo()
	sessions := newFakeSessionStore()
	platform := newFakePlatform()
	logger := zerolog.Nop()

	registrar := application.NewWebhookRegistrar(platform, "https://app.example.com/webhooks/shopify", nil, logger)
	billing := application.NewBillingService(platform, "https://app.example.com", logger)

	return &authFixture{
		shops:    shops,
		sessions: sessions,
		platform: platform,
		service:  application.NewAuthService(shops, sessions, platform, registrar, billing, isBeta, cfg, logger),
	}
}

// beginAndCallback drives a complete valid flow and returns the callback
// redirect URL.
func (f *authFixture) beginAndCallback(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	pendingID, _, err := f.service.BeginAuth(ctx, testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	pending, err := f.sessions.Get(ctx, pendingID)
	if err != nil || pending == nil {
		t.Fatalf("pending session not stored: %v", err)
	}

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", pending.State)
	query.Set("code", "authcode")
	query.Set("hmac", "deadbeef")
	query.Set("host", "YWRtaW4uc2hvcGlmeS5jb20vc3RvcmUvZXhhbXBsZQ")

	redirect, err := f.service.HandleCallback(ctx, query, pendingID)
	if err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	return redirect
}

func TestBeginAuthRejectsInvalidShop(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	_, _, err := f.service.BeginAuth(context.Background(), "not-a-shop")
	if !errors.Is(err, domain.ErrInvalidShop) {
		t.Fatalf("expected ErrInvalidShop, got %v", err)
	}
}

func TestBeginAuthStoresPendingSession(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	pendingID, authURL, err := f.service.BeginAuth(context.Background(), "  EXAMPLE.myshopify.com ")
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	pending, _ := f.sessions.Get(context.Background(), pendingID)
	if pending == nil {
		t.Fatal("pending session not stored")
	}
	if pending.Shop != testShop {
		t.Fatalf("pending shop = %q, want sanitized %q", pending.Shop, testShop)
	}
	if pending.State == "" || pending.ID == pending.State {
		t.Fatal("state nonce must be set and distinct from the session id")
	}
	if pending.ExpiresAt.IsZero() {
		t.Fatal("pending session must carry an expiry")
	}
	if !strings.Contains(authURL, "state="+pending.State) {
		t.Fatalf("authorize URL %q missing state nonce", authURL)
	}
}

func TestCallbackFreshInstall(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, func(shop string) bool { return shop == testShop })

	redirect := f.beginAndCallback(t)

	want := fmt.Sprintf("/?shop=%s&host=%s", url.QueryEscape(testShop), "YWRtaW4uc2hvcGlmeS5jb20vc3RvcmUvZXhhbXBsZQ")
	if redirect != want {
		t.Fatalf("redirect = %q, want %q", redirect, want)
	}

	shop := f.shops.shops[testShop]
	if shop == nil {
		t.Fatal("shop record not created")
	}
	if !shop.IsInstalled || shop.InstalledAt == nil {
		t.Fatal("fresh install must mark the shop installed with a timestamp")
	}
	if shop.Scopes != f.platform.grant.Scope {
		t.Fatalf("shop scopes = %q, want granted %q", shop.Scopes, f.platform.grant.Scope)
	}
	if !shop.Settings.Beta {
		t.Fatal("beta predicate result not applied")
	}
	if shop.Notifications == nil {
		t.Fatal("notifications must initialize empty, not nil")
	}

	token, _ := f.sessions.Get(context.Background(), domain.OfflineSessionID(testShop))
	if token == nil || token.AccessToken != "shpat_test" {
		t.Fatalf("offline token session not stored: %+v", token)
	}
	if token.Expired() {
		t.Fatal("token session must not expire")
	}

	// Shop metadata is fetched and persisted on a fresh install.
	if f.platform.dataFetches != 1 {
		t.Fatalf("dataFetches = %d, want 1", f.platform.dataFetches)
	}
	update := f.shops.lastUpdate()
	if update == nil || update.ShopData == nil {
		t.Fatal("fetched metadata must be persisted")
	}
}

func TestWebhookFailureLogFiltersDataRightsTopics(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	shops := newFakeShopRepo()
	sessions := newFakeSessionStore()
	platform := newFakePlatform()
	platform.webhookErrs = map[string]error{
		"orders/create":    errors.New("522 from platform"),
		"customers/redact": errors.New("Address for this topic has already been taken"),
	}

	registrar := application.NewWebhookRegistrar(platform, "https://app.example.com/webhooks/shopify", nil, logger)
	billing := application.NewBillingService(platform, "https://app.example.com", logger)
	service := application.NewAuthService(shops, sessions, platform, registrar, billing, nil, application.AuthServiceConfig{}, logger)

	ctx := context.Background()
	pendingID, _, err := service.BeginAuth(ctx, testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	pending, _ := sessions.Get(ctx, pendingID)

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", pending.State)
	query.Set("code", "authcode")
	query.Set("hmac", "deadbeef")

	if _, err := service.HandleCallback(ctx, query, pendingID); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	logs := buf.String()
	if !strings.Contains(logs, "orders/create") {
		t.Fatal("ordinary registration failures must be logged")
	}
	if strings.Contains(logs, "customers/redact") {
		t.Fatal("data-rights registration failures must be filtered from the log")
	}
}

func TestCallbackRegistersWebhooks(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	f.beginAndCallback(t)

	f.platform.mu.Lock()
	topics := append([]string(nil), f.platform.webhookTopics...)
	f.platform.mu.Unlock()

	seen := map[string]bool{}
	for _, topic := range topics {
		seen[topic] = true
	}
	for _, want := range application.DefaultWebhookTopics {
		if !seen[want] {
			t.Fatalf("topic %q not registered; got %v", want, topics)
		}
	}
}

func TestCallbackWebhookFailureDoesNotAbort(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.platform.webhookErrs = map[string]error{
		"orders/create":          errors.New("boom"),
		"customers/data_request": errors.New("Address for this topic has already been taken"),
	}

	redirect := f.beginAndCallback(t)
	if !strings.HasPrefix(redirect, "/?shop=") {
		t.Fatalf("callback must succeed despite webhook failures, got %q", redirect)
	}
}

func TestCallbackReinstall(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	uninstalledAt := domain.TimePtr(domain.Now().Add(-24 * time.Hour))
	f.shops.shops[testShop] = &domain.Shop{
		Domain:        testShop,
		IsInstalled:   false,
		UninstalledAt: uninstalledAt,
		ShopData:      &domain.ShopData{Name: "Stale"},
	}

	f.beginAndCallback(t)

	update := f.shops.lastUpdate()
	if update == nil {
		t.Fatal("reinstall must update the shop record")
	}
	if update.IsInstalled == nil || !*update.IsInstalled {
		t.Fatal("reinstall must set IsInstalled")
	}
	if update.InstalledAt == nil {
		t.Fatal("reinstall must refresh InstalledAt")
	}
	if !update.ClearUninstall {
		t.Fatal("reinstall must clear UninstalledAt")
	}
	if update.Settings == nil || !update.Settings.ShowOnboarding {
		t.Fatal("reinstall must re-enable onboarding")
	}

	// A reinstall refetches the metadata snapshot even when a stale copy
	// exists.
	if f.platform.dataFetches != 1 {
		t.Fatalf("dataFetches = %d, want 1", f.platform.dataFetches)
	}
}

func TestCallbackReauthSkipsFetchWithCachedData(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.shops.shops[testShop] = &domain.Shop{
		Domain:      testShop,
		IsInstalled: true,
		ShopData:    &domain.ShopData{Name: "Cached"},
	}

	f.beginAndCallback(t)

	if f.platform.dataFetches != 0 {
		t.Fatalf("reauth with cached metadata must not refetch, got %d fetches", f.platform.dataFetches)
	}
	if update := f.shops.lastUpdate(); update != nil {
		t.Fatalf("reauth with cached metadata must not write, got %+v", update)
	}
}

func TestCallbackReauthFetchesMissingData(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.shops.shops[testShop] = &domain.Shop{Domain: testShop, IsInstalled: true}

	f.beginAndCallback(t)

	if f.platform.dataFetches != 1 {
		t.Fatalf("dataFetches = %d, want 1", f.platform.dataFetches)
	}
	update := f.shops.lastUpdate()
	if update == nil || update.ShopData == nil {
		t.Fatal("fetched metadata must be persisted")
	}
}

func TestCallbackShopDataFailureIsNonFatal(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.platform.shopDataErr = errors.New("502 from platform")

	redirect := f.beginAndCallback(t)
	if !strings.HasPrefix(redirect, "/?shop=") {
		t.Fatalf("metadata failure must not fail the callback, got %q", redirect)
	}
	if f.shops.shops[testShop] == nil {
		t.Fatal("shop record must still be created")
	}
}

func TestCallbackMissingCookie(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	_, err := f.service.HandleCallback(context.Background(), url.Values{}, "")
	if !errors.Is(err, domain.ErrCookieNotFound) {
		t.Fatalf("expected ErrCookieNotFound, got %v", err)
	}
}

func TestCallbackUnknownSession(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	_, err := f.service.HandleCallback(context.Background(), url.Values{}, "missing-id")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCallbackExpiredSession(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.sessions.Store(context.Background(), &domain.Session{
		ID:        "stale",
		Shop:      testShop,
		State:     "nonce",
		ExpiresAt: time.Now().Add(-time.Minute),
	})

	_, err := f.service.HandleCallback(context.Background(), url.Values{}, "stale")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	pendingID, _, err := f.service.BeginAuth(context.Background(), testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", "forged")
	query.Set("code", "authcode")
	query.Set("hmac", "deadbeef")

	_, err = f.service.HandleCallback(context.Background(), query, pendingID)
	if !errors.Is(err, domain.ErrInvalidOAuth) {
		t.Fatalf("expected ErrInvalidOAuth, got %v", err)
	}
}

func TestCallbackBadHMAC(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	f.platform.verifyOK = false

	pendingID, _, err := f.service.BeginAuth(context.Background(), testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	pending, _ := f.sessions.Get(context.Background(), pendingID)

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", pending.State)
	query.Set("code", "authcode")
	query.Set("hmac", "forged")

	_, err = f.service.HandleCallback(context.Background(), query, pendingID)
	if !errors.Is(err, domain.ErrInvalidOAuth) {
		t.Fatalf("expected ErrInvalidOAuth, got %v", err)
	}
	if shop := f.shops.shops[testShop]; shop != nil {
		t.Fatal("a rejected callback must not create a shop record")
	}
}

func TestCallbackDeletesPendingSession(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)

	pendingID, _, err := f.service.BeginAuth(context.Background(), testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	pending, _ := f.sessions.Get(context.Background(), pendingID)

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", pending.State)
	query.Set("code", "authcode")
	query.Set("hmac", "deadbeef")

	if _, err := f.service.HandleCallback(context.Background(), query, pendingID); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	if got, _ := f.sessions.Get(context.Background(), pendingID); got != nil {
		t.Fatal("pending session must be deleted after a successful callback")
	}
}

func TestCallbackBillingRedirect(t *testing.T) {
	policy := domain.BillingPolicy{
		Required:   true,
		ChargeName: "Standard Plan",
		Amount:     decimal.RequireFromString("10.00"),
	}
	f := newAuthFixture(t, application.AuthServiceConfig{Billing: policy}, nil)

	redirect := f.beginAndCallback(t)
	if redirect != "https://example.myshopify.com/charges/1/confirm" {
		t.Fatalf("redirect = %q, want the charge confirmation URL", redirect)
	}
}

func TestCallbackBillingSatisfied(t *testing.T) {
	policy := domain.BillingPolicy{
		Required:   true,
		ChargeName: "Standard Plan",
		Amount:     decimal.RequireFromString("10.00"),
	}
	f := newAuthFixture(t, application.AuthServiceConfig{Billing: policy}, nil)
	f.platform.charges = []ports.RecurringCharge{
		{ID: 7, Name: "Standard Plan", Price: decimal.RequireFromString("10.00"), Status: "active"},
	}

	redirect := f.beginAndCallback(t)
	if !strings.HasPrefix(redirect, "/?shop=") {
		t.Fatalf("satisfied billing must redirect into the app, got %q", redirect)
	}
}

func TestCallbackBillingCheckFailure(t *testing.T) {
	policy := domain.BillingPolicy{Required: true, ChargeName: "Standard Plan", Amount: decimal.RequireFromString("10.00")}
	f := newAuthFixture(t, application.AuthServiceConfig{Billing: policy}, nil)
	f.platform.listErr = errors.New("billing api down")

	ctx := context.Background()
	pendingID, _, err := f.service.BeginAuth(ctx, testShop)
	if err != nil {
		t.Fatalf("BeginAuth: %v", err)
	}
	pending, _ := f.sessions.Get(ctx, pendingID)

	query := url.Values{}
	query.Set("shop", testShop)
	query.Set("state", pending.State)
	query.Set("code", "authcode")
	query.Set("hmac", "deadbeef")

	_, err = f.service.HandleCallback(ctx, query, pendingID)
	if !errors.Is(err, domain.ErrBillingCheck) {
		t.Fatalf("expected ErrBillingCheck, got %v", err)
	}
}

func TestConcurrentCallbacksCreateOneShop(t *testing.T) {
	f := newAuthFixture(t, application.AuthServiceConfig{}, nil)
	ctx := context.Background()

	run := func() error {
		pendingID, _, err := f.service.BeginAuth(ctx, testShop)
		if err != nil {
			return err
		}
		pending, _ := f.sessions.Get(ctx, pendingID)

		query := url.Values{}
		query.Set("shop", testShop)
		query.Set("state", pending.State)
		query.Set("code", "authcode")
		query.Set("hmac", "deadbeef")

		_, err = f.service.HandleCallback(ctx, query, pendingID)
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- run()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent callback failed: %v", err)
		}
	}

	if len(f.shops.created) != 1 {
		t.Fatalf("created %d shop records, want exactly 1", len(f.shops.created))
	}
}
