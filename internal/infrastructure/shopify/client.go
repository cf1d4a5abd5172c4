package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/ports"

	goshopify "github.com/bold-commerce/go-shopify/v4"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type client struct {
	apiKey     string
	apiSecret  string
	app        goshopify.App
	appURL     string
	apiVersion string
	scopes     []string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates the platform client adapter. appURL is the public base
// URL of this service; the OAuth redirect URI is derived from it.
func NewClient(apiKey, apiSecret, appURL, apiVersion string, scopes []string, logger zerolog.Logger) ports.ShopifyClient {
	app := goshopify.App{
		ApiKey:      apiKey,
		ApiSecret:   apiSecret,
		RedirectUrl: appURL + "/api/auth/callback",
		Scope:       strings.Join(scopes, ","),
	}
	return &client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		app:        app,
		appURL:     appURL,
		apiVersion: apiVersion,
		scopes:     scopes,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (c *client) createClient(shopDomain string, accessToken string) (*goshopify.Client, error) {
	cl, err := goshopify.NewClient(c.app, shopDomain, accessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return cl, nil
}

// AuthorizeURL builds the merchant-facing authorization URL. The go-shopify
// AuthorizeUrl helper doesn't carry redirect_uri, so the URL is constructed
// manually. Scopes are comma-separated with no spaces.
func (c *client) AuthorizeURL(shop string, state string, online bool) string {
	q := url.Values{}
	q.Set("client_id", c.apiKey)
	q.Set("scope", strings.Join(c.scopes, ","))
	q.Set("redirect_uri", c.appURL+"/api/auth/callback")
	q.Set("state", state)
	if online {
		q.Set("grant_options[]", "per-user")
	}
	return fmt.Sprintf("https://%s/admin/oauth/authorize?%s", shop, q.Encode())
}

// VerifyCallback checks the hmac query parameter over the remaining callback
// parameters, sorted by key, per the platform's OAuth verification scheme.
func (c *client) VerifyCallback(query url.Values) bool {
	provided := query.Get("hmac")
	if provided == "" {
		return false
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		if k == "hmac" || k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, query.Get(k)))
	}
	msg := strings.Join(parts, "&")

	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(msg))
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// ExchangeToken exchanges the authorization code for an access token. The
// go-shopify GetAccessToken helper discards the granted scope, so the token
// endpoint is called directly.
func (c *client) ExchangeToken(ctx context.Context, shop string, code string) (*ports.TokenGrant, error) {
	tokenURL := fmt.Sprintf("https://%s/admin/oauth/access_token", shop)

	values := url.Values{}
	values.Set("client_id", c.apiKey)
	values.Set("client_secret", c.apiSecret)
	values.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to exchange token: status %d, body: %s", resp.StatusCode, string(body))
	}

	var tokenResponse struct {
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResponse.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &ports.TokenGrant{
		AccessToken: tokenResponse.AccessToken,
		Scope:       tokenResponse.Scope,
	}, nil
}

// Webhook API

func (c *client) CreateWebhook(ctx context.Context, shopDomain string, accessToken string, topic string, address string) error {
	cl, err := c.createClient(shopDomain, accessToken)
	if err != nil {
		return err
	}
	webhook := goshopify.Webhook{
		Topic:   topic,
		Address: address,
		Format:  "json",
	}
	if _, err := cl.Webhook.Create(ctx, webhook); err != nil {
		// Re-registering an already-subscribed topic+address is expected on
		// reauth; the platform reports it as "address has already been taken".
		if strings.Contains(strings.ToLower(err.Error()), "already been taken") {
			return nil
		}
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

// Shop metadata

const shopDataQuery = `
query ShopData {
  shop {
    name
    email
    myshopifyDomain
    primaryDomain { host }
    plan { displayName partnerDevelopment shopifyPlus }
  }
}`

type shopDataResponse struct {
	Shop *struct {
		Name            string `json:"name"`
		Email           string `json:"email"`
		MyshopifyDomain string `json:"myshopifyDomain"`
		PrimaryDomain   struct {
			Host string `json:"host"`
		} `json:"primaryDomain"`
		Plan struct {
			DisplayName        string `json:"displayName"`
			PartnerDevelopment bool   `json:"partnerDevelopment"`
			ShopifyPlus        bool   `json:"shopifyPlus"`
		} `json:"plan"`
	} `json:"shop"`
}

// GetShopData runs the authenticated shop-metadata query. A response without
// the expected shape yields (nil, nil) so callers can warn and proceed.
func (c *client) GetShopData(ctx context.Context, shopDomain string, accessToken string) (*domain.ShopData, error) {
	resp, status, err := PostGraphQL[shopDataResponse](ctx, c.httpClient, shopDomain, c.apiVersion, accessToken, shopDataQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("shop data query failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("shop data query failed: status %d", status)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("shop data query returned errors: %s", resp.Errors[0].Message)
	}
	if resp.Data.Shop == nil {
		return nil, nil
	}

	shop := resp.Data.Shop
	return &domain.ShopData{
		Name:            shop.Name,
		Email:           shop.Email,
		MyshopifyDomain: shop.MyshopifyDomain,
		PrimaryDomain:   shop.PrimaryDomain.Host,
		PlanDisplayName: shop.Plan.DisplayName,
		PartnerDev:      shop.Plan.PartnerDevelopment,
		ShopifyPlus:     shop.Plan.ShopifyPlus,
	}, nil
}

// Billing API

func (c *client) ListActiveCharges(ctx context.Context, shopDomain string, accessToken string) ([]ports.RecurringCharge, error) {
	cl, err := c.createClient(shopDomain, accessToken)
	if err != nil {
		return nil, err
	}
	charges, err := cl.RecurringApplicationCharge.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring charges: %w", err)
	}

	active := make([]ports.RecurringCharge, 0, len(charges))
	for _, charge := range charges {
		if charge.Status != "active" {
			continue
		}
		price := decimal.Zero
		if charge.Price != nil {
			price = *charge.Price
		}
		active = append(active, ports.RecurringCharge{
			ID:              int64(charge.Id),
			Name:            charge.Name,
			Price:           price,
			Status:          charge.Status,
			ConfirmationURL: charge.ConfirmationUrl,
		})
	}
	return active, nil
}

func (c *client) CreateRecurringCharge(ctx context.Context, shopDomain string, accessToken string, name string, price decimal.Decimal, returnURL string, test bool) (*ports.RecurringCharge, error) {
	cl, err := c.createClient(shopDomain, accessToken)
	if err != nil {
		return nil, err
	}
	charge := goshopify.RecurringApplicationCharge{
		Name:      name,
		Price:     &price,
		ReturnUrl: returnURL,
	}
	if test {
		charge.Test = &test
	}
	created, err := cl.RecurringApplicationCharge.Create(ctx, charge)
	if err != nil {
		return nil, fmt.Errorf("failed to create recurring charge: %w", err)
	}

	createdPrice := decimal.Zero
	if created.Price != nil {
		createdPrice = *created.Price
	}
	return &ports.RecurringCharge{
		ID:              int64(created.Id),
		Name:            created.Name,
		Price:           createdPrice,
		Status:          created.Status,
		ConfirmationURL: created.ConfirmationUrl,
	}, nil
}
