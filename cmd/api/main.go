package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"

	"shopify-install-gateway/internal/application"
	"shopify-install-gateway/internal/application/webhook_handlers"
	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/infrastructure/httpapi"
	securitymiddleware "shopify-install-gateway/internal/infrastructure/middleware"
	"shopify-install-gateway/internal/infrastructure/repository"
	shopifyinfra "shopify-install-gateway/internal/infrastructure/shopify"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	// Initialize logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("⚠️  Warning: .env file not found")
	}

	// Get configuration from environment
	mongoURI := envOr("MONGODB_URI", "mongodb://localhost:27017")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")
	appURL := envOr("APP_URL", "http://localhost:8080")

	apiKey := mustEnv(logger, "SHOPIFY_API_KEY")
	apiSecret := mustEnv(logger, "SHOPIFY_API_SECRET")
	cookieSecret := mustEnv(logger, "COOKIE_SECRET")
	scopes := splitCSV(envOr("SHOPIFY_SCOPES", "read_products,read_orders"))
	apiVersion := envOr("SHOPIFY_API_VERSION", "2024-10")

	// Connect to MongoDB
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(mongoURI))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer client.Disconnect(context.Background())

	db := client.Database(envOr("MONGODB_DATABASE", "shopify_install_gateway"))

	// Connect to Redis (pending-auth and token sessions)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Initialize repositories
	shopRepo := repository.NewMongoShopRepository(db)
	sessionStore := repository.NewRedisSessionStore(redisClient)

	// Initialize platform client
	platformClient := shopifyinfra.NewClient(apiKey, apiSecret, appURL, apiVersion, scopes, logger)
	webhookVerifier := shopifyinfra.NewWebhookVerifier(apiSecret)

	// Initialize application services
	registrar := application.NewWebhookRegistrar(
		platformClient,
		appURL+"/webhooks/shopify",
		application.DefaultWebhookTopics,
		logger,
	)

	billingService := application.NewBillingService(platformClient, appURL, logger)

	betaShops := splitCSV(os.Getenv("BETA_SHOPS"))
	isBetaShop := func(shopDomain string) bool {
		for _, s := range betaShops {
			if s == shopDomain {
				return true
			}
		}
		return false
	}

	authService := application.NewAuthService(
		shopRepo,
		sessionStore,
		platformClient,
		registrar,
		billingService,
		isBetaShop,
		application.AuthServiceConfig{
			UseOnlineTokens: boolEnv("SHOPIFY_ONLINE_TOKENS"),
			Billing:         billingPolicyFromEnv(logger),
		},
		logger,
	)

	installationsService := application.NewInstallationsService(shopRepo, sessionStore, logger)

	// Initialize webhook dispatcher and register handlers
	webhookDispatcher := application.NewWebhookDispatcher(logger)
	webhookDispatcher.RegisterHandler(webhook_handlers.NewAppUninstalledHandler(installationsService, logger))

	// HTTP layer
	cookieCodec := httpapi.NewCookieCodec(cookieSecret, strings.HasPrefix(appURL, "https://"))
	authHandlers := httpapi.NewAuthHandlers(authService, cookieCodec, envOr("TOP_LEVEL_COOKIE_NAME", "shopify_top_level_oauth"), logger)
	webhookIntake := httpapi.NewWebhookIntakeHandler(webhookVerifier, webhookDispatcher, logger)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(securitymiddleware.SecurityHeadersMiddleware())
	r.Use(securitymiddleware.RequestMetricsMiddleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	// Health check - must be public for monitoring
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	r.Get("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, "./docs/swagger.json")
	})

	// OAuth routes
	authHandlers.Routes(r)

	// Webhook endpoint
	r.Post("/webhooks/shopify", webhookIntake.Receive)

	port := envOr("PORT", "8080")
	logger.Info().Str("port", port).Msg("Starting API server")
	logger.Info().Msg("Swagger documentation available at http://localhost:" + port + "/swagger/index.html")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func mustEnv(logger zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal().Msg(key + " environment variable is required")
	}
	return v
}

func boolEnv(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func billingPolicyFromEnv(logger zerolog.Logger) domain.BillingPolicy {
	if !boolEnv("BILLING_REQUIRED") {
		return domain.BillingPolicy{}
	}

	amount, err := decimal.NewFromString(envOr("BILLING_AMOUNT", "10.00"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid BILLING_AMOUNT")
	}

	return domain.BillingPolicy{
		Required:   true,
		ChargeName: envOr("BILLING_CHARGE_NAME", "Standard Plan"),
		Amount:     amount,
		Test:       boolEnv("BILLING_TEST"),
	}
}
