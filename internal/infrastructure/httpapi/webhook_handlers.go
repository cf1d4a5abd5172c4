package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"shopify-install-gateway/internal/application"
	"shopify-install-gateway/internal/domain"
	"shopify-install-gateway/internal/infrastructure/shopify"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20 // 1 MiB

var webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhooks_received_total",
	Help: "Inbound platform webhooks by topic and outcome.",
}, []string{"topic", "result"})

// WebhookIntakeHandler verifies and dispatches inbound platform webhooks.
type WebhookIntakeHandler struct {
	verifier   *shopify.WebhookVerifier
	dispatcher *application.WebhookDispatcher
	logger     zerolog.Logger
}

func NewWebhookIntakeHandler(verifier *shopify.WebhookVerifier, dispatcher *application.WebhookDispatcher, logger zerolog.Logger) *WebhookIntakeHandler {
	return &WebhookIntakeHandler{
		verifier:   verifier,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Receive handles POST /webhooks/shopify. A bad signature gets 401 so the
// platform does not retry a forged delivery; a handler failure gets 500 so it
// does retry.
func (h *WebhookIntakeHandler) Receive(w http.ResponseWriter, r *http.Request) {
	topic := r.Header.Get("X-Shopify-Topic")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		webhooksReceived.WithLabelValues(topic, "read_error").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(body, r.Header.Get("X-Shopify-Hmac-SHA256")); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("Rejected webhook with bad signature")
		webhooksReceived.WithLabelValues(topic, "bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := &domain.WebhookEvent{
		Topic:    topic,
		Shop:     domain.SanitizeShop(r.Header.Get("X-Shopify-Shop-Domain")),
		Payload:  body,
		Verified: true,
	}
	if event.Shop == "" {
		event.Shop = shopFromPayload(body)
	}

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Str("shop", event.Shop).Msg("Webhook handler failed")
		webhooksReceived.WithLabelValues(topic, "handler_error").Inc()
		http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		return
	}

	webhooksReceived.WithLabelValues(topic, "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

func shopFromPayload(body []byte) string {
	var payload struct {
		Domain          string `json:"domain"`
		MyshopifyDomain string `json:"myshopify_domain"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.MyshopifyDomain != "" {
		return domain.SanitizeShop(payload.MyshopifyDomain)
	}
	return domain.SanitizeShop(payload.Domain)
}
