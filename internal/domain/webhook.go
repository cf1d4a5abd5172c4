package domain

// WebhookEvent is a verified inbound platform notification.
type WebhookEvent struct {
	Topic    string `json:"topic"`
	Shop     string `json:"shop"`
	Payload  []byte `json:"payload"`
	Verified bool   `json:"verified"`
}

// GDPRTopics are the platform-mandated data-rights topics. They cannot be
// registered through the Admin API (they are configured in the Partner
// Dashboard), so registration failures for them are expected and are filtered
// out of the failure log.
var GDPRTopics = []string{
	"customers/data_request",
	"customers/redact",
	"shop/redact",
}

// IsGDPRTopic reports whether topic belongs to the data-rights category.
func IsGDPRTopic(topic string) bool {
	for _, t := range GDPRTopics {
		if t == topic {
			return true
		}
	}
	return false
}
