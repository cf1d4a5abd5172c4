package domain

import "github.com/shopspring/decimal"

// BillingPolicy configures the optional payment gate applied after a
// successful authorization callback.
type BillingPolicy struct {
	Required bool
	// ChargeName identifies the recurring charge, e.g. the plan name.
	ChargeName string
	Amount     decimal.Decimal
	// Test marks created charges as test charges on development stores.
	Test bool
}

// BillingDecision is computed fresh per callback and never persisted.
type BillingDecision struct {
	HasPayment      bool
	ConfirmationURL string
}
