package models

import "fmt"

// ConnectionResult is published on the connection-state channel
type ConnectionResult struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message,omitempty"`
}

// BillingProgram selects the Play Billing program a session is opened for.
// Native sessions cannot switch program, so it is fixed at connect time.
type BillingProgram string

const (
	BillingProgramNone             BillingProgram = "none"
	BillingProgramUserChoice       BillingProgram = "user-choice"
	BillingProgramExternalOffer    BillingProgram = "external-offer"
	BillingProgramExternalPayments BillingProgram = "external-payments"
)

// ParseBillingProgram converts a configuration string into a BillingProgram
func ParseBillingProgram(value string) (BillingProgram, error) {
	switch BillingProgram(value) {
	case "":
		return BillingProgramNone, nil
	case BillingProgramNone, BillingProgramUserChoice, BillingProgramExternalOffer, BillingProgramExternalPayments:
		return BillingProgram(value), nil
	}
	return "", fmt.Errorf("unknown billing program %q", value)
}

// AlternativeBillingMode is the older two-mode configuration.
//
// Deprecated: use BillingProgram. Convert with BillingProgramFromLegacyMode.
type AlternativeBillingMode string

const (
	AlternativeBillingModeNone            AlternativeBillingMode = "none"
	AlternativeBillingModeUserChoice      AlternativeBillingMode = "user-choice"
	AlternativeBillingModeAlternativeOnly AlternativeBillingMode = "alternative-only"
)

// BillingProgramFromLegacyMode maps the deprecated alternative billing mode
// onto the billing program model
func BillingProgramFromLegacyMode(mode AlternativeBillingMode) BillingProgram {
	switch mode {
	case AlternativeBillingModeUserChoice:
		return BillingProgramUserChoice
	case AlternativeBillingModeAlternativeOnly:
		return BillingProgramExternalOffer
	}
	return BillingProgramNone
}

// ConnectionConfig is applied before the native session is opened
type ConnectionConfig struct {
	BillingProgram BillingProgram `json:"billingProgram,omitempty"`
	// Deprecated: set BillingProgram instead
	AlternativeBillingMode AlternativeBillingMode `json:"alternativeBillingModeAndroid,omitempty"`
}

// Program resolves the effective billing program, honoring the legacy
// field only when BillingProgram is unset
func (c *ConnectionConfig) Program() BillingProgram {
	if c == nil {
		return BillingProgramNone
	}
	if c.BillingProgram != "" {
		return c.BillingProgram
	}
	if c.AlternativeBillingMode != "" {
		return BillingProgramFromLegacyMode(c.AlternativeBillingMode)
	}
	return BillingProgramNone
}
