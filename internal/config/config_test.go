package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "")
	t.Setenv("IAP_BILLING_PROGRAM", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "android", cfg.Platform)
	require.Equal(t, "none", cfg.BillingProgram)
	require.Equal(t, "sandbox", cfg.NativeBackend)
	require.False(t, cfg.NativeIngress)
	require.Equal(t, 24, cfg.ReportingTokenTTLHours)
}

func TestLoadCustomValues(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "Android")
	t.Setenv("IAP_BILLING_PROGRAM", "external-offer")
	t.Setenv("REPORTING_TOKEN_TTL_HOURS", "12")
	t.Setenv("PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "android", cfg.Platform)
	require.Equal(t, "external-offer", cfg.BillingProgram)
	require.Equal(t, 12, cfg.ReportingTokenTTLHours)
	require.Equal(t, "9999", cfg.Port)
}

func TestLoadRejectsUnknownPlatform(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "windows")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBillingProgramOnIOS(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "ios")
	t.Setenv("IAP_BILLING_PROGRAM", "user-choice")

	_, err := Load()
	require.Error(t, err)
}

func TestInvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "ios")
	t.Setenv("IAP_BILLING_PROGRAM", "none")
	t.Setenv("FINISH_LEDGER_TTL_HOURS", "many")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 24*7, cfg.FinishLedgerTTLHours)
}

func TestLoadNativeIngress(t *testing.T) {
	t.Setenv("IAP_PLATFORM", "android")
	t.Setenv("IAP_BILLING_PROGRAM", "none")

	t.Setenv("IAP_NATIVE_INGRESS", "true")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.NativeIngress)

	t.Setenv("IAP_NATIVE_INGRESS", "sometimes")
	cfg, err = Load()
	require.NoError(t, err)
	require.False(t, cfg.NativeIngress)
}
