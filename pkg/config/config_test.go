package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ModeVirtual, cfg.Mode)
	assert.Equal(t, time.Hour, cfg.ScanInterval)
	assert.Equal(t, 5, cfg.TopNSignals)
	assert.Equal(t, 20, cfg.DefaultLeverage)
	assert.Equal(t, 5.0, cfg.DefaultMarginUSDT)
	assert.Equal(t, 100.0, cfg.VirtualStartBalance)
	assert.Equal(t, 2*time.Second, cfg.ConfirmDelay)
	assert.Equal(t, 0.30, cfg.TakeProfitPct)
	assert.Equal(t, 0.15, cfg.StopLossPct)
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    Mode
		wantErr error
	}{
		{name: "explicit real", env: map[string]string{"TRADING_MODE": "REAL"}, want: ModeReal},
		{name: "explicit virtual", env: map[string]string{"TRADING_MODE": "virtual"}, want: ModeVirtual},
		{name: "legacy real", env: map[string]string{"USE_REAL_TRADING": "true"}, want: ModeReal},
		{name: "legacy testnet", env: map[string]string{"BYBIT_TESTNET": "true"}, want: ModeVirtual},
		{name: "legacy disabled flags", env: map[string]string{"USE_REAL_TRADING": "false", "BYBIT_TESTNET": "false"}, want: ModeVirtual},
		{
			name:    "real and testnet",
			env:     map[string]string{"USE_REAL_TRADING": "true", "BYBIT_TESTNET": "true"},
			wantErr: ErrModeConflict,
		},
		{
			name:    "mode contradicts legacy",
			env:     map[string]string{"TRADING_MODE": "virtual", "USE_REAL_TRADING": "true"},
			wantErr: ErrModeConflict,
		},
		{name: "unknown mode", env: map[string]string{"TRADING_MODE": "paper"}, wantErr: ErrInvalidMode},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			t.Setenv("BYBIT_API_KEY", "key")
			t.Setenv("BYBIT_API_SECRET", "secret")

			cfg, err := Load(nil)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, cfg.Mode)
		})
	}
}

func TestRealModeRequiresCredentials(t *testing.T) {
	t.Setenv("TRADING_MODE", "real")
	_, err := Load(nil)
	require.ErrorIs(t, err, ErrMissingAPIKeys)
}

func TestScanIntervalAcceptsDurations(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "90s")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.ScanInterval)

	t.Setenv("SCAN_INTERVAL", "120")
	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.ScanInterval)
}

func TestSymbolsAreNormalised(t *testing.T) {
	t.Setenv("SYMBOLS", " btcusdt, ETHUSDT ,,")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
}
