package settings

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"algotrader/internal/events"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

func newSettings(t *testing.T) (*Settings, *events.Bus) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(database))
	t.Cleanup(func() { _ = database.Close() })

	bus := events.NewBus()
	cfg := &config.Config{
		ScanInterval:      time.Hour,
		TopNSignals:       5,
		MaxLossPct:        -5,
		DefaultLeverage:   20,
		DefaultMarginUSDT: 5,
	}
	return New(database, cfg, bus), bus
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	s, _ := newSettings(t)
	c := s.Cycle(context.Background())
	assert.Equal(t, time.Hour, c.ScanInterval)
	assert.Equal(t, 5, c.TopN)
	assert.Equal(t, -5.0, c.MaxLossPct)
	assert.Equal(t, 20, c.Leverage)
	assert.Equal(t, 5.0, c.MarginUSDT)
}

func TestSetOverridesAndReset(t *testing.T) {
	s, bus := newSettings(t)
	ch, cancel := bus.Subscribe(4, events.EventSettingsChanged)
	defer cancel()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "top_n_signals", " 3 "))
	v, err := s.Get(ctx, KeyTopNSignals)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
	assert.Equal(t, 3, s.Cycle(ctx).TopN)
	assert.Equal(t, events.EventSettingsChanged, (<-ch).Event)

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, 5, s.Cycle(ctx).TopN)
}

func TestSetRejectsBadValues(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "NOPE", "1"), ErrUnknownKey)
	assert.Error(t, s.Set(ctx, KeyTopNSignals, "0"))
	assert.Error(t, s.Set(ctx, KeyMaxLossPct, "lots"))

	// Nothing partial is stored when one pair is invalid.
	err := s.SetMany(ctx, map[string]string{KeyScanInterval: "60", KeyTopNSignals: "x"})
	assert.Error(t, err)
	assert.Equal(t, time.Hour, s.Cycle(ctx).ScanInterval)
}

func TestLoadFileAndExport(t *testing.T) {
	s, _ := newSettings(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("SCAN_INTERVAL: 900\nMAX_LOSS_PCT: -2.5\nunknown: 1\n"), 0o600))
	require.NoError(t, s.LoadFile(ctx, path))

	c := s.Cycle(ctx)
	assert.Equal(t, 15*time.Minute, c.ScanInterval)
	assert.Equal(t, -2.5, c.MaxLossPct)

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, &buf))
	var out map[string]string
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "900", out[KeyScanInterval])
	assert.Equal(t, "5", out[KeyTopNSignals])
	assert.Len(t, out, 5)
}
