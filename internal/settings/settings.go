// Package settings holds the runtime-tunable knobs of the scan loop. Values
// live in the settings table; unset keys fall back to process config.
package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"algotrader/internal/events"
	"algotrader/internal/logger"
	"algotrader/pkg/config"
	"algotrader/pkg/db"
)

const (
	KeyScanInterval = "SCAN_INTERVAL"
	KeyTopNSignals  = "TOP_N_SIGNALS"
	KeyMaxLossPct   = "MAX_LOSS_PCT"
	KeyLeverage     = "DEFAULT_LEVERAGE"
	KeyMarginUSDT   = "DEFAULT_MARGIN_USDT"
)

var ErrUnknownKey = errors.New("unknown setting")

type kind int

const (
	kindInt kind = iota
	kindPositiveInt
	kindFloat
)

var known = map[string]kind{
	KeyScanInterval: kindPositiveInt,
	KeyTopNSignals:  kindPositiveInt,
	KeyMaxLossPct:   kindFloat,
	KeyLeverage:     kindPositiveInt,
	KeyMarginUSDT:   kindFloat,
}

// Store is the persistence the settings need. *db.Database satisfies it.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) ([]db.Setting, error)
	DeleteSettings(ctx context.Context) error
}

// Cycle is the typed view the scan loop reads once per cycle.
type Cycle struct {
	ScanInterval time.Duration
	TopN         int
	MaxLossPct   float64
	Leverage     int
	MarginUSDT   float64
}

type Settings struct {
	store    Store
	bus      *events.Bus
	defaults map[string]string

	mu    sync.Mutex
	watch *viper.Viper
}

// New derives defaults from cfg. bus may be nil.
func New(store Store, cfg *config.Config, bus *events.Bus) *Settings {
	return &Settings{
		store: store,
		bus:   bus,
		defaults: map[string]string{
			KeyScanInterval: strconv.Itoa(int(cfg.ScanInterval / time.Second)),
			KeyTopNSignals:  strconv.Itoa(cfg.TopNSignals),
			KeyMaxLossPct:   strconv.FormatFloat(cfg.MaxLossPct, 'f', -1, 64),
			KeyLeverage:     strconv.Itoa(cfg.DefaultLeverage),
			KeyMarginUSDT:   strconv.FormatFloat(cfg.DefaultMarginUSDT, 'f', -1, 64),
		},
	}
}

func normalizeKey(key string) string { return strings.ToUpper(strings.TrimSpace(key)) }

func validate(key, value string) error {
	k, ok := known[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	switch k {
	case kindInt, kindPositiveInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, value)
		}
		if k == kindPositiveInt && n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, n)
		}
	case kindFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("%s: %q is not a number", key, value)
		}
	}
	return nil
}

// Get returns the stored value for key, else its default.
func (s *Settings) Get(ctx context.Context, key string) (string, error) {
	key = normalizeKey(key)
	def, ok := s.defaults[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	v, err := s.store.GetSetting(ctx, key)
	if errors.Is(err, db.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	if validate(key, v) != nil {
		logger.Warnf("[settings] ignoring invalid stored %s=%q", key, v)
		return def, nil
	}
	return v, nil
}

// All returns every known key with its effective value.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s.defaults))
	for k, v := range s.defaults {
		out[k] = v
	}
	rows, err := s.store.ListSettings(ctx)
	if err != nil {
		return out, err
	}
	for _, r := range rows {
		if _, ok := known[r.Key]; ok && validate(r.Key, r.Value) == nil {
			out[r.Key] = r.Value
		}
	}
	return out, nil
}

// Set validates and stores one value.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	key, value = normalizeKey(key), strings.TrimSpace(value)
	if err := validate(key, value); err != nil {
		return err
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	logger.Infof("[settings] %s=%s", key, value)
	s.bus.Publish(events.EventSettingsChanged, map[string]string{key: value})
	return nil
}

// SetMany validates every pair before storing any of them.
func (s *Settings) SetMany(ctx context.Context, values map[string]string) error {
	clean := make(map[string]string, len(values))
	for k, v := range values {
		k, v = normalizeKey(k), strings.TrimSpace(v)
		if err := validate(k, v); err != nil {
			return err
		}
		clean[k] = v
	}
	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.store.SetSetting(ctx, k, clean[k]); err != nil {
			return fmt.Errorf("store %s: %w", k, err)
		}
	}
	if len(clean) > 0 {
		s.bus.Publish(events.EventSettingsChanged, clean)
	}
	return nil
}

// Reset drops every stored value so defaults apply again.
func (s *Settings) Reset(ctx context.Context) error {
	if err := s.store.DeleteSettings(ctx); err != nil {
		return err
	}
	logger.Infof("[settings] reset to defaults")
	s.bus.Publish(events.EventSettingsChanged, s.defaults)
	return nil
}

// Cycle reads the typed loop settings. Lookup errors fall back to defaults.
func (s *Settings) Cycle(ctx context.Context) Cycle {
	vals, err := s.All(ctx)
	if err != nil {
		logger.Warnf("[settings] using defaults: %v", err)
	}
	secs, _ := strconv.Atoi(vals[KeyScanInterval])
	topN, _ := strconv.Atoi(vals[KeyTopNSignals])
	maxLoss, _ := strconv.ParseFloat(vals[KeyMaxLossPct], 64)
	lev, _ := strconv.Atoi(vals[KeyLeverage])
	margin, _ := strconv.ParseFloat(vals[KeyMarginUSDT], 64)
	return Cycle{
		ScanInterval: time.Duration(secs) * time.Second,
		TopN:         topN,
		MaxLossPct:   maxLoss,
		Leverage:     lev,
		MarginUSDT:   margin,
	}
}

// Export writes the effective settings as YAML.
func (s *Settings) Export(ctx context.Context, w io.Writer) error {
	vals, err := s.All(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(vals); err != nil {
		return err
	}
	return enc.Close()
}

// LoadFile seeds the table from a YAML file of KEY: value pairs. Unknown
// keys are skipped with a warning.
func (s *Settings) LoadFile(ctx context.Context, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read settings file: %w", err)
	}
	s.mu.Lock()
	s.watch = v
	s.mu.Unlock()
	return s.apply(ctx, v)
}

func (s *Settings) apply(ctx context.Context, v *viper.Viper) error {
	values := make(map[string]string)
	for _, k := range v.AllKeys() {
		key := normalizeKey(k)
		if _, ok := known[key]; !ok {
			logger.Warnf("[settings] %s: unknown key %s", v.ConfigFileUsed(), key)
			continue
		}
		values[key] = v.GetString(k)
	}
	return s.SetMany(ctx, values)
}

// Watch re-applies the file loaded by LoadFile whenever it changes.
func (s *Settings) Watch(ctx context.Context) {
	s.mu.Lock()
	v := s.watch
	s.mu.Unlock()
	if v == nil {
		return
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if err := s.apply(ctx, v); err != nil {
			logger.Errorf("[settings] reload %s failed: %v", evt.Name, err)
			return
		}
		logger.Infof("[settings] reloaded %s", evt.Name)
	})
	v.WatchConfig()
}
