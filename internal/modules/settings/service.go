package settings

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// cacheTTL is how long a read stays warm before hitting the database
// again. Writes invalidate their key immediately.
const cacheTTL = 30 * time.Second

type cacheEntry struct {
	value   *string // nil means "known missing"
	expires time.Time
}

// Service is the typed, cached front of the settings table. All
// strategy parameters flow through here so a settings write takes
// effect within one cache window everywhere.
type Service struct {
	repo *Repository
	log  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	nowFn func() time.Time
}

// NewService creates the cached settings service.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo:  repo,
		log:   log.With().Str("service", "settings").Logger(),
		cache: make(map[string]cacheEntry),
		nowFn: time.Now,
	}
}

// Bootstrap seeds missing defaults and force-resets the flags that must
// never survive a restart.
func (s *Service) Bootstrap() error {
	for _, d := range Defaults() {
		if err := s.repo.SetIfMissing(d.Key, d.Value, d.Description); err != nil {
			return err
		}
	}
	// The tick strategy targets one user-chosen symbol per day; a stale
	// enable flag after a crash would trade yesterday's pick.
	if err := s.Set(KeyTickStrategyEnabled, "false", nil); err != nil {
		return err
	}
	s.log.Info().Int("defaults", len(Defaults())).Msg("Settings bootstrapped")
	return nil
}

func (s *Service) lookup(key string) (*string, error) {
	now := s.nowFn()

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.value, nil
	}

	value, err := s.repo.Get(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{value: value, expires: now.Add(cacheTTL)}
	s.mu.Unlock()
	return value, nil
}

// GetString returns the setting or the default when missing or on a
// read error. Read errors are logged, never propagated: strategy knobs
// must always resolve to something usable.
func (s *Service) GetString(key, defaultValue string) string {
	value, err := s.lookup(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Settings read failed, using default")
		return defaultValue
	}
	if value == nil {
		return defaultValue
	}
	return *value
}

// GetFloat returns the setting parsed as float64.
func (s *Service) GetFloat(key string, defaultValue float64) float64 {
	raw := s.GetString(key, "")
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", raw).Msg("Failed to parse float setting")
		return defaultValue
	}
	return f
}

// GetInt returns the setting parsed as int. Values like "12.0" are
// accepted by parsing through float first.
func (s *Service) GetInt(key string, defaultValue int) int {
	raw := s.GetString(key, "")
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", raw).Msg("Failed to parse int setting")
		return defaultValue
	}
	return int(f)
}

// GetBool returns the setting as a bool. "true", "1", "yes" and "on"
// count as true, case-insensitively.
func (s *Service) GetBool(key string, defaultValue bool) bool {
	raw := s.GetString(key, "")
	if raw == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultValue
}

// Set writes a setting and invalidates its cache entry immediately.
func (s *Service) Set(key, value string, description *string) error {
	if err := s.repo.Set(key, value, description); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

// SetFloat writes a float value.
func (s *Service) SetFloat(key string, value float64) error {
	return s.Set(key, strconv.FormatFloat(value, 'f', -1, 64), nil)
}

// SetBool writes a bool value.
func (s *Service) SetBool(key string, value bool) error {
	return s.Set(key, strconv.FormatBool(value), nil)
}

// Delete removes a setting and its cache entry.
func (s *Service) Delete(key string) error {
	if err := s.repo.Delete(key); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

// GetAll returns every persisted setting, bypassing the cache.
func (s *Service) GetAll() (map[string]string, error) {
	return s.repo.GetAll()
}

func (s *Service) invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}
