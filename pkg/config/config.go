// Package config implements the control plane's persisted key/value
// configuration store: a JSON file under the station's home directory,
// read once at startup and rewritten on every Set.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Default values for settings a fresh Store should contain before any
// config.json has ever been written.
const (
	DefaultServicePort          = 2020
	DefaultServiceHost          = "127.0.0.1"
	DefaultAutoStart            = true
	DefaultLogLevel             = "INFO"
	DefaultInferenceWorkers     = 1
	DefaultInferenceMaxQueue    = 10
	DefaultInferenceTimeoutSecs = 30.0
	DefaultShutdownCheckSecs    = 30.0
	DefaultShutdownTimeoutSecs  = 600.0
)

// DefaultAllowedOrigins is the CORS allowlist a fresh Store ships with:
// the localhost/127.0.0.1 origins a gateway bound to 127.0.0.1 by default
// should accept out of the box.
var DefaultAllowedOrigins = []string{
	"http://localhost",
	"https://localhost",
	"http://127.0.0.1",
	"https://127.0.0.1",
}

// Store is a JSON-backed key/value config store, safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	path     string
	values   map[string]any
	onSaveFn func(error)
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPath overrides the config file location (default: ~/.moondream-station/config.json).
func WithPath(path string) Option {
	return func(s *Store) { s.path = path }
}

// WithSaveErrorHandler registers a callback invoked whenever a save
// fails. Save failures are otherwise swallowed.
func WithSaveErrorHandler(fn func(error)) Option {
	return func(s *Store) { s.onSaveFn = fn }
}

// New loads (or initializes) the config store. home is the station's
// home directory (e.g. ~/.moondream-station); the config file lives at
// <home>/config.json unless overridden with WithPath.
func New(home string, opts ...Option) (*Store, error) {
	s := &Store{path: filepath.Join(home, "config.json")}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, err
	}

	s.values = s.loadOrDefault(home)
	return s, nil
}

func (s *Store) loadOrDefault(home string) map[string]any {
	data, err := os.ReadFile(s.path)
	if err == nil {
		var values map[string]any
		if json.Unmarshal(data, &values) == nil {
			return values
		}
	}
	return defaultConfig(home)
}

func defaultConfig(home string) map[string]any {
	return map[string]any{
		"current_model":            nil,
		"service_port":             DefaultServicePort,
		"models_dir":               filepath.Join(home, "models"),
		"service_host":             DefaultServiceHost,
		"auto_start":               DefaultAutoStart,
		"log_level":                DefaultLogLevel,
		"inference_workers":        DefaultInferenceWorkers,
		"inference_max_queue_size": DefaultInferenceMaxQueue,
		"inference_timeout":        DefaultInferenceTimeoutSecs,
		"logging":                  true,
		"allowed_origins":          DefaultAllowedOrigins,
		"shutdown_monitor_enabled": false,
		"shutdown_check_interval":  DefaultShutdownCheckSecs,
		"shutdown_timeout":         DefaultShutdownTimeoutSecs,
	}
}

// Get returns the value at key, or def if the key is absent.
func (s *Store) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok {
		return v
	}
	return def
}

// GetString is a typed convenience wrapper over Get.
func (s *Store) GetString(key, def string) string {
	v := s.Get(key, def)
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

// GetInt is a typed convenience wrapper over Get.
func (s *Store) GetInt(key string, def int) int {
	v := s.Get(key, def)
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return def
}

// GetFloat is a typed convenience wrapper over Get.
func (s *Store) GetFloat(key string, def float64) float64 {
	v := s.Get(key, def)
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

// GetStringSlice is a typed convenience wrapper over Get. It accepts both
// a native []string (the in-memory default before any save/load round
// trip) and the []any a JSON array decodes to.
func (s *Store) GetStringSlice(key string, def []string) []string {
	v := s.Get(key, def)
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			str, ok := e.(string)
			if !ok {
				return def
			}
			out = append(out, str)
		}
		return out
	}
	return def
}

// GetBool is a typed convenience wrapper over Get.
func (s *Store) GetBool(key string, def bool) bool {
	v := s.Get(key, def)
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// Set stores value at key and persists the store immediately.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.save()
}

// Delete removes key, reporting whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	_, ok := s.values[key]
	if ok {
		delete(s.values, key)
	}
	s.mu.Unlock()
	if ok {
		s.save()
	}
	return ok
}

// All returns a shallow copy of every stored key/value pair.
func (s *Store) All() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Reset replaces the store contents with defaults for home and persists it.
func (s *Store) Reset(home string) {
	s.mu.Lock()
	s.values = defaultConfig(home)
	s.mu.Unlock()
	s.save()
}

func (s *Store) save() {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.values, "", "  ")
	path := s.path
	s.mu.Unlock()

	if err == nil {
		err = os.WriteFile(path, data, 0o644)
	}
	if err != nil && s.onSaveFn != nil {
		s.onSaveFn(err)
	}
}
