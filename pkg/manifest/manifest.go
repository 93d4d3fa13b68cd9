// Package manifest loads and serves the control plane's model/backend
// manifest: the declarative document mapping model ids to backends,
// backends to capability providers, and optional welcome/advisory
// messages and analytics configuration.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrManifestUnavailable is returned by Load when no fresh or cached
// manifest data could be obtained.
var ErrManifestUnavailable = errors.New("manifest: unavailable")

// ErrManifestInvalid is returned by Load when the manifest document
// fails validation (referential integrity, duplicate ids).
var ErrManifestInvalid = errors.New("manifest: invalid")

// BackendInfo describes one capability backend entry in the manifest.
type BackendInfo struct {
	Name        string   `json:"name"`
	DownloadURL string   `json:"download_url"`
	EntryModule string   `json:"entry_module"`
	Functions   []string `json:"functions"`
	Version     string   `json:"version"`
	MinVersion  string   `json:"min_version,omitempty"`
}

// ModelInfo describes one model entry in the manifest.
type ModelInfo struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	Backend            string         `json:"backend"`
	Version            string         `json:"version"`
	Args               map[string]any `json:"args,omitempty"`
	IsDefault          bool           `json:"is_default"`
	SupportedOS        []string       `json:"supported_os,omitempty"`
	SystemRequirements map[string]any `json:"system_requirements,omitempty"`
}

// VersionMessage is a version-gated advisory shown to clients whose
// reported station version matches Version's predicate.
type VersionMessage struct {
	Version  string `json:"version"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// AnalyticsConfig carries optional analytics endpoint/key settings.
// Analytics collection itself is out of scope; this type only exists
// so the manifest document round-trips losslessly.
type AnalyticsConfig map[string]string

// Manifest is the full decoded manifest document. ModelOrder records the
// order model ids appeared in the source JSON object, since Go maps
// (unlike Python's insertion-ordered dicts) do not preserve it; accessors
// that must pick the "first declared" entry iterate ModelOrder instead
// of ranging over Models directly.
type Manifest struct {
	Version         string                 `json:"version"`
	Models          map[string]ModelInfo   `json:"models"`
	Backends        map[string]BackendInfo `json:"backends"`
	Messages        map[string]string      `json:"messages,omitempty"`
	StationInfo     map[string]any         `json:"moondream_station_info,omitempty"`
	VersionMessages []VersionMessage       `json:"version_messages,omitempty"`
	Analytics       AnalyticsConfig        `json:"analytics,omitempty"`

	ModelOrder   []string `json:"-"`
	BackendOrder []string `json:"-"`
}

// UnmarshalJSON decodes a Manifest while separately recording the
// declaration order of the "models" and "backends" objects' keys.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias Manifest
	aux := (*alias)(m)
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	var envelope struct {
		Models   json.RawMessage `json:"models"`
		Backends json.RawMessage `json:"backends"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	order, err := objectKeyOrder(envelope.Models)
	if err != nil {
		return err
	}
	m.ModelOrder = order

	order, err = objectKeyOrder(envelope.Backends)
	if err != nil {
		return err
	}
	m.BackendOrder = order

	return nil
}

// objectKeyOrder returns the keys of a JSON object in source order.
func objectKeyOrder(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if _, err := dec.Token(); err != nil { // consume '{'
		return nil, err
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("manifest: unexpected non-string key token")
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Store loads, caches, and serves a Manifest. A zero Store is not
// usable; construct with New.
type Store struct {
	cacheDir   string
	httpClient *http.Client

	mu       sync.RWMutex
	manifest *Manifest
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client used for http(s) manifest sources.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// New constructs a Store that caches fetched manifests under
// <modelsDir>/cache/manifests/manifest_cache.json.
func New(modelsDir string, opts ...Option) *Store {
	s := &Store{
		cacheDir:   filepath.Join(modelsDir, "cache", "manifests"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) cacheFile() string {
	return filepath.Join(s.cacheDir, "manifest_cache.json")
}

// Load fetches the manifest from source (an http(s) URL or a local file
// path). An http(s) source is always fetched fresh first; on any fetch
// failure (network error, non-2xx status, body read error) Load falls
// back to the last cached document, if one exists. A fetched document
// that fails to decode or validate is returned as ErrManifestInvalid,
// with no fallback to the cache. A local-path source is read directly
// and never cached. Load replaces the in-memory
// manifest atomically only once the new document has passed validation.
func (s *Store) Load(source string) (*Manifest, error) {
	var raw []byte
	var loadErr error

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		raw, loadErr = s.fetch(source)
		if loadErr != nil {
			cached, cacheErr := s.loadFromCache()
			if cacheErr != nil {
				return nil, fmt.Errorf("%w: %v (no cache available)", ErrManifestUnavailable, loadErr)
			}
			raw = cached
		} else {
			s.saveToCache(raw)
		}
	} else {
		var err error
		raw, err = os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestUnavailable, err)
		}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := validate(&m); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.manifest = &m
	s.mu.Unlock()
	return &m, nil
}

func (s *Store) fetch(source string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("manifest fetch: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (s *Store) saveToCache(data []byte) {
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return
	}
	var pretty map[string]any
	if json.Unmarshal(data, &pretty) == nil {
		if formatted, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			data = formatted
		}
	}
	_ = os.WriteFile(s.cacheFile(), data, 0o644)
}

func (s *Store) loadFromCache() ([]byte, error) {
	return os.ReadFile(s.cacheFile())
}

// validate enforces referential integrity between models and backends
// and rejects duplicate ids, using the declaration order captured by
// UnmarshalJSON since the Models/Backends maps have already silently
// collapsed any duplicate keys by this point.
func validate(m *Manifest) error {
	if dup, ok := firstDuplicate(m.ModelOrder); ok {
		return fmt.Errorf("%w: duplicate model id %q", ErrManifestInvalid, dup)
	}
	if dup, ok := firstDuplicate(m.BackendOrder); ok {
		return fmt.Errorf("%w: duplicate backend id %q", ErrManifestInvalid, dup)
	}
	for modelID, model := range m.Models {
		if _, ok := m.Backends[model.Backend]; !ok {
			return fmt.Errorf("%w: model %q references unknown backend %q", ErrManifestInvalid, modelID, model.Backend)
		}
	}
	return nil
}

// firstDuplicate reports the first id appearing more than once in ids,
// which objectKeyOrder captures verbatim (including repeats) before the
// enclosing map collapses them.
func firstDuplicate(ids []string) (string, bool) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return id, true
		}
		seen[id] = struct{}{}
	}
	return "", false
}

// GetManifest returns the currently loaded manifest, or nil if none has
// been loaded yet.
func (s *Store) GetManifest() *Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.manifest
}

// GetModels returns the manifest's model table, or nil if unloaded.
func (s *Store) GetModels() map[string]ModelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil
	}
	return s.manifest.Models
}

// GetBackends returns the manifest's backend table, or nil if unloaded.
func (s *Store) GetBackends() map[string]BackendInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil
	}
	return s.manifest.Backends
}

// GetMessages returns the manifest's welcome/warning/note messages, or
// nil if unloaded.
func (s *Store) GetMessages() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return nil
	}
	return s.manifest.Messages
}

// GetDefaultModel returns the id of the first model with IsDefault set,
// in manifest declaration order, or "" if none is marked default.
func (s *Store) GetDefaultModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return ""
	}
	for _, modelID := range s.manifest.ModelOrder {
		if s.manifest.Models[modelID].IsDefault {
			return modelID
		}
	}
	return ""
}

// GetAvailableDefaultModel returns the id of the first default model,
// in manifest declaration order, whose SupportedOS (if set) includes
// the current OS.
func (s *Store) GetAvailableDefaultModel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil {
		return ""
	}
	currentOS := runtime.GOOS
	for _, modelID := range s.manifest.ModelOrder {
		model := s.manifest.Models[modelID]
		if !model.IsDefault {
			continue
		}
		if len(model.SupportedOS) > 0 && !contains(model.SupportedOS, currentOS) {
			continue
		}
		return modelID
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// GetVersionMessages returns every version-gated advisory whose
// predicate matches currentVersion, in the manifest's own declared
// order (no severity-based resorting).
func (s *Store) GetVersionMessages(currentVersion string) ([]VersionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.manifest == nil || s.manifest.VersionMessages == nil {
		return nil, nil
	}

	current, err := parseVersion(currentVersion)
	if err != nil {
		return nil, err
	}

	var matches []VersionMessage
	for _, msg := range s.manifest.VersionMessages {
		ok, err := evaluatePredicate(msg.Version, current)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, msg)
		}
	}
	return matches, nil
}
