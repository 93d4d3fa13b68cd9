package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	home := t.TempDir()
	s, err := New(home)
	require.NoError(t, err)
	return s, home
}

func TestFreshStoreCarriesDefaults(t *testing.T) {
	s, home := newTestStore(t)

	assert.Equal(t, DefaultServicePort, s.GetInt("service_port", 0))
	assert.Equal(t, DefaultServiceHost, s.GetString("service_host", ""))
	assert.Equal(t, DefaultInferenceWorkers, s.GetInt("inference_workers", 0))
	assert.Equal(t, DefaultInferenceMaxQueue, s.GetInt("inference_max_queue_size", 0))
	assert.Equal(t, DefaultInferenceTimeoutSecs, s.GetFloat("inference_timeout", 0))
	assert.Equal(t, filepath.Join(home, "models"), s.GetString("models_dir", ""))
	assert.False(t, s.GetBool("shutdown_monitor_enabled", true))
	assert.Equal(t, DefaultAllowedOrigins, s.GetStringSlice("allowed_origins", nil))
}

func TestSetPersistsToDisk(t *testing.T) {
	s, home := newTestStore(t)
	s.Set("current_model", "moondream-2b")

	data, err := os.ReadFile(filepath.Join(home, "config.json"))
	require.NoError(t, err)
	var values map[string]any
	require.NoError(t, json.Unmarshal(data, &values))
	assert.Equal(t, "moondream-2b", values["current_model"])

	// A second store constructed over the same home reads the saved value.
	s2, err := New(home)
	require.NoError(t, err)
	assert.Equal(t, "moondream-2b", s2.GetString("current_model", ""))
}

func TestGetStringSliceSurvivesJSONRoundTrip(t *testing.T) {
	s, home := newTestStore(t)
	s.Set("allowed_origins", []string{"http://example.com"})

	s2, err := New(home)
	require.NoError(t, err)
	// After the round trip the value is a []any of strings; the accessor
	// must coerce it back.
	assert.Equal(t, []string{"http://example.com"}, s2.GetStringSlice("allowed_origins", nil))
}

func TestDeleteReportsPresence(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("detection_api_key", "secret")
	assert.True(t, s.Delete("detection_api_key"))
	assert.False(t, s.Delete("detection_api_key"))
	assert.Equal(t, "", s.GetString("detection_api_key", ""))
}

func TestGetFallsBackOnTypeMismatch(t *testing.T) {
	s, _ := newTestStore(t)
	s.Set("service_port", "not-a-port")
	assert.Equal(t, 9999, s.GetInt("service_port", 9999))
}
