package envconfig

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVarStripsQuotesAndSpace(t *testing.T) {
	t.Setenv("MDS_MANIFEST_PATH", `  "https://example.com/manifest.json"  `)
	assert.Equal(t, "https://example.com/manifest.json", ManifestPath())
}

func TestShutdownOverridesReportPresence(t *testing.T) {
	t.Setenv("SHUTDOWN_MONITOR_ENABLED", "")
	_, present := ShutdownMonitorEnabled()
	assert.False(t, present)

	t.Setenv("SHUTDOWN_MONITOR_ENABLED", "false")
	v, present := ShutdownMonitorEnabled()
	assert.True(t, present, "explicitly set to false is still present")
	assert.False(t, v)

	t.Setenv("SHUTDOWN_CHECK_INTERVAL", "1.5")
	d, present := ShutdownCheckInterval()
	assert.True(t, present)
	assert.Equal(t, 1500*time.Millisecond, d)

	t.Setenv("SHUTDOWN_TIMEOUT", "bogus")
	_, present = ShutdownTimeout()
	assert.False(t, present, "unparsable value reads as not set")
}

func TestLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	assert.Equal(t, slog.LevelDebug, LogLevel())

	t.Setenv("LOG_LEVEL", "")
	assert.Equal(t, slog.LevelInfo, LogLevel())
}

func TestHostIdentifier(t *testing.T) {
	t.Setenv("RUNPOD_POD_ID", "")
	_, _, present := HostIdentifier()
	assert.False(t, present)

	t.Setenv("RUNPOD_POD_ID", "pod-123")
	name, value, present := HostIdentifier()
	assert.True(t, present)
	assert.Equal(t, "RUNPOD_POD_ID", name)
	assert.Equal(t, "pod-123", value)
}
