// Package envconfig reads environment-variable overrides recognized by
// the inference control plane, mirroring the lazy-accessor style used
// throughout moondream-station's ambient configuration surface.
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/moondream/station/pkg/logging"
)

// Var returns an environment variable stripped of leading/trailing quotes and spaces.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// String returns a lazy string accessor for the given environment variable.
func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

// BoolWithDefault returns a lazy bool accessor for the given environment variable,
// allowing a caller-specified default. If the variable is set but cannot be parsed
// as a bool, the defaultValue is returned.
func BoolWithDefault(key string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(key); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return defaultValue
			}
			return b
		}
		return defaultValue
	}
}

// FloatWithDefault returns a lazy float64 accessor for the given environment
// variable. If the variable is unset or unparsable, defaultValue is returned.
func FloatWithDefault(key string) func(defaultValue float64) float64 {
	return func(defaultValue float64) float64 {
		if s := Var(key); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return defaultValue
			}
			return f
		}
		return defaultValue
	}
}

// LogLevel reads LOG_LEVEL and returns the corresponding slog.Level.
func LogLevel() slog.Level {
	return logging.ParseLevel(Var("LOG_LEVEL"))
}

// ShutdownMonitorEnabled reads SHUTDOWN_MONITOR_ENABLED. When unset, the
// caller-supplied config value (or its own default) applies; the override
// only takes effect when the variable is present.
var shutdownMonitorEnabledLazy = BoolWithDefault("SHUTDOWN_MONITOR_ENABLED")

// ShutdownMonitorEnabled returns (value, present): present is false when the
// variable was not set at all, so callers can distinguish "not overridden"
// from "explicitly set to false."
func ShutdownMonitorEnabled() (value bool, present bool) {
	if Var("SHUTDOWN_MONITOR_ENABLED") == "" {
		return false, false
	}
	return shutdownMonitorEnabledLazy(true), true
}

// ShutdownCheckInterval reads SHUTDOWN_CHECK_INTERVAL as a duration in
// seconds. Returns (value, present) with the same not-set semantics as
// ShutdownMonitorEnabled.
func ShutdownCheckInterval() (value time.Duration, present bool) {
	s := Var("SHUTDOWN_CHECK_INTERVAL")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// ShutdownTimeout reads SHUTDOWN_TIMEOUT as a duration in seconds (the idle
// threshold before HostShutdown is invoked). Returns (value, present).
func ShutdownTimeout() (value time.Duration, present bool) {
	s := Var("SHUTDOWN_TIMEOUT")
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// ManifestPath returns MDS_MANIFEST_PATH, the manifest source (URL or local
// path) used by containerized deployments that bypass interactive setup.
func ManifestPath() string {
	return Var("MDS_MANIFEST_PATH")
}

// HostIdentifier returns the first host-identifying environment variable
// present. The serve command logs it and passes it to shutdown.Default,
// which does not use it to choose a termination strategy.
func HostIdentifier() (name, value string, present bool) {
	for _, key := range []string{"RUNPOD_POD_ID"} {
		if v := Var(key); v != "" {
			return key, v, true
		}
	}
	return "", "", false
}

// EnvVar describes a single environment variable with its current value
// and a human-readable description.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns a map of all recognized environment variables with their
// current values and descriptions. Useful for introspection and the
// startup banner.
func AsMap() map[string]EnvVar {
	monitorEnabled, monitorPresent := ShutdownMonitorEnabled()
	checkInterval, checkPresent := ShutdownCheckInterval()
	timeout, timeoutPresent := ShutdownTimeout()
	return map[string]EnvVar{
		"SHUTDOWN_MONITOR_ENABLED": {"SHUTDOWN_MONITOR_ENABLED", describePresence(monitorEnabled, monitorPresent), "Enable/disable the idle-shutdown monitor"},
		"SHUTDOWN_CHECK_INTERVAL":  {"SHUTDOWN_CHECK_INTERVAL", describePresence(checkInterval, checkPresent), "Seconds between idle-monitor stat samples"},
		"SHUTDOWN_TIMEOUT":         {"SHUTDOWN_TIMEOUT", describePresence(timeout, timeoutPresent), "Seconds of sustained idleness before HostShutdown fires"},
		"MDS_MANIFEST_PATH":        {"MDS_MANIFEST_PATH", ManifestPath(), "Manifest source URL or local path for containerized deployments"},
		"LOG_LEVEL":                {"LOG_LEVEL", LogLevel(), "Log verbosity: debug, info, warn, error (default: info)"},
	}
}

func describePresence(value any, present bool) any {
	if !present {
		return "(unset)"
	}
	return value
}
