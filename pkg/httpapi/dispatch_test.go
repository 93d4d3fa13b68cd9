package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFunctionNameFromPath(t *testing.T) {
	cases := map[string]string{
		"/v1/caption":       "caption",
		"/v1/caption/extra": "caption",
		"/caption":          "caption",
		"/a/b/c":            "c",
		"/v1":               "v1",
		"/":                 "index",
		"":                  "index",
		"//v1//query//":     "query",
	}
	for path, want := range cases {
		assert.Equal(t, want, functionNameFromPath(path), path)
	}
}

func TestExtractTimeout(t *testing.T) {
	args := map[string]any{"timeout": 2.5, "image_url": "x"}
	assert.Equal(t, 2500*time.Millisecond, extractTimeout(args))
	_, present := args["timeout"]
	assert.False(t, present, "timeout must be removed from args")

	args = map[string]any{"timeout": "1.5"}
	assert.Equal(t, 1500*time.Millisecond, extractTimeout(args))

	args = map[string]any{"timeout": "not-a-number"}
	assert.Zero(t, extractTimeout(args))

	assert.Zero(t, extractTimeout(map[string]any{}))
}

func TestExtractStream(t *testing.T) {
	args := map[string]any{"stream": true}
	assert.True(t, extractStream(args))
	_, present := args["stream"]
	assert.False(t, present, "stream must be removed from args")

	assert.True(t, extractStream(map[string]any{"stream": "true"}))
	assert.False(t, extractStream(map[string]any{"stream": "nope"}))
	assert.False(t, extractStream(map[string]any{}))
}

func TestCountTokensSplitsEveryStringValue(t *testing.T) {
	result := map[string]any{
		"caption": "a small cat",
		"extra":   "two words",
		"number":  float64(3),
	}
	assert.Equal(t, 5, countTokens(result))
}
