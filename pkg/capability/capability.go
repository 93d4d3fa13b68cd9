// Package capability defines the fixed set of named vision-language
// operations a backend provider may implement, their recognized input
// keys, and the lazy streaming iterator used by the caption/query
// capabilities when a caller asks for incremental output.
package capability

import (
	"context"
	"fmt"
)

// Name identifies one of the six recognized capability functions.
type Name string

const (
	Caption     Name = "caption"
	Query       Name = "query"
	Detect      Name = "detect"
	Point       Name = "point"
	BatchDetect Name = "batch_detect"
	CountTokens Name = "count_tokens"
)

// All lists every recognized capability name, in the fixed order they
// are validated and advertised in (matching the manifest's Functions
// field ordering expectations).
var All = []Name{Caption, Query, Detect, Point, BatchDetect, CountTokens}

// Valid reports whether n is one of the recognized capability names.
func Valid(n Name) bool {
	for _, c := range All {
		if c == n {
			return true
		}
	}
	return false
}

// recognizedKeys lists the accepted argument keys for each capability,
// used to validate a request's keyword arguments before dispatch (in
// service.Execute, before queueing, and again in backend.Handle.Invoke
// before the provider runs). "object" is the sole canonical key for
// detect/point; "obj" is deliberately absent here and is rejected by
// ValidateArgs rather than accepted as an alias, resolving the
// reference implementation's dual-key ambiguity in favor of a single
// name.
var recognizedKeys = map[Name]map[string]bool{
	Caption:     {"image_url": true, "length": true, "stream": true, "settings": true, "variant": true},
	Query:       {"image_url": true, "question": true, "stream": true, "reasoning": true, "settings": true, "variant": true},
	Detect:      {"image_url": true, "object": true, "settings": true, "variant": true},
	Point:       {"image_url": true, "object": true, "settings": true, "variant": true},
	BatchDetect: {"image_url": true, "phrases": true, "delimiter": true, "settings": true},
	CountTokens: {"text": true},
}

// requiredKeys lists the keys that must be present for each capability.
var requiredKeys = map[Name][]string{
	Caption:     {"image_url"},
	Query:       {"image_url", "question"},
	Detect:      {"image_url", "object"},
	Point:       {"image_url", "object"},
	BatchDetect: {"image_url", "phrases"},
	CountTokens: {"text"},
}

// ValidateArgs checks args against the capability's recognized key set:
// every required key must be present, and no unrecognized key (notably
// "obj", the rejected alias of "object") may appear.
func ValidateArgs(name Name, args map[string]any) error {
	allowed, ok := recognizedKeys[name]
	if !ok {
		return fmt.Errorf("capability: unknown function %q", name)
	}

	for key := range args {
		if key == "_headers" || key == "_method" {
			continue
		}
		if !allowed[key] {
			return fmt.Errorf("capability: %s: unrecognized argument %q", name, key)
		}
	}

	for _, key := range requiredKeys[name] {
		if _, ok := args[key]; !ok {
			return fmt.Errorf("capability: %s: missing required argument %q", name, key)
		}
	}

	return nil
}

// Sequence is a lazy iterator of string chunks, returned by a provider
// when a caption/query call is asked to stream. Next blocks until the
// next chunk is available, ctx is cancelled, or the sequence is
// exhausted. Close releases any resources held by the sequence and must
// be safe to call after Next has returned ok=false.
type Sequence interface {
	Next(ctx context.Context) (chunk string, ok bool, err error)
	Close() error
}

// SliceSequence adapts a pre-computed slice of chunks into a Sequence,
// used by providers (and tests) that don't need true incremental
// generation but still want to exercise the streaming response path.
type SliceSequence struct {
	chunks []string
	pos    int
}

// NewSliceSequence returns a Sequence that yields chunks in order.
func NewSliceSequence(chunks []string) *SliceSequence {
	return &SliceSequence{chunks: chunks}
}

func (s *SliceSequence) Next(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if s.pos >= len(s.chunks) {
		return "", false, nil
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, true, nil
}

func (s *SliceSequence) Close() error { return nil }
