package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/moondream/station/pkg/capability"
	"github.com/moondream/station/pkg/middleware"
)

const maxDynamicRequestBody = 32 << 20 // 32 MiB, generous for base64 image payloads

// handleDynamic derives the function name from the path, collects
// keyword arguments from every source the request carries, extracts
// timeout/stream, and invokes the bound Inference Service.
func (g *Gateway) handleDynamic(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !g.service.IsRunning() {
		http.Error(w, "Inference service is not running", http.StatusServiceUnavailable)
		return
	}

	function := functionNameFromPath(r.URL.Path)

	args, err := collectArgs(w, r)
	if err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	timeout := extractTimeout(args)
	stream := extractStream(args)

	result, err := g.service.Execute(r.Context(), function, args, timeout)
	if err != nil {
		g.analytics.Track(function, float64(time.Since(start).Milliseconds()), 0, false, g.currentModel())
		writeJSON(w, http.StatusOK, map[string]any{
			"error":      err.Error(),
			"status":     "error",
			"request_id": middleware.RequestID(r.Context()),
		})
		return
	}

	if result["status"] == "rejected" {
		g.analytics.Track(function, float64(time.Since(start).Milliseconds()), 0, false, g.currentModel())
		writeJSON(w, http.StatusServiceUnavailable, result)
		return
	}

	g.session.RecordRequest(r.URL.Path)

	if stream {
		if seq, ok := firstSequence(result); ok {
			g.streamSSE(w, r, result, seq, start, function)
			return
		}
	} else {
		collapseSequences(r.Context(), result)
	}

	g.respondJSON(w, result, start, function)
}

// functionNameFromPath derives the dispatch target from the request
// path: split on "/", drop empties; if the first segment is "v1" and
// more segments follow, take the second; otherwise take the last; an
// empty path maps to "index".
func functionNameFromPath(path string) string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		return "index"
	}
	if segments[0] == "v1" && len(segments) > 1 {
		return segments[1]
	}
	return segments[len(segments)-1]
}

// collectArgs gathers keyword arguments in precedence order: JSON body,
// url-encoded form body, multipart form body, then query string; each
// later source overrides keys the earlier ones set. The request's
// headers and method are always injected under "_headers" and
// "_method".
func collectArgs(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	args := map[string]any{}

	r.Body = http.MaxBytesReader(w, r.Body, maxDynamicRequestBody)

	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "application/json") {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		for k, v := range body {
			args[k] = v
		}
	} else if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		for k := range r.PostForm {
			args[k] = r.PostForm.Get(k)
		}
	} else if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxDynamicRequestBody); err != nil {
			return nil, err
		}
		if r.MultipartForm != nil {
			for k, values := range r.MultipartForm.Value {
				if len(values) > 0 {
					args[k] = values[0]
				}
			}
		}
	}

	for k, values := range r.URL.Query() {
		if len(values) > 0 {
			args[k] = values[0]
		}
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	args["_headers"] = headers
	args["_method"] = r.Method

	return args, nil
}

// extractTimeout removes "timeout" from args and coerces it to a
// duration; a missing or unparsable value leaves the zero Duration so
// the caller's default timeout applies.
func extractTimeout(args map[string]any) time.Duration {
	raw, ok := args["timeout"]
	if !ok {
		return 0
	}
	delete(args, "timeout")

	switch v := raw.(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return time.Duration(f * float64(time.Second))
	default:
		return 0
	}
}

// extractStream removes "stream" from args and coerces it to a bool,
// defaulting to false.
func extractStream(args map[string]any) bool {
	raw, ok := args["stream"]
	if !ok {
		return false
	}
	delete(args, "stream")

	switch v := raw.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	default:
		return false
	}
}

// firstSequence finds the first capability.Sequence value in result: a
// mapping without an "error" key containing at least one lazy-sequence
// value qualifies for SSE.
func firstSequence(result map[string]any) (capability.Sequence, bool) {
	if _, hasError := result["error"]; hasError {
		return nil, false
	}
	for _, v := range result {
		if seq, ok := v.(capability.Sequence); ok {
			return seq, true
		}
	}
	return nil, false
}

// collapseSequences handles a non-streaming request whose result holds a
// capability.Sequence: the value is replaced in place by its first
// chunk, and the remainder of the sequence is drained and closed so the
// provider's resources are released even though the caller never
// consumes it.
func collapseSequences(ctx context.Context, result map[string]any) {
	for k, v := range result {
		seq, ok := v.(capability.Sequence)
		if !ok {
			continue
		}
		first, ok, err := seq.Next(ctx)
		if err != nil || !ok {
			result[k] = ""
		} else {
			result[k] = first
		}
		go drainAndClose(seq)
	}
}

func drainAndClose(seq capability.Sequence) {
	defer seq.Close()
	for {
		_, ok, err := seq.Next(context.Background())
		if err != nil || !ok {
			return
		}
	}
}

func (g *Gateway) currentModel() string {
	return g.service.Stats().Model
}

// respondJSON serializes result as JSON, attaching a _stats object
// (tokens/duration/tokens_per_sec) computed by whitespace-splitting
// every string value in result, when both token count and duration are
// positive.
func (g *Gateway) respondJSON(w http.ResponseWriter, result map[string]any, start time.Time, function string) {
	duration := time.Since(start).Seconds()

	success := true
	if _, hasError := result["error"]; hasError {
		success = false
	}

	tokens := 0
	if success {
		tokens = countTokens(result)
	}
	g.analytics.Track(function, duration*1000, tokens, success, g.currentModel())

	body := make(map[string]any, len(result)+1)
	for k, v := range result {
		body[k] = v
	}
	if tokens > 0 && duration > 0 {
		body["_stats"] = map[string]any{
			"tokens":         tokens,
			"duration":       duration,
			"tokens_per_sec": float64(tokens) / duration,
		}
	}

	writeJSON(w, http.StatusOK, body)
}

func countTokens(result map[string]any) int {
	total := 0
	for _, v := range result {
		if s, ok := v.(string); ok {
			total += len(strings.Fields(s))
		}
	}
	return total
}
