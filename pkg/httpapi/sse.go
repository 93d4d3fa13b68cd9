package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/moondream/station/pkg/capability"
)

// streamSSE serves result as a server-sent-events response, draining seq
// chunk by chunk and flushing after every frame: no-cache/keep-alive
// headers, an http.Flusher type-assert, and a write loop that stops
// early if the client disconnects.
func (g *Gateway) streamSSE(w http.ResponseWriter, r *http.Request, result map[string]any, seq capability.Sequence, start time.Time, function string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.respondJSON(w, result, start, function)
		return
	}
	defer seq.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	tokens := 0

	for {
		chunk, more, err := seq.Next(ctx)
		if err != nil || !more {
			break
		}
		tokens += len(strings.Fields(chunk))
		writeSSEFrame(w, flusher, map[string]any{"chunk": chunk})

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	duration := time.Since(start).Seconds()
	if tokens > 0 && duration > 0 {
		writeSSEFrame(w, flusher, map[string]any{
			"tokens":         tokens,
			"duration":       duration,
			"tokens_per_sec": float64(tokens) / duration,
		})
	}
	writeSSEFrame(w, flusher, map[string]any{"completed": true})

	success := true
	if _, hasError := result["error"]; hasError {
		success = false
	}
	g.analytics.Track(function, duration*1000, tokens, success, g.currentModel())
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
