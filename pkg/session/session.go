// Package session tracks the gateway's in-memory request counter.
package session

import "sync/atomic"

// Recorder counts successfully dispatched requests.
type Recorder struct {
	processed atomic.Int64
}

// NewRecorder returns a ready-to-use Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordRequest is called once per successfully dispatched request; path
// is accepted for future per-path breakdowns but only folds into a
// single running total today.
func (r *Recorder) RecordRequest(path string) {
	r.processed.Add(1)
}

// RequestsProcessed returns the running total of recorded requests.
func (r *Recorder) RequestsProcessed() int64 {
	return r.processed.Load()
}
