package testutil

import (
	"context"
	"sync"

	"github.com/septivank/utility-billing-engine/internal/activity"
)

// Recorder collects activity entries in memory
type Recorder struct {
	mu      sync.Mutex
	entries []activity.Entry
	Err     error
}

// Record implements activity.Recorder. When Err is set the entry is dropped
// and Err returned.
func (r *Recorder) Record(_ context.Context, entry activity.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []activity.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]activity.Entry(nil), r.entries...)
}
