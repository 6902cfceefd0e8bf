// suppression_table.go - Bounded, mutex-guarded table of suppression windows

package main

import (
	"strings"
	"sync"
	"time"
)

const (
	SUPPRESSION_CAP  = 24 // entries held before a trim
	SUPPRESSION_TRIM = 16 // most recent entries kept by a trim

	SUPPRESSION_MIN_RADIUS = 0.5
	SUPPRESSION_MIN_WINDOW = 10 * time.Millisecond
)

// SuppressionEntry blocks inferred triggers on Bucket near Position until Expires.
type SuppressionEntry struct {
	Bucket   string
	Priority int
	Expires  time.Time
	Position Vec3
	Radius   float64
}

// SuppressionTable holds the live suppression windows. It is only touched on
// the submission path, never by the audio thread.
type SuppressionTable struct {
	mu      sync.Mutex
	entries []SuppressionEntry
}

func NewSuppressionTable() *SuppressionTable {
	return &SuppressionTable{entries: make([]SuppressionEntry, 0, SUPPRESSION_CAP+1)}
}

// Add registers a window. When the table already holds more than
// SUPPRESSION_CAP entries, only the SUPPRESSION_TRIM most recent are kept
// before the new one is appended. Blank buckets are ignored.
func (t *SuppressionTable) Add(now time.Time, bucket string, priority int, window time.Duration, pos Vec3, radius float64) {
	bucket = strings.ToLower(strings.TrimSpace(bucket))
	if bucket == "" {
		return
	}
	window = max(window, SUPPRESSION_MIN_WINDOW)
	radius = max(radius, SUPPRESSION_MIN_RADIUS)

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.entries) > SUPPRESSION_CAP {
		keep := t.entries[len(t.entries)-SUPPRESSION_TRIM:]
		n := copy(t.entries, keep)
		clear(t.entries[n:])
		t.entries = t.entries[:n]
	}
	t.entries = append(t.entries, SuppressionEntry{
		Bucket:   bucket,
		Priority: priority,
		Expires:  now.Add(window),
		Position: pos,
		Radius:   radius,
	})
}

// Check evicts expired entries, then reports the first entry that
// suppresses an incoming trigger: same bucket, not expired, stored
// priority at least the incoming one, and within radius.
func (t *SuppressionTable) Check(now time.Time, bucket string, priority int, pos Vec3) (SuppressionEntry, bool) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return SuppressionEntry{}, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.entries[:0]
	for _, e := range t.entries {
		if now.Before(e.Expires) {
			live = append(live, e)
		}
	}
	clear(t.entries[len(live):])
	t.entries = live

	for _, e := range t.entries {
		if !strings.EqualFold(e.Bucket, bucket) {
			continue
		}
		if priority > e.Priority {
			continue
		}
		r := max(e.Radius, SUPPRESSION_MIN_RADIUS)
		if e.Position.DistanceSq(pos) <= r*r {
			return e, true
		}
	}
	return SuppressionEntry{}, false
}

// Len is the number of entries currently held, expired or not.
func (t *SuppressionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot copies the current entries, oldest first.
func (t *SuppressionTable) Snapshot() []SuppressionEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SuppressionEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
