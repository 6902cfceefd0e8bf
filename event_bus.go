// event_bus.go - Trigger ingress: suppression between sources, directional encoding and dispatch

package main

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/logging"
)

// SourceKind says where a trigger came from.
type SourceKind int

const (
	// SourceAuthoritative is the host's explicit event stream (explosions,
	// block breaks, hits).
	SourceAuthoritative SourceKind = iota
	// SourceInferred is a trigger derived from heard sounds. It is the one
	// that gets suppressed.
	SourceInferred
	// SourceLocal is the local player's own input (attack, use).
	SourceLocal
)

func (s SourceKind) String() string {
	switch s {
	case SourceAuthoritative:
		return "authoritative"
	case SourceInferred:
		return "inferred"
	case SourceLocal:
		return "local"
	}
	return "unknown"
}

// Trigger is a request to play one haptic impulse.
type Trigger struct {
	Key            string // debug/effect key, e.g. "explosion.tnt"
	Bucket         string // suppression bucket for inferred triggers; defaults to Key
	FrequencyHz    float64
	EndFrequencyHz float64 // 0 means no sweep
	DurationMs     int
	Gain01         float64
	NoiseMix01     float64
	Pattern        string
	PulsePeriodMs  int
	PulseWidthMs   int
	Priority       int
	DelayMs        int
	Instrument     string

	Directional bool
	HasSource   bool
	Source      Vec3
}

// ImpulseSink receives encoded impulses. The engine implements it.
type ImpulseSink interface {
	TriggerImpulse(Impulse)
}

// SubmitOutcome reports what Submit did with a trigger.
type SubmitOutcome int

const (
	OutcomePlayed SubmitOutcome = iota
	OutcomeSuppressed
)

// LastEvent is the most recent trigger that reached synthesis.
type LastEvent struct {
	Source      SourceKind
	Key         string
	Priority    int
	FrequencyHz float64
	Gain01      float64
	Band        Band
	At          time.Time
}

// LastSuppression is the most recent inferred trigger that was dropped.
type LastSuppression struct {
	Bucket           string
	IncomingPriority int
	StoredPriority   int
	At               time.Time
}

type suppressionRule struct {
	buckets     []string
	minPriority int
	window      time.Duration
	radius      float64
}

// suppressionRulesFor lists the windows an authoritative or local trigger
// opens against inferred triggers that would duplicate it.
func suppressionRulesFor(src SourceKind, key string) []suppressionRule {
	switch src {
	case SourceAuthoritative:
		switch {
		case strings.HasPrefix(key, "explosion"):
			return []suppressionRule{{buckets: []string{"explosion"}, window: 120 * time.Millisecond, radius: 18}}
		case key == "world.block_break":
			return []suppressionRule{{buckets: []string{"block_break"}, window: 80 * time.Millisecond, radius: 6}}
		case key == "combat.hit":
			return []suppressionRule{{buckets: []string{"attack", "hurt"}, window: 90 * time.Millisecond, radius: 6}}
		}
	case SourceLocal:
		switch {
		case strings.HasPrefix(key, "gameplay.attack_"):
			return []suppressionRule{{buckets: []string{"attack"}, minPriority: 5, window: 120 * time.Millisecond, radius: 5.5}}
		case strings.HasPrefix(key, "gameplay.use_"):
			return []suppressionRule{
				{buckets: []string{"button", "lever"}, minPriority: 3, window: 120 * time.Millisecond, radius: 5.0},
				{buckets: []string{"door", "container"}, minPriority: 3, window: 140 * time.Millisecond, radius: 6.5},
				{buckets: []string{"block_place"}, minPriority: 3, window: 120 * time.Millisecond, radius: 5.5},
			}
		}
	}
	return nil
}

// EventBus arbitrates triggers from independent sources and forwards the
// survivors, encoded for the listener, to an ImpulseSink.
type EventBus struct {
	table *SuppressionTable
	sink  ImpulseSink
	log   logging.LeveledLogger
	now   func() time.Time

	mu              sync.Mutex
	encoding        *EncodingTable
	listener        ListenerPose
	lastEvent       LastEvent
	lastSuppression LastSuppression
}

// NewEventBus creates a bus that dispatches to sink. log may be nil.
func NewEventBus(sink ImpulseSink, enc *EncodingTable, log logging.LeveledLogger) *EventBus {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("bus")
	}
	return &EventBus{
		table:    NewSuppressionTable(),
		sink:     sink,
		log:      log,
		now:      time.Now,
		encoding: enc,
	}
}

// SetClock replaces the time source. Used by tests.
func (b *EventBus) SetClock(now func() time.Time) {
	b.now = now
}

// SetListener updates the pose directional encoding is relative to.
func (b *EventBus) SetListener(pose ListenerPose) {
	b.mu.Lock()
	b.listener = pose
	b.mu.Unlock()
}

// SetEncoding swaps the encoding table; nil disables directional encoding.
func (b *EventBus) SetEncoding(enc *EncodingTable) {
	b.mu.Lock()
	b.encoding = enc
	b.mu.Unlock()
}

// Table exposes the suppression table for inspection.
func (b *EventBus) Table() *SuppressionTable { return b.table }

// Submit arbitrates one trigger. Authoritative and local triggers open
// suppression windows and always play; inferred triggers are dropped when
// a window covers them.
func (b *EventBus) Submit(t Trigger, src SourceKind) SubmitOutcome {
	now := b.now()
	key := strings.ToLower(strings.TrimSpace(t.Key))

	switch src {
	case SourceAuthoritative, SourceLocal:
		if key != "" && t.HasSource {
			for _, rule := range suppressionRulesFor(src, key) {
				pri := max(t.Priority, rule.minPriority)
				for _, bucket := range rule.buckets {
					b.table.Add(now, bucket, pri, rule.window, t.Source, rule.radius)
				}
			}
		}
	case SourceInferred:
		bucket := t.Bucket
		if strings.TrimSpace(bucket) == "" {
			bucket = key
		}
		if t.HasSource {
			if e, hit := b.table.Check(now, bucket, t.Priority, t.Source); hit {
				b.mu.Lock()
				b.lastSuppression = LastSuppression{
					Bucket:           e.Bucket,
					IncomingPriority: t.Priority,
					StoredPriority:   e.Priority,
					At:               now,
				}
				b.mu.Unlock()
				b.log.Debugf("suppressed inferred %q (bucket %s, pri %d <= %d)", key, e.Bucket, t.Priority, e.Priority)
				return OutcomeSuppressed
			}
		}
		if t.Pattern == "" {
			t.Pattern = "single"
		}
		if t.PulsePeriodMs == 0 {
			t.PulsePeriodMs = 160
		}
		if t.PulseWidthMs == 0 {
			t.PulseWidthMs = 60
		}
	}

	b.mu.Lock()
	enc, pose := b.encoding, b.listener
	b.mu.Unlock()

	e := Encode(enc, pose, t.Directional, t.HasSource, t.Source, t.FrequencyHz, t.Gain01)
	imp := Impulse{
		StartHz:       e.FrequencyHz,
		EndHz:         e.FrequencyHz,
		DurationMs:    t.DurationMs,
		Gain01:        e.Gain01,
		NoiseMix01:    t.NoiseMix01,
		Pattern:       t.Pattern,
		PulsePeriodMs: t.PulsePeriodMs,
		PulseWidthMs:  t.PulseWidthMs,
		Priority:      t.Priority,
		DelayMs:       max(0, t.DelayMs) + e.DelayMs,
		DebugKey:      strings.TrimSpace(t.Key),
		Instrument:    t.Instrument,
		Band:          e.Band,
	}
	if t.EndFrequencyHz > 0 {
		imp.EndHz = t.EndFrequencyHz + (e.FrequencyHz - t.FrequencyHz)
	}
	if t.HasSource {
		if az, ok := Azimuth(pose, t.Source); ok {
			imp.AzimuthDeg = az
		}
		imp.DistanceM = sqrtDistance(pose.Position, t.Source)
	}

	b.mu.Lock()
	b.lastEvent = LastEvent{
		Source:      src,
		Key:         key,
		Priority:    t.Priority,
		FrequencyHz: e.FrequencyHz,
		Gain01:      e.Gain01,
		Band:        e.Band,
		At:          now,
	}
	b.mu.Unlock()

	if b.sink != nil {
		b.sink.TriggerImpulse(imp)
	}
	return OutcomePlayed
}

// LastEvent returns the most recent trigger that reached synthesis.
func (b *EventBus) LastEvent() LastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEvent
}

// LastSuppression returns the most recent suppressed trigger.
func (b *EventBus) LastSuppression() LastSuppression {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuppression
}
