// event_bus_test.go - Arbitration between authoritative, local and inferred triggers

package main

import (
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	impulses []Impulse
}

func (s *recordingSink) TriggerImpulse(imp Impulse) {
	s.mu.Lock()
	s.impulses = append(s.impulses, imp)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.impulses)
}

func (s *recordingSink) last() Impulse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.impulses[len(s.impulses)-1]
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBus() (*EventBus, *recordingSink, *fakeClock) {
	sink := &recordingSink{}
	clock := newFakeClock()
	bus := NewEventBus(sink, DefaultEncodingTable(), nil)
	bus.SetClock(clock.Now)
	return bus, sink, clock
}

func TestEventBus_ExplosionScenario(t *testing.T) {
	p := Vec3{X: 100, Y: 64, Z: 100}
	near := Vec3{X: 105, Y: 64, Z: 100}

	auth := Trigger{Key: "explosion.tnt", FrequencyHz: 40, DurationMs: 300, Gain01: 1, Priority: 10, HasSource: true, Source: p}
	inferred := Trigger{Key: "sound.explosion", Bucket: "explosion", FrequencyHz: 45, DurationMs: 200, Gain01: 0.8, Priority: 5, HasSource: true, Source: near}

	t.Run("suppressed inside window", func(t *testing.T) {
		bus, sink, clock := newTestBus()
		if got := bus.Submit(auth, SourceAuthoritative); got != OutcomePlayed {
			t.Fatalf("authoritative outcome = %v", got)
		}
		clock.Advance(100 * time.Millisecond)
		if got := bus.Submit(inferred, SourceInferred); got != OutcomeSuppressed {
			t.Fatalf("inferred outcome at 100ms = %v, want suppressed", got)
		}
		if sink.count() != 1 {
			t.Errorf("sink saw %d impulses, want only the authoritative one", sink.count())
		}
		ls := bus.LastSuppression()
		if ls.Bucket != "explosion" || ls.IncomingPriority != 5 || ls.StoredPriority != 10 {
			t.Errorf("LastSuppression = %+v", ls)
		}
		if bus.LastEvent().Source != SourceAuthoritative {
			t.Errorf("suppressed trigger replaced LastEvent: %+v", bus.LastEvent())
		}
	})

	t.Run("plays after window", func(t *testing.T) {
		bus, sink, clock := newTestBus()
		bus.Submit(auth, SourceAuthoritative)
		clock.Advance(150 * time.Millisecond)
		if got := bus.Submit(inferred, SourceInferred); got != OutcomePlayed {
			t.Fatalf("inferred outcome at 150ms = %v, want played", got)
		}
		if sink.count() != 2 {
			t.Fatalf("sink saw %d impulses, want 2", sink.count())
		}
		imp := sink.last()
		if imp.Pattern != "single" || imp.PulsePeriodMs != 160 || imp.PulseWidthMs != 60 {
			t.Errorf("inferred defaults not applied: %+v", imp)
		}
		if imp.DistanceM < 4.99 || imp.DistanceM > 5.01 {
			t.Errorf("DistanceM = %v, want 5", imp.DistanceM)
		}
		if le := bus.LastEvent(); le.Source != SourceInferred || le.Key != "sound.explosion" {
			t.Errorf("LastEvent = %+v", le)
		}
	})

	t.Run("higher priority plays", func(t *testing.T) {
		bus, sink, clock := newTestBus()
		bus.Submit(auth, SourceAuthoritative)
		clock.Advance(50 * time.Millisecond)
		loud := inferred
		loud.Priority = 11
		if got := bus.Submit(loud, SourceInferred); got != OutcomePlayed {
			t.Fatalf("outcome = %v, want played", got)
		}
		if sink.count() != 2 {
			t.Errorf("sink saw %d impulses", sink.count())
		}
	})
}

func TestEventBus_Rules(t *testing.T) {
	pos := Vec3{X: 1, Z: 1}
	tests := []struct {
		name     string
		key      string
		src      SourceKind
		priority int
		bucket   string
		inferPri int
		after    time.Duration
		want     SubmitOutcome
	}{
		{"block break", "world.block_break", SourceAuthoritative, 6, "block_break", 6, 60 * time.Millisecond, OutcomeSuppressed},
		{"block break expired", "world.block_break", SourceAuthoritative, 6, "block_break", 6, 90 * time.Millisecond, OutcomePlayed},
		{"hit covers hurt", "combat.hit", SourceAuthoritative, 8, "hurt", 8, 10 * time.Millisecond, OutcomeSuppressed},
		{"hit covers attack", "combat.hit", SourceAuthoritative, 8, "attack", 2, 10 * time.Millisecond, OutcomeSuppressed},
		{"attack floor priority", "gameplay.attack_sword", SourceLocal, 1, "attack", 5, 100 * time.Millisecond, OutcomeSuppressed},
		{"use door window", "gameplay.use_item", SourceLocal, 0, "door", 3, 130 * time.Millisecond, OutcomeSuppressed},
		{"use lever expired", "gameplay.use_item", SourceLocal, 0, "lever", 3, 130 * time.Millisecond, OutcomePlayed},
		{"local without rule", "gameplay.jump", SourceLocal, 50, "jump", 1, 0, OutcomePlayed},
		{"authoritative inferred rules ignored", "gameplay.attack_sword", SourceAuthoritative, 50, "attack", 1, 0, OutcomePlayed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, _, clock := newTestBus()
			bus.Submit(Trigger{Key: tt.key, Priority: tt.priority, HasSource: true, Source: pos, FrequencyHz: 40, DurationMs: 50, Gain01: 1}, tt.src)
			clock.Advance(tt.after)
			got := bus.Submit(Trigger{Key: "sound." + tt.bucket, Bucket: tt.bucket, Priority: tt.inferPri, HasSource: true, Source: pos, FrequencyHz: 40, DurationMs: 50, Gain01: 1}, SourceInferred)
			if got != tt.want {
				t.Errorf("outcome = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEventBus_BlankKeyIsPermissive(t *testing.T) {
	bus, sink, _ := newTestBus()
	bus.Submit(Trigger{Key: "  ", Priority: 100, HasSource: true}, SourceAuthoritative)
	if bus.Table().Len() != 0 {
		t.Errorf("blank key registered %d windows", bus.Table().Len())
	}
	if got := bus.Submit(Trigger{Priority: 0, HasSource: true}, SourceInferred); got != OutcomePlayed {
		t.Errorf("blank inferred trigger outcome = %v", got)
	}
	if sink.count() != 2 {
		t.Errorf("sink saw %d impulses, want 2", sink.count())
	}
}

func TestEventBus_EncodesForListener(t *testing.T) {
	bus, sink, _ := newTestBus()
	enc := DefaultEncodingTable()
	enc.Left = BandParams{FrequencyBiasHz: 10, TimeOffsetMs: 8, IntensityMul: 0.5}
	bus.SetEncoding(enc)
	bus.SetListener(ListenerPose{Position: Vec3{X: 10}, YawDeg: 0})

	bus.Submit(Trigger{Key: "ui.ping", FrequencyHz: 40, EndFrequencyHz: 30, DurationMs: 80, Gain01: 0.8, DelayMs: 5, Directional: true, HasSource: true, Source: Vec3{X: 2}}, SourceAuthoritative)
	imp := sink.last()
	if imp.Band != BandLeft || imp.StartHz != 50 || imp.EndHz != 40 {
		t.Errorf("band/frequency = %v %v→%v", imp.Band, imp.StartHz, imp.EndHz)
	}
	if imp.Gain01 != 0.4 || imp.DelayMs != 13 {
		t.Errorf("gain/delay = %v %v", imp.Gain01, imp.DelayMs)
	}
	if imp.AzimuthDeg > -89 || imp.AzimuthDeg < -91 {
		t.Errorf("azimuth = %v, want -90", imp.AzimuthDeg)
	}

	bus.SetEncoding(nil)
	bus.Submit(Trigger{Key: "ui.ping", FrequencyHz: 40, DurationMs: 80, Gain01: 0.8, Directional: true, HasSource: true, Source: Vec3{X: 2}}, SourceAuthoritative)
	if imp := sink.last(); imp.StartHz != 40 || imp.Band != BandCenter {
		t.Errorf("nil encoding should pass through, got %+v", imp)
	}
}

func TestEventBus_ConcurrentSubmit(t *testing.T) {
	bus, sink, _ := newTestBus()
	var wg sync.WaitGroup
	for w := range 4 {
		wg.Go(func() {
			for i := range 200 {
				src := SourceKind(w % 3)
				bus.Submit(Trigger{Key: "explosion.x", Bucket: "explosion", Priority: i % 12, HasSource: true, Source: Vec3{X: float64(i % 7)}, FrequencyHz: 40, DurationMs: 20, Gain01: 0.5}, src)
				_ = bus.LastEvent()
				_ = bus.LastSuppression()
			}
		})
	}
	wg.Wait()
	if sink.count() == 0 {
		t.Error("no triggers reached the sink")
	}
	if n := bus.Table().Len(); n > SUPPRESSION_CAP+1 {
		t.Errorf("table grew to %d entries", n)
	}
}
