// event_script_test.go - Event feed parsing and dispatch tests

package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// callRecorder implements scriptTarget and consoleTarget by logging calls.
type callRecorder struct {
	mu    sync.Mutex
	calls []string

	triggers []Trigger
	sources  []SourceKind
	profile  ProfileEvent
	pose     ListenerPose

	debugOn  bool
	snap     *DebugSnapshot
	saveErr  error
	profErr  error
	instrErr error
}

func (r *callRecorder) add(format string, args ...any) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *callRecorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRecorder) UpdateTelemetry(speed, accel float64, airborne bool) {
	r.add("telemetry %g %g %t", speed, accel, airborne)
}
func (r *callRecorder) SetTelemetryLive(live bool) { r.add("live %t", live) }
func (r *callRecorder) SetListener(pose ListenerPose) {
	r.pose = pose
	r.add("listener")
}
func (r *callRecorder) Submit(t Trigger, src SourceKind) SubmitOutcome {
	r.triggers = append(r.triggers, t)
	r.sources = append(r.sources, src)
	r.add("submit %s %v", t.Key, src)
	return OutcomePlayed
}
func (r *callRecorder) SubmitProfile(key string, ev ProfileEvent, src SourceKind) (SubmitOutcome, error) {
	r.profile = ev
	r.add("profile %s %v", key, src)
	return OutcomePlayed, r.profErr
}
func (r *callRecorder) TriggerInstrument(id string, intensityScale float64, hasSource bool, source Vec3) error {
	r.add("instrument %s %g %t", id, intensityScale, hasSource)
	return r.instrErr
}
func (r *callRecorder) TriggerDamageBurst(intensity01 float64) { r.add("damage %g", intensity01) }
func (r *callRecorder) TriggerBiomeChime()                     { r.add("chime") }
func (r *callRecorder) TestTone(hz int)                        { r.add("tone %d", hz) }
func (r *callRecorder) TestSweep()                             { r.add("sweep") }
func (r *callRecorder) TestLatencyPulse()                      { r.add("latency") }
func (r *callRecorder) TestToneOnChannel(channelID string, frequencyHz float64, durationMs int) {
	r.add("tone %s %g %d", channelID, frequencyHz, durationMs)
}
func (r *callRecorder) TestSweepOnChannel(channelID string)        { r.add("sweep %s", channelID) }
func (r *callRecorder) TestBurstOnChannel(channelID string)        { r.add("burst %s", channelID) }
func (r *callRecorder) TestLatencyPulseOnChannel(channelID string) { r.add("latency %s", channelID) }
func (r *callRecorder) StopCalibration()                           { r.add("stop") }
func (r *callRecorder) SetDebugCapture(on bool) {
	r.debugOn = on
	r.add("debug %t", on)
}
func (r *callRecorder) DebugCaptureEnabled() bool     { return r.debugOn }
func (r *callRecorder) DebugSnapshot() *DebugSnapshot { return r.snap }
func (r *callRecorder) DominantSource() string        { return "dominant=none" }
func (r *callRecorder) OutputState() OutputState      { return OutputRunning }
func (r *callRecorder) SaveCapture(path string) error {
	r.add("save")
	return r.saveErr
}

func TestParseScriptEvent(t *testing.T) {
	tests := []struct {
		line    string
		wantOp  string
		wantErr bool
	}{
		{"{op: telemetry, speed: 0.4, accel: 0.2}", "telemetry", false},
		{"{op: ' Profile ', key: explosion.tnt, pos: [1, 2, 3]}", "profile", false},
		{"{op: sleep, ms: 5}", "sleep", false},
		{"{speed: 1}", "", true},
		{"{op: profile, pos: [1, 2]}", "", true},
		{"{op: [", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, err := ParseScriptEvent(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ev.Op != tt.wantOp {
				t.Errorf("op = %q, want %q", ev.Op, tt.wantOp)
			}
		})
	}
}

func TestApplyScriptEvent(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"{op: telemetry, speed: 0.4, accel: 0.2, airborne: true}", "telemetry 0.4 0.2 true"},
		{"{op: telemetry, live: false}", "live false"},
		{"{op: listener, pos: [0, 64, 0], yaw: 90}", "listener"},
		{"{op: profile, key: explosion.tnt}", "profile explosion.tnt authoritative"},
		{"{op: profile, key: sound.hit, source: sound}", "profile sound.hit inferred"},
		{"{op: trigger, key: combat.swing, source: input, freq: 60}", "submit combat.swing local"},
		{"{op: instrument, id: magic_pulse, pos: [1, 2, 3]}", "instrument magic_pulse 1 true"},
		{"{op: instrument, id: magic_pulse, intensity: 0.5}", "instrument magic_pulse 0.5 false"},
		{"{op: damage}", "damage 1"},
		{"{op: damage, intensity: 0.3}", "damage 0.3"},
		{"{op: chime}", "chime"},
		{"{op: calibrate, test: tone30}", "tone 30"},
		{"{op: calibrate, test: tone60}", "tone 60"},
		{"{op: calibrate, test: sweep}", "sweep"},
		{"{op: calibrate, test: latency}", "latency"},
		{"{op: calibrate, test: stop}", "stop"},
		{"{op: calibrate, test: tone, channel: FL}", "tone FL 40 1000"},
		{"{op: calibrate, test: tone, channel: SR, freq: 55, duration_ms: 2500}", "tone SR 55 2500"},
		{"{op: calibrate, test: sweep, channel: C}", "sweep C"},
		{"{op: calibrate, test: burst, channel: LFE}", "burst LFE"},
		{"{op: calibrate, test: latency, channel: BL}", "latency BL"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, err := ParseScriptEvent(tt.line)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			r := &callRecorder{}
			if err := ApplyScriptEvent(context.Background(), r, ev); err != nil {
				t.Fatalf("apply: %v", err)
			}
			if got := r.Calls(); len(got) != 1 || got[0] != tt.want {
				t.Errorf("calls = %q, want [%q]", got, tt.want)
			}
		})
	}
}

func TestApplyScriptEvent_Fields(t *testing.T) {
	r := &callRecorder{}
	ev, _ := ParseScriptEvent("{op: profile, key: damage.fall, bucket: fall, scale: 0.25, delay_ms: 12, pos: [3, 64, 9]}")
	if err := ApplyScriptEvent(context.Background(), r, ev); err != nil {
		t.Fatal(err)
	}
	want := ProfileEvent{Bucket: "fall", Scale: 0.25, DistanceScale: 1, DelayMs: 12, HasSource: true, Source: Vec3{X: 3, Y: 64, Z: 9}}
	if r.profile != want {
		t.Errorf("profile event = %+v, want %+v", r.profile, want)
	}

	ev, _ = ParseScriptEvent("{op: trigger, key: sound.step, bucket: step, source: inferred, freq: 50, end_freq: 30, duration_ms: 70, gain: 0.2, noise: 0.4, pattern: punch, priority: 2, directional: true}")
	if err := ApplyScriptEvent(context.Background(), r, ev); err != nil {
		t.Fatal(err)
	}
	tr := r.triggers[0]
	if tr.Bucket != "step" || tr.EndFrequencyHz != 30 || tr.DurationMs != 70 || tr.NoiseMix01 != 0.4 ||
		tr.Pattern != "punch" || tr.Priority != 2 || !tr.Directional || tr.HasSource {
		t.Errorf("trigger = %+v", tr)
	}

	ev, _ = ParseScriptEvent("{op: listener, pos: [5, 70, -2], yaw: 180}")
	ApplyScriptEvent(context.Background(), r, ev)
	if r.pose != (ListenerPose{Position: Vec3{X: 5, Y: 70, Z: -2}, YawDeg: 180}) {
		t.Errorf("pose = %+v", r.pose)
	}
}

func TestApplyScriptEvent_Errors(t *testing.T) {
	tests := []string{
		"{op: explode}",
		"{op: profile, key: x, source: telepathy}",
		"{op: trigger, key: x, source: telepathy}",
		"{op: calibrate, test: hum}",
		"{op: calibrate, test: hum, channel: FL}",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			ev, err := ParseScriptEvent(line)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if err := ApplyScriptEvent(context.Background(), &callRecorder{}, ev); err == nil {
				t.Error("expected an error")
			}
		})
	}

	r := &callRecorder{profErr: ErrUnknownProfile}
	ev, _ := ParseScriptEvent("{op: profile, key: nope}")
	if err := ApplyScriptEvent(context.Background(), r, ev); err != ErrUnknownProfile {
		t.Errorf("profile error not returned: %v", err)
	}
}

func TestApplyScriptEvent_SleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev, _ := ParseScriptEvent("{op: sleep, ms: 60000}")
	start := time.Now()
	if err := ApplyScriptEvent(ctx, &callRecorder{}, ev); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep ignored cancellation")
	}
}

func TestRunEventScript(t *testing.T) {
	script := `
# warm up
{op: telemetry, speed: 0.3, accel: 0}

{op: bogus}
{op: sleep, ms: 1}
{op: profile, key: explosion.tnt, pos: [0, 64, 10]}
not yaml: [
{op: chime}
`
	r := &callRecorder{}
	if err := RunEventScript(context.Background(), strings.NewReader(script), r, nil); err != nil {
		t.Fatalf("RunEventScript: %v", err)
	}
	want := []string{"telemetry 0.3 0 false", "profile explosion.tnt authoritative", "chime"}
	got := r.Calls()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q, want %q", got, want)
	}
}

func TestRunEventScript_CancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &callRecorder{}
	done := make(chan error, 1)
	go func() {
		done <- RunEventScript(ctx, strings.NewReader("{op: chime}\n{op: sleep, ms: 60000}\n{op: chime}\n"), r, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("err = %v, want nil on cancel", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("script did not stop on cancel")
	}
	if got := r.Calls(); len(got) != 1 {
		t.Errorf("calls after cancel = %q", got)
	}
}

func TestRunEventScript_DrivesEngine(t *testing.T) {
	e, _, _ := newTestEngine(t, nil)
	script := "{op: listener, pos: [0, 64, 0]}\n{op: telemetry, speed: 0.2}\n{op: profile, key: explosion.tnt, pos: [0, 64, 20]}\n"
	if err := RunEventScript(context.Background(), strings.NewReader(script), e, nil); err != nil {
		t.Fatal(err)
	}
	last := e.LastEvent()
	if last.Key != "explosion.tnt" || last.Band != BandFront || last.Source != SourceAuthoritative {
		t.Errorf("last event = %+v", last)
	}
	if !e.Active() {
		t.Error("no voice queued")
	}
}
