// event_script.go - Line-delimited YAML event feed for driving the engine from a file or pipe

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// ScriptEvent is one line of an event feed, written as a YAML flow map:
//
//	{op: telemetry, speed: 0.4, accel: 0.2}
//	{op: profile, key: explosion.tnt, source: authoritative, pos: [3, 64, 9]}
//	{op: sleep, ms: 250}
type ScriptEvent struct {
	Op string `yaml:"op"`

	// telemetry
	Speed    float64 `yaml:"speed"`
	Accel    float64 `yaml:"accel"`
	Airborne bool    `yaml:"airborne"`
	Live     *bool   `yaml:"live"`

	// listener
	Yaw float64 `yaml:"yaw"`

	// profile, trigger, instrument
	Key           string    `yaml:"key"`
	ID            string    `yaml:"id"`
	Source        string    `yaml:"source"`
	Bucket        string    `yaml:"bucket"`
	Pos           []float64 `yaml:"pos"`
	Scale         *float64  `yaml:"scale"`
	DistanceScale *float64  `yaml:"distance_scale"`
	FrequencyHz   float64   `yaml:"freq"`
	EndHz         float64   `yaml:"end_freq"`
	DurationMs    int       `yaml:"duration_ms"`
	Gain          float64   `yaml:"gain"`
	NoiseMix      float64   `yaml:"noise"`
	Pattern       string    `yaml:"pattern"`
	Priority      int       `yaml:"priority"`
	DelayMs       int       `yaml:"delay_ms"`
	Instrument    string    `yaml:"instrument"`
	Directional   bool      `yaml:"directional"`

	// damage
	Intensity *float64 `yaml:"intensity"`

	// calibrate
	Test    string `yaml:"test"`
	Channel string `yaml:"channel"`

	// sleep
	Ms int `yaml:"ms"`
}

// scriptTarget is what an event feed drives. Engine implements it.
type scriptTarget interface {
	UpdateTelemetry(speed, accel float64, airborne bool)
	SetTelemetryLive(live bool)
	SetListener(pose ListenerPose)
	Submit(t Trigger, src SourceKind) SubmitOutcome
	SubmitProfile(key string, ev ProfileEvent, src SourceKind) (SubmitOutcome, error)
	TriggerInstrument(id string, intensityScale float64, hasSource bool, source Vec3) error
	TriggerDamageBurst(intensity01 float64)
	TriggerBiomeChime()
	TestTone(hz int)
	TestSweep()
	TestLatencyPulse()
	TestToneOnChannel(channelID string, frequencyHz float64, durationMs int)
	TestSweepOnChannel(channelID string)
	TestBurstOnChannel(channelID string)
	TestLatencyPulseOnChannel(channelID string)
	StopCalibration()
}

// ParseScriptEvent decodes one feed line.
func ParseScriptEvent(line string) (ScriptEvent, error) {
	var ev ScriptEvent
	if err := yaml.Unmarshal([]byte(line), &ev); err != nil {
		return ScriptEvent{}, err
	}
	ev.Op = strings.ToLower(strings.TrimSpace(ev.Op))
	if ev.Op == "" {
		return ScriptEvent{}, fmt.Errorf("missing op")
	}
	if n := len(ev.Pos); n != 0 && n != 3 {
		return ScriptEvent{}, fmt.Errorf("pos needs 3 coordinates, got %d", n)
	}
	return ev, nil
}

func parseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "authoritative", "server":
		return SourceAuthoritative, nil
	case "inferred", "sound":
		return SourceInferred, nil
	case "local", "input":
		return SourceLocal, nil
	}
	return 0, fmt.Errorf("unknown source %q", s)
}

func (ev *ScriptEvent) position() (Vec3, bool) {
	if len(ev.Pos) != 3 {
		return Vec3{}, false
	}
	return Vec3{X: ev.Pos[0], Y: ev.Pos[1], Z: ev.Pos[2]}, true
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// ApplyScriptEvent runs one event against t. Sleep events block until the
// delay passes or ctx is done.
func ApplyScriptEvent(ctx context.Context, t scriptTarget, ev ScriptEvent) error {
	pos, hasPos := ev.position()
	switch ev.Op {
	case "telemetry":
		if ev.Live != nil && !*ev.Live {
			t.SetTelemetryLive(false)
			return nil
		}
		t.UpdateTelemetry(ev.Speed, ev.Accel, ev.Airborne)
	case "listener":
		t.SetListener(ListenerPose{Position: pos, YawDeg: ev.Yaw})
	case "profile":
		src, err := parseSourceKind(ev.Source)
		if err != nil {
			return err
		}
		_, err = t.SubmitProfile(ev.Key, ProfileEvent{
			Bucket:        ev.Bucket,
			Scale:         floatOr(ev.Scale, 1),
			DistanceScale: floatOr(ev.DistanceScale, 1),
			DelayMs:       ev.DelayMs,
			HasSource:     hasPos,
			Source:        pos,
		}, src)
		return err
	case "trigger":
		src, err := parseSourceKind(ev.Source)
		if err != nil {
			return err
		}
		t.Submit(Trigger{
			Key:            ev.Key,
			Bucket:         ev.Bucket,
			FrequencyHz:    ev.FrequencyHz,
			EndFrequencyHz: ev.EndHz,
			DurationMs:     ev.DurationMs,
			Gain01:         ev.Gain,
			NoiseMix01:     ev.NoiseMix,
			Pattern:        ev.Pattern,
			Priority:       ev.Priority,
			DelayMs:        ev.DelayMs,
			Instrument:     ev.Instrument,
			Directional:    ev.Directional,
			HasSource:      hasPos,
			Source:         pos,
		}, src)
	case "instrument":
		return t.TriggerInstrument(ev.ID, floatOr(ev.Intensity, 1), hasPos, pos)
	case "damage":
		t.TriggerDamageBurst(floatOr(ev.Intensity, 1))
	case "chime":
		t.TriggerBiomeChime()
	case "calibrate":
		return applyCalibration(t, ev)
	case "sleep":
		timer := time.NewTimer(time.Duration(max(0, ev.Ms)) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	default:
		return fmt.Errorf("unknown op %q", ev.Op)
	}
	return nil
}

func applyCalibration(t scriptTarget, ev ScriptEvent) error {
	test := strings.ToLower(strings.TrimSpace(ev.Test))
	if ch := strings.TrimSpace(ev.Channel); ch != "" {
		switch test {
		case "tone":
			f := ev.FrequencyHz
			if f == 0 {
				f = 40
			}
			t.TestToneOnChannel(ch, f, max(ev.DurationMs, 1000))
		case "sweep":
			t.TestSweepOnChannel(ch)
		case "burst":
			t.TestBurstOnChannel(ch)
		case "latency":
			t.TestLatencyPulseOnChannel(ch)
		default:
			return fmt.Errorf("unknown channel test %q", ev.Test)
		}
		return nil
	}
	switch test {
	case "tone30":
		t.TestTone(30)
	case "tone60":
		t.TestTone(60)
	case "sweep":
		t.TestSweep()
	case "latency":
		t.TestLatencyPulse()
	case "stop":
		t.StopCalibration()
	default:
		return fmt.Errorf("unknown calibration test %q", ev.Test)
	}
	return nil
}

// RunEventScript applies every line of r until EOF or ctx is done. Blank
// lines and lines starting with # are skipped; bad lines are logged and
// skipped.
func RunEventScript(ctx context.Context, r io.Reader, t scriptTarget, log logging.LeveledLogger) error {
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ev, err := ParseScriptEvent(line)
		if err == nil {
			err = ApplyScriptEvent(ctx, t, ev)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && log != nil {
			log.Warnf("events:%d: %v", lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}
