// haptic_config_test.go - Configuration defaults, sanitisation, persistence and store tests

package main

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
)

func TestDefaultConfig_IsSane(t *testing.T) {
	cfg := DefaultConfig()
	want := DefaultConfig()
	cfg.Sanitize()
	if !reflect.DeepEqual(cfg, want) {
		t.Errorf("Sanitize changed the defaults:\n got %+v\nwant %+v", cfg, want)
	}
	if len(cfg.SoundScape.Calibration) != CHANNELS_7_1 {
		t.Errorf("default calibration has %d channels", len(cfg.SoundScape.Calibration))
	}
	if cfg.OutputChannels() != CHANNELS_STEREO {
		t.Errorf("OutputChannels = %d with the sound scape off", cfg.OutputChannels())
	}
}

func TestConfig_Sanitize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.Backend = " PortAudio "
	cfg.Output.BufferFrames = -1
	cfg.Output.MasterVolume = math.NaN()
	cfg.Output.Headroom = 0
	cfg.Output.LimiterDrive = 50
	cfg.Output.EQ.FreqHz = 500
	cfg.Output.EQ.GainDb = -40
	cfg.Output.SmartVolume.TargetPct = 100
	cfg.SoundScape.Channels = 6
	cfg.SoundScape.DistanceAttenStrength = math.Inf(1)
	cfg.SoundScape.Calibration = map[string]TransducerCalibration{
		"fl": {GainDb: 40, EqFreqHz: 1, EqGainDb: 30, ComfortLimit01: 2},
	}
	cfg.Effects.RoadTexture.Gain = 3
	cfg.Effects.DamageBurst.DurationMs = 0
	cfg.Effects.AccelBump.Threshold = -1

	cfg.Sanitize()

	checks := []struct {
		name      string
		got, want any
	}{
		{"backend", cfg.Output.Backend, "portaudio"},
		{"buffer frames", cfg.Output.BufferFrames, FRAMES_PER_BUFFER},
		{"master volume", cfg.Output.MasterVolume, 0.35},
		{"headroom", cfg.Output.Headroom, 0.10},
		{"limiter drive", cfg.Output.LimiterDrive, 8.0},
		{"eq freq", cfg.Output.EQ.FreqHz, 120},
		{"eq gain", cfg.Output.EQ.GainDb, -12},
		{"smart target", cfg.Output.SmartVolume.TargetPct, 90},
		{"channels", cfg.SoundScape.Channels, CHANNELS_STEREO},
		{"distance atten", cfg.SoundScape.DistanceAttenStrength, 0.5},
		{"road gain", cfg.Effects.RoadTexture.Gain, 0.5},
		{"burst duration", cfg.Effects.DamageBurst.DurationMs, 10},
		{"bump threshold", cfg.Effects.AccelBump.Threshold, 0.14},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if _, ok := cfg.SoundScape.Calibration["fl"]; ok {
		t.Error("lowercase calibration key kept")
	}
	want := TransducerCalibration{GainDb: 24, EqFreqHz: 10, EqGainDb: 12, ComfortLimit01: 1}
	if got := cfg.CalibrationFor("FL"); got != want {
		t.Errorf("FL calibration = %+v, want %+v", got, want)
	}
	if got := cfg.CalibrationFor("SL"); got != DefaultTransducerCalibration() {
		t.Errorf("unconfigured channel = %+v", got)
	}

	cfg.Output.Backend = "jack"
	cfg.Sanitize()
	if cfg.Output.Backend != "auto" {
		t.Errorf("unknown backend = %q, want auto", cfg.Output.Backend)
	}

	again := cfg.Clone()
	again.Sanitize()
	if !reflect.DeepEqual(again, cfg) {
		t.Error("Sanitize is not idempotent")
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := DefaultConfig()
	c := cfg.Clone()
	c.SoundScape.Groups["front"][0] = "C"
	c.SoundScape.CategoryRouting["damage"] = "grp:rear"
	c.SoundScape.Calibration["FL"] = TransducerCalibration{GainDb: 3}
	if cfg.SoundScape.Groups["front"][0] != "FL" {
		t.Error("group slice shared")
	}
	if len(cfg.SoundScape.CategoryRouting) != 0 {
		t.Error("routing map shared")
	}
	if cfg.SoundScape.Calibration["FL"] != DefaultTransducerCalibration() {
		t.Error("calibration map shared")
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Error("missing file did not give the defaults")
	}

	path := filepath.Join(dir, "hapticd.yaml")
	data := `
output:
  master_volume: 2
sound_scape:
  enabled: true
  channels: 8
  calibration:
    BL:
      gain_db: -6
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Output.MasterVolume != 1 {
		t.Errorf("master volume = %v, want clamp to 1", cfg.Output.MasterVolume)
	}
	if cfg.OutputChannels() != CHANNELS_7_1 {
		t.Errorf("OutputChannels = %d", cfg.OutputChannels())
	}
	bl := cfg.CalibrationFor("BL")
	if bl.GainDb != -6 || bl.ComfortLimit01 != 1 || bl.EqFreqHz != 45 {
		t.Errorf("partial calibration = %+v, want neutral fields preserved", bl)
	}
	if cfg.Output.Headroom != 0.85 {
		t.Errorf("unspecified headroom = %v", cfg.Output.Headroom)
	}

	if err := os.WriteFile(path, []byte("output: [1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed YAML accepted")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SoundScape.Enabled = true
	cfg.SoundScape.Channels = CHANNELS_7_1
	cfg.SoundScape.Overrides["damage.fall"] = "ch:C"
	cfg.Output.Device = "USB Audio"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	back, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !reflect.DeepEqual(back, cfg) {
		t.Errorf("round trip differs:\n got %+v\nwant %+v", back, cfg)
	}
}

func TestConfigStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output.MasterVolume = 9
	s := NewConfigStore(cfg)
	if s.Load().Output.MasterVolume != 1 {
		t.Error("Store did not sanitise")
	}
	if cfg.Output.MasterVolume != 9 {
		t.Error("Store modified the caller's config")
	}

	s.Store(nil)
	if !reflect.DeepEqual(s.Load(), DefaultConfig()) {
		t.Error("Store(nil) did not publish the defaults")
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 25 {
				s.Update(func(c *Config) { c.Effects.DamageBurst.DurationMs++ })
			}
		})
	}
	wg.Wait()
	if got := s.Load().Effects.DamageBurst.DurationMs; got != 90+200 {
		t.Errorf("duration after concurrent updates = %d, want %d", got, 290)
	}
}
