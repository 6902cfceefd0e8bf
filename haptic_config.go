// haptic_config.go - YAML configuration, sanitisation and the copy-on-write config store

package main

import (
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration as stored on disk.
type Config struct {
	Enabled         bool             `yaml:"enabled"`
	Output          OutputConfig     `yaml:"output"`
	SoundScape      SoundScapeConfig `yaml:"sound_scape"`
	Effects         EffectsConfig    `yaml:"effects"`
	ProfilesScript  string           `yaml:"profiles_script,omitempty"`
	InstrumentsFile string           `yaml:"instruments_file,omitempty"`
}

type OutputConfig struct {
	Device       string            `yaml:"device"`
	Backend      string            `yaml:"backend"` // auto, oto, portaudio, null
	BufferFrames int               `yaml:"buffer_frames"`
	MasterVolume float64           `yaml:"master_volume"`
	Headroom     float64           `yaml:"headroom"`
	LimiterDrive float64           `yaml:"limiter_drive"`
	EQ           OutputEQConfig    `yaml:"eq"`
	SmartVolume  SmartVolumeConfig `yaml:"smart_volume"`
	DebugCapture bool              `yaml:"debug_capture"`
}

type OutputEQConfig struct {
	Enabled bool `yaml:"enabled"`
	FreqHz  int  `yaml:"freq_hz"`
	GainDb  int  `yaml:"gain_db"`
}

type SmartVolumeConfig struct {
	Enabled   bool `yaml:"enabled"`
	TargetPct int  `yaml:"target_pct"`
}

// SoundScapeConfig controls multi-channel routing and per-transducer calibration.
type SoundScapeConfig struct {
	Enabled               bool                             `yaml:"enabled"`
	Channels              int                              `yaml:"channels"`
	SpatialEnabled        bool                             `yaml:"spatial_enabled"`
	DistanceAttenStrength float64                          `yaml:"distance_atten_strength"`
	Groups                map[string][]string              `yaml:"groups,omitempty"`
	CategoryRouting       map[string]string                `yaml:"category_routing,omitempty"`
	BusRouting            map[string]string                `yaml:"bus_routing,omitempty"`
	Overrides             map[string]string                `yaml:"overrides,omitempty"`
	Calibration           map[string]TransducerCalibration `yaml:"calibration,omitempty"`
}

// TransducerCalibration is the per-channel trim, EQ and comfort cap.
type TransducerCalibration struct {
	GainDb         float64 `yaml:"gain_db"`
	EqFreqHz       int     `yaml:"eq_freq_hz"`
	EqGainDb       int     `yaml:"eq_gain_db"`
	ComfortLimit01 float64 `yaml:"comfort_limit"`
}

// DefaultTransducerCalibration is unity gain, flat EQ and no comfort cap.
func DefaultTransducerCalibration() TransducerCalibration {
	return TransducerCalibration{EqFreqHz: 45, ComfortLimit01: 1.0}
}

// UnmarshalYAML presets the neutral values so partially specified
// channels do not end up muted.
func (c *TransducerCalibration) UnmarshalYAML(value *yaml.Node) error {
	type plain TransducerCalibration
	p := plain(DefaultTransducerCalibration())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = TransducerCalibration(p)
	return nil
}

type EffectsConfig struct {
	RoadTexture RoadTextureConfig `yaml:"road_texture"`
	DamageBurst DamageBurstConfig `yaml:"damage_burst"`
	BiomeChime  BiomeChimeConfig  `yaml:"biome_chime"`
	AccelBump   AccelBumpConfig   `yaml:"accel_bump"`
}

type RoadTextureConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Gain     float64 `yaml:"gain"`
	CutoffHz float64 `yaml:"cutoff_hz"`
}

type DamageBurstConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Gain       float64 `yaml:"gain"`
	DurationMs int     `yaml:"duration_ms"`
}

type BiomeChimeConfig struct {
	Enabled bool    `yaml:"enabled"`
	Gain    float64 `yaml:"gain"`
}

type AccelBumpConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Gain       float64 `yaml:"gain"`
	Threshold  float64 `yaml:"threshold"`
	DurationMs int     `yaml:"duration_ms"`
}

// DefaultConfig returns the factory settings.
func DefaultConfig() *Config {
	cal := make(map[string]TransducerCalibration, len(ChannelIDs71))
	for _, id := range ChannelIDs71 {
		cal[id] = DefaultTransducerCalibration()
	}
	return &Config{
		Enabled: true,
		Output: OutputConfig{
			Backend:      "auto",
			BufferFrames: FRAMES_PER_BUFFER,
			MasterVolume: 0.35,
			Headroom:     0.85,
			LimiterDrive: 2.5,
			EQ:           OutputEQConfig{FreqHz: 45},
			SmartVolume:  SmartVolumeConfig{TargetPct: 65},
		},
		SoundScape: SoundScapeConfig{
			Channels:              CHANNELS_STEREO,
			SpatialEnabled:        true,
			DistanceAttenStrength: 0.5,
			Groups: map[string][]string{
				"front":  {"FL", "FR"},
				"center": {"C", "LFE"},
				"side":   {"SL", "SR"},
				"rear":   {"BL", "BR"},
			},
			CategoryRouting: map[string]string{},
			BusRouting:      map[string]string{},
			Overrides:       map[string]string{},
			Calibration:     cal,
		},
		Effects: EffectsConfig{
			RoadTexture: RoadTextureConfig{Enabled: true, Gain: 0.18, CutoffHz: 30},
			DamageBurst: DamageBurstConfig{Enabled: true, Gain: 0.8, DurationMs: 90},
			BiomeChime:  BiomeChimeConfig{Enabled: true, Gain: 0.35},
			AccelBump:   AccelBumpConfig{Enabled: true, Gain: 0.65, Threshold: 0.14, DurationMs: 60},
		},
	}
}

// LoadConfig reads path over the defaults and sanitises the result.
// A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// SaveConfig writes cfg to path as YAML.
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Sanitize clamps every numeric field into range and fills missing
// defaults. It is idempotent.
func (c *Config) Sanitize() {
	o := &c.Output
	o.Backend = strings.ToLower(strings.TrimSpace(o.Backend))
	switch o.Backend {
	case "auto", "oto", "portaudio", "null":
	default:
		o.Backend = "auto"
	}
	if o.BufferFrames <= 0 {
		o.BufferFrames = FRAMES_PER_BUFFER
	}
	o.BufferFrames = clampInt(o.BufferFrames, 128, 8192)
	o.MasterVolume = clamp(finiteOr(o.MasterVolume, 0.35), 0, 1)
	o.Headroom = clamp(finiteOr(o.Headroom, 0.85), 0.10, 1.0)
	o.LimiterDrive = clamp(finiteOr(o.LimiterDrive, 2.5), 1.0, 8.0)
	o.EQ.FreqHz = clampInt(o.EQ.FreqHz, 10, 120)
	o.EQ.GainDb = clampInt(o.EQ.GainDb, -12, 12)
	o.SmartVolume.TargetPct = clampInt(o.SmartVolume.TargetPct, 10, 90)

	s := &c.SoundScape
	s.Channels = NormalizeChannels(s.Channels)
	s.DistanceAttenStrength = clamp01(finiteOr(s.DistanceAttenStrength, 0.5))
	if s.Calibration == nil {
		s.Calibration = make(map[string]TransducerCalibration)
	}
	for id, cal := range s.Calibration {
		key := strings.ToUpper(strings.TrimSpace(id))
		cal.GainDb = clamp(finiteOr(cal.GainDb, 0), -24, 24)
		cal.EqFreqHz = clampInt(cal.EqFreqHz, 10, 120)
		cal.EqGainDb = clampInt(cal.EqGainDb, -12, 12)
		cal.ComfortLimit01 = clamp01(finiteOr(cal.ComfortLimit01, 1))
		if key != id {
			delete(s.Calibration, id)
		}
		s.Calibration[key] = cal
	}

	e := &c.Effects
	e.RoadTexture.Gain = clamp(finiteOr(e.RoadTexture.Gain, 0.18), 0, 0.5)
	e.RoadTexture.CutoffHz = clamp(finiteOr(e.RoadTexture.CutoffHz, 30), 10, 80)
	e.DamageBurst.Gain = clamp01(finiteOr(e.DamageBurst.Gain, 0.8))
	e.DamageBurst.DurationMs = max(10, e.DamageBurst.DurationMs)
	e.BiomeChime.Gain = clamp01(finiteOr(e.BiomeChime.Gain, 0.35))
	e.AccelBump.Gain = clamp01(finiteOr(e.AccelBump.Gain, 0.65))
	if t := finiteOr(e.AccelBump.Threshold, 0.14); t > 0 {
		e.AccelBump.Threshold = math.Min(t, 10)
	} else {
		e.AccelBump.Threshold = 0.14
	}
	e.AccelBump.DurationMs = max(10, e.AccelBump.DurationMs)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	s := &out.SoundScape
	if c.SoundScape.Groups != nil {
		s.Groups = make(map[string][]string, len(c.SoundScape.Groups))
		for k, v := range c.SoundScape.Groups {
			s.Groups[k] = slices.Clone(v)
		}
	}
	s.CategoryRouting = maps.Clone(c.SoundScape.CategoryRouting)
	s.BusRouting = maps.Clone(c.SoundScape.BusRouting)
	s.Overrides = maps.Clone(c.SoundScape.Overrides)
	s.Calibration = maps.Clone(c.SoundScape.Calibration)
	return &out
}

// CalibrationFor returns the calibration of a channel id, or the neutral
// calibration when none is configured.
func (c *Config) CalibrationFor(id string) TransducerCalibration {
	if cal, ok := c.SoundScape.Calibration[id]; ok {
		return cal
	}
	return DefaultTransducerCalibration()
}

// OutputChannels is the channel count the device should be opened with.
func (c *Config) OutputChannels() int {
	if c.SoundScape.Enabled {
		return c.SoundScape.Channels
	}
	return CHANNELS_STEREO
}

// ConfigStore publishes sanitised, immutable snapshots. Readers never see
// a partially updated config.
type ConfigStore struct {
	cur atomic.Pointer[Config]
}

func NewConfigStore(cfg *Config) *ConfigStore {
	s := &ConfigStore{}
	s.Store(cfg)
	return s
}

// Load returns the current snapshot. Callers must not modify it.
func (s *ConfigStore) Load() *Config {
	return s.cur.Load()
}

// Store publishes a sanitised copy of cfg.
func (s *ConfigStore) Store(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	next := cfg.Clone()
	next.Sanitize()
	s.cur.Store(next)
}

// Update applies fn to a copy of the current snapshot and publishes it.
func (s *ConfigStore) Update(fn func(*Config)) *Config {
	for {
		old := s.cur.Load()
		next := old.Clone()
		fn(next)
		next.Sanitize()
		if s.cur.CompareAndSwap(old, next) {
			return next
		}
	}
}
