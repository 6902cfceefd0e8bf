//go:build !headless

// audio_backend_portaudio.go - PortAudio blocking sink and output device enumeration

/*
 ██▓ ███▄    █ ▄▄▄█████▓ █    ██  ██▓▄▄▄█████▓ ██▓ ▒█████   ███▄    █    ▓█████  ███▄    █   ▄████  ██▓ ███▄    █ ▓█████
▓██▒ ██ ▀█   █ ▓  ██▒ ▓▒ ██  ▓██▒▓██▒▓  ██▒ ▓▒▓██▒▒██▒  ██▒ ██ ▀█   █    ▓█   ▀  ██ ▀█   █  ██▒ ▀█▒▓██▒ ██ ▀█   █ ▓█   ▀
▒██▒▓██  ▀█ ██▒▒ ▓██░ ▒░▓██  ▒██░▒██▒▒ ▓██░ ▒░▒██▒▒██░  ██▒▓██  ▀█ ██▒   ▒███   ▓██  ▀█ ██▒▒██░▄▄▄░▒██▒▓██  ▀█ ██▒▒███
░██░▓██▒  ▐▌██▒░ ▓██▓ ░ ▓▓█  ░██░░██░░ ▓██▓ ░ ░██░▒██   ██░▓██▒  ▐▌██▒   ▒▓█  ▄ ▓██▒  ▐▌██▒░▓█  ██▓░██░▓██▒  ▐▌██▒▒▓█  ▄
░██░▒██░   ▓██░  ▒██▒ ░ ▒▒█████▓ ░██░  ▒██▒ ░ ░██░░ ████▓▒░▒██░   ▓██░   ░▒████▒▒██░   ▓██░░▒▓███▀▒░██░▒██░   ▓██░░▒████▒
░▓  ░ ▒░   ▒ ▒   ▒ ░░   ░▒▓▒ ▒ ▒ ░▓    ▒ ░░   ░▓  ░ ▒░▒░▒░ ░ ▒░   ▒ ▒    ░░ ▒░ ░░ ▒░   ▒ ▒  ░▒   ▒ ░▓  ░ ▒░   ▒ ▒ ░░ ▒░ ░
 ▒ ░░ ░░   ░ ▒░    ░    ░░▒░ ░ ░  ▒ ░    ░     ▒ ░  ░ ▒ ▒░ ░ ░░   ░ ▒░    ░ ░  ░░ ░░   ░ ▒░  ░   ░  ▒ ░░ ░░   ░ ▒░ ░ ░  ░
 ▒ ░   ░   ░ ░   ░       ░░░ ░ ░  ▒ ░  ░       ▒ ░░ ░ ░ ▒     ░   ░ ░       ░      ░   ░ ░ ░ ░   ░  ▒ ░   ░   ░ ░    ░
 ░           ░             ░      ░            ░      ░ ░           ░       ░  ░         ░       ░  ░           ░    ░  ░

(c) 2024 - 2026 Zayn Otley
https://github.com/IntuitionAmiga/IntuitionEngine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
)

var (
	paOnce sync.Once
	paErr  error
)

func portaudioInit() error {
	paOnce.Do(func() {
		if err := portaudio.Initialize(); err != nil {
			paErr = fmt.Errorf("portaudio init: %w", err)
		}
	})
	return paErr
}

// PortAudioTerminate releases PortAudio at process exit.
func PortAudioTerminate() {
	if portaudioInit() == nil {
		portaudio.Terminate()
	}
}

// PortAudioSink writes through a blocking PortAudio stream.
type PortAudioSink struct {
	stream   *portaudio.Stream
	buf      []int16
	channels int
	mu       sync.Mutex
	closed   bool
}

// findOutputDevice returns the device named name, or the default output
// when name is empty or not found.
func findOutputDevice(name string) (*portaudio.DeviceInfo, error) {
	name = strings.TrimSpace(name)
	if name != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			if d.MaxOutputChannels > 0 && strings.EqualFold(d.Name, name) {
				return d, nil
			}
		}
	}
	d, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	return d, nil
}

// OpenPortAudioSink opens format.Device (or the default device) with the
// requested layout. A device without 8 outputs is opened as stereo.
func OpenPortAudioSink(format SinkFormat) (*PortAudioSink, error) {
	if err := portaudioInit(); err != nil {
		return nil, err
	}
	dev, err := findOutputDevice(format.Device)
	if err != nil {
		return nil, err
	}
	channels := NormalizeChannels(format.Channels)
	if dev.MaxOutputChannels < channels {
		channels = CHANNELS_STEREO
	}
	if dev.MaxOutputChannels < channels {
		return nil, fmt.Errorf("%w: %s has %d outputs", ErrNoDevice, dev.Name, dev.MaxOutputChannels)
	}
	frames := format.FramesPerBuffer
	if frames <= 0 {
		frames = FRAMES_PER_BUFFER
	}

	s := &PortAudioSink{channels: channels, buf: make([]int16, frames*channels)}
	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = channels
	params.SampleRate = SAMPLE_RATE
	params.FramesPerBuffer = frames
	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start %s: %w", dev.Name, err)
	}
	s.stream = stream
	return s, nil
}

func (s *PortAudioSink) Channels() int { return s.channels }

func (s *PortAudioSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	decodePCM16(s.buf, pcm)
	if err := s.stream.Write(); err != nil {
		if err == portaudio.OutputUnderflowed {
			return nil
		}
		return fmt.Errorf("portaudio write: %w", err)
	}
	return nil
}

func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stream.Stop()
	return s.stream.Close()
}

func (s *PortAudioSink) BufferStatus() BufferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BufferStatus{}
	}
	st := BufferStatus{BufferMs: float64(len(s.buf)/s.channels) * 1000 / SAMPLE_RATE}
	if info := s.stream.Info(); info != nil {
		st.QueuedMs = float64(info.OutputLatency.Microseconds()) / 1000
	}
	return st
}

// ListOutputDevices reports every output device and the layouts it can
// be opened with.
func ListOutputDevices() ([]OutputDevice, error) {
	if err := portaudioInit(); err != nil {
		return nil, err
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultOutputDevice()
	var out []OutputDevice
	for _, d := range devices {
		if d.MaxOutputChannels < CHANNELS_STEREO {
			continue
		}
		od := OutputDevice{Name: d.Name, Default: def != nil && d.Name == def.Name, Channels: []int{CHANNELS_STEREO}}
		if d.MaxOutputChannels >= CHANNELS_7_1 {
			od.Channels = append(od.Channels, CHANNELS_7_1)
		}
		out = append(out, od)
	}
	return out, nil
}
