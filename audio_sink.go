// audio_sink.go - Device sink contract, PCM quantisation and the backend selector

package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoDevice   = errors.New("no output device")
	ErrSinkClosed = errors.New("sink closed")
)

// SinkFormat is what the output loop asks a backend to open.
type SinkFormat struct {
	Device          string // empty selects the default device
	Channels        int
	FramesPerBuffer int
}

// AudioSink consumes interleaved signed 16-bit little-endian PCM at
// SAMPLE_RATE. Write blocks until the device accepts the buffer, which is
// what paces the output loop.
type AudioSink interface {
	Channels() int
	Write(pcm []byte) error
	Close() error
}

// BufferStatus is the device-side queue a sink can report for metering.
type BufferStatus struct {
	BufferMs float64
	QueuedMs float64
}

// BufferReporter is implemented by sinks that can report their queue.
type BufferReporter interface {
	BufferStatus() BufferStatus
}

// SinkOpener opens a sink for a format. The output loop reopens through it
// after failures.
type SinkOpener func(SinkFormat) (AudioSink, error)

// OutputDevice describes an output device for selection UIs.
type OutputDevice struct {
	Name     string
	Default  bool
	Channels []int // supported layouts, e.g. [2 8]
}

// quantizePCM16 converts interleaved float samples to 16-bit LE PCM.
func quantizePCM16(dst []byte, src []float64) []byte {
	need := len(src) * BYTES_PER_SAMPLE
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]
	for i, v := range src {
		s := int16(math.Round(clamp(finiteOr(v, 0), -1, 1) * 32767))
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// decodePCM16 is the inverse of quantizePCM16 for sinks that want samples.
func decodePCM16(dst []int16, pcm []byte) {
	n := min(len(dst), len(pcm)/BYTES_PER_SAMPLE)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	clear(dst[n:])
}

// bytesToMs converts a PCM byte count to milliseconds of audio.
func bytesToMs(n, channels int) float64 {
	frames := n / (BYTES_PER_SAMPLE * max(1, channels))
	return float64(frames) * 1000 / SAMPLE_RATE
}

// NullSink discards audio in real time. It is used when no device backend
// is compiled in and by tests.
type NullSink struct {
	channels int
	pace     bool
	mu       sync.Mutex
	closed   bool
	written  int
}

// NewNullSink returns a sink of the given layout. With pace set, Write
// sleeps for the duration of each buffer.
func NewNullSink(channels int, pace bool) *NullSink {
	return &NullSink{channels: NormalizeChannels(channels), pace: pace}
}

func (s *NullSink) Channels() int { return s.channels }

func (s *NullSink) Write(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSinkClosed
	}
	s.written += len(pcm)
	s.mu.Unlock()
	if s.pace {
		time.Sleep(time.Duration(bytesToMs(len(pcm), s.channels) * float64(time.Millisecond)))
	}
	return nil
}

func (s *NullSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Written returns the number of PCM bytes accepted.
func (s *NullSink) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// SelectBackend returns the opener for a configured backend name. "auto"
// prefers PortAudio, which can open surround layouts and named devices,
// and falls back to oto for stereo.
func SelectBackend(name string) (SinkOpener, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return func(f SinkFormat) (AudioSink, error) {
			s, err := OpenPortAudioSink(f)
			if err == nil {
				return s, nil
			}
			f.Channels = CHANNELS_STEREO
			o, oerr := OpenOtoSink(f)
			if oerr != nil {
				return nil, errors.Join(err, oerr)
			}
			return o, nil
		}, nil
	case "portaudio":
		return func(f SinkFormat) (AudioSink, error) {
			s, err := OpenPortAudioSink(f)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil
	case "oto":
		return func(f SinkFormat) (AudioSink, error) {
			s, err := OpenOtoSink(f)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil
	case "null":
		return func(f SinkFormat) (AudioSink, error) { return NewNullSink(f.Channels, true), nil }, nil
	}
	return nil, fmt.Errorf("unknown output backend %q", name)
}
