// debug_snapshot.go - Debug capture save/load for offline inspection

package main

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	captureMagic   = "HPDS"
	captureVersion = 1
)

// CaptureFile is a debug snapshot plus the events that led to it.
type CaptureFile struct {
	Snapshot DebugSnapshot
	Dominant string
	Events   []DebugEvent
}

// TakeCapture gathers the current debug state. It returns nil while
// capture has not produced a snapshot yet.
func TakeCapture(d *DebugCapture) *CaptureFile {
	snap := d.Snapshot()
	if snap == nil {
		return nil
	}
	return &CaptureFile{
		Snapshot: *snap,
		Dominant: d.Dominant(),
		Events:   d.RecentEvents(DEBUG_EVENT_CAPACITY),
	}
}

func writeString8(buf *bytes.Buffer, s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readString8(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// eventRecord is the fixed-size part of an event on disk.
type eventRecord struct {
	At         int64
	Bus        uint8
	StartHz    float64
	EndHz      float64
	DurationMs int32
	Gain01     float64
	Priority   int32
	DelayMs    int32
	ForcedMask uint32
	AzimuthDeg float64
	DistanceM  float64
}

// SaveCaptureToFile writes a capture with the sample arrays gzip
// compressed.
func SaveCaptureToFile(c *CaptureFile, path string) error {
	var buf bytes.Buffer
	le := binary.LittleEndian
	s := &c.Snapshot

	buf.WriteString(captureMagic)
	binary.Write(&buf, le, uint32(captureVersion))
	binary.Write(&buf, le, s.Updated.UnixNano())
	binary.Write(&buf, le, uint32(s.Channels))
	binary.Write(&buf, le, s.DeviceBufferMs)
	binary.Write(&buf, le, s.QueuedMs)
	binary.Write(&buf, le, [3]uint32{uint32(s.SpectrogramCols), uint32(s.SpectrogramBins), uint32(s.SpectrogramWriteCol)})
	writeString8(&buf, c.Dominant)

	binary.Write(&buf, le, uint32(len(c.Events)))
	for _, ev := range c.Events {
		writeString8(&buf, ev.Key)
		binary.Write(&buf, le, eventRecord{
			At:         ev.At.UnixNano(),
			Bus:        uint8(ev.Bus),
			StartHz:    ev.StartHz,
			EndHz:      ev.EndHz,
			DurationMs: int32(ev.DurationMs),
			Gain01:     ev.Gain01,
			Priority:   int32(ev.Priority),
			DelayMs:    int32(ev.DelayMs),
			ForcedMask: uint32(ev.ForcedMask),
			AzimuthDeg: ev.AzimuthDeg,
			DistanceM:  ev.DistanceM,
		})
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	for _, arr := range [][]float32{s.RMS01, s.Peak01, s.Waveform, s.Spectrogram} {
		if err := binary.Write(gz, le, uint32(len(arr))); err != nil {
			return fmt.Errorf("compressing samples: %w", err)
		}
		if err := binary.Write(gz, le, arr); err != nil {
			return fmt.Errorf("compressing samples: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	buf.Write(compressed.Bytes())

	return os.WriteFile(path, buf.Bytes(), 0644)
}

// LoadCaptureFromFile reads a capture written by SaveCaptureToFile.
func LoadCaptureFromFile(path string) (*CaptureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(data)
	le := binary.LittleEndian

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != captureMagic {
		return nil, fmt.Errorf("invalid capture magic: %q", string(magic))
	}
	var version uint32
	if err := binary.Read(r, le, &version); err != nil {
		return nil, fmt.Errorf("reading version: %w", err)
	}
	if version != captureVersion {
		return nil, fmt.Errorf("unsupported capture version: %d", version)
	}

	var hdr struct {
		Updated  int64
		Channels uint32
		BufferMs float64
		QueuedMs float64
		Spect    [3]uint32
	}
	if err := binary.Read(r, le, &hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	c := &CaptureFile{}
	s := &c.Snapshot
	s.Updated = time.Unix(0, hdr.Updated)
	s.Channels = int(hdr.Channels)
	s.DeviceBufferMs, s.QueuedMs = hdr.BufferMs, hdr.QueuedMs
	s.SpectrogramCols, s.SpectrogramBins, s.SpectrogramWriteCol = int(hdr.Spect[0]), int(hdr.Spect[1]), int(hdr.Spect[2])
	if c.Dominant, err = readString8(r); err != nil {
		return nil, fmt.Errorf("reading dominant: %w", err)
	}

	var count uint32
	if err := binary.Read(r, le, &count); err != nil {
		return nil, fmt.Errorf("reading event count: %w", err)
	}
	if count > DEBUG_EVENT_CAPACITY {
		return nil, fmt.Errorf("event count %d exceeds %d", count, DEBUG_EVENT_CAPACITY)
	}
	c.Events = make([]DebugEvent, count)
	for i := range count {
		key, err := readString8(r)
		if err != nil {
			return nil, fmt.Errorf("reading event key: %w", err)
		}
		var rec eventRecord
		if err := binary.Read(r, le, &rec); err != nil {
			return nil, fmt.Errorf("reading event: %w", err)
		}
		c.Events[i] = DebugEvent{
			At:         time.Unix(0, rec.At),
			Key:        key,
			Bus:        HapticBus(rec.Bus),
			StartHz:    rec.StartHz,
			EndHz:      rec.EndHz,
			DurationMs: int(rec.DurationMs),
			Gain01:     rec.Gain01,
			Priority:   int(rec.Priority),
			DelayMs:    int(rec.DelayMs),
			ForcedMask: int(rec.ForcedMask),
			AzimuthDeg: rec.AzimuthDeg,
			DistanceM:  rec.DistanceM,
		}
	}

	remaining := data[len(data)-r.Len():]
	gz, err := gzip.NewReader(bytes.NewReader(remaining))
	if err != nil {
		return nil, fmt.Errorf("opening gzip reader: %w", err)
	}
	defer gz.Close()

	arrays := []*[]float32{&s.RMS01, &s.Peak01, &s.Waveform, &s.Spectrogram}
	for _, dst := range arrays {
		var n uint32
		if err := binary.Read(gz, le, &n); err != nil {
			return nil, fmt.Errorf("decompressing samples: %w", err)
		}
		if n > DEBUG_SPECT_COLS*DEBUG_SPECT_BINS {
			return nil, fmt.Errorf("sample array of %d exceeds limit", n)
		}
		*dst = make([]float32, n)
		if err := binary.Read(gz, le, *dst); err != nil {
			return nil, fmt.Errorf("decompressing samples: %w", err)
		}
	}
	return c, nil
}

// Summary writes a human-readable description of the capture.
func (c *CaptureFile) Summary(w io.Writer) {
	s := &c.Snapshot
	fmt.Fprintf(w, "captured %s, %d channels, queued %.1fms of %.1fms\n",
		s.Updated.Format(time.RFC3339Nano), s.Channels, s.QueuedMs, s.DeviceBufferMs)
	fmt.Fprintf(w, "%s\n", c.Dominant)
	for ch := range min(s.Channels, len(s.RMS01), len(s.Peak01)) {
		fmt.Fprintf(w, "  %-3s rms %.3f peak %.3f\n", ChannelIDAt(s.Channels, ch), s.RMS01[ch], s.Peak01[ch])
	}
	for _, ev := range c.Events {
		fmt.Fprintf(w, "  %8s ago  %-28s %-13s %5.1f-%5.1fHz %4dms gain %.2f pri %d\n",
			s.Updated.Sub(ev.At).Round(time.Millisecond), ev.Key, ev.Bus, ev.StartHz, ev.EndHz,
			ev.DurationMs, ev.Gain01, ev.Priority)
	}
}
