// debug_snapshot_test.go - Debug capture file round trip and corruption tests

package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func testCapture() *CaptureFile {
	at := time.Unix(1_700_000_000, 250_000_000)
	return &CaptureFile{
		Snapshot: DebugSnapshot{
			Updated:             at,
			Channels:            CHANNELS_STEREO,
			RMS01:               []float32{0.25, 0.5},
			Peak01:              []float32{0.5, 0.75},
			Waveform:            []float32{0, 0.5, -0.5, 1},
			Spectrogram:         []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6},
			SpectrogramCols:     3,
			SpectrogramBins:     2,
			SpectrogramWriteCol: 1,
			DeviceBufferMs:      42.5,
			QueuedMs:            10.25,
		},
		Dominant: "dominant=explosion.tnt pri=10 freq=28.0Hz gain=0.90",
		Events: []DebugEvent{
			{At: at.Add(-120 * time.Millisecond), Key: "explosion.tnt", Bus: BusDanger, StartHz: 28, EndHz: 28,
				DurationMs: 800, Gain01: 0.9, Priority: 10, DelayMs: 3, ForcedMask: 0, AzimuthDeg: -45, DistanceM: 12.5},
			{At: at.Add(-40 * time.Millisecond), Key: "cal.ch.FL.tone", Bus: BusUI, StartHz: 40, EndHz: 40,
				DurationMs: 1000, Gain01: 0.3, Priority: 98, ForcedMask: CH_MASK_FL},
		},
	}
}

func TestCaptureFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.hpds")
	want := testCapture()
	if err := SaveCaptureToFile(want, path); err != nil {
		t.Fatalf("SaveCaptureToFile: %v", err)
	}
	got, err := LoadCaptureFromFile(path)
	if err != nil {
		t.Fatalf("LoadCaptureFromFile: %v", err)
	}
	if !got.Snapshot.Updated.Equal(want.Snapshot.Updated) {
		t.Errorf("updated = %v", got.Snapshot.Updated)
	}
	got.Snapshot.Updated = want.Snapshot.Updated
	for i := range got.Events {
		if !got.Events[i].At.Equal(want.Events[i].At) {
			t.Errorf("event %d time = %v", i, got.Events[i].At)
		}
		got.Events[i].At = want.Events[i].At
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip differs:\n got %+v\nwant %+v", got, want)
	}

	var sb strings.Builder
	got.Summary(&sb)
	for _, s := range []string{"2 channels", "FL", "explosion.tnt", "cal.ch.FL.tone", "120ms ago"} {
		if !strings.Contains(sb.String(), s) {
			t.Errorf("summary missing %q:\n%s", s, sb.String())
		}
	}
}

func TestCaptureFile_Corrupt(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.hpds")
	if err := SaveCaptureToFile(testCapture(), good); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(good)
	if err != nil {
		t.Fatal(err)
	}

	// magic, version, header, dominant string, event count
	eventsAt := 4 + 4 + 40 + 1 + len(testCapture().Dominant) + 4

	badVersion := bytes.Clone(data)
	binary.LittleEndian.PutUint32(badVersion[4:], 99)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"bad magic", append([]byte("NOPE"), data[4:]...), "magic"},
		{"bad version", badVersion, "version"},
		{"truncated header", data[:10], "header"},
		{"truncated dominant", data[:60], "dominant"},
		{"truncated event", data[:eventsAt+5], "event"},
		{"empty", nil, "magic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_"))
			if err := os.WriteFile(path, tt.data, 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadCaptureFromFile(path)
			if err == nil {
				t.Fatal("corrupt capture accepted")
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := LoadCaptureFromFile(filepath.Join(dir, "missing")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestTakeCapture(t *testing.T) {
	d := NewDebugCapture()
	if TakeCapture(d) != nil {
		t.Fatal("capture before any snapshot")
	}
	d.SetEnabled(true)
	d.Record(DebugEvent{Key: "mining.stone"})
	feedSine(d, 40, 0.3, 1)
	c := TakeCapture(d)
	if c == nil {
		t.Fatal("no capture after a snapshot")
	}
	if len(c.Events) != 1 || c.Events[0].Key != "mining.stone" {
		t.Errorf("events = %+v", c.Events)
	}
}
