// output_loop_test.go - Output thread lifecycle, restart joining and failure recovery tests

package main

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSource struct {
	activity atomic.Int32
	renders  atomic.Int64
}

func newFakeSource(a Activity) *fakeSource {
	s := &fakeSource{}
	s.activity.Store(int32(a))
	return s
}

func (s *fakeSource) Activity() Activity { return Activity(s.activity.Load()) }

func (s *fakeSource) Render(dst []float64, channels int) {
	for i := range dst {
		dst[i] = 0.25
	}
	s.renders.Add(1)
}

var errFakeWrite = errors.New("fake write failure")

type fakeSink struct {
	channels int
	// failFirst writes fail before the sink starts accepting; -1 fails forever.
	failFirst int

	mu       sync.Mutex
	writes   int
	failed   int
	closed   bool
	payloads [][]byte
}

func (s *fakeSink) Channels() int { return s.channels }

func (s *fakeSink) Write(pcm []byte) error {
	time.Sleep(500 * time.Microsecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if s.failFirst < 0 || s.failed < s.failFirst {
		s.failed++
		return errFakeWrite
	}
	s.writes++
	if len(s.payloads) < 4 {
		s.payloads = append(s.payloads, append([]byte(nil), pcm...))
	}
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) stats() (writes, failed int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes, s.failed, s.closed
}

// fakeOpener hands out sinks and tracks how many are open at once.
type fakeOpener struct {
	mu        sync.Mutex
	failFirst int
	openErr   error
	sinks     []*fakeSink
	maxOpen   int
}

func (o *fakeOpener) open(f SinkFormat) (AudioSink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	openNow := 1
	for _, s := range o.sinks {
		if _, _, closed := s.stats(); !closed {
			openNow++
		}
	}
	o.maxOpen = max(o.maxOpen, openNow)
	s := &fakeSink{channels: f.Channels, failFirst: o.failFirst}
	o.sinks = append(o.sinks, s)
	return s, nil
}

func (o *fakeOpener) opened() []*fakeSink {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeSink(nil), o.sinks...)
}

func newTestOutputLoop(src OutputSource, op *fakeOpener) *OutputLoop {
	l := NewOutputLoop(src, op.open, nil, nil)
	l.reopenDelay = 2 * time.Millisecond
	l.idlePoll = time.Millisecond
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestOutputLoop_StartStop(t *testing.T) {
	op := &fakeOpener{}
	l := newTestOutputLoop(newFakeSource(ActivityLive), op)
	if l.State() != OutputStopped {
		t.Fatalf("initial state %v", l.State())
	}

	l.StartOrRestart(SinkFormat{Channels: 8, FramesPerBuffer: 256})
	waitFor(t, "first write", func() bool {
		s := op.opened()
		if len(s) == 0 {
			return false
		}
		w, _, _ := s[0].stats()
		return w > 0
	})
	if l.State() != OutputRunning {
		t.Errorf("state %v, want running", l.State())
	}
	if l.Channels() != 8 {
		t.Errorf("Channels = %d, want 8", l.Channels())
	}

	sink := op.opened()[0]
	sink.mu.Lock()
	pcm := sink.payloads[0]
	sink.mu.Unlock()
	if len(pcm) != 256*8*BYTES_PER_SAMPLE {
		t.Errorf("buffer of %d bytes, want %d", len(pcm), 256*8*BYTES_PER_SAMPLE)
	}

	if !l.Stop() {
		t.Fatal("Stop did not join")
	}
	if l.State() != OutputStopped || l.Channels() != 0 {
		t.Errorf("after Stop: state %v channels %d", l.State(), l.Channels())
	}
	if _, _, closed := sink.stats(); !closed {
		t.Error("sink left open after Stop")
	}
	if l.Err() != nil {
		t.Errorf("Err = %v after clean stop", l.Err())
	}
	if !l.Stop() {
		t.Error("second Stop should be a no-op")
	}
}

func TestOutputLoop_RestartJoinsPrevious(t *testing.T) {
	op := &fakeOpener{}
	l := newTestOutputLoop(newFakeSource(ActivityLive), op)
	defer l.Stop()

	for i := range 6 {
		ch := CHANNELS_STEREO
		if i%2 == 1 {
			ch = CHANNELS_7_1
		}
		l.StartOrRestart(SinkFormat{Channels: ch, FramesPerBuffer: 128})
		want := i + 1
		waitFor(t, "device open", func() bool { return len(op.opened()) >= want })
	}
	op.mu.Lock()
	maxOpen := op.maxOpen
	op.mu.Unlock()
	if maxOpen != 1 {
		t.Errorf("%d devices were open at once, want 1", maxOpen)
	}
	sinks := op.opened()
	for i, s := range sinks[:len(sinks)-1] {
		if _, _, closed := s.stats(); !closed {
			t.Errorf("sink %d not closed by restart", i)
		}
	}
}

func TestOutputLoop_WriteFailureRetriesWithSilence(t *testing.T) {
	op := &fakeOpener{failFirst: 1}
	l := newTestOutputLoop(newFakeSource(ActivityLive), op)
	l.StartOrRestart(SinkFormat{Channels: 2, FramesPerBuffer: 64})
	defer l.Stop()

	waitFor(t, "writes after the failure", func() bool {
		s := op.opened()
		if len(s) == 0 {
			return false
		}
		w, _, _ := s[0].stats()
		return w >= 3
	})
	if n := len(op.opened()); n != 1 {
		t.Errorf("device reopened %d times; a single failure should recover in place", n-1)
	}
	sink := op.opened()[0]
	sink.mu.Lock()
	silence, next := sink.payloads[0], sink.payloads[1]
	sink.mu.Unlock()
	for i, b := range silence {
		if b != 0 {
			t.Fatalf("recovery buffer byte %d = %d, want silence", i, b)
		}
	}
	if next[0] == 0 && next[1] == 0 {
		t.Error("audio did not resume after the silence buffer")
	}
	if l.State() != OutputRunning || l.Err() != nil {
		t.Errorf("state %v err %v", l.State(), l.Err())
	}
}

func TestOutputLoop_PersistentWriteFailureStops(t *testing.T) {
	op := &fakeOpener{failFirst: -1}
	l := newTestOutputLoop(newFakeSource(ActivityLive), op)
	failed := make(chan error, 1)
	l.OnFailure = func(err error) { failed <- err }

	l.StartOrRestart(SinkFormat{Channels: 2, FramesPerBuffer: 64})
	select {
	case err := <-failed:
		if !errors.Is(err, errOutputFailed) || !errors.Is(err, errFakeWrite) {
			t.Errorf("failure %v does not wrap both causes", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnFailure never called")
	}
	waitFor(t, "stopped state", func() bool { return l.State() == OutputStopped })
	if l.Err() == nil {
		t.Error("Err is nil after persistent failure")
	}
	if len(op.opened()) < 2 {
		t.Errorf("loop opened %d devices; it should reopen between failures", len(op.opened()))
	}
	if !l.Stop() {
		t.Error("Stop after failure did not join")
	}
}

func TestOutputLoop_OpenFailureStops(t *testing.T) {
	op := &fakeOpener{openErr: ErrNoDevice}
	l := newTestOutputLoop(newFakeSource(ActivityLive), op)
	failed := make(chan error, 1)
	l.OnFailure = func(err error) { failed <- err }
	l.StartOrRestart(SinkFormat{Channels: 2})
	select {
	case err := <-failed:
		if !errors.Is(err, ErrNoDevice) {
			t.Errorf("failure %v does not wrap ErrNoDevice", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnFailure never called")
	}
	l.Stop()

	// A restart clears the previous failure.
	op.mu.Lock()
	op.openErr = nil
	op.mu.Unlock()
	l.OnFailure = nil
	l.StartOrRestart(SinkFormat{Channels: 2})
	defer l.Stop()
	if l.Err() != nil {
		t.Errorf("Err = %v after restart", l.Err())
	}
	waitFor(t, "device open", func() bool { return len(op.opened()) == 1 })
}

func TestOutputLoop_ActivityGatesDevice(t *testing.T) {
	src := newFakeSource(ActivityStale)
	op := &fakeOpener{}
	l := newTestOutputLoop(src, op)
	l.StartOrRestart(SinkFormat{Channels: 2, FramesPerBuffer: 64})
	defer l.Stop()

	time.Sleep(20 * time.Millisecond)
	if n := len(op.opened()); n != 0 {
		t.Fatalf("stale source opened %d devices", n)
	}

	src.activity.Store(int32(ActivityLive))
	waitFor(t, "device open", func() bool { return l.Channels() == 2 })

	src.activity.Store(int32(ActivityStale))
	time.Sleep(10 * time.Millisecond)
	if l.Channels() != 2 {
		t.Error("stale source closed an open device")
	}

	src.activity.Store(int32(ActivityIdle))
	waitFor(t, "device close", func() bool { return l.Channels() == 0 })
	if _, _, closed := op.opened()[0].stats(); !closed {
		t.Error("idle source left the device open")
	}
	if l.State() != OutputRunning {
		t.Errorf("loop state %v while idle, want running", l.State())
	}

	src.activity.Store(int32(ActivityLive))
	waitFor(t, "device reopen", func() bool { return len(op.opened()) == 2 && l.Channels() == 2 })
}

func TestOutputState_String(t *testing.T) {
	tests := map[OutputState]string{
		OutputStopped:  "stopped",
		OutputStarting: "starting",
		OutputRunning:  "running",
		OutputStopping: "stopping",
		OutputState(9): "OutputState(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), got, want)
		}
	}
}

func TestQuantizePCM16(t *testing.T) {
	pcm := quantizePCM16(nil, []float64{0, 1, -1, 2, -2, 0.5})
	got := make([]int16, 6)
	decodePCM16(got, pcm)
	want := []int16{0, 32767, -32767, 32767, -32767, 16384}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}
