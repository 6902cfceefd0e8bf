// output_loop.go - Output thread state machine: render, quantise, write, recover

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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

const (
	OUTPUT_JOIN_TIMEOUT = 2 * time.Second
	OUTPUT_REOPEN_DELAY = time.Second
	OUTPUT_IDLE_POLL    = 50 * time.Millisecond

	MAX_CONSECUTIVE_FAILURES = 5
)

// OutputState is the lifecycle of the output thread.
type OutputState int32

const (
	OutputStopped OutputState = iota
	OutputStarting
	OutputRunning
	OutputStopping
)

func (s OutputState) String() string {
	switch s {
	case OutputStopped:
		return "stopped"
	case OutputStarting:
		return "starting"
	case OutputRunning:
		return "running"
	case OutputStopping:
		return "stopping"
	}
	return fmt.Sprintf("OutputState(%d)", int32(s))
}

// Activity tells the loop whether a device is needed.
type Activity int

const (
	// ActivityLive means something is playing or telemetry is fresh.
	ActivityLive Activity = iota
	// ActivityStale keeps an open device running but does not open one.
	ActivityStale
	// ActivityIdle closes the device.
	ActivityIdle
)

// OutputSource is what the loop pulls audio from. The engine implements it.
type OutputSource interface {
	Activity() Activity
	Render(dst []float64, channels int)
}

var errOutputFailed = errors.New("output failed")

// OutputLoop owns the output thread: it renders buffers from its source
// and writes them to a sink, reopening the sink after failures. At most
// one loop goroutine exists at a time.
type OutputLoop struct {
	source OutputSource
	open   SinkOpener
	debug  *DebugCapture
	log    logging.LeveledLogger

	// OnFailure is called from the loop goroutine, after it has exited,
	// when the loop gives up.
	OnFailure func(error)

	// Tunables, overridden by tests.
	reopenDelay time.Duration
	idlePoll    time.Duration
	maxFailures int

	mu     sync.Mutex // serialises StartOrRestart and Stop
	stopCh chan struct{}
	done   chan struct{}

	state    atomic.Int32
	channels atomic.Int32

	sinkMu sync.Mutex
	sink   AudioSink
	err    error
}

// NewOutputLoop creates a stopped loop. debug and log may be nil.
func NewOutputLoop(source OutputSource, open SinkOpener, debug *DebugCapture, log logging.LeveledLogger) *OutputLoop {
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("output")
	}
	return &OutputLoop{
		source:      source,
		open:        open,
		debug:       debug,
		log:         log,
		reopenDelay: OUTPUT_REOPEN_DELAY,
		idlePoll:    OUTPUT_IDLE_POLL,
		maxFailures: MAX_CONSECUTIVE_FAILURES,
	}
}

func (l *OutputLoop) State() OutputState { return OutputState(l.state.Load()) }

// Channels is the layout of the open sink, or 0 when none is open.
func (l *OutputLoop) Channels() int { return int(l.channels.Load()) }

// Err returns the failure that stopped the loop, if any.
func (l *OutputLoop) Err() error {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	return l.err
}

// StartOrRestart stops and joins any running loop, then starts a new one
// for format.
func (l *OutputLoop) StartOrRestart(format SinkFormat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopLocked()

	if format.FramesPerBuffer <= 0 {
		format.FramesPerBuffer = FRAMES_PER_BUFFER
	}
	format.Channels = NormalizeChannels(format.Channels)

	l.sinkMu.Lock()
	l.err = nil
	l.sinkMu.Unlock()

	l.state.Store(int32(OutputStarting))
	l.stopCh = make(chan struct{})
	l.done = make(chan struct{})
	go l.run(format, l.stopCh, l.done)
}

// Stop stops the loop and waits up to OUTPUT_JOIN_TIMEOUT for it to exit.
// It reports whether the loop exited in time.
func (l *OutputLoop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked()
}

func (l *OutputLoop) stopLocked() bool {
	if l.stopCh == nil {
		return true
	}
	if l.State() != OutputStopped {
		l.state.Store(int32(OutputStopping))
	}
	close(l.stopCh)

	joined := true
	select {
	case <-l.done:
	case <-time.After(OUTPUT_JOIN_TIMEOUT):
		// Stuck in a device write; closing the sink unblocks it.
		l.log.Warnf("output loop did not stop within %v; closing device", OUTPUT_JOIN_TIMEOUT)
		l.closeSink()
		select {
		case <-l.done:
		case <-time.After(OUTPUT_JOIN_TIMEOUT):
			joined = false
		}
	}
	l.stopCh, l.done = nil, nil
	l.state.Store(int32(OutputStopped))
	return joined
}

func (l *OutputLoop) setSink(s AudioSink) {
	l.sinkMu.Lock()
	l.sink = s
	l.sinkMu.Unlock()
	if s == nil {
		l.channels.Store(0)
	} else {
		l.channels.Store(int32(NormalizeChannels(s.Channels())))
	}
}

func (l *OutputLoop) closeSink() {
	l.sinkMu.Lock()
	s := l.sink
	l.sink = nil
	l.sinkMu.Unlock()
	l.channels.Store(0)
	if s != nil {
		if err := s.Close(); err != nil {
			l.log.Debugf("close device: %v", err)
		}
	}
}

// wait sleeps for d unless stop is closed first.
func wait(stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

func (l *OutputLoop) run(format SinkFormat, stop <-chan struct{}, done chan struct{}) {
	var failure error
	defer func() {
		if failure != nil && l.OnFailure != nil {
			l.OnFailure(failure)
		}
	}()
	defer close(done)
	defer l.closeSink()

	l.state.CompareAndSwap(int32(OutputStarting), int32(OutputRunning))

	var (
		frames   []float64
		pcm      []byte
		channels int
		failures int
		sink     AudioSink
	)
	fail := func(err error) bool {
		failures++
		if failures < l.maxFailures {
			return false
		}
		failure = fmt.Errorf("%w after %d attempts: %w", errOutputFailed, failures, err)
		l.sinkMu.Lock()
		l.err = failure
		l.sinkMu.Unlock()
		l.state.Store(int32(OutputStopped))
		l.log.Errorf("%v", failure)
		return true
	}

	for {
		select {
		case <-stop:
			return
		default:
		}

		act := l.source.Activity()
		if sink != nil && act == ActivityIdle {
			l.log.Infof("no activity; closing output device")
			l.closeSink()
			sink = nil
		}

		if sink == nil {
			if act != ActivityLive {
				if !wait(stop, l.idlePoll) {
					return
				}
				continue
			}
			s, err := l.open(format)
			if err != nil {
				l.log.Warnf("open output device: %v", err)
				if fail(err) || !wait(stop, l.reopenDelay) {
					return
				}
				continue
			}
			sink = s
			l.setSink(s)
			channels = NormalizeChannels(s.Channels())
			frames = make([]float64, format.FramesPerBuffer*channels)
			l.log.Infof("output device open: %d channels, %d frames per buffer", channels, format.FramesPerBuffer)
		}

		l.source.Render(frames, channels)
		pcm = quantizePCM16(pcm, frames)
		if err := sink.Write(pcm); err != nil {
			l.log.Warnf("device write failed: %v", err)
			if fail(err) {
				return
			}
			// Underrun-style recovery: one buffer of silence on the same
			// device, then reopen if that fails too.
			clear(pcm)
			if err := sink.Write(pcm); err != nil {
				l.closeSink()
				sink = nil
				if !wait(stop, l.reopenDelay) {
					return
				}
			}
			continue
		}
		failures = 0

		if l.debug != nil {
			var st BufferStatus
			if r, ok := sink.(BufferReporter); ok {
				st = r.BufferStatus()
			}
			l.debug.endBuffer(time.Now(), st)
		}
	}
}
