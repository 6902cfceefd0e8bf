// console_host.go - Raw terminal key control and a one-line live meter

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"
)

// consoleTarget is the part of the engine the console drives.
type consoleTarget interface {
	TestTone(hz int)
	TestSweep()
	TestLatencyPulse()
	StopCalibration()
	TriggerDamageBurst(intensity01 float64)
	TriggerBiomeChime()
	SetDebugCapture(on bool)
	DebugCaptureEnabled() bool
	DebugSnapshot() *DebugSnapshot
	DominantSource() string
	OutputState() OutputState
	SaveCapture(path string) error
}

const consoleHelp = "keys: 1/2 tone 30/60Hz  w sweep  l latency  b burst  c chime  s stop  d debug  p save capture  q quit"

// ConsoleHost reads raw stdin and maps keys to engine actions. Only
// instantiated in main.go for interactive use.
type ConsoleHost struct {
	target       consoleTarget
	stopCh       chan struct{}
	done         chan struct{}
	quit         chan struct{}
	stopped      sync.Once
	quitOnce     sync.Once
	fd           int
	nonblockSet  bool
	oldTermState *term.State
}

func NewConsoleHost(target consoleTarget) *ConsoleHost {
	return &ConsoleHost{
		target: target,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
}

// Quit is closed when the user asks to quit.
func (h *ConsoleHost) Quit() <-chan struct{} { return h.quit }

// Start puts stdin in raw non-blocking mode and begins reading keys.
// Call Stop to restore the terminal.
func (h *ConsoleHost) Start() error {
	h.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(h.fd)
	if err != nil {
		close(h.done)
		return fmt.Errorf("console: raw mode: %w", err)
	}
	h.oldTermState = oldState

	if err := syscall.SetNonblock(h.fd, true); err != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
		close(h.done)
		return fmt.Errorf("console: nonblocking stdin: %w", err)
	}
	h.nonblockSet = true

	go func() {
		defer close(h.done)
		buf := make([]byte, 1)
		for {
			select {
			case <-h.stopCh:
				return
			default:
			}

			n, err := syscall.Read(h.fd, buf)
			if n > 0 && !h.handleKey(buf[0]) {
				h.quitOnce.Do(func() { close(h.quit) })
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	return nil
}

// Stop terminates the reader and restores stdin.
func (h *ConsoleHost) Stop() {
	h.stopped.Do(func() {
		close(h.stopCh)
	})
	<-h.done
	if h.nonblockSet {
		_ = syscall.SetNonblock(h.fd, false)
		h.nonblockSet = false
	}
	if h.oldTermState != nil {
		_ = term.Restore(h.fd, h.oldTermState)
		h.oldTermState = nil
	}
}

// handleKey runs the action bound to b. It returns false for quit.
func (h *ConsoleHost) handleKey(b byte) bool {
	t := h.target
	switch b {
	case '1':
		t.TestTone(30)
	case '2':
		t.TestTone(60)
	case 'w':
		t.TestSweep()
	case 'l':
		t.TestLatencyPulse()
	case 'b':
		t.TriggerDamageBurst(1)
	case 'c':
		t.TriggerBiomeChime()
	case 's':
		t.StopCalibration()
	case 'd':
		t.SetDebugCapture(!t.DebugCaptureEnabled())
	case 'p':
		path := "hapticd-" + time.Now().Format("20060102-150405") + ".hpds"
		if err := t.SaveCapture(path); err != nil {
			fmt.Fprintf(os.Stderr, "\r\nsave capture: %v\r\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "\r\ncapture saved to %s\r\n", path)
		}
	case 'q', 0x03, 0x04: // q, Ctrl-C, Ctrl-D
		return false
	}
	return true
}

// RunMeter redraws the meter line every interval until ctx is done.
func (h *ConsoleHost) RunMeter(ctx context.Context, w io.Writer, interval time.Duration) error {
	fmt.Fprint(w, consoleHelp+"\r\n")
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(w, "\r\n")
			return nil
		case <-h.quit:
			fmt.Fprint(w, "\r\n")
			return nil
		case <-tick.C:
		}
		width, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil || width <= 0 {
			width = 80
		}
		line := formatMeter(h.target.OutputState(), h.target.DebugSnapshot(), h.target.DominantSource(), width)
		fmt.Fprint(w, "\r"+line+"\x1b[K")
	}
}

const meterGlyphs = " ▁▂▃▄▅▆▇█"

// formatMeter renders the output state, a bar per channel and the
// dominant source, truncated to width runes.
func formatMeter(state OutputState, snap *DebugSnapshot, dominant string, width int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%-8s] ", state)
	if snap == nil {
		sb.WriteString("debug capture off (d to enable)")
	} else {
		glyphs := []rune(meterGlyphs)
		for c := range snap.Channels {
			if c >= len(snap.Peak01) {
				break
			}
			id := ChannelIDAt(snap.Channels, c)
			lvl := int(clamp01(float64(snap.Peak01[c])) * float64(len(glyphs)-1))
			fmt.Fprintf(&sb, "%s%c ", id, glyphs[lvl])
		}
		fmt.Fprintf(&sb, "q=%.0fms %s", snap.QueuedMs, dominant)
	}
	r := []rune(sb.String())
	if width > 0 && len(r) > width {
		r = r[:width]
	}
	return string(r)
}
