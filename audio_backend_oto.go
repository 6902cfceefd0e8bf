//go:build !headless

// audio_backend_oto.go - oto v3 stereo sink fed through a pipe

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
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// oto allows a single context per process, fixed at the format it was
// created with.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func otoContext() (*oto.Context, error) {
	otoOnce.Do(func() {
		op := &oto.NewContextOptions{
			SampleRate:   SAMPLE_RATE,
			ChannelCount: CHANNELS_STEREO,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   40 * time.Millisecond,
		}
		ctx, ready, err := oto.NewContext(op)
		if err != nil {
			otoErr = fmt.Errorf("oto context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// OtoSink plays through oto. The player pulls from a pipe, so Write blocks
// until oto has consumed the buffer.
type OtoSink struct {
	player *oto.Player
	pr     *io.PipeReader
	pw     *io.PipeWriter
	closed atomic.Bool
	mutex  sync.Mutex // Only for Close
}

// OpenOtoSink opens a stereo player on the shared context. oto cannot pick
// devices or surround layouts; the loop sees Channels() == 2.
func OpenOtoSink(format SinkFormat) (*OtoSink, error) {
	ctx, err := otoContext()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("oto context: %w", err)
	}
	pr, pw := io.Pipe()
	s := &OtoSink{pr: pr, pw: pw}
	s.player = ctx.NewPlayer(pr)
	s.player.Play()
	return s, nil
}

func (s *OtoSink) Channels() int { return CHANNELS_STEREO }

func (s *OtoSink) Write(pcm []byte) error {
	if s.closed.Load() {
		return ErrSinkClosed
	}
	if err := s.player.Err(); err != nil {
		return fmt.Errorf("oto player: %w", err)
	}
	if _, err := s.pw.Write(pcm); err != nil {
		return fmt.Errorf("oto write: %w", err)
	}
	return nil
}

func (s *OtoSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.pw.CloseWithError(ErrSinkClosed)
	return s.player.Close()
}

func (s *OtoSink) BufferStatus() BufferStatus {
	if s.closed.Load() {
		return BufferStatus{}
	}
	queued := bytesToMs(s.player.BufferedSize(), CHANNELS_STEREO)
	return BufferStatus{BufferMs: 40, QueuedMs: queued}
}
