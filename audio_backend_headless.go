//go:build headless

// audio_backend_headless.go - Stub device backends for headless builds

package main

// Device backends are not compiled into headless builds. The oto slot is
// filled by a paced null sink so the daemon still runs.

func OpenOtoSink(format SinkFormat) (AudioSink, error) {
	return NewNullSink(CHANNELS_STEREO, true), nil
}

func OpenPortAudioSink(format SinkFormat) (AudioSink, error) {
	return nil, ErrNoDevice
}

func PortAudioTerminate() {}

func ListOutputDevices() ([]OutputDevice, error) {
	return []OutputDevice{{Name: "null", Default: true, Channels: []int{CHANNELS_STEREO, CHANNELS_7_1}}}, nil
}
