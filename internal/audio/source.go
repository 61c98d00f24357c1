// Package audio defines PCM frames and the sources that produce them.
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable reports a missing, busy or lost capture device.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrEndOfStream is returned by finite sources once every frame was read.
	ErrEndOfStream = errors.New("end of audio stream")
	// ErrStreamClosed is returned by Read after Close.
	ErrStreamClosed = errors.New("audio stream closed")
	// ErrUnsupportedFormat is returned when a source cannot deliver the requested PCM layout.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// DeviceError carries the identifier of the device that failed.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	name := e.Device
	if name == "" {
		name = "default"
	}
	if e.Err == nil {
		return fmt.Sprintf("audio device %q unavailable", name)
	}
	return fmt.Sprintf("audio device %q unavailable: %v", name, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeviceUnavailable}
	}
	return []error{ErrDeviceUnavailable, e.Err}
}

// Unavailable builds a DeviceError for device.
func Unavailable(device string, cause error) error {
	if cause == ErrDeviceUnavailable {
		cause = nil
	}
	return &DeviceError{Device: device, Err: cause}
}

// Source opens capture streams. An empty device selects the system default.
type Source interface {
	Open(ctx context.Context, device string, sampleRate int) (Stream, error)
}

// Stream is a non-restartable sequence of frames.
type Stream interface {
	// Read blocks until the next frame is ready, ctx is done, or the stream fails.
	Read(ctx context.Context) (Frame, error)
	// Format reports the PCM layout of produced frames.
	Format() Format
	// Close releases the device. Calling it more than once is a no-op.
	Close() error
}
