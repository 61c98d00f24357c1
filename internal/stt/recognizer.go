package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

var (
	// ErrDecode marks a frame the decoder could not accept. The frame is dropped; the decoder stays usable.
	ErrDecode = errors.New("decode error")
	// ErrDecoderFailure marks an unrecoverable decoder fault.
	ErrDecoderFailure = errors.New("decoder failure")
)

// Kind distinguishes recognizer outputs.
type Kind int

const (
	KindNone Kind = iota
	KindPartial
	KindFinal
)

func (k Kind) String() string {
	switch k {
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	default:
		return "none"
	}
}

// Word is a single recognized token with its decoder confidence and time span in seconds.
type Word struct {
	Text       string
	Confidence float64
	Start      float64
	End        float64
}

// Result captures recognizer output. Confidence is only meaningful for KindFinal.
type Result struct {
	Kind       Kind
	Text       string
	Confidence float64
	Words      []Word
}

// Recognizer abstracts STT backends fed frame by frame.
type Recognizer interface {
	// Feed accumulates a frame into the current utterance.
	Feed(ctx context.Context, frame audio.Frame) (Result, error)
	// Reset clears utterance state without reloading the model.
	Reset() error
	// Flush forces an utterance boundary and returns whatever the decoder holds.
	Flush(ctx context.Context) (Result, error)
	Close() error
}

// CheckFrame validates a frame against the layout a decoder was opened with.
func CheckFrame(frame audio.Frame, sampleRate, channels int) error {
	if frame.SampleRate() != sampleRate {
		return fmt.Errorf("%w: frame %d sample rate %d, want %d", ErrDecode, frame.Sequence(), frame.SampleRate(), sampleRate)
	}
	if frame.Channels() != channels {
		return fmt.Errorf("%w: frame %d has %d channels, want %d", ErrDecode, frame.Sequence(), frame.Channels(), channels)
	}
	if frame.Len()%(audio.BytesPerSample*channels) != 0 {
		return fmt.Errorf("%w: frame %d payload of %d bytes is not sample aligned", ErrDecode, frame.Sequence(), frame.Len())
	}
	return nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
