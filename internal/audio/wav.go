package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a 16-bit PCM WAV file. The device string passed to Open is the file path.
type WAVSource struct {
	FrameDuration time.Duration
	// Pace delivers frames at real-time speed instead of as fast as possible.
	Pace bool
}

// Open implements Source.
func (w WAVSource) Open(_ context.Context, path string, sampleRate int) (Stream, error) {
	if path == "" {
		return nil, Unavailable(path, fmt.Errorf("wav source requires a file path"))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, Unavailable(path, err)
	}

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrUnsupportedFormat, path)
	}
	if dec.BitDepth != 16 {
		file.Close()
		return nil, fmt.Errorf("%w: bit depth %d, want 16", ErrUnsupportedFormat, dec.BitDepth)
	}
	if int(dec.SampleRate) != sampleRate {
		file.Close()
		return nil, fmt.Errorf("%w: sample rate %d, want %d", ErrUnsupportedFormat, dec.SampleRate, sampleRate)
	}

	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	frameDuration := w.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 100 * time.Millisecond
	}
	samples := format.FrameBytes(frameDuration) / BytesPerSample
	if samples <= 0 {
		file.Close()
		return nil, fmt.Errorf("%w: frame duration %s too short", ErrUnsupportedFormat, frameDuration)
	}

	return &wavStream{
		file:     file,
		dec:      dec,
		format:   format,
		duration: frameDuration,
		pace:     w.Pace,
		buf: &goaudio.IntBuffer{
			Format: &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, samples),
		},
	}, nil
}

type wavStream struct {
	mu       sync.Mutex
	file     *os.File
	dec      *wav.Decoder
	format   Format
	duration time.Duration
	pace     bool
	buf      *goaudio.IntBuffer
	seq      uint64
	closed   bool
	last     time.Time
}

func (s *wavStream) Format() Format { return s.format }

func (s *wavStream) Read(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrStreamClosed
	}

	if s.pace && !s.last.IsZero() {
		wait := time.Until(s.last.Add(s.duration))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Frame{}, ctx.Err()
			}
		}
	}

	n, err := s.dec.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Frame{}, fmt.Errorf("read wav: %w", err)
	}
	if n == 0 {
		return Frame{}, ErrEndOfStream
	}

	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(s.buf.Data[i])
	}
	s.seq++
	s.last = time.Now()
	return NewFrame(s.seq, s.format.SampleRate, s.format.Channels, EncodePCM16(pcm), s.last), nil
}

func (s *wavStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
