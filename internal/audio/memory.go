package audio

import (
	"context"
	"sync"
	"time"
)

// MemorySource replays scripted frames. It stands in for a microphone in tests and dry runs.
type MemorySource struct {
	// Device is the only identifier Open accepts besides the empty default.
	Device string
	Format Format
	// Frames are returned in order. Their sequence numbers are kept as-is.
	Frames []Frame
	// Interval paces reads; zero returns frames as fast as they are consumed.
	Interval time.Duration
	// HoldOpen makes Read block after the script ends instead of returning ErrEndOfStream.
	HoldOpen bool
}

// Open implements Source.
func (m *MemorySource) Open(_ context.Context, device string, sampleRate int) (Stream, error) {
	if device != "" && device != m.Device {
		return nil, Unavailable(device, nil)
	}
	format := m.Format
	if format.SampleRate == 0 {
		format.SampleRate = sampleRate
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	frames := make([]Frame, len(m.Frames))
	copy(frames, m.Frames)
	return &memoryStream{
		format:   format,
		frames:   frames,
		interval: m.Interval,
		holdOpen: m.HoldOpen,
		closed:   make(chan struct{}),
	}, nil
}

type memoryStream struct {
	format   Format
	frames   []Frame
	interval time.Duration
	holdOpen bool

	mu        sync.Mutex
	next      int
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *memoryStream) Format() Format { return s.format }

func (s *memoryStream) Read(ctx context.Context) (Frame, error) {
	select {
	case <-s.closed:
		return Frame{}, ErrStreamClosed
	default:
	}

	if s.interval > 0 {
		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.closed:
			return Frame{}, ErrStreamClosed
		}
	}

	s.mu.Lock()
	if s.next < len(s.frames) {
		f := s.frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	if !s.holdOpen {
		return Frame{}, ErrEndOfStream
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.closed:
		return Frame{}, ErrStreamClosed
	}
}

func (s *memoryStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
