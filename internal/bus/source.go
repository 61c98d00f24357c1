package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

// FrameSource is an audio.Source fed by protocol.AudioFrame messages published on
// <prefix>.audio.frame.<device>. An empty device accepts frames from any device.
type FrameSource struct {
	client *Client
	prefix string
	// Backlog bounds frames buffered between the subscription and Read.
	Backlog int
}

func NewFrameSource(client *Client, prefix string, backlog int) *FrameSource {
	return &FrameSource{client: client, prefix: prefix, Backlog: backlog}
}

// FrameSubject is the subject a remote device publishes its frames on.
func FrameSubject(prefix, device string) string {
	if device == "" {
		device = "*"
	}
	return protocol.Subject(prefix, protocol.SubjectAudioFrame) + "." + device
}

// Open implements audio.Source.
func (s *FrameSource) Open(_ context.Context, device string, sampleRate int) (audio.Stream, error) {
	if strings.ContainsAny(device, ". *>") {
		return nil, audio.Unavailable(device, errors.New("invalid bus device name"))
	}
	if s.client == nil || !s.client.Healthy() {
		return nil, audio.Unavailable(device, errors.New("bus not connected"))
	}
	backlog := s.Backlog
	if backlog <= 0 {
		backlog = 64
	}
	st := &frameStream{
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
		frames: make(chan audio.Frame, backlog),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
		log:    s.client.Logger().With(slog.String("component", "bus-source"), slog.String("device", device)),
	}
	sub, err := s.client.Conn().Subscribe(FrameSubject(s.prefix, device), st.handleFrame)
	if err != nil {
		return nil, audio.Unavailable(device, fmt.Errorf("subscribe audio frames: %w", err))
	}
	st.sub = sub
	return st, nil
}

type frameStream struct {
	format audio.Format
	sub    *nats.Subscription
	frames chan audio.Frame
	log    *slog.Logger

	mu        sync.Mutex
	ended     chan struct{}
	endOnce   sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

func (st *frameStream) Format() audio.Format { return st.format }

// handleFrame runs on the NATS dispatch goroutine and must never block.
func (st *frameStream) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		st.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	select {
	case <-st.ended:
		return
	default:
	}

	if len(frame.PCM) > 0 {
		channels := frame.Channels
		if channels <= 0 {
			channels = 1
		}
		f := audio.NewFrame(frame.Sequence, frame.SampleRate, channels, frame.PCM, time.Now())
		select {
		case st.frames <- f:
		default:
			if n := st.dropped.Add(1); n == 1 || n%100 == 0 {
				st.log.Warn("audio backlog full, dropping frames", slog.Int64("dropped", n))
			}
		}
	}
	if frame.Final {
		st.endOnce.Do(func() { close(st.ended) })
	}
}

// Read drains buffered frames before reporting the end of the stream.
func (st *frameStream) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-st.frames:
		return f, nil
	default:
	}
	select {
	case f := <-st.frames:
		return f, nil
	case <-st.ended:
		select {
		case f := <-st.frames:
			return f, nil
		default:
			return audio.Frame{}, audio.ErrEndOfStream
		}
	case <-st.closed:
		return audio.Frame{}, audio.ErrStreamClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (st *frameStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		close(st.closed)
		if st.sub != nil {
			err = st.sub.Unsubscribe()
		}
	})
	return err
}
