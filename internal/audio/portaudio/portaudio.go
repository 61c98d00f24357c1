// Package portaudio captures microphone input through PortAudio.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-listen/internal/audio"
)

// Device describes an input-capable device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// Source opens PortAudio input streams.
type Source struct {
	Channels      int
	FrameDuration time.Duration
	// Backlog bounds frames buffered between the driver and Read.
	Backlog int
	Logger  *slog.Logger
}

// Devices lists input devices known to PortAudio.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for i, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		d := Device{
			Index:             i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			Default:           def != nil && def.Name == info.Name,
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		out = append(out, d)
	}
	return out, nil
}

// Open implements audio.Source. device may be empty, a device index, or a device name.
func (s Source) Open(_ context.Context, device string, sampleRate int) (audio.Stream, error) {
	channels := s.Channels
	if channels <= 0 {
		channels = 1
	}
	frameDuration := s.FrameDuration
	if frameDuration <= 0 {
		frameDuration = 100 * time.Millisecond
	}
	backlog := s.Backlog
	if backlog <= 0 {
		backlog = 8
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, audio.Unavailable(device, err)
	}

	info, err := lookupDevice(device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if info.MaxInputChannels < channels {
		portaudio.Terminate()
		return nil, audio.Unavailable(device, fmt.Errorf("device %q has %d input channels", info.Name, info.MaxInputChannels))
	}

	format := audio.Format{SampleRate: sampleRate, Channels: channels}
	samples := format.FrameBytes(frameDuration) / audio.BytesPerSample
	buffer := make([]int16, samples)

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = samples / channels

	stream, err := portaudio.OpenStream(params, buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, audio.Unavailable(device, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, audio.Unavailable(device, err)
	}

	ms := &micStream{
		device: device,
		stream: stream,
		buffer: buffer,
		format: format,
		frames: make(chan audio.Frame, backlog),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
		logger: logger.With(slog.String("component", "portaudio"), slog.String("device", info.Name)),
	}
	ms.wg.Add(1)
	go ms.captureLoop()

	ms.logger.Info("microphone opened",
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Int("frames_per_buffer", params.FramesPerBuffer))
	return ms, nil
}

func lookupDevice(device string) (*portaudio.DeviceInfo, error) {
	if device == "" {
		info, err := portaudio.DefaultInputDevice()
		if err != nil || info == nil {
			return nil, audio.Unavailable(device, err)
		}
		return info, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, audio.Unavailable(device, err)
	}
	if idx, err := strconv.Atoi(device); err == nil {
		if idx >= 0 && idx < len(infos) && infos[idx].MaxInputChannels > 0 {
			return infos[idx], nil
		}
		return nil, audio.Unavailable(device, nil)
	}
	for _, info := range infos {
		if info.MaxInputChannels > 0 && info.Name == device {
			return info, nil
		}
	}
	needle := strings.ToLower(device)
	for _, info := range infos {
		if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), needle) {
			return info, nil
		}
	}
	return nil, audio.Unavailable(device, nil)
}

type micStream struct {
	device string
	stream *portaudio.Stream
	buffer []int16
	format audio.Format
	frames chan audio.Frame
	logger *slog.Logger

	done      chan struct{}
	failed    chan struct{}
	failErr   error
	closeOnce sync.Once
	wg        sync.WaitGroup

	overflows  atomic.Int64
	backlogged atomic.Int64
}

func (m *micStream) Format() audio.Format { return m.format }

func (m *micStream) captureLoop() {
	defer m.wg.Done()
	var seq uint64
	for {
		select {
		case <-m.done:
			return
		default:
		}

		err := m.stream.Read()
		if err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				// Samples were lost inside the driver; the buffer still holds a valid frame.
				m.overflows.Add(1)
			} else {
				select {
				case <-m.done:
					return
				default:
				}
				m.failErr = audio.Unavailable(m.device, err)
				close(m.failed)
				return
			}
		}

		seq++
		frame := audio.NewFrame(seq, m.format.SampleRate, m.format.Channels, audio.EncodePCM16(m.buffer), time.Now())
		select {
		case m.frames <- frame:
		default:
			// Reader fell behind; the sequence gap tells the session about it.
			m.backlogged.Add(1)
		}
	}
}

func (m *micStream) Read(ctx context.Context) (audio.Frame, error) {
	select {
	case f := <-m.frames:
		return f, nil
	default:
	}
	select {
	case f := <-m.frames:
		return f, nil
	case <-m.failed:
		return audio.Frame{}, m.failErr
	case <-m.done:
		return audio.Frame{}, audio.ErrStreamClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

func (m *micStream) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		m.wg.Wait()
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = termErr
		}
		m.logger.Info("microphone closed",
			slog.Int64("driver_overflows", m.overflows.Load()),
			slog.Int64("backlog_drops", m.backlogged.Load()))
	})
	return err
}
