package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestFrameIsImmutable(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	f := NewFrame(7, 16000, 1, src, time.Now())
	src[0] = 99

	got := f.PCM()
	if got[0] != 1 {
		t.Fatalf("frame shares caller buffer: %v", got)
	}
	got[1] = 42
	if f.PCM()[1] != 2 {
		t.Fatalf("frame exposes its buffer through PCM")
	}
	if f.Sequence() != 7 || f.SampleRate() != 16000 || f.Channels() != 1 {
		t.Fatalf("unexpected frame metadata: %+v", f.Format())
	}
}

func TestFrameDurationAndSamples(t *testing.T) {
	pcm := EncodePCM16(make([]int16, 1600))
	f := NewFrame(1, 16000, 1, pcm, time.Now())
	if f.Duration() != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %s", f.Duration())
	}

	samples := []int16{-32768, -1, 0, 1, 32767}
	round := NewFrame(1, 16000, 1, EncodePCM16(samples), time.Now()).Samples()
	for i := range samples {
		if round[i] != samples[i] {
			t.Fatalf("sample %d: got %d want %d", i, round[i], samples[i])
		}
	}

	if got := (Format{SampleRate: 16000, Channels: 2}).FrameBytes(20 * time.Millisecond); got != 1280 {
		t.Fatalf("expected 1280 bytes, got %d", got)
	}
}

func TestMemorySourceUnknownDevice(t *testing.T) {
	src := &MemorySource{Device: "test-mic"}
	_, err := src.Open(context.Background(), "nonexistent", 16000)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	var devErr *DeviceError
	if !errors.As(err, &devErr) || devErr.Device != "nonexistent" {
		t.Fatalf("expected DeviceError for nonexistent, got %#v", err)
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Fatalf("error should name the device: %v", err)
	}
}

func TestMemorySourceEndOfStream(t *testing.T) {
	frames := []Frame{
		NewFrame(1, 16000, 1, []byte{0, 0}, time.Now()),
		NewFrame(2, 16000, 1, []byte{0, 0}, time.Now()),
	}
	src := &MemorySource{Device: "test-mic", Frames: frames}
	stream, err := src.Open(context.Background(), "", 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	for i := 1; i <= 2; i++ {
		f, err := stream.Read(context.Background())
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Sequence() != uint64(i) {
			t.Fatalf("expected sequence %d, got %d", i, f.Sequence())
		}
	}
	if _, err := stream.Read(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

func TestMemorySourceHoldOpenHonorsDeadline(t *testing.T) {
	src := &MemorySource{HoldOpen: true}
	stream, err := src.Open(context.Background(), "", 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := stream.Read(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := stream.Read(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func writeTestWAV(t *testing.T, path string, sampleRate int, samples []int) {
	t.Helper()
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer file.Close()
	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:   samples,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestWAVSourceReadsFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	samples := make([]int, 4000) // 250ms at 16kHz
	for i := range samples {
		samples[i] = i % 100
	}
	writeTestWAV(t, path, 16000, samples)

	src := WAVSource{FrameDuration: 100 * time.Millisecond}
	stream, err := src.Open(context.Background(), path, 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = stream.Close() })

	var total int
	var last uint64
	for {
		f, err := stream.Read(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Sequence() != last+1 {
			t.Fatalf("expected sequence %d, got %d", last+1, f.Sequence())
		}
		last = f.Sequence()
		total += len(f.Samples())
	}
	if total != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), total)
	}
	if last != 3 {
		t.Fatalf("expected 3 frames, got %d", last)
	}
}

func TestWAVSourceErrors(t *testing.T) {
	if _, err := (WAVSource{}).Open(context.Background(), filepath.Join(t.TempDir(), "missing.wav"), 16000); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable for missing file, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "clip.wav")
	writeTestWAV(t, path, 8000, make([]int, 800))
	if _, err := (WAVSource{}).Open(context.Background(), path, 16000); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat for rate mismatch, got %v", err)
	}
}
