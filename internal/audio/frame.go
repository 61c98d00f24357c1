package audio

import (
	"time"
)

// BytesPerSample is the width of one signed 16-bit little-endian PCM sample.
const BytesPerSample = 2

// Format describes the PCM layout produced by a stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the byte length of a frame lasting d.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * BytesPerSample
}

// Frame is an immutable chunk of PCM audio. The buffer is copied on construction
// and on every read, so a Frame can be shared between goroutines.
type Frame struct {
	seq        uint64
	sampleRate int
	channels   int
	pcm        []byte
	captured   time.Time
}

// NewFrame copies pcm into a new frame.
func NewFrame(seq uint64, sampleRate, channels int, pcm []byte, captured time.Time) Frame {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	return Frame{
		seq:        seq,
		sampleRate: sampleRate,
		channels:   channels,
		pcm:        buf,
		captured:   captured,
	}
}

func (f Frame) Sequence() uint64 { return f.seq }
func (f Frame) SampleRate() int { return f.sampleRate }
func (f Frame) Channels() int { return f.channels }
func (f Frame) Captured() time.Time { return f.captured }
func (f Frame) Len() int { return len(f.pcm) }
func (f Frame) Format() Format { return Format{SampleRate: f.sampleRate, Channels: f.channels} }

// PCM returns a copy of the frame payload.
func (f Frame) PCM() []byte {
	out := make([]byte, len(f.pcm))
	copy(out, f.pcm)
	return out
}

// Samples decodes the payload into signed 16-bit samples. A trailing odd byte is ignored.
func (f Frame) Samples() []int16 {
	n := len(f.pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(f.pcm[2*i]) | uint16(f.pcm[2*i+1])<<8)
	}
	return out
}

// Duration is the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.sampleRate <= 0 || f.channels <= 0 {
		return 0
	}
	samples := len(f.pcm) / (BytesPerSample * f.channels)
	return time.Duration(samples) * time.Second / time.Duration(f.sampleRate)
}

// EncodePCM16 packs samples into little-endian bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
