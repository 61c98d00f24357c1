package runtime

import (
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

func frameDuration(cfg config.Config) time.Duration {
	return time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond
}

func wavSource(cfg config.Config, _ *slog.Logger) (audio.Source, error) {
	return audio.WAVSource{FrameDuration: frameDuration(cfg), Pace: cfg.Audio.Pace}, nil
}

// memorySource replays a synthetic script of three one-second tones separated by silence, so
// the whole pipeline can be exercised without a microphone.
func memorySource(cfg config.Config, _ *slog.Logger) (audio.Source, error) {
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	var interval time.Duration
	if cfg.Audio.Pace {
		interval = frameDuration(cfg)
	}
	return &audio.MemorySource{
		Device:   cfg.Audio.Device,
		Format:   format,
		Frames:   SyntheticSpeech(format, frameDuration(cfg), 3),
		Interval: interval,
	}, nil
}

// SyntheticSpeech builds utterances of one second of 440Hz tone followed by one second of
// silence.
func SyntheticSpeech(format audio.Format, frame time.Duration, utterances int) []audio.Frame {
	perFrame := int(int64(format.SampleRate) * int64(frame) / int64(time.Second))
	framesPerSecond := int(time.Second / frame)
	start := time.Now()

	var (
		frames []audio.Frame
		seq    uint64
		t      int
	)
	for u := 0; u < utterances; u++ {
		for phase := 0; phase < 2; phase++ {
			for i := 0; i < framesPerSecond; i++ {
				samples := make([]int16, perFrame*format.Channels)
				for s := 0; s < perFrame; s++ {
					var v int16
					if phase == 0 {
						v = int16(3000 * math.Sin(2*math.Pi*440*float64(t)/float64(format.SampleRate)))
					}
					for ch := 0; ch < format.Channels; ch++ {
						samples[s*format.Channels+ch] = v
					}
					t++
				}
				seq++
				captured := start.Add(time.Duration(seq) * frame)
				frames = append(frames, audio.NewFrame(seq, format.SampleRate, format.Channels, audio.EncodePCM16(samples), captured))
			}
		}
	}
	return frames
}

func mockRecognizer(cfg config.Config, format audio.Format, _ *slog.Logger) (stt.Recognizer, error) {
	return stt.NewMockRecognizer(cfg.Recognizer, format), nil
}

func execRecognizer(cfg config.Config, format audio.Format, _ *slog.Logger) (stt.Recognizer, error) {
	return stt.NewExecRecognizer(cfg.Recognizer, format)
}
