package stt

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// Transition reports what a frame did to the endpointer.
type Transition int

const (
	Quiet Transition = iota
	SpeechStart
	Speech
	Trailing
	SpeechEnd
)

// Endpointer detects utterance boundaries from frame energy: an utterance opens on the
// first loud frame and closes once Hangover of consecutive quiet audio has been seen.
type Endpointer struct {
	Threshold float64
	Hangover  time.Duration

	active bool
	quiet  time.Duration
	frames int
	voiced int
}

// NewEndpointer builds an endpointer; threshold is RMS on the int16 scale.
func NewEndpointer(threshold float64, hangover time.Duration) *Endpointer {
	return &Endpointer{Threshold: threshold, Hangover: hangover}
}

// Observe classifies one frame.
func (e *Endpointer) Observe(frame audio.Frame) Transition {
	loud := RMS(frame) >= e.Threshold
	if !e.active {
		if !loud {
			return Quiet
		}
		e.active = true
		e.frames, e.voiced, e.quiet = 1, 1, 0
		return SpeechStart
	}

	e.frames++
	if loud {
		e.voiced++
		e.quiet = 0
		return Speech
	}
	e.quiet += frame.Duration()
	if e.quiet >= e.Hangover {
		e.active = false
		return SpeechEnd
	}
	return Trailing
}

// Active reports whether an utterance is open.
func (e *Endpointer) Active() bool { return e.active }

// VoicedRatio is the share of loud frames in the current or last utterance.
func (e *Endpointer) VoicedRatio() float64 {
	if e.frames == 0 {
		return 0
	}
	return float64(e.voiced) / float64(e.frames)
}

// Reset forgets the current utterance.
func (e *Endpointer) Reset() {
	e.active = false
	e.quiet = 0
	e.frames, e.voiced = 0, 0
}

// RMS returns the root mean square amplitude of a frame on the int16 scale.
func RMS(frame audio.Frame) float64 {
	samples := frame.Samples()
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
