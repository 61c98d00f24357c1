package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

// mockRecognizer turns energy boundaries into placeholder transcripts. It is useful for
// exercising the pipeline without a model on disk.
type mockRecognizer struct {
	format   audio.Format
	endpoint *Endpointer
	interim  bool
	length   int
}

func NewMockRecognizer(cfg config.RecognizerConfig, format audio.Format) Recognizer {
	return &mockRecognizer{
		format:   format,
		endpoint: NewEndpointer(cfg.EnergyThreshold, time.Duration(cfg.HangoverMS)*time.Millisecond),
		interim:  cfg.PublishInterim,
	}
}

func (m *mockRecognizer) Feed(_ context.Context, frame audio.Frame) (Result, error) {
	if err := CheckFrame(frame, m.format.SampleRate, m.format.Channels); err != nil {
		return Result{}, err
	}
	switch m.endpoint.Observe(frame) {
	case SpeechStart, Speech:
		m.length += frame.Len()
		if m.interim {
			return m.transcript(KindPartial), nil
		}
	case Trailing:
		m.length += frame.Len()
	case SpeechEnd:
		m.length += frame.Len()
		res := m.transcript(KindFinal)
		m.length = 0
		return res, nil
	}
	return Result{Kind: KindNone}, nil
}

func (m *mockRecognizer) Reset() error {
	m.endpoint.Reset()
	m.length = 0
	return nil
}

func (m *mockRecognizer) Flush(_ context.Context) (Result, error) {
	if !m.endpoint.Active() {
		return Result{Kind: KindNone}, nil
	}
	res := m.transcript(KindFinal)
	m.endpoint.Reset()
	m.length = 0
	return res, nil
}

func (m *mockRecognizer) Close() error { return nil }

func (m *mockRecognizer) transcript(kind Kind) Result {
	res := Result{
		Kind: kind,
		Text: fmt.Sprintf("[%s transcript length=%d]", kind, m.length),
	}
	if kind == KindFinal {
		res.Confidence = clampConfidence(m.endpoint.VoicedRatio())
	}
	return res
}
