package stt

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

// WithSymbols wraps rec so that spoken words found in symbols ("dash", "minus", ...) are
// replaced by their written form in partial and final text. Matching is per word and case
// insensitive.
func WithSymbols(rec Recognizer, symbols map[string]string) Recognizer {
	if len(symbols) == 0 {
		return rec
	}
	normalized := make(map[string]string, len(symbols))
	for spoken, written := range symbols {
		normalized[strings.ToLower(strings.TrimSpace(spoken))] = written
	}
	return &symbolRecognizer{Recognizer: rec, symbols: normalized}
}

type symbolRecognizer struct {
	Recognizer
	symbols map[string]string
}

func (s *symbolRecognizer) Feed(ctx context.Context, frame audio.Frame) (Result, error) {
	res, err := s.Recognizer.Feed(ctx, frame)
	if err != nil {
		return res, err
	}
	return s.apply(res), nil
}

func (s *symbolRecognizer) Flush(ctx context.Context) (Result, error) {
	res, err := s.Recognizer.Flush(ctx)
	if err != nil {
		return res, err
	}
	return s.apply(res), nil
}

func (s *symbolRecognizer) apply(res Result) Result {
	if res.Kind == KindNone {
		return res
	}
	words := strings.Fields(res.Text)
	for i, w := range words {
		if mapped, ok := s.symbols[strings.ToLower(w)]; ok {
			words[i] = mapped
		}
	}
	res.Text = strings.Join(words, " ")

	if len(res.Words) > 0 {
		mapped := make([]Word, len(res.Words))
		copy(mapped, res.Words)
		for i := range mapped {
			if sym, ok := s.symbols[strings.ToLower(mapped[i].Text)]; ok {
				mapped[i].Text = sym
			}
		}
		res.Words = mapped
	}
	return res
}
