package stt

import (
	"encoding/json"
	"fmt"
	"strings"
)

type kaldiWord struct {
	Conf  float64 `json:"conf"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

type kaldiFinal struct {
	Text   string      `json:"text"`
	Result []kaldiWord `json:"result"`
}

type kaldiPartial struct {
	Partial string `json:"partial"`
}

// DecodeKaldiFinal parses a Kaldi/Vosk final result. The utterance confidence is the
// mean word confidence; results without word detail report zero.
func DecodeKaldiFinal(data []byte) (Result, error) {
	var raw kaldiFinal
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("%w: decode final result: %v", ErrDecoderFailure, err)
	}
	res := Result{Kind: KindFinal, Text: strings.TrimSpace(raw.Text)}
	if len(raw.Result) == 0 {
		return res, nil
	}
	var sum float64
	res.Words = make([]Word, 0, len(raw.Result))
	for _, w := range raw.Result {
		sum += w.Conf
		res.Words = append(res.Words, Word{
			Text:       w.Word,
			Confidence: clampConfidence(w.Conf),
			Start:      w.Start,
			End:        w.End,
		})
	}
	res.Confidence = clampConfidence(sum / float64(len(raw.Result)))
	return res, nil
}

// DecodeKaldiPartial parses a Kaldi/Vosk partial result.
func DecodeKaldiPartial(data []byte) (Result, error) {
	var raw kaldiPartial
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, fmt.Errorf("%w: decode partial result: %v", ErrDecoderFailure, err)
	}
	text := strings.TrimSpace(raw.Partial)
	if text == "" {
		return Result{Kind: KindNone}, nil
	}
	return Result{Kind: KindPartial, Text: text}, nil
}
