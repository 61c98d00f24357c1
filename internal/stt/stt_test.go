package stt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
)

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

func testConfig() config.RecognizerConfig {
	cfg := config.Default().Recognizer
	cfg.EnergyThreshold = 500
	cfg.HangoverMS = 300
	return cfg
}

func frame(seq uint64, amplitude int16) audio.Frame {
	samples := make([]int16, 1600)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audio.NewFrame(seq, 16000, 1, audio.EncodePCM16(samples), time.Now())
}

// utterance builds silence, speech, then enough silence to close the utterance.
func utterance(lead, speech, trail int) []audio.Frame {
	var frames []audio.Frame
	var seq uint64
	add := func(n int, amp int16) {
		for i := 0; i < n; i++ {
			seq++
			frames = append(frames, frame(seq, amp))
		}
	}
	add(lead, 0)
	add(speech, 4000)
	add(trail, 0)
	return frames
}

func TestCheckFrame(t *testing.T) {
	cases := []struct {
		name  string
		frame audio.Frame
	}{
		{"sample rate", audio.NewFrame(1, 8000, 1, make([]byte, 320), time.Now())},
		{"channels", audio.NewFrame(2, 16000, 2, make([]byte, 320), time.Now())},
		{"odd payload", audio.NewFrame(3, 16000, 1, make([]byte, 321), time.Now())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := CheckFrame(tc.frame, 16000, 1); !errors.Is(err, ErrDecode) {
				t.Fatalf("expected ErrDecode, got %v", err)
			}
		})
	}
	if err := CheckFrame(frame(1, 0), 16000, 1); err != nil {
		t.Fatalf("unexpected error for valid frame: %v", err)
	}
}

func TestDecodeKaldiFinal(t *testing.T) {
	res, err := DecodeKaldiFinal([]byte(`{"result":[{"conf":1.0,"start":0.1,"end":0.4,"word":"hello"},{"conf":0.5,"start":0.5,"end":0.9,"word":"world"}],"text":"hello world"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Kind != KindFinal || res.Text != "hello world" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Confidence != 0.75 {
		t.Fatalf("expected mean confidence 0.75, got %v", res.Confidence)
	}
	if len(res.Words) != 2 || res.Words[1].Text != "world" || res.Words[1].End != 0.9 {
		t.Fatalf("unexpected words: %+v", res.Words)
	}

	res, err = DecodeKaldiFinal([]byte(`{"text":""}`))
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if res.Kind != KindFinal || res.Text != "" || res.Confidence != 0 {
		t.Fatalf("unexpected empty result: %+v", res)
	}

	res, err = DecodeKaldiFinal([]byte(`{"result":[{"conf":1.7,"word":"loud"}],"text":"loud"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Confidence != 1 {
		t.Fatalf("expected clamped confidence, got %v", res.Confidence)
	}

	if _, err := DecodeKaldiFinal([]byte(`not json`)); !errors.Is(err, ErrDecoderFailure) {
		t.Fatalf("expected ErrDecoderFailure, got %v", err)
	}
}

func TestDecodeKaldiPartial(t *testing.T) {
	res, err := DecodeKaldiPartial([]byte(`{"partial":"hel"}`))
	if err != nil || res.Kind != KindPartial || res.Text != "hel" {
		t.Fatalf("unexpected partial: %+v %v", res, err)
	}
	res, err = DecodeKaldiPartial([]byte(`{"partial":""}`))
	if err != nil || res.Kind != KindNone {
		t.Fatalf("expected none for empty partial: %+v %v", res, err)
	}
}

func TestEndpointer(t *testing.T) {
	ep := NewEndpointer(500, 300*time.Millisecond)
	var got []Transition
	for _, f := range utterance(2, 3, 3) {
		got = append(got, ep.Observe(f))
	}
	want := []Transition{Quiet, Quiet, SpeechStart, Speech, Speech, Trailing, Trailing, SpeechEnd}
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %v want %v (all %v)", i, got[i], want[i], got)
		}
	}
	if ratio := ep.VoicedRatio(); ratio != 0.5 {
		t.Fatalf("expected voiced ratio 0.5, got %v", ratio)
	}
	if ep.Active() {
		t.Fatal("endpointer should be closed after hangover")
	}
}

func TestMockRecognizerSingleFinal(t *testing.T) {
	rec := NewMockRecognizer(testConfig(), testFormat)
	ctx := context.Background()

	var finals []Result
	var partials int
	for _, f := range utterance(3, 4, 3) {
		res, err := rec.Feed(ctx, f)
		if err != nil {
			t.Fatalf("feed %d: %v", f.Sequence(), err)
		}
		switch res.Kind {
		case KindFinal:
			finals = append(finals, res)
		case KindPartial:
			partials++
		}
	}
	if len(finals) != 1 {
		t.Fatalf("expected exactly one final, got %d", len(finals))
	}
	if c := finals[0].Confidence; c < 0 || c > 1 {
		t.Fatalf("confidence out of range: %v", c)
	}
	if !strings.HasPrefix(finals[0].Text, "[final transcript") {
		t.Fatalf("unexpected final text %q", finals[0].Text)
	}
	if partials != 4 {
		t.Fatalf("expected a partial per voiced frame, got %d", partials)
	}
}

func TestMockRecognizerFlush(t *testing.T) {
	rec := NewMockRecognizer(testConfig(), testFormat)
	ctx := context.Background()

	res, err := rec.Flush(ctx)
	if err != nil || res.Kind != KindNone {
		t.Fatalf("expected empty flush, got %+v %v", res, err)
	}

	for _, f := range utterance(0, 2, 0) {
		if _, err := rec.Feed(ctx, f); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
	res, err = rec.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if res.Kind != KindFinal || res.Confidence != 1 {
		t.Fatalf("expected forced final, got %+v", res)
	}
}

func TestMockRecognizerRejectsMalformedFrame(t *testing.T) {
	rec := NewMockRecognizer(testConfig(), testFormat)
	bad := audio.NewFrame(1, 44100, 1, make([]byte, 320), time.Now())
	if _, err := rec.Feed(context.Background(), bad); !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if _, err := rec.Feed(context.Background(), frame(2, 0)); err != nil {
		t.Fatalf("recognizer should stay usable after a decode error: %v", err)
	}
}

type scripted struct {
	results []Result
}

func (s *scripted) Feed(context.Context, audio.Frame) (Result, error) {
	if len(s.results) == 0 {
		return Result{Kind: KindNone}, nil
	}
	res := s.results[0]
	s.results = s.results[1:]
	return res, nil
}

func (s *scripted) Reset() error { return nil }
func (s *scripted) Flush(context.Context) (Result, error) {
	return Result{Kind: KindFinal, Text: "minus one"}, nil
}
func (s *scripted) Close() error { return nil }

func TestWithSymbols(t *testing.T) {
	inner := &scripted{results: []Result{
		{Kind: KindPartial, Text: "well"},
		{Kind: KindFinal, Text: "well Dash known", Words: []Word{{Text: "well"}, {Text: "Dash"}, {Text: "known"}}},
	}}
	rec := WithSymbols(inner, config.Default().Recognizer.Symbols)
	ctx := context.Background()

	res, _ := rec.Feed(ctx, frame(1, 0))
	if res.Text != "well" {
		t.Fatalf("unexpected partial %q", res.Text)
	}
	res, _ = rec.Feed(ctx, frame(2, 0))
	if res.Text != "well - known" {
		t.Fatalf("expected symbol mapping, got %q", res.Text)
	}
	if res.Words[1].Text != "-" {
		t.Fatalf("expected word mapping, got %+v", res.Words)
	}
	res, _ = rec.Flush(ctx)
	if res.Text != "- one" {
		t.Fatalf("expected flush mapping, got %q", res.Text)
	}

	if WithSymbols(inner, nil) != Recognizer(inner) {
		t.Fatal("empty mapping should return the recognizer unchanged")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unavailable on windows")
	}
	path := filepath.Join(t.TempDir(), "recognize.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecRecognizerFinal(t *testing.T) {
	script := writeScript(t, `echo '{"text":"hello world","confidence":0.82}'`)
	cfg := testConfig()
	cfg.Command = "/bin/sh " + script
	cfg.PublishInterim = false

	rec, err := NewExecRecognizer(cfg, testFormat)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })

	var finals []Result
	for _, f := range utterance(1, 3, 3) {
		res, err := rec.Feed(context.Background(), f)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if res.Kind == KindFinal {
			finals = append(finals, res)
		}
	}
	if len(finals) != 1 {
		t.Fatalf("expected one final, got %d", len(finals))
	}
	if finals[0].Text != "hello world" || finals[0].Confidence != 0.82 {
		t.Fatalf("unexpected final: %+v", finals[0])
	}
}

func TestExecRecognizerPartialAndFailure(t *testing.T) {
	script := writeScript(t, `for arg in "$@"; do
  if [ "$arg" = "--partial" ]; then echo '{"text":"hel"}'; exit 0; fi
done
echo boom >&2
exit 3`)
	cfg := testConfig()
	cfg.Command = "/bin/sh " + script
	cfg.PublishInterim = true
	cfg.PartialEveryMS = 200

	rec, err := NewExecRecognizer(cfg, testFormat)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	var partial Result
	for _, f := range utterance(0, 2, 0) {
		res, err := rec.Feed(ctx, f)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if res.Kind == KindPartial {
			partial = res
		}
	}
	if partial.Text != "hel" {
		t.Fatalf("expected throttled partial, got %+v", partial)
	}

	if _, err := rec.Flush(ctx); !errors.Is(err, ErrDecoderFailure) {
		t.Fatalf("expected ErrDecoderFailure from failing command, got %v", err)
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	cfg := testConfig()
	cfg.Command = "   "
	if _, err := NewExecRecognizer(cfg, testFormat); err == nil {
		t.Fatal("expected error for empty command")
	}
}
