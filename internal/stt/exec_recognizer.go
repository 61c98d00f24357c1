package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer hands each utterance to an external command as a WAV file. The command
// prints {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	cmd          []string
	cfg          config.RecognizerConfig
	format       audio.Format
	endpoint     *Endpointer
	partialEvery time.Duration

	mu           sync.Mutex
	utterance    []byte
	sincePartial time.Duration
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.RecognizerConfig, format audio.Format) (Recognizer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	return &execRecognizer{
		cmd:          args,
		cfg:          cfg,
		format:       format,
		endpoint:     NewEndpointer(cfg.EnergyThreshold, time.Duration(cfg.HangoverMS)*time.Millisecond),
		partialEvery: time.Duration(cfg.PartialEveryMS) * time.Millisecond,
	}, nil
}

func (r *execRecognizer) Feed(ctx context.Context, frame audio.Frame) (Result, error) {
	if err := CheckFrame(frame, r.format.SampleRate, r.format.Channels); err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.endpoint.Observe(frame) {
	case Quiet:
		return Result{Kind: KindNone}, nil
	case SpeechEnd:
		r.utterance = append(r.utterance, frame.PCM()...)
		return r.finalize(ctx)
	default:
		r.utterance = append(r.utterance, frame.PCM()...)
	}

	if !r.cfg.PublishInterim || r.partialEvery <= 0 {
		return Result{Kind: KindNone}, nil
	}
	r.sincePartial += frame.Duration()
	if r.sincePartial < r.partialEvery {
		return Result{Kind: KindNone}, nil
	}
	r.sincePartial = 0
	resp, err := r.run(ctx, r.utterance, false)
	if err != nil {
		return Result{}, err
	}
	if resp.Text == "" {
		return Result{Kind: KindNone}, nil
	}
	return Result{Kind: KindPartial, Text: resp.Text}, nil
}

func (r *execRecognizer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clear()
	return nil
}

func (r *execRecognizer) Flush(ctx context.Context) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.utterance) == 0 {
		r.clear()
		return Result{Kind: KindNone}, nil
	}
	return r.finalize(ctx)
}

func (r *execRecognizer) Close() error { return nil }

func (r *execRecognizer) finalize(ctx context.Context) (Result, error) {
	pcm := r.utterance
	r.clear()
	resp, err := r.run(ctx, pcm, true)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: KindFinal, Text: resp.Text, Confidence: clampConfidence(resp.Confidence)}, nil
}

func (r *execRecognizer) clear() {
	r.utterance = nil
	r.sincePartial = 0
	r.endpoint.Reset()
}

func (r *execRecognizer) run(ctx context.Context, pcm []byte, final bool) (execResult, error) {
	file, err := os.CreateTemp("", "loqa_listen_*.wav")
	if err != nil {
		return execResult{}, fmt.Errorf("%w: temp file: %v", ErrDecoderFailure, err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.format.SampleRate, r.format.Channels); err != nil {
		return execResult{}, fmt.Errorf("%w: %v", ErrDecoderFailure, err)
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return execResult{}, fmt.Errorf("%w: recognizer command failed: %v: %s", ErrDecoderFailure, err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return execResult{}, fmt.Errorf("%w: decode recognizer response: %v", ErrDecoderFailure, err)
	}
	return resp, nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	samples := audio.NewFrame(0, sampleRate, channels, pcm, time.Time{}).Samples()
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
