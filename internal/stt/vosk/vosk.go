// Package vosk adapts the Vosk (Kaldi) decoder to stt.Recognizer. It links libvosk through cgo,
// so it lives apart from the pure-Go recognizers.
package vosk

import (
	"context"
	"fmt"
	"os"
	"sync"

	voskapi "github.com/alphacep/vosk-api/go"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

// Recognizer streams frames into a Vosk recognizer.
type Recognizer struct {
	mu          sync.Mutex
	model       *voskapi.VoskModel
	recognizer  *voskapi.VoskRecognizer
	format      audio.Format
	interim     bool
	lastPartial string
}

// SetDecoderLogs toggles libvosk's own stderr logging.
func SetDecoderLogs(enabled bool) {
	if enabled {
		voskapi.SetLogLevel(0)
		return
	}
	voskapi.SetLogLevel(-1)
}

// New loads the model at cfg.ModelPath. Model load failures are initialization errors and are
// returned as stt.ErrDecoderFailure.
func New(cfg config.RecognizerConfig, format audio.Format) (*Recognizer, error) {
	if format.Channels != 1 {
		return nil, fmt.Errorf("%w: vosk requires mono audio, got %d channels", stt.ErrDecoderFailure, format.Channels)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: vosk model %s: %v", stt.ErrDecoderFailure, cfg.ModelPath, err)
	}

	model, err := voskapi.NewModel(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: load vosk model: %v", stt.ErrDecoderFailure, err)
	}
	rec, err := voskapi.NewRecognizer(model, float64(format.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("%w: create vosk recognizer: %v", stt.ErrDecoderFailure, err)
	}
	if cfg.Words {
		rec.SetWords(1)
	}

	return &Recognizer{
		model:      model,
		recognizer: rec,
		format:     format,
		interim:    cfg.PublishInterim,
	}, nil
}

// Feed implements stt.Recognizer.
func (r *Recognizer) Feed(_ context.Context, frame audio.Frame) (stt.Result, error) {
	if err := stt.CheckFrame(frame, r.format.SampleRate, r.format.Channels); err != nil {
		return stt.Result{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer == nil {
		return stt.Result{}, fmt.Errorf("%w: recognizer closed", stt.ErrDecoderFailure)
	}

	switch r.recognizer.AcceptWaveform(frame.PCM()) {
	case 1:
		r.lastPartial = ""
		return stt.DecodeKaldiFinal([]byte(r.recognizer.Result()))
	case 0:
		if !r.interim {
			return stt.Result{Kind: stt.KindNone}, nil
		}
		res, err := stt.DecodeKaldiPartial([]byte(r.recognizer.PartialResult()))
		if err != nil || res.Kind == stt.KindNone {
			return res, err
		}
		if res.Text == r.lastPartial {
			return stt.Result{Kind: stt.KindNone}, nil
		}
		r.lastPartial = res.Text
		return res, nil
	default:
		return stt.Result{}, fmt.Errorf("%w: vosk rejected frame %d", stt.ErrDecode, frame.Sequence())
	}
}

// Reset implements stt.Recognizer.
func (r *Recognizer) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer == nil {
		return fmt.Errorf("%w: recognizer closed", stt.ErrDecoderFailure)
	}
	r.recognizer.Reset()
	r.lastPartial = ""
	return nil
}

// Flush implements stt.Recognizer.
func (r *Recognizer) Flush(_ context.Context) (stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer == nil {
		return stt.Result{Kind: stt.KindNone}, nil
	}
	r.lastPartial = ""
	return stt.DecodeKaldiFinal([]byte(r.recognizer.FinalResult()))
}

// Close releases the recognizer and the model.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recognizer != nil {
		r.recognizer.Free()
		r.recognizer = nil
	}
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}
