package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
)

// State is the lifecycle position of a session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

var (
	// ErrSessionAlreadyStopped rejects Start on a session that has left idle for good.
	ErrSessionAlreadyStopped = errors.New("session already stopped")
	ErrSessionAlreadyStarted = errors.New("session already started")
	// ErrRepeatedDecodeFailure is the failure reason when too many consecutive frames were
	// rejected by the recognizer.
	ErrRepeatedDecodeFailure = errors.New("repeated decode failure")
	// ErrReadTimeout is the failure reason when the audio source stays silent for too many reads.
	ErrReadTimeout = errors.New("audio source stalled")
)

const flushTimeout = 10 * time.Second

// Options tune a session. The zero value is not usable; start from DefaultOptions.
type Options struct {
	Device     string
	SampleRate int

	QueueCapacity   int
	EnqueueTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxReadTimeouts int
	MaxDecodeErrors int
}

func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps the audio and session sections onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Device:          cfg.Audio.Device,
		SampleRate:      cfg.Audio.SampleRate,
		QueueCapacity:   cfg.Session.QueueCapacity,
		EnqueueTimeout:  time.Duration(cfg.Session.EnqueueTimeoutMS) * time.Millisecond,
		ReadTimeout:     time.Duration(cfg.Session.ReadTimeoutMS) * time.Millisecond,
		MaxReadTimeouts: cfg.Session.MaxReadTimeouts,
		MaxDecodeErrors: cfg.Session.MaxDecodeErrors,
	}
}

func (o Options) Validate() error {
	if o.SampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	if o.QueueCapacity <= 0 {
		return errors.New("queue capacity must be >= 1")
	}
	if o.EnqueueTimeout < 0 {
		return errors.New("enqueue timeout must be >= 0")
	}
	if o.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if o.MaxReadTimeouts <= 0 {
		return errors.New("max read timeouts must be >= 1")
	}
	if o.MaxDecodeErrors <= 0 {
		return errors.New("max decode errors must be >= 1")
	}
	return nil
}
