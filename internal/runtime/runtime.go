// Package runtime assembles a listening session from configuration: telemetry, the model,
// the audio source and recognizer, and every sink that consumes session events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/archive"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/console"
	"github.com/loqalabs/loqa-listen/internal/history"
	"github.com/loqalabs/loqa-listen/internal/model"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/loqalabs/loqa-listen/internal/telemetry"
)

// SourceFactory builds the audio source named by audio.source.
type SourceFactory func(cfg config.Config, logger *slog.Logger) (audio.Source, error)

// RecognizerFactory builds the recognizer named by recognizer.mode.
type RecognizerFactory func(cfg config.Config, format audio.Format, logger *slog.Logger) (stt.Recognizer, error)

type Option func(*Runtime)

// WithSource registers or replaces an audio source factory.
func WithSource(name string, factory SourceFactory) Option {
	return func(r *Runtime) { r.sources[name] = factory }
}

// WithRecognizer registers or replaces a recognizer factory.
func WithRecognizer(name string, factory RecognizerFactory) Option {
	return func(r *Runtime) { r.recognizers[name] = factory }
}

// WithOutput redirects console transcripts (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(r *Runtime) { r.out = w }
}

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	sources     map[string]SourceFactory
	recognizers map[string]RecognizerFactory
	out         io.Writer

	history    *history.Store
	busClient  *bus.Client
	httpServer *http.Server
	listener   net.Listener
	ready      atomic.Bool
	wg         sync.WaitGroup

	mu      sync.Mutex
	session *session.Controller
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		sources: map[string]SourceFactory{
			"wav":    wavSource,
			"memory": memorySource,
		},
		recognizers: map[string]RecognizerFactory{
			"mock": mockRecognizer,
			"exec": execRecognizer,
		},
		out:     os.Stdout,
		history: history.NewStore(),
	}
	r.sources["bus"] = r.busSource
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// History is the in-memory transcript history shared by every session of this runtime.
func (r *Runtime) History() *history.Store { return r.history }

// Session returns the current controller, or nil before Start builds one.
func (r *Runtime) Session() *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Addr is the bound HTTP address once the server is listening.
func (r *Runtime) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Start runs one session to completion. Cancelling ctx stops it cleanly. A failed session
// returns its failure reason.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := telemetry.Setup(ctx, r.cfg, r.logger, telemetry.Options{})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if r.cfg.Recognizer.Mode == "vosk" {
		downloader := model.NewDownloader(r.cfg.Recognizer.ModelURL, r.logger)
		if err := downloader.Ensure(ctx, r.cfg.Recognizer.ModelPath, r.cfg.Recognizer.AutoDownload); err != nil {
			return err
		}
	}

	var publisher *bus.Publisher
	if r.cfg.Bus.Enabled {
		p, closeBus, err := r.connectBus(ctx)
		if err != nil {
			return err
		}
		defer closeBus()
		publisher = p
	}

	ctrl, err := r.buildSession()
	if err != nil {
		return err
	}

	// Sinks drain until the session closes its event stream, so every early return stops the
	// session before the deferred close waits on them.
	sinks, err := r.attachSinks(ctx, ctrl, publisher)
	defer sinks.close()
	if err != nil {
		_ = ctrl.Stop()
		return err
	}

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(metricsHandler); err != nil {
			_ = ctrl.Stop()
			return err
		}
		defer r.stopHTTP()
	}

	r.ready.Store(true)
	runErr := ctrl.Run(ctx)
	r.ready.Store(false)
	sinks.wait()

	stats := ctrl.Stats()
	total := r.history.Len()
	r.logger.Info(fmt.Sprintf("Total utterances recognized: %d", total),
		slog.String("session_id", ctrl.ID()),
		slog.String("state", string(ctrl.State())),
		slog.Int64("frames_captured", stats.FramesCaptured),
		slog.Int64("frames_processed", stats.FramesProcessed),
		slog.Int64("frames_missed", stats.FramesMissed),
		slog.Int64("overruns", stats.Overruns),
		slog.Int64("decode_errors", stats.DecodeErrors),
		slog.Int64("read_timeouts", stats.ReadTimeouts),
		slog.Int64("discarded_on_stop", stats.DiscardedOnStop),
		slog.Int64("events_dropped", stats.EventsDropped))
	if r.cfg.Console.Enabled {
		fmt.Fprintf(r.out, "Total utterances recognized: %d\n", total)
	}

	return runErr
}

func (r *Runtime) buildSession() (*session.Controller, error) {
	sourceFactory, ok := r.sources[r.cfg.Audio.Source]
	if !ok {
		return nil, fmt.Errorf("audio source %q is not available in this build", r.cfg.Audio.Source)
	}
	recFactory, ok := r.recognizers[r.cfg.Recognizer.Mode]
	if !ok {
		return nil, fmt.Errorf("recognizer %q is not available in this build", r.cfg.Recognizer.Mode)
	}

	source, err := sourceFactory(r.cfg, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create audio source: %w", err)
	}
	format := audio.Format{SampleRate: r.cfg.Audio.SampleRate, Channels: r.cfg.Audio.Channels}
	rec, err := recFactory(r.cfg, format, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create recognizer: %w", err)
	}
	rec = stt.WithSymbols(rec, r.cfg.Recognizer.Symbols)

	ctrl, err := session.New(session.OptionsFromConfig(r.cfg), source, rec, r.history, r.logger)
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	r.mu.Lock()
	r.session = ctrl
	r.mu.Unlock()
	return ctrl, nil
}

// sinkSet tracks event consumers and the infrastructure they own.
type sinkSet struct {
	wg      sync.WaitGroup
	closers []func()
}

func (s *sinkSet) wait() { s.wg.Wait() }

func (s *sinkSet) close() {
	s.wg.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *sinkSet) run(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// attachSinks subscribes every configured consumer before the session starts so none of them
// misses the first state change.
func (r *Runtime) attachSinks(ctx context.Context, ctrl *session.Controller, publisher *bus.Publisher) (*sinkSet, error) {
	sinks := &sinkSet{}
	buffer := r.cfg.Session.EventBuffer
	sinkCtx := context.WithoutCancel(ctx)

	if r.cfg.Console.Enabled {
		printer := console.NewPrinter(r.out, r.cfg.Console.Partials)
		ch, unsubscribe := ctrl.Subscribe(buffer)
		sinks.closers = append(sinks.closers, unsubscribe)
		sinks.run(func() { printer.Consume(sinkCtx, ch) })
	}

	if r.cfg.History.Enabled {
		store, err := archive.Open(ctx, r.cfg.History, r.logger)
		if err != nil {
			return sinks, fmt.Errorf("open transcript archive: %w", err)
		}
		sinks.closers = append(sinks.closers, func() {
			if err := store.Close(); err != nil {
				r.logger.Warn("archive close error", slog.String("error", err.Error()))
			}
		})
		ch, unsubscribe := ctrl.Subscribe(buffer)
		sinks.closers = append(sinks.closers, unsubscribe)
		sinks.run(func() {
			written, err := store.Consume(sinkCtx, ctrl.ID(), ch)
			if err != nil {
				r.logger.Warn("archive incomplete", slog.Int("written", written), slog.String("error", err.Error()))
			}
		})
	}

	if publisher != nil {
		ch, unsubscribe := ctrl.Subscribe(buffer)
		sinks.closers = append(sinks.closers, unsubscribe)
		sinks.run(func() { publisher.Forward(sinkCtx, ch) })
	}

	return sinks, nil
}

func (r *Runtime) connectBus(ctx context.Context) (*bus.Publisher, func(), error) {
	busCfg := r.cfg.Bus
	server, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	if server != nil {
		busCfg.Servers = []string{server.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		server.Shutdown()
		return nil, nil, err
	}
	publisher := bus.NewPublisher(client, busCfg.SubjectPrefix)
	if busCfg.Stream != "" {
		if err := client.EnsureStream(busCfg.Stream, publisher.Subjects()...); err != nil {
			client.Close()
			server.Shutdown()
			return nil, nil, err
		}
	}
	r.mu.Lock()
	r.busClient = client
	r.mu.Unlock()
	closeBus := func() {
		client.Close()
		server.Shutdown()
	}
	return publisher, closeBus, nil
}

// busSource reads frames that remote devices publish on the bus.
func (r *Runtime) busSource(cfg config.Config, _ *slog.Logger) (audio.Source, error) {
	r.mu.Lock()
	client := r.busClient
	r.mu.Unlock()
	if client == nil {
		return nil, errors.New("audio source bus requires bus.enabled")
	}
	return bus.NewFrameSource(client, cfg.Bus.SubjectPrefix, cfg.Audio.BacklogFrames), nil
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/history", r.handleHistory)
	mux.HandleFunc("/stats", r.handleStats)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.mu.Lock()
	r.listener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := r.httpServer
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server started", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
}
