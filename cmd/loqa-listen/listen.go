package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/audio/portaudio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/runtime"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/loqalabs/loqa-listen/internal/stt/vosk"
	"github.com/spf13/cobra"
)

func listenCmd() *cobra.Command {
	var (
		modelPath  string
		sampleRate int
		device     string
		source     string
		mode       string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Run a listening session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail(nil, "failed to load config", err)
			}
			flags := cmd.Flags()
			if flags.Changed("model") {
				cfg.Recognizer.ModelPath = modelPath
			}
			if flags.Changed("sample-rate") {
				cfg.Audio.SampleRate = sampleRate
			}
			if flags.Changed("device") {
				cfg.Audio.Device = device
			}
			if flags.Changed("source") {
				cfg.Audio.Source = source
			}
			if flags.Changed("mode") {
				cfg.Recognizer.Mode = mode
			}
			if err := config.Validate(cfg); err != nil {
				return fail(nil, "invalid configuration", err)
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return fail(nil, "invalid logging flags", err)
			}

			rt := runtime.New(cfg, logger,
				runtime.WithSource("microphone", microphoneSource),
				runtime.WithRecognizer("vosk", voskRecognizer),
				runtime.WithOutput(cmd.OutOrStdout()),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return fail(logger, "session failed", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "Path to the recognizer model directory")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "Capture sample rate in Hz")
	cmd.Flags().StringVar(&device, "device", "", "Input device index or name (default: system default)")
	cmd.Flags().StringVar(&source, "source", "", "Audio source: microphone, wav, memory or bus")
	cmd.Flags().StringVar(&mode, "mode", "", "Recognizer: vosk, exec or mock")
	return cmd
}

func microphoneSource(cfg config.Config, logger *slog.Logger) (audio.Source, error) {
	return portaudio.Source{
		Channels:      cfg.Audio.Channels,
		FrameDuration: time.Duration(cfg.Audio.FrameDurationMS) * time.Millisecond,
		Backlog:       cfg.Audio.BacklogFrames,
		Logger:        logger,
	}, nil
}

func voskRecognizer(cfg config.Config, format audio.Format, _ *slog.Logger) (stt.Recognizer, error) {
	vosk.SetDecoderLogs(cfg.Recognizer.DecoderLogs || cfg.Telemetry.LogLevel == "debug")
	rec, err := vosk.New(cfg.Recognizer, format)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
