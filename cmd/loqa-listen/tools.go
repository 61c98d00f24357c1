package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-listen/internal/archive"
	"github.com/loqalabs/loqa-listen/internal/audio/portaudio"
	"github.com/loqalabs/loqa-listen/internal/model"
	"github.com/spf13/cobra"
)

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := portaudio.Devices()
			if err != nil {
				return fail(nil, "failed to list devices", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tNAME\tHOST API\tCHANNELS\tRATE\tDEFAULT")
			for _, d := range devices {
				def := ""
				if d.Default {
					def = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%.0f\t%s\n", d.Index, d.Name, d.HostAPI, d.MaxInputChannels, d.DefaultSampleRate, def)
			}
			return w.Flush()
		},
	}
}

func modelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage recognizer models",
	}

	var path string
	download := &cobra.Command{
		Use:   "download",
		Short: "Download the configured model if it is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail(nil, "failed to load config", err)
			}
			if cmd.Flags().Changed("model") {
				cfg.Recognizer.ModelPath = path
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fail(nil, "invalid logging flags", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d := model.NewDownloader(cfg.Recognizer.ModelURL, logger)
			if err := d.Ensure(ctx, cfg.Recognizer.ModelPath, true); err != nil {
				return fail(logger, "model download failed", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Recognizer.ModelPath)
			return nil
		},
	}
	download.Flags().StringVar(&path, "model", "", "Model directory to populate")
	cmd.AddCommand(download)
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		dbPath    string
		sessionID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived sessions, or the transcripts of one session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fail(nil, "failed to load config", err)
			}
			if cmd.Flags().Changed("db") {
				cfg.History.Path = dbPath
			}
			if cfg.History.RetentionMode == "ephemeral" {
				cfg.History.RetentionMode = "session"
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fail(nil, "invalid logging flags", err)
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := archive.Open(ctx, cfg.History, logger, archive.ReadOnly())
			if err != nil {
				return fail(logger, "failed to open archive", err)
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if sessionID != "" {
				transcripts, err := store.ListTranscripts(ctx, sessionID, limit)
				if err != nil {
					return fail(logger, "failed to list transcripts", err)
				}
				fmt.Fprintln(w, "TIME\tCONFIDENCE\tTEXT")
				for _, tr := range transcripts {
					fmt.Fprintf(w, "%s\t%.2f\t%s\n", tr.CreatedAt.Local().Format(time.TimeOnly), tr.Confidence, tr.Text)
				}
				return w.Flush()
			}

			sessions, err := store.ListSessions(ctx, limit)
			if err != nil {
				return fail(logger, "failed to list sessions", err)
			}
			fmt.Fprintln(w, "SESSION\tSTARTED\tSTATE\tUTTERANCES\tREASON")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.StartedAt.Local().Format(time.DateTime), s.State, s.Utterances, s.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Archive database path (default from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "Show transcripts of this session")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to show")
	return cmd
}
