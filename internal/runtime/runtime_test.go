package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/archive"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/model"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Audio.Source = "memory"
	cfg.Recognizer.Mode = "mock"
	cfg.Console.Enabled = false
	return cfg
}

// syncBuffer guards console output written by the printer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMemorySessionFeedsEverySink(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Console.Enabled = true
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(dir, "listen.db")
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = filepath.Join(dir, "nats")
	cfg.Bus.Stream = "LISTEN"

	var out syncBuffer
	rt := New(cfg, newLogger(), WithOutput(&out))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if got := rt.History().Len(); got != 3 {
		t.Fatalf("expected 3 utterances, got %d", got)
	}
	console := out.String()
	if n := strings.Count(console, "[final transcript"); n != 3 {
		t.Fatalf("expected 3 finals on console, got %d:\n%s", n, console)
	}
	if !strings.Contains(console, "Total utterances recognized: 3") {
		t.Fatalf("missing summary line:\n%s", console)
	}
	if state := rt.Session().State(); state != "stopped" {
		t.Fatalf("expected stopped session, got %s", state)
	}

	store, err := archive.Open(context.Background(), cfg.History, newLogger())
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Utterances != 3 || sessions[0].State != "stopped" {
		t.Fatalf("unexpected archived sessions: %+v", sessions)
	}
	if sessions[0].ID != rt.Session().ID() {
		t.Fatalf("archived session id %s does not match %s", sessions[0].ID, rt.Session().ID())
	}
}

func TestUnpacedReplayArchivesEveryFinal(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.Pace = false
	cfg.Console.Enabled = true
	cfg.Console.Partials = true
	cfg.History.Enabled = true
	cfg.History.Path = filepath.Join(t.TempDir(), "listen.db")
	cfg.Session.EventBuffer = 2

	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	frames := SyntheticSpeech(format, frameDuration(cfg), 200)
	var out syncBuffer
	rt := New(cfg, newLogger(), WithOutput(&out), WithSource("memory", func(config.Config, *slog.Logger) (audio.Source, error) {
		return &audio.MemorySource{Format: format, Frames: frames}, nil
	}))
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	recognized := rt.History().Len()
	if recognized == 0 {
		t.Fatal("expected recognized utterances")
	}
	if n := strings.Count(out.String(), "[final transcript"); n != recognized {
		t.Fatalf("console printed %d finals, history has %d", n, recognized)
	}

	store, err := archive.Open(context.Background(), cfg.History, newLogger(), archive.ReadOnly())
	if err != nil {
		t.Fatalf("reopen archive: %v", err)
	}
	defer store.Close()
	sessions, err := store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one archived session, got %+v", sessions)
	}
	got := sessions[0]
	if got.Utterances != recognized {
		t.Fatalf("archived %d utterances, history has %d", got.Utterances, recognized)
	}
	if got.State != "stopped" || got.EndedAt.IsZero() {
		t.Fatalf("archived session not closed: %+v", got)
	}
}

func TestHTTPEndpointsWhileListening(t *testing.T) {
	cfg := testConfig()
	cfg.HTTP.Enabled = true
	cfg.HTTP.Port = 0

	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}
	source := &audio.MemorySource{
		Format:   format,
		Frames:   SyntheticSpeech(format, 100*time.Millisecond, 1),
		HoldOpen: true,
	}
	rt := New(cfg, newLogger(), WithSource("memory", func(config.Config, *slog.Logger) (audio.Source, error) {
		return source, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	get := func(path string) (int, string) {
		addr := rt.Addr()
		if addr == "" {
			return 0, ""
		}
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			return 0, ""
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}
	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %s", what)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitFor("readiness", func() bool {
		code, _ := get("/readyz")
		return code == http.StatusOK
	})
	if code, body := get("/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	waitFor("history entry", func() bool {
		_, body := get("/history")
		return strings.Contains(body, "[final transcript")
	})

	code, body := get("/stats")
	if code != http.StatusOK {
		t.Fatalf("stats status %d", code)
	}
	var stats statsResponse
	if err := json.Unmarshal([]byte(body), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.State != "listening" || stats.Stats.Finals != 1 || stats.SessionID != rt.Session().ID() {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if code, body := get("/metrics"); code != http.StatusOK || !strings.Contains(body, "listen_frames_captured") {
		t.Fatalf("metrics: %d\n%s", code, body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if rt.Session().State() != "stopped" {
		t.Fatalf("expected stopped, got %s", rt.Session().State())
	}
}

func TestFailedSessionReturnsReason(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.Device = "usb-mic"
	rt := New(cfg, newLogger(), WithSource("memory", func(config.Config, *slog.Logger) (audio.Source, error) {
		return &audio.MemorySource{Device: "built-in"}, nil
	}))

	err := rt.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "usb-mic") {
		t.Fatalf("reason should name the device: %v", err)
	}
	if rt.Session().State() != "failed" {
		t.Fatalf("expected failed, got %s", rt.Session().State())
	}
}

func TestUnregisteredFactories(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.Source = "microphone"
	if err := New(cfg, newLogger()).Start(context.Background()); err == nil || !strings.Contains(err.Error(), "not available") {
		t.Fatalf("expected unavailable source error, got %v", err)
	}

	cfg = testConfig()
	cfg.Recognizer.Mode = "whisper"
	if err := New(cfg, newLogger()).Start(context.Background()); err == nil || !strings.Contains(err.Error(), "not available") {
		t.Fatalf("expected unavailable recognizer error, got %v", err)
	}
}

func TestVoskModeRequiresModel(t *testing.T) {
	cfg := testConfig()
	cfg.Recognizer.Mode = "vosk"
	cfg.Recognizer.ModelPath = filepath.Join(t.TempDir(), "missing-model")
	cfg.Recognizer.AutoDownload = false

	err := New(cfg, newLogger()).Start(context.Background())
	if !errors.Is(err, model.ErrModelMissing) {
		t.Fatalf("expected ErrModelMissing, got %v", err)
	}
}

func TestSyntheticSpeechLayout(t *testing.T) {
	format := audio.Format{SampleRate: 16000, Channels: 1}
	frames := SyntheticSpeech(format, 100*time.Millisecond, 2)
	if len(frames) != 40 {
		t.Fatalf("expected 40 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.Sequence() != uint64(i+1) {
			t.Fatalf("frame %d has sequence %d", i, f.Sequence())
		}
		if f.Len() != 3200 {
			t.Fatalf("frame %d has %d bytes", i, f.Len())
		}
	}
}

func TestBusSourceFeedsSession(t *testing.T) {
	cfg := testConfig()
	cfg.Audio.Source = "bus"
	cfg.Audio.Device = "porch"
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()

	rt := New(cfg, newLogger())
	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if ctrl := rt.Session(); ctrl != nil && ctrl.State() == session.StateListening {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never started listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rt.mu.Lock()
	client := rt.busClient
	rt.mu.Unlock()

	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}
	for _, f := range SyntheticSpeech(format, 100*time.Millisecond, 1) {
		msg := protocol.AudioFrame{Device: "porch", Sequence: f.Sequence(), SampleRate: f.SampleRate(), Channels: 1, PCM: f.PCM()}
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := client.Conn().Publish(bus.FrameSubject(cfg.Bus.SubjectPrefix, "porch"), data); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	data, _ := json.Marshal(protocol.AudioFrame{Device: "porch", Final: true})
	if err := client.Conn().Publish(bus.FrameSubject(cfg.Bus.SubjectPrefix, "porch"), data); err != nil {
		t.Fatalf("publish final: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after final frame")
	}
	if got := rt.History().Len(); got != 1 {
		t.Fatalf("expected 1 utterance, got %d", got)
	}
}
