package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublisherForwardsEvents(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	finals := make(chan *nats.Msg, 4)
	states := make(chan *nats.Msg, 4)
	if _, err := client.Conn().ChanSubscribe("listen.text.final", finals); err != nil {
		t.Fatalf("subscribe finals: %v", err)
	}
	if _, err := client.Conn().ChanSubscribe("listen.session.state", states); err != nil {
		t.Fatalf("subscribe states: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pub := NewPublisher(client, "listen")
	ch := make(chan events.Event, 4)
	now := time.Now().UTC()
	ch <- events.Event{Kind: events.KindFinal, SessionID: "s1", Text: "hello world", Confidence: 0.9, Timestamp: now}
	ch <- events.Event{Kind: events.KindState, SessionID: "s1", State: "stopped", Timestamp: now}
	close(ch)
	pub.Forward(context.Background(), ch)

	select {
	case msg := <-finals:
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			t.Fatalf("decode transcript: %v", err)
		}
		if tr.Text != "hello world" || tr.Partial || tr.Confidence != 0.9 || tr.SessionID != "s1" {
			t.Fatalf("unexpected transcript: %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript")
	}

	select {
	case msg := <-states:
		var st protocol.SessionStatus
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.State != "stopped" {
			t.Fatalf("unexpected status: %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestEnsureStreamRetainsTranscripts(t *testing.T) {
	client := startBus(t)
	pub := NewPublisher(client, "listen")

	if err := client.EnsureStream("LISTEN", "listen.>"); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureStream("LISTEN", "listen.>"); err != nil {
		t.Fatalf("ensure existing stream: %v", err)
	}

	pub.Publish(events.Event{Kind: events.KindFinal, SessionID: "s2", Text: "kept", Timestamp: time.Now().UTC()})
	pub.Publish(events.Event{Kind: events.KindOverrun, SessionID: "s2", Sequence: 9, Count: 1, Timestamp: time.Now().UTC()})
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo("LISTEN")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 retained messages, got %d", info.State.Msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubjects(t *testing.T) {
	p := &Publisher{prefix: "room1"}
	subjects := p.Subjects()
	if subjects[0] != "room1.text.partial" || subjects[3] != "room1.session.alert" {
		t.Fatalf("unexpected subjects: %v", subjects)
	}
	if protocol.Subject("", "text.final") != "text.final" {
		t.Fatal("empty prefix should leave subject unchanged")
	}
}

func publishFrame(t *testing.T, client *Client, device string, frame protocol.AudioFrame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := client.Conn().Publish(FrameSubject("listen", device), data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func TestFrameSourceStreamsUntilFinal(t *testing.T) {
	client := startBus(t)
	src := NewFrameSource(client, "listen", 8)

	stream, err := src.Open(context.Background(), "kitchen", 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pcm := make([]byte, 320)
	publishFrame(t, client, "hallway", protocol.AudioFrame{Sequence: 99, SampleRate: 16000, Channels: 1, PCM: pcm})
	for seq := uint64(1); seq <= 3; seq++ {
		publishFrame(t, client, "kitchen", protocol.AudioFrame{Device: "kitchen", Sequence: seq, SampleRate: 16000, Channels: 1, PCM: pcm})
	}
	publishFrame(t, client, "kitchen", protocol.AudioFrame{Device: "kitchen", Final: true})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for want := uint64(1); want <= 3; want++ {
		frame, err := stream.Read(ctx)
		if err != nil {
			t.Fatalf("read %d: %v", want, err)
		}
		if frame.Sequence() != want || frame.Len() != len(pcm) || frame.SampleRate() != 16000 {
			t.Fatalf("unexpected frame seq=%d len=%d", frame.Sequence(), frame.Len())
		}
	}
	if _, err := stream.Read(ctx); !errors.Is(err, audio.ErrEndOfStream) {
		t.Fatalf("expected end of stream, got %v", err)
	}
}

func TestFrameSourceRejectsWildcardDevice(t *testing.T) {
	client := startBus(t)
	src := NewFrameSource(client, "listen", 0)
	if _, err := src.Open(context.Background(), "a.b", 16000); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if FrameSubject("listen", "") != "listen.audio.frame.*" {
		t.Fatalf("unexpected wildcard subject %s", FrameSubject("listen", ""))
	}
}
