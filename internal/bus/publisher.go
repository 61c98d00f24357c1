package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

// Publisher relays session events to NATS subjects under a common prefix.
type Publisher struct {
	client *Client
	prefix string
	log    *slog.Logger
}

func NewPublisher(client *Client, prefix string) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		log:    client.Logger().With(slog.String("component", "bus-publisher")),
	}
}

// Subjects lists every subject the publisher writes to.
func (p *Publisher) Subjects() []string {
	return []string{
		protocol.Subject(p.prefix, protocol.SubjectTranscriptPartial),
		protocol.Subject(p.prefix, protocol.SubjectTranscriptFinal),
		protocol.Subject(p.prefix, protocol.SubjectSessionState),
		protocol.Subject(p.prefix, protocol.SubjectSessionAlert),
	}
}

// Forward publishes events until the channel closes or ctx is done, then flushes the
// connection so terminal state messages are not lost.
func (p *Publisher) Forward(ctx context.Context, ch <-chan events.Event) {
	defer func() {
		if err := p.client.Conn().Flush(); err != nil {
			p.log.Warn("failed to flush bus connection", slog.String("error", err.Error()))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.Publish(e)
		}
	}
}

// Publish sends a single event. Failures are logged and never block the session.
func (p *Publisher) Publish(e events.Event) {
	subject, msg := p.encode(e)
	if subject == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		p.log.Warn("failed to marshal event", slog.String("kind", string(e.Kind)), slog.String("error", err.Error()))
		return
	}
	if err := p.client.Conn().Publish(subject, data); err != nil {
		p.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (p *Publisher) encode(e events.Event) (string, any) {
	switch e.Kind {
	case events.KindPartial, events.KindFinal:
		suffix := protocol.SubjectTranscriptPartial
		if e.Kind == events.KindFinal {
			suffix = protocol.SubjectTranscriptFinal
		}
		return protocol.Subject(p.prefix, suffix), protocol.Transcript{
			SessionID:  e.SessionID,
			Text:       e.Text,
			Partial:    e.Kind == events.KindPartial,
			Timestamp:  e.Timestamp,
			Confidence: e.Confidence,
		}
	case events.KindState:
		return protocol.Subject(p.prefix, protocol.SubjectSessionState), protocol.SessionStatus{
			SessionID: e.SessionID,
			State:     e.State,
			Reason:    e.Reason,
			Timestamp: e.Timestamp,
		}
	case events.KindFrameGap, events.KindOverrun, events.KindDecodeError, events.KindReadTimeout:
		return protocol.Subject(p.prefix, protocol.SubjectSessionAlert), protocol.SessionAlert{
			SessionID: e.SessionID,
			Kind:      string(e.Kind),
			Sequence:  e.Sequence,
			Count:     e.Count,
			Detail:    e.Reason,
			Timestamp: e.Timestamp,
		}
	default:
		return "", nil
	}
}
