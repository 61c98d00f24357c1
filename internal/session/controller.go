// Package session drives one listening session: it pulls frames from an audio source, feeds
// them to a recognizer and records finalized utterances in a history store.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/events"
	"github.com/loqalabs/loqa-listen/internal/history"
	"github.com/loqalabs/loqa-listen/internal/stt"
)

// lowConfidence marks words worth a debug line.
const lowConfidence = 0.8

// Stats is a point-in-time copy of the session counters.
type Stats struct {
	FramesCaptured  int64 `json:"frames_captured"`
	FramesProcessed int64 `json:"frames_processed"`
	FramesMissed    int64 `json:"frames_missed"`
	FramesStale     int64 `json:"frames_stale"`
	Overruns        int64 `json:"overruns"`
	DecodeErrors    int64 `json:"decode_errors"`
	ReadTimeouts    int64 `json:"read_timeouts"`
	Partials        int64 `json:"partials"`
	Finals          int64 `json:"finals"`
	DiscardedOnStop int64 `json:"discarded_on_stop"`
	EventsDropped   int64 `json:"events_dropped"`
}

type counters struct {
	captured, processed, missed, stale atomic.Int64
	overruns, decodeErrors, timeouts   atomic.Int64
	partials, finals, discarded        atomic.Int64
}

// Controller owns the lifecycle of a single session. A stopped or failed controller cannot be
// restarted; create a new one.
type Controller struct {
	id      string
	opts    Options
	source  audio.Source
	rec     stt.Recognizer
	store   *history.Store
	hub     *events.Hub
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics instruments

	mu      sync.Mutex
	machine *fsm.FSM
	started bool
	reason  error
	span    trace.Span

	queue    *frameQueue
	stopCh   chan struct{}
	stopOnce sync.Once
	eos      chan struct{}
	failCh   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	stats    counters
}

// New builds an idle controller. store may be shared with other sessions; nil allocates a
// private one.
func New(opts Options, source audio.Source, rec stt.Recognizer, store *history.Store, logger *slog.Logger) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	if source == nil {
		return nil, errors.New("session requires an audio source")
	}
	if rec == nil {
		return nil, errors.New("session requires a recognizer")
	}
	if store == nil {
		store = history.NewStore()
	}
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	c := &Controller{
		id:     id,
		opts:   opts,
		source: source,
		rec:    rec,
		store:  store,
		hub:    events.NewHub(),
		logger: logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		tracer: otel.Tracer(instrumentationName),
		queue:  newFrameQueue(opts.QueueCapacity, opts.EnqueueTimeout),
		stopCh: make(chan struct{}),
		eos:    make(chan struct{}),
		failCh: make(chan error, 1),
		done:   make(chan struct{}),
	}
	c.machine = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: "start", Src: []string{string(StateIdle)}, Dst: string(StateListening)},
			{Name: "stop", Src: []string{string(StateIdle), string(StateListening)}, Dst: string(StateStopping)},
			{Name: "stopped", Src: []string{string(StateStopping)}, Dst: string(StateStopped)},
			{Name: "fail", Src: []string{string(StateIdle), string(StateListening), string(StateStopping)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": c.enterState,
		},
	)
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Controller) ID() string { return c.id }

// State is safe to call from any goroutine.
func (c *Controller) State() State {
	return State(c.machine.Current())
}

// Reason returns why the session failed, or nil.
func (c *Controller) Reason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed once the session is terminal and all resources are released.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) History() *history.Store { return c.store }

// Subscribe streams session events. The channel closes when the session becomes terminal.
func (c *Controller) Subscribe(buffer int) (<-chan events.Event, func()) {
	return c.hub.Subscribe(buffer)
}

func (c *Controller) Stats() Stats {
	return Stats{
		FramesCaptured:  c.stats.captured.Load(),
		FramesProcessed: c.stats.processed.Load(),
		FramesMissed:    c.stats.missed.Load(),
		FramesStale:     c.stats.stale.Load(),
		Overruns:        c.stats.overruns.Load(),
		DecodeErrors:    c.stats.decodeErrors.Load(),
		ReadTimeouts:    c.stats.timeouts.Load(),
		Partials:        c.stats.partials.Load(),
		Finals:          c.stats.finals.Load(),
		DiscardedOnStop: c.stats.discarded.Load(),
		EventsDropped:   c.hub.Dropped(),
	}
}

// Start opens the audio source, resets the recognizer and begins listening. Cancelling ctx
// stops the session the same way Stop does. Errors opening the source or resetting the
// recognizer are returned here and leave the session failed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if state := c.State(); state != StateIdle {
		c.mu.Unlock()
		if state == StateListening {
			return ErrSessionAlreadyStarted
		}
		return ErrSessionAlreadyStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrSessionAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info("session starting",
		slog.String("device", deviceName(c.opts.Device)),
		slog.Int("sample_rate", c.opts.SampleRate))

	stream, err := c.source.Open(ctx, c.opts.Device, c.opts.SampleRate)
	if err != nil {
		err = fmt.Errorf("open audio source: %w", err)
		c.abort(err)
		return err
	}
	if err := c.rec.Reset(); err != nil {
		_ = stream.Close()
		err = fmt.Errorf("reset recognizer: %w", err)
		c.abort(err)
		return err
	}

	spanCtx, span := c.tracer.Start(ctx, "listen.session", trace.WithAttributes(
		attribute.String("session.id", c.id),
		attribute.String("audio.device", deviceName(c.opts.Device)),
		attribute.Int("audio.sample_rate", c.opts.SampleRate),
	))

	c.mu.Lock()
	c.span = span
	c.transition("start")
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(spanCtx)
	c.wg.Add(2)
	go c.capture(runCtx, stream)
	go c.process(runCtx)
	go c.supervise(spanCtx, cancel, stream)
	return nil
}

// Stop requests the Stopping transition and waits until the session is terminal. It is safe
// to call any number of times, before or after Start, and always returns nil.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.started && c.State() == StateIdle {
		c.started = true
		if err := c.rec.Close(); err != nil {
			c.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
		}
		c.transition("stop")
		c.transition("stopped")
		c.finish()
	}
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
	return nil
}

// Run starts the session and blocks until it is terminal. It returns nil for a clean stop and
// the failure reason otherwise.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-c.done
	return c.Reason()
}

func (c *Controller) enterState(_ context.Context, e *fsm.Event) {
	ev := events.Event{
		Kind:      events.KindState,
		SessionID: c.id,
		State:     e.Dst,
		Timestamp: time.Now().UTC(),
	}
	attrs := []any{slog.String("from", e.Src), slog.String("to", e.Dst)}
	if e.Dst == string(StateFailed) && c.reason != nil {
		ev.Reason = c.reason.Error()
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	c.logger.Info("session state changed", attrs...)
	c.hub.Publish(ev)
}

// transition must be called with c.mu held.
func (c *Controller) transition(name string) {
	if err := c.machine.Event(context.Background(), name); err != nil {
		c.logger.Error("invalid session transition", slog.String("event", name), slog.String("error", err.Error()))
	}
}

// abort fails a session that never reached Listening.
func (c *Controller) abort(reason error) {
	if err := c.rec.Close(); err != nil {
		c.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
	c.transition("fail")
	c.finish()
}

// finish must be called with c.mu held, after the terminal transition.
func (c *Controller) finish() {
	if c.span != nil {
		if c.reason != nil {
			c.span.RecordError(c.reason)
			c.span.SetStatus(codes.Error, c.reason.Error())
		}
		c.span.SetAttributes(attribute.Int("listen.utterances", c.store.Len()))
		c.span.End()
	}
	c.closeMetrics()
	c.hub.Close()
	close(c.done)
}

func (c *Controller) fail(err error) {
	select {
	case c.failCh <- err:
	default:
	}
}

func (c *Controller) requestStop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *Controller) supervise(ctx context.Context, cancel context.CancelFunc, stream audio.Stream) {
	var reason error
	select {
	case <-ctx.Done():
		c.logger.Info("session cancelled")
	case <-c.stopCh:
	case reason = <-c.failCh:
	}

	if reason == nil {
		c.mu.Lock()
		c.transition("stop")
		c.mu.Unlock()
	}

	cancel()
	c.wg.Wait()

	if reason == nil {
		select {
		case reason = <-c.failCh:
		default:
		}
	}

	if n := c.queue.drain(); n > 0 {
		c.stats.discarded.Add(int64(n))
		c.logger.Info("discarded queued frames", slog.Int("frames", n))
	}

	if !errors.Is(reason, ErrRepeatedDecodeFailure) && !errors.Is(reason, stt.ErrDecoderFailure) {
		c.flush(ctx)
	}

	if err := stream.Close(); err != nil {
		c.logger.Warn("audio source close failed", slog.String("error", err.Error()))
	}
	if err := c.rec.Close(); err != nil {
		c.logger.Warn("recognizer close failed", slog.String("error", err.Error()))
	}

	stats := c.Stats()
	c.logger.Info("session summary",
		slog.Int("utterances", c.store.Len()),
		slog.Int64("frames_captured", stats.FramesCaptured),
		slog.Int64("frames_missed", stats.FramesMissed),
		slog.Int64("overruns", stats.Overruns),
		slog.Int64("decode_errors", stats.DecodeErrors),
		slog.Int64("read_timeouts", stats.ReadTimeouts),
		slog.Int64("events_dropped", stats.EventsDropped))

	c.mu.Lock()
	defer c.mu.Unlock()
	if reason != nil {
		c.reason = reason
		c.transition("fail")
	} else {
		c.transition("stopped")
	}
	c.finish()
}

func (c *Controller) flush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), flushTimeout)
	defer cancel()
	res, err := c.rec.Flush(ctx)
	if err != nil {
		c.logger.Warn("recognizer flush failed", slog.String("error", err.Error()))
		return
	}
	if res.Kind == stt.KindFinal {
		c.recordFinal(ctx, res)
	}
}

func (c *Controller) capture(ctx context.Context, stream audio.Stream) {
	defer c.wg.Done()

	var (
		last     uint64
		seen     bool
		timeouts int
	)
	for ctx.Err() == nil {
		readCtx, cancel := context.WithTimeout(ctx, c.opts.ReadTimeout)
		frame, err := stream.Read(readCtx)
		cancel()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, context.DeadlineExceeded):
				timeouts++
				c.stats.timeouts.Add(1)
				c.publish(events.Event{Kind: events.KindReadTimeout, Count: int64(timeouts)})
				c.logger.Warn("audio read timed out", slog.Int("consecutive", timeouts), slog.Duration("timeout", c.opts.ReadTimeout))
				if timeouts >= c.opts.MaxReadTimeouts {
					c.fail(fmt.Errorf("%w: %d consecutive reads exceeded %s", ErrReadTimeout, timeouts, c.opts.ReadTimeout))
					return
				}
				continue
			case errors.Is(err, audio.ErrEndOfStream):
				c.logger.Info("audio source exhausted")
				close(c.eos)
				return
			default:
				c.fail(fmt.Errorf("read audio: %w", err))
				return
			}
		}
		timeouts = 0

		seq := frame.Sequence()
		if seen && seq <= last {
			c.stats.stale.Add(1)
			c.logger.Warn("dropping out-of-order frame", slog.Uint64("sequence", seq), slog.Uint64("last", last))
			continue
		}
		if seen && seq > last+1 {
			missed := gapSize(last, seq)
			c.stats.missed.Add(missed)
			c.publish(events.Event{Kind: events.KindFrameGap, Sequence: seq, Count: missed})
			c.logger.Warn("audio frames missing", slog.Uint64("sequence", seq), slog.Int64("missed", missed))
		}
		last, seen = seq, true
		c.stats.captured.Add(1)

		overrun, err := c.queue.push(ctx, frame)
		if err != nil {
			c.stats.discarded.Add(1)
			return
		}
		if overrun {
			n := c.stats.overruns.Add(1)
			c.publish(events.Event{Kind: events.KindOverrun, Sequence: seq, Count: n})
			c.logger.Debug("frame queue overrun, dropped oldest frame", slog.Uint64("sequence", seq))
		}
	}
}

func (c *Controller) process(ctx context.Context) {
	defer c.wg.Done()

	streak := 0
	for {
		var frame audio.Frame
		select {
		case <-ctx.Done():
			return
		case frame = <-c.queue.ch:
		case <-c.eos:
			// the source is finished; work off what is queued, then stop
			select {
			case frame = <-c.queue.ch:
			default:
				c.requestStop()
				return
			}
		}
		if ctx.Err() != nil {
			c.stats.discarded.Add(1)
			return
		}

		start := time.Now()
		res, err := c.rec.Feed(ctx, frame)
		c.metrics.feedDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		c.stats.processed.Add(1)

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, stt.ErrDecode) {
				c.fail(fmt.Errorf("recognizer: %w", err))
				return
			}
			streak++
			c.stats.decodeErrors.Add(1)
			c.publish(events.Event{Kind: events.KindDecodeError, Sequence: frame.Sequence(), Count: int64(streak), Reason: err.Error()})
			c.logger.Warn("dropping malformed frame", slog.Uint64("sequence", frame.Sequence()), slog.Int("consecutive", streak), slog.String("error", err.Error()))
			if streak >= c.opts.MaxDecodeErrors {
				c.fail(fmt.Errorf("%w: %d consecutive frames rejected: %v", ErrRepeatedDecodeFailure, streak, err))
				return
			}
			continue
		}
		streak = 0

		switch res.Kind {
		case stt.KindPartial:
			c.stats.partials.Add(1)
			c.publish(events.Event{Kind: events.KindPartial, Text: res.Text, Sequence: frame.Sequence()})
		case stt.KindFinal:
			c.recordFinal(ctx, res)
			if err := c.rec.Reset(); err != nil {
				c.fail(fmt.Errorf("reset recognizer: %w", err))
				return
			}
		}
	}
}

func (c *Controller) recordFinal(ctx context.Context, res stt.Result) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		c.logger.Debug("empty utterance ignored")
		return
	}
	entry := history.Entry{Timestamp: time.Now().UTC(), Text: text, Confidence: res.Confidence}
	c.store.Append(entry)
	c.stats.finals.Add(1)
	c.publish(events.Event{Kind: events.KindFinal, Text: text, Confidence: res.Confidence, Timestamp: entry.Timestamp})

	attrs := []any{slog.String("text", text), slog.Float64("confidence", res.Confidence)}
	if len(res.Words) > 0 {
		attrs = append(attrs,
			slog.Float64("start", res.Words[0].Start),
			slog.Float64("end", res.Words[len(res.Words)-1].End))
	}
	c.logger.Info("utterance recognized", attrs...)
	for _, w := range res.Words {
		if w.Confidence < lowConfidence {
			c.logger.Debug("low confidence word",
				slog.String("word", w.Text),
				slog.Float64("confidence", w.Confidence),
				slog.Float64("start", w.Start),
				slog.Float64("end", w.End))
		}
	}

	trace.SpanFromContext(ctx).AddEvent("utterance", trace.WithAttributes(
		attribute.Float64("confidence", res.Confidence),
		attribute.Int("length", len(text)),
	))
}

func (c *Controller) publish(e events.Event) {
	e.SessionID = c.id
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	c.hub.Publish(e)
}

// gapSize counts the frames skipped between last and seq, saturating at math.MaxInt64.
func gapSize(last, seq uint64) int64 {
	missed := seq - last - 1
	if missed > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(missed)
}

func deviceName(device string) string {
	if device == "" {
		return "default"
	}
	return device
}
