package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/session"

type instruments struct {
	feedDuration metric.Float64Histogram
	registration metric.Registration
}

// initMetrics exports the session counters as observable instruments read from Stats, plus a
// feed latency histogram.
func (c *Controller) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	c.metrics.feedDuration = noop.Float64Histogram{}

	hist, err := meter.Float64Histogram("listen.feed.duration",
		metric.WithDescription("Time spent in recognizer Feed per frame"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	c.metrics.feedDuration = hist

	type counter struct {
		name, desc string
		value      func(Stats) int64
	}
	counters := []counter{
		{"listen.frames.captured", "Frames read from the audio source", func(s Stats) int64 { return s.FramesCaptured }},
		{"listen.frames.dropped", "Frames lost to sequence gaps, read timeouts or stop", func(s Stats) int64 { return s.FramesMissed + s.ReadTimeouts + s.DiscardedOnStop }},
		{"listen.queue.overruns", "Frames evicted from a full queue", func(s Stats) int64 { return s.Overruns }},
		{"listen.decode.errors", "Frames rejected by the recognizer", func(s Stats) int64 { return s.DecodeErrors }},
		{"listen.read.timeouts", "Audio reads that exceeded the read timeout", func(s Stats) int64 { return s.ReadTimeouts }},
		{"listen.results.partial", "Partial hypotheses emitted", func(s Stats) int64 { return s.Partials }},
		{"listen.results.final", "Utterances finalized", func(s Stats) int64 { return s.Finals }},
	}

	observables := make([]metric.Observable, 0, len(counters))
	insts := make([]metric.Int64ObservableCounter, 0, len(counters))
	for _, ctr := range counters {
		inst, err := meter.Int64ObservableCounter(ctr.name, metric.WithDescription(ctr.desc))
		if err != nil {
			return err
		}
		observables = append(observables, inst)
		insts = append(insts, inst)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := c.Stats()
		for i, inst := range insts {
			obs.ObserveInt64(inst, counters[i].value(stats))
		}
		return nil
	}, observables...)
	if err != nil {
		return err
	}
	c.metrics.registration = reg
	return nil
}

func (c *Controller) closeMetrics() {
	if c.metrics.registration != nil {
		_ = c.metrics.registration.Unregister()
	}
}
