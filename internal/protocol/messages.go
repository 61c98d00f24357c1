package protocol

import "time"

// AudioFrame carries PCM audio streamed from a remote capture device. Final marks the last
// frame of the stream.
type AudioFrame struct {
	Device     string `json:"device"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionStatus announces a session lifecycle change.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionAlert reports a non-fatal capture or decode problem (frame gap, overrun, decode
// error, read timeout).
type SessionAlert struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Count     int64     `json:"count,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFrame        = "audio.frame"
	SubjectTranscriptPartial = "text.partial"
	SubjectTranscriptFinal   = "text.final"
	SubjectSessionState      = "session.state"
	SubjectSessionAlert      = "session.alert"
)

// Subject joins prefix and suffix into a NATS subject, e.g. "listen" + "text.final".
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
