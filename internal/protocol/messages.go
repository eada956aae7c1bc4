package protocol

import "time"

// AudioFrame represents PCM audio data streamed from capture devices.
type AudioFrame struct {
	SessionID  string `json:"session_id,omitempty"`
	Source     string `json:"source"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognizer output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Locale     string    `json:"locale,omitempty"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// BeginRequest asks the listener to open a new session.
type BeginRequest struct {
	Locale string `json:"locale,omitempty"`
}

// ControlReply answers control requests.
type ControlReply struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"session_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SessionError reports a session that ended without a transcript.
type SessionError struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Readiness mirrors whether a new session may be started.
type Readiness struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// NodeStatus is the heartbeat a listener node publishes about its recognizer.
type NodeStatus struct {
	NodeID    string    `json:"node_id"`
	Backend   string    `json:"backend"`
	Locales   []string  `json:"locales,omitempty"`
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSessionError      = "listen.session.error"
	SubjectReady             = "listen.ready"
	SubjectControlBegin      = "listen.control.begin"
	SubjectControlStop       = "listen.control.stop"
	SubjectControlCancel     = "listen.control.cancel"
	SubjectNodeStatusPrefix  = "listen.node.status"
)

// AudioFrameSubject returns the subject frames for source are published on.
func AudioFrameSubject(source string) string {
	return SubjectAudioFramePrefix + "." + source
}

// NodeStatusSubject returns the subject node publishes its status on.
func NodeStatusSubject(node string) string {
	return SubjectNodeStatusPrefix + "." + node
}
