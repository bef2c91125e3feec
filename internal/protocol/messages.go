package protocol

import "time"

const (
	SubjectRequest     = "tts.request"
	SubjectSilence     = "tts.silence"
	SubjectStart       = "tts.start"
	SubjectVoices      = "tts.voices"
	SubjectEventPrefix = "tts.event"
	SubjectAudioPrefix = "tts.audio"
)

// EventSubject is the subject lifecycle events of kind are fanned out on.
func EventSubject(kind string) string { return SubjectEventPrefix + "." + kind }

// AudioSubject is the subject PCM chunks for target are streamed on.
func AudioSubject(target string) string { return SubjectAudioPrefix + "." + target }

// RequestKind selects the synthesis pipeline of a SpeakRequest.
type RequestKind string

const (
	KindSpeak    RequestKind = "speak"
	KindNative   RequestKind = "native"
	KindGenerate RequestKind = "generate"
)

// SpeakRequest asks the provider to synthesize text. Nil prosody fields
// mean neutral.
type SpeakRequest struct {
	RequestID  string      `json:"request_id,omitempty"`
	Kind       RequestKind `json:"kind"`
	Text       string      `json:"text"`
	SSML       bool        `json:"ssml,omitempty"`
	Voice      string      `json:"voice,omitempty"`
	VoiceID    string      `json:"voice_id,omitempty"`
	Culture    string      `json:"culture,omitempty"`
	Rate       *float64    `json:"rate,omitempty"`
	Pitch      *float64    `json:"pitch,omitempty"`
	Volume     *float64    `json:"volume,omitempty"`
	Target     string      `json:"target,omitempty"`
	OutputPath string      `json:"output_path,omitempty"`
	Immediate  bool        `json:"immediate,omitempty"`
}

// SpeakAck is the reply to a SpeakRequest sent with a reply subject.
type SpeakAck struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	Error     string `json:"error,omitempty"`
}

// SilenceRequest stops one request, or every request when RequestID is
// empty.
type SilenceRequest struct {
	RequestID string `json:"request_id,omitempty"`
}

// StartRequest releases a deferred speak request into playback.
type StartRequest struct {
	RequestID string `json:"request_id"`
}

type SilenceReply struct {
	Cancelled int `json:"cancelled"`
}

type VoiceInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Age         string `json:"age,omitempty"`
	Culture     string `json:"culture,omitempty"`
	Identifier  string `json:"identifier,omitempty"`
}

type VoicesReply struct {
	Voices   []VoiceInfo `json:"voices"`
	Cultures []string    `json:"cultures"`
	Ready    bool        `json:"ready"`
}

// AudioChunk carries 16-bit little-endian PCM for remote playback.
type AudioChunk struct {
	RequestID  string    `json:"request_id"`
	Target     string    `json:"target"`
	Sequence   int       `json:"sequence"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	PCM        []byte    `json:"pcm"`
	Final      bool      `json:"final"`
	Timestamp  time.Time `json:"timestamp"`
}
