package events

import "time"

// Kind identifies a provider lifecycle notification.
type Kind string

const (
	VoicesReady             Kind = "voices.ready"
	SpeakStart              Kind = "speak.start"
	SpeakComplete           Kind = "speak.complete"
	SpeakCurrentWord        Kind = "speak.word"
	SpeakCurrentPhoneme     Kind = "speak.phoneme"
	SpeakCurrentViseme      Kind = "speak.viseme"
	AudioGenerationStart    Kind = "audio.generation.start"
	AudioGenerationComplete Kind = "audio.generation.complete"
	ErrorInfo               Kind = "error"
)

// Kinds lists every event kind in pipeline order.
func Kinds() []Kind {
	return []Kind{
		VoicesReady,
		AudioGenerationStart,
		SpeakCurrentWord,
		SpeakCurrentPhoneme,
		SpeakCurrentViseme,
		AudioGenerationComplete,
		SpeakStart,
		SpeakComplete,
		ErrorInfo,
	}
}

// Event is a single notification. RequestID is empty for provider-wide
// events such as VoicesReady.
type Event struct {
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	WordIndex int       `json:"word_index,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Message   string    `json:"message,omitempty"`
	Text      string    `json:"text,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
}

// Publisher is the write side of the bus, accepted by components that only
// emit events.
type Publisher interface {
	Publish(evt Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(evt Event)

func (f PublisherFunc) Publish(evt Event) { f(evt) }
