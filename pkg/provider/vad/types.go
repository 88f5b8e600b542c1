package vad

// Event is the detection result for a single audio frame.
type Event struct {
	// Type is the hysteresis state after this frame.
	Type EventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// EventType enumerates per-frame detection states.
type EventType int

const (
	// Silence indicates no speech detected.
	Silence EventType = iota

	// SpeechStart indicates speech has just begun on this frame.
	SpeechStart

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended on this frame.
	SpeechEnd
)

// String returns the lower-case name of t.
func (t EventType) String() string {
	switch t {
	case Silence:
		return "silence"
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Step advances a two-threshold hysteresis from the previous speaking state
// and returns the event for prob plus the new state. Engines share it so
// they agree on transition semantics.
func Step(speaking bool, prob float64, cfg Config) (Event, bool) {
	switch {
	case !speaking && prob >= cfg.SpeechThreshold:
		return Event{Type: SpeechStart, Probability: prob}, true
	case speaking && prob < cfg.SilenceThreshold:
		return Event{Type: SpeechEnd, Probability: prob}, false
	case speaking:
		return Event{Type: SpeechContinue, Probability: prob}, true
	default:
		return Event{Type: Silence, Probability: prob}, false
	}
}
