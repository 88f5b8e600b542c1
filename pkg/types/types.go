// Package types defines the shared frame and record types used across all
// conversify packages.
//
// These types form the lingua franca between the transport, the pipeline
// stages, the providers and the memory layer. Each package defines its own
// domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import (
	"image"
	"time"
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are captured from the user's input stream, gated by the turn
// detector and sent to STT; synthesis produces them again for playback.
// A frame is immutable once produced.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Seq is the monotonic sequence number of the frame within its stream.
	// Frames are ordered by Seq within a session.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame derived from its PCM size.
// Returns 0 when the format is unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// VideoFrame is a single frame of the user's video stream. Only the freshest
// frames matter; older ones may be dropped without error.
type VideoFrame struct {
	// Image is the decoded picture. May be nil when Data already carries an
	// encoded image.
	Image image.Image

	// Data is an encoded image (see MIMEType). Populated either by the
	// transport or by the vision sampler when it encodes Image.
	Data []byte

	// MIMEType describes Data, e.g. "image/jpeg".
	MIMEType string

	// Timestamp marks when this frame was captured, relative to session start.
	Timestamp time.Duration
}

// SpeakerUser is the only speaker that produces transcript segments.
const SpeakerUser = "user"

// Transcript is a raw speech-to-text result as delivered by an STT provider.
// Both partial (interim) and final transcripts use this type. The
// transcription stage converts these into ordered [TranscriptSegment] values.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Seq is an optional provider-assigned segment number. Zero means the
	// provider does not number its segments.
	Seq uint64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// TranscriptSegment is an ordered, identified piece of the user's speech.
//
// Partial segments may be superseded by a later segment with the same ID.
// Consumers must treat a later segment with the same ID as replacing, not
// appending to, the earlier one.
type TranscriptSegment struct {
	// ID increases strictly within a session and is never reused.
	ID uint64

	// Text is the segment text.
	Text string

	// Speaker is always [SpeakerUser].
	Speaker string

	// Start and End delimit the segment relative to session start.
	Start time.Duration
	End   time.Duration

	// IsFinal marks the segment as authoritative for its ID.
	IsFinal bool

	// Confidence is the provider-reported confidence (0.0–1.0), zero if unknown.
	Confidence float64
}

// VoiceProfile describes a TTS voice configuration.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, age, accent, etc.).
	Metadata map[string]string
}

// MemoryKind distinguishes conversational records from injected knowledge.
type MemoryKind string

const (
	// MemoryInteraction is one committed user/assistant exchange.
	MemoryInteraction MemoryKind = "interaction"

	// MemoryKnowledge is background knowledge added out of band.
	MemoryKnowledge MemoryKind = "knowledge"
)

// MemoryRecord is one persisted conversational fact. Records are
// append-mostly; retrieval is by relevance to the current turn, not by key.
type MemoryRecord struct {
	// Key uniquely identifies the record. For interactions it is derived from
	// the session and turn IDs so that re-committing a turn overwrites it.
	Key string

	// Kind is the record category.
	Kind MemoryKind

	// Participant is the identity of the user the record belongs to.
	Participant string

	// SessionID is the session that produced the record. Empty for knowledge.
	SessionID string

	// TurnID is the source turn. Zero for knowledge.
	TurnID uint64

	// UserText and AgentText hold the two halves of an interaction.
	UserText  string
	AgentText string

	// Value is the text used for retrieval and prompt injection.
	Value string

	// Topics lists key concepts extracted from Value. May be empty.
	Topics []string

	// WrittenAt is the time the record was written.
	WrittenAt time.Time

	// Score is the retrieval relevance (higher is better). Zero when the
	// record was not returned by a relevance query.
	Score float64
}
