package orchestrator

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/conversify/pkg/types"
)

// Status is the lifecycle state of a [Turn].
type Status int

const (
	// StatusCollecting buffers transcript segments until the user finishes.
	StatusCollecting Status = iota + 1

	// StatusAwaitingResponse waits for the first model output.
	StatusAwaitingResponse

	// StatusResponding streams the response to synthesis.
	StatusResponding

	// StatusComplete is terminal: the response was fully played.
	StatusComplete

	// StatusInterrupted is terminal: the user barged in.
	StatusInterrupted
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusCollecting:
		return "collecting"
	case StatusAwaitingResponse:
		return "awaiting_response"
	case StatusResponding:
		return "responding"
	case StatusComplete:
		return "complete"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Busy reports whether a response is in flight.
func (s Status) Busy() bool {
	return s == StatusAwaitingResponse || s == StatusResponding
}

// Terminal reports whether the turn is finished.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusInterrupted
}

// TurnInfo is a read-only snapshot of the current turn.
type TurnInfo struct {
	ID         uint64
	Status     Status
	Generation uint64
	Transcript string
}

// Turn is one user utterance and the agent's response to it. It is owned by
// the orchestrator loop and never shared.
type Turn struct {
	ID         uint64
	Status     Status
	Generation uint64

	segments []types.TranscriptSegment

	// transcript is frozen when the turn leaves collecting.
	transcript string

	speechEnded bool
	chunks      []spokenChunk
	response    string
	llmDone     bool
	audioDone   bool
	fallback    string

	speechEndAt  time.Time
	requestAt    time.Time
	firstChunkAt time.Time
	firstAudioAt time.Time
}

func newTurn(id uint64, seed []types.TranscriptSegment) *Turn {
	t := &Turn{ID: id, Status: StatusCollecting}
	for _, s := range seed {
		t.upsert(s)
	}
	return t
}

// upsert adds seg or replaces the segment with the same id.
func (t *Turn) upsert(seg types.TranscriptSegment) {
	t.segments = upsertSegment(t.segments, seg)
}

// drop removes the segment with the given id.
func (t *Turn) drop(id uint64) {
	t.segments = dropSegment(t.segments, id)
}

func (t *Turn) has(id uint64) bool {
	return slices.ContainsFunc(t.segments, func(s types.TranscriptSegment) bool { return s.ID == id })
}

// revise replaces a segment after the transcript was frozen and rebuilds it.
func (t *Turn) revise(seg types.TranscriptSegment) {
	t.upsert(seg)
	t.transcript = t.joined()
}

// upsertSegment keeps segs ordered by id with one entry per id.
func upsertSegment(segs []types.TranscriptSegment, seg types.TranscriptSegment) []types.TranscriptSegment {
	i, found := slices.BinarySearchFunc(segs, seg.ID, func(s types.TranscriptSegment, id uint64) int {
		return cmp.Compare(s.ID, id)
	})
	if found {
		segs[i] = seg
		return segs
	}
	return slices.Insert(segs, i, seg)
}

func dropSegment(segs []types.TranscriptSegment, id uint64) []types.TranscriptSegment {
	return slices.DeleteFunc(segs, func(s types.TranscriptSegment) bool { return s.ID == id })
}

// ready reports whether speech ended and the latest segment is final.
func (t *Turn) ready() bool {
	if !t.speechEnded || len(t.segments) == 0 {
		return false
	}
	return t.segments[len(t.segments)-1].IsFinal
}

// promote marks every buffered partial as final.
func (t *Turn) promote() {
	for i := range t.segments {
		t.segments[i].IsFinal = true
	}
}

// text returns the frozen transcript, or the buffered segments joined in id
// order while collecting.
func (t *Turn) text() string {
	if t.transcript != "" {
		return t.transcript
	}
	return t.joined()
}

func (t *Turn) joined() string {
	parts := make([]string, 0, len(t.segments))
	for _, s := range t.segments {
		if txt := strings.TrimSpace(s.Text); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, " ")
}

// produced joins the chunks handed to synthesis so far.
func (t *Turn) produced() string {
	parts := make([]string, 0, len(t.chunks))
	for _, c := range t.chunks {
		parts = append(parts, c.text)
	}
	return strings.Join(parts, " ")
}

func (t *Turn) info() TurnInfo {
	return TurnInfo{ID: t.ID, Status: t.Status, Generation: t.Generation, Transcript: t.text()}
}
