// Package synthesis turns response text into agent audio.
//
// Text arrives as ordered [Chunk]s tagged with a generation id. A [Stage]
// runs one worker per generation that calls the TTS provider chunk by chunk
// and re-emits the audio as [Frame]s carrying the same id. A [Playout]
// writes live frames to the client and reports progress as [Event]s.
//
// [Generations] is the cancellation token. Advancing it cancels every older
// generation: its worker stops, queued chunks are skipped, late audio is
// discarded and the playout filters once more before writing.
package synthesis

import "sync"

// Generations allocates response generation ids for one session. Ids start
// at 1, strictly increase and are never reused. Every id below the live one
// is cancelled.
//
// All methods are safe for concurrent use; only the orchestrator calls
// [Generations.Advance].
type Generations struct {
	mu   sync.Mutex
	live uint64
	done chan struct{}
}

// NewGenerations returns an allocator with no live generation.
func NewGenerations() *Generations {
	return &Generations{done: make(chan struct{})}
}

// Advance cancels the live generation and returns the next id, which
// becomes live.
func (g *Generations) Advance() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.live++
	close(g.done)
	g.done = make(chan struct{})
	return g.live
}

// Live returns the live generation id, 0 before the first Advance.
func (g *Generations) Live() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

// IsLive reports whether gen is the live generation.
func (g *Generations) IsLive(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return gen != 0 && gen == g.live
}

// Done returns a channel that is closed once gen is no longer live. Ids that
// are already cancelled, or were never issued, get a closed channel.
func (g *Generations) Done(gen uint64) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != 0 && gen == g.live {
		return g.done
	}
	return closedCh
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
