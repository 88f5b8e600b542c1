package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it to release a producer whose output is no longer wanted, such as the
// audio channel of a cancelled synthesis call.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
