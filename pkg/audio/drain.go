package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it after closing a [Capture] whose frames nobody consumes any more so
// the producer never blocks on a full channel.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
