package stream

import "strings"

// LineBuffer accumulates decoded text across reads and hands back complete
// newline-terminated lines. The trailing partial line stays buffered until a
// later Push completes it.
type LineBuffer struct {
	pending string
}

// Push appends chunk to the buffered text and returns every complete line in
// arrival order, without the terminator.
func (b *LineBuffer) Push(chunk string) []string {
	if chunk == "" {
		return nil
	}
	parts := strings.Split(b.pending+chunk, "\n")
	b.pending = parts[len(parts)-1]
	return parts[:len(parts)-1]
}

// Pending returns the buffered partial line. It never contains a newline.
func (b *LineBuffer) Pending() string {
	return b.pending
}

