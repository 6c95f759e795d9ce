// Package chunking splits memory content into overlapping slices for embedding.
// Markdown section boundaries are preferred so a chunk stays on one topic.
package chunking

import "fmt"

// Chunk is one slice of a source text.
type Chunk struct {
	Heading string // nearest markdown heading above the chunk, if any
	Content string
	Index   int
	Start   int // rune offset in the source
	End     int
}

// LineRange returns a human-readable rune range.
// Format: "R123-R456"
func (c *Chunk) LineRange() string {
	return fmt.Sprintf("R%d-R%d", c.Start, c.End)
}

// SearchableContent returns the chunk prefixed with its heading.
func (c *Chunk) SearchableContent() string {
	if c.Heading == "" {
		return c.Content
	}
	return c.Heading + "\n\n" + c.Content
}

// Options controls chunk sizes.
type Options struct {
	// MaxChars is the maximum chunk length in runes. 0 means DefaultOptions.
	MaxChars int

	// Overlap is the number of runes repeated at the start of the next
	// window when a section is split. Must be smaller than MaxChars.
	Overlap int

	// MinChars drops chunks shorter than this. The first chunk is kept
	// when every chunk is shorter.
	MinChars int
}

// DefaultOptions returns sizes that keep chunks well under embedding limits.
func DefaultOptions() Options {
	return Options{
		MaxChars: 1500,
		Overlap:  150,
		MinChars: 40,
	}
}

func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxChars <= 0 {
		o.MaxChars = d.MaxChars
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxChars {
		o.Overlap = o.MaxChars / 10
	}
	if o.MinChars < 0 {
		o.MinChars = 0
	}
	return o
}
