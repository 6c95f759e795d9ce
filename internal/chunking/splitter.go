package chunking

import (
	"strings"
	"unicode"
)

// section is a run of text under one heading.
type section struct {
	heading string
	text    []rune
	start   int
}

// Split slices text into chunks of at most opts.MaxChars runes.
// Sections shorter than the limit are packed together; longer sections are
// windowed with opts.Overlap runes of overlap, cutting at whitespace when one
// is near the window end.
func Split(text string, opts Options) []Chunk {
	opts = opts.normalized()
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	emit := func(heading string, body []rune, start int) {
		content := strings.TrimSpace(string(body))
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{
			Heading: heading,
			Content: content,
			Index:   len(chunks),
			Start:   start,
			End:     start + len(body),
		})
	}

	var (
		pending      []rune
		pendingHead  string
		pendingStart int
	)
	flush := func() {
		if len(pending) > 0 {
			emit(pendingHead, pending, pendingStart)
			pending = nil
		}
	}

	for _, sec := range splitSections(text) {
		if len(sec.text) > opts.MaxChars {
			flush()
			for _, w := range windows(sec.text, opts) {
				emit(sec.heading, sec.text[w[0]:w[1]], sec.start+w[0])
			}
			continue
		}
		if len(pending)+len(sec.text) > opts.MaxChars {
			flush()
		}
		if len(pending) == 0 {
			pendingHead = sec.heading
			pendingStart = sec.start
		}
		pending = append(pending, sec.text...)
	}
	flush()

	return dropFragments(chunks, opts.MinChars)
}

// splitSections cuts text before every markdown heading line.
func splitSections(text string) []section {
	runes := []rune(text)
	var (
		out     []section
		heading string
		start   int
	)
	lineStart := 0
	for i := 0; i <= len(runes); i++ {
		if i < len(runes) && runes[i] != '\n' {
			continue
		}
		line := strings.TrimSpace(string(runes[lineStart:i]))
		if strings.HasPrefix(line, "#") && lineStart > start {
			out = append(out, section{heading: heading, text: runes[start:lineStart], start: start})
			start = lineStart
		}
		if strings.HasPrefix(line, "#") {
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
		}
		lineStart = i + 1
	}
	if start < len(runes) {
		out = append(out, section{heading: heading, text: runes[start:], start: start})
	}
	return out
}

// windows returns [start, end) pairs covering text.
func windows(text []rune, opts Options) [][2]int {
	var out [][2]int
	start := 0
	for start < len(text) {
		end := start + opts.MaxChars
		if end >= len(text) {
			out = append(out, [2]int{start, len(text)})
			break
		}
		// Prefer a whitespace cut in the last fifth of the window.
		floor := end - opts.MaxChars/5
		for cut := end; cut > floor && cut > start; cut-- {
			if unicode.IsSpace(text[cut-1]) {
				end = cut
				break
			}
		}
		out = append(out, [2]int{start, end})
		next := end - opts.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

func dropFragments(chunks []Chunk, minChars int) []Chunk {
	if len(chunks) <= 1 || minChars == 0 {
		return chunks
	}
	out := chunks[:0]
	for _, c := range chunks {
		if len([]rune(c.Content)) < minChars {
			continue
		}
		c.Index = len(out)
		out = append(out, c)
	}
	if len(out) == 0 {
		return chunks[:1]
	}
	return out
}
