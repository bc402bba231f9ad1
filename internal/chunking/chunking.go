// Package chunking splits document text into byte-bounded windows that end
// on natural boundaries, for embedding and indexing.
package chunking

import "strings"

// Chunk is one window of the source text. Start and End are byte offsets
// into the original string. AtBoundary is false only when a window had to
// be cut mid-run because no delimiter was in reach.
type Chunk struct {
	Text       string `json:"text"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Section    string `json:"section,omitempty"`
	AtBoundary bool   `json:"at_boundary"`
}

// Config controls window size and split behavior.
type Config struct {
	// WindowBytes is the target chunk size. Chunks may run longer when the
	// nearest boundary lies past the window and ForwardScan is on.
	WindowBytes int
	// MinBytes rejects boundary splits that would leave a fragment shorter
	// than this.
	MinBytes int
	// Delimiters are the single-byte split points scanned for inside the
	// window, last occurrence first.
	Delimiters []byte
	// PrefixSplit starts the next chunk at the delimiter instead of after
	// it. Markdown wants this so headings lead their chunk.
	PrefixSplit bool
	// ForwardScan searches past the window for the next delimiter before
	// giving up and cutting hard.
	ForwardScan bool
}

// Default returns a prose configuration: sentence and line boundaries,
// delimiter stays with the preceding chunk.
func Default() Config {
	return Config{
		WindowBytes: 2048,
		MinBytes:    64,
		Delimiters:  []byte{'\n', '.', '!', '?'},
		ForwardScan: true,
	}
}

// Markdown returns a configuration tuned for markdown documents: splits
// lead with structural markers so headings and list items open their
// chunk.
func Markdown(windowBytes int) Config {
	return Config{
		WindowBytes: windowBytes,
		MinBytes:    64,
		Delimiters:  []byte{'\n'},
		PrefixSplit: true,
		ForwardScan: true,
	}
}

// Chunker splits text under one Config.
type Chunker struct {
	cfg Config
}

// New returns a Chunker. A zero WindowBytes falls back to Default sizing.
func New(cfg Config) *Chunker {
	if cfg.WindowBytes <= 0 {
		cfg.WindowBytes = Default().WindowBytes
	}
	if len(cfg.Delimiters) == 0 {
		cfg.Delimiters = Default().Delimiters
	}
	return &Chunker{cfg: cfg}
}

// Chunk splits text into windows. Chunks for markdown inputs carry the
// most recent heading line in Section.
func (c *Chunker) Chunk(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []Chunk
	pos := 0
	for pos < len(text) {
		remaining := len(text) - pos
		if remaining <= c.cfg.WindowBytes {
			out = append(out, Chunk{Text: text[pos:], Start: pos, End: len(text), AtBoundary: true})
			break
		}

		end, clean := c.splitPoint(text, pos)
		out = append(out, Chunk{Text: text[pos:end], Start: pos, End: end, AtBoundary: clean})
		pos = end
	}

	annotateSections(text, out)
	return out
}

// splitPoint picks where the chunk starting at pos should end. Returns the
// end offset and whether it landed on a delimiter.
func (c *Chunker) splitPoint(text string, pos int) (int, bool) {
	window := text[pos : pos+c.cfg.WindowBytes]

	if i := c.lastDelimiter(window); i >= 0 {
		end := pos + i
		if !c.cfg.PrefixSplit {
			end++
		}
		if end-pos >= c.cfg.MinBytes {
			return end, true
		}
	}

	if c.cfg.ForwardScan {
		if i := c.firstDelimiter(text[pos+c.cfg.WindowBytes:]); i >= 0 {
			end := pos + c.cfg.WindowBytes + i
			if !c.cfg.PrefixSplit {
				end++
			}
			return end, true
		}
		// No boundary anywhere ahead; the rest is one oversized chunk.
		return len(text), false
	}

	return pos + c.cfg.WindowBytes, false
}

func (c *Chunker) lastDelimiter(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if c.isDelimiter(s[i]) {
			// Walk to the start of a delimiter run so prefix splits land
			// before a blank-line gap, not inside it.
			for i > 0 && c.isDelimiter(s[i-1]) {
				i--
			}
			return i
		}
	}
	return -1
}

func (c *Chunker) firstDelimiter(s string) int {
	for i := 0; i < len(s); i++ {
		if c.isDelimiter(s[i]) {
			return i
		}
	}
	return -1
}

func (c *Chunker) isDelimiter(b byte) bool {
	for _, d := range c.cfg.Delimiters {
		if b == d {
			return true
		}
	}
	return false
}

// annotateSections stamps each chunk with the nearest markdown heading at
// or before its start offset. No-op for text without headings.
func annotateSections(text string, chunks []Chunk) {
	type heading struct {
		offset int
		title  string
	}
	var headings []heading
	offset := 0
	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				headings = append(headings, heading{offset: offset, title: title})
			}
		}
		offset += len(line)
	}
	if len(headings) == 0 {
		return
	}

	for i := range chunks {
		// Prefix splits open a chunk on the newline before a heading;
		// measure from the first visible byte so that heading counts as
		// the chunk's own.
		start := chunks[i].Start + leadingSpace(chunks[i].Text)
		for _, h := range headings {
			if h.offset <= start {
				chunks[i].Section = h.title
			} else {
				break
			}
		}
	}
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t\r\n"))
}

// Paragraphs splits text on blank lines, trimming each piece. Used for
// word-photo and crystal files where paragraph granularity beats byte
// windows.
func Paragraphs(text string) []string {
	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
