package chunking

import (
	"strings"
	"testing"
)

func TestChunkShortTextIsSingleChunk(t *testing.T) {
	c := New(Default())
	chunks := c.Chunk("a short note.")
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if !chunks[0].AtBoundary {
		t.Errorf("Expected terminal chunk to be at boundary")
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := New(Default())
	if chunks := c.Chunk("   \n  "); chunks != nil {
		t.Errorf("Expected nil for blank input, got %d chunks", len(chunks))
	}
}

func TestChunkSplitsOnSentenceBoundary(t *testing.T) {
	cfg := Default()
	cfg.WindowBytes = 40
	cfg.MinBytes = 4
	c := New(cfg)

	text := "First sentence here. Second sentence follows it. Third one closes."
	chunks := c.Chunk(text)
	if len(chunks) < 2 {
		t.Fatalf("Expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks[:len(chunks)-1] {
		last := ch.Text[len(ch.Text)-1]
		if last != '.' && last != '\n' {
			t.Errorf("Chunk %d does not end on a delimiter: %q", i, ch.Text)
		}
	}
}

func TestChunkOffsetsReassemble(t *testing.T) {
	cfg := Default()
	cfg.WindowBytes = 32
	cfg.MinBytes = 4
	c := New(cfg)

	text := strings.Repeat("alpha beta gamma. ", 20)
	chunks := c.Chunk(text)

	var rebuilt strings.Builder
	prevEnd := 0
	for _, ch := range chunks {
		if ch.Start != prevEnd {
			t.Fatalf("Gap or overlap at offset %d (chunk starts at %d)", prevEnd, ch.Start)
		}
		if text[ch.Start:ch.End] != ch.Text {
			t.Fatalf("Chunk text does not match its offsets")
		}
		rebuilt.WriteString(ch.Text)
		prevEnd = ch.End
	}
	if rebuilt.String() != text {
		t.Errorf("Chunks do not reassemble the input")
	}
}

func TestMarkdownPrefixSplitKeepsHeadingWithBody(t *testing.T) {
	c := New(Markdown(48))
	text := "# Setup\nInstall the runtime and configure paths for the daemon.\n# Usage\nRun the binary with an entity flag to start serving."
	chunks := c.Chunk(text)

	var usage *Chunk
	for i := range chunks {
		if strings.HasPrefix(strings.TrimSpace(chunks[i].Text), "# Usage") {
			usage = &chunks[i]
		}
	}
	if usage == nil {
		t.Fatalf("Expected a chunk opening with the Usage heading, got %d chunks", len(chunks))
	}
	if !strings.Contains(usage.Text, "entity flag") {
		t.Errorf("Expected heading chunk to carry its body, got %q", usage.Text)
	}
}

func TestChunkSectionsFollowHeadings(t *testing.T) {
	c := New(Markdown(48))
	text := "# Install\nGet the binary and place it on PATH for your shell.\n# Configure\nWrite a config file into the entity directory tree."
	chunks := c.Chunk(text)

	for _, ch := range chunks {
		if strings.Contains(ch.Text, "entity directory") && ch.Section != "Configure" {
			t.Errorf("Expected section Configure, got %q", ch.Section)
		}
	}
}

func TestChunkWithoutDelimitersCutsHard(t *testing.T) {
	cfg := Config{WindowBytes: 16, MinBytes: 4, Delimiters: []byte{'\n'}, ForwardScan: false}
	c := New(cfg)
	chunks := c.Chunk(strings.Repeat("x", 40))
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 hard-cut chunks, got %d", len(chunks))
	}
	if chunks[0].AtBoundary {
		t.Errorf("Expected hard cut to be marked off-boundary")
	}
}

func TestParagraphs(t *testing.T) {
	text := "first block\nstill first\n\nsecond block\n\n\n\nthird"
	got := Paragraphs(text)
	if len(got) != 3 {
		t.Fatalf("Expected 3 paragraphs, got %d: %v", len(got), got)
	}
	if got[1] != "second block" {
		t.Errorf("Expected trimmed paragraph, got %q", got[1])
	}
}
