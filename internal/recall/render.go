package recall

import (
	"github.com/valyala/bytebufferpool"
)

// renderContextual builds the formatted block and enforces the byte cap by
// dropping whole items from the low-priority end until the block fits.
// Items must already be in final order.
func renderContextual(entity, clock, health string, items []Item, byteCap int) (string, []Item) {
	kept := items
	for {
		buf := bytebufferpool.Get()
		writeContextual(buf, entity, clock, health, kept)
		if buf.Len() <= byteCap || len(kept) == 0 {
			out := buf.String()
			bytebufferpool.Put(buf)
			return out, kept
		}
		bytebufferpool.Put(buf)
		kept = kept[:len(kept)-1]
	}
}

func writeContextual(buf *bytebufferpool.ByteBuffer, entity, clock, health string, items []Item) {
	buf.WriteString("=== Ambient memory: ")
	buf.WriteString(entity)
	buf.WriteString(" ===\n")
	buf.WriteString("[clock] ")
	buf.WriteString(clock)
	buf.WriteString("\n[memory health] ")
	buf.WriteString(health)
	buf.WriteString("\n")

	current := ""
	for _, it := range items {
		if it.Layer != current {
			current = it.Layer
			buf.WriteString("\n[")
			buf.WriteString(current)
			buf.WriteString("]\n")
		}
		buf.WriteString("- ")
		buf.WriteString(it.Content)
		buf.WriteString("\n")
	}
}

// renderStartup builds the orientation block. The byte cap trims recent
// turn lines first, then crystal and summary paragraphs from the end.
func renderStartup(entity, clock, health, manifest string, crystals, summaries, turns []string, byteCap int) string {
	for {
		buf := bytebufferpool.Get()
		writeStartup(buf, entity, clock, health, manifest, crystals, summaries, turns)
		if buf.Len() <= byteCap {
			out := buf.String()
			bytebufferpool.Put(buf)
			return out
		}
		bytebufferpool.Put(buf)
		switch {
		case len(turns) > 0:
			turns = turns[:len(turns)-1]
		case len(summaries) > 0:
			summaries = summaries[:len(summaries)-1]
		case len(crystals) > 0:
			crystals = crystals[:len(crystals)-1]
		default:
			buf = bytebufferpool.Get()
			writeStartup(buf, entity, clock, health, manifest, nil, nil, nil)
			out := buf.String()
			bytebufferpool.Put(buf)
			return out
		}
	}
}

func writeStartup(buf *bytebufferpool.ByteBuffer, entity, clock, health, manifest string, crystals, summaries, turns []string) {
	buf.WriteString("=== Startup orientation: ")
	buf.WriteString(entity)
	buf.WriteString(" ===\n")
	buf.WriteString("[clock] ")
	buf.WriteString(clock)
	buf.WriteString("\n[memory health] ")
	buf.WriteString(health)
	buf.WriteString("\n")
	buf.WriteString(manifest)
	buf.WriteString("\n")

	if len(crystals) > 0 {
		buf.WriteString("\n[crystals]\n")
		for _, c := range crystals {
			buf.WriteString("- ")
			buf.WriteString(c)
			buf.WriteString("\n")
		}
	}
	if len(summaries) > 0 {
		buf.WriteString("\n[summaries]\n")
		for _, s := range summaries {
			buf.WriteString("- ")
			buf.WriteString(s)
			buf.WriteString("\n")
		}
	}
	if len(turns) > 0 {
		buf.WriteString("\n[recent turns]\n")
		for _, t := range turns {
			buf.WriteString(t)
			buf.WriteString("\n")
		}
	}
}
