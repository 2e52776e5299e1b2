package ingestion

import (
	"strings"
)

const (
	// DefaultChunkSize is the maximum number of characters per chunk.
	DefaultChunkSize = 1000
	// DefaultChunkOverlap is the number of trailing characters carried into
	// the next chunk so sentences spanning a boundary stay retrievable.
	DefaultChunkOverlap = 200
)

// Chunker splits document text into retrieval-sized chunks. It prefers
// paragraph boundaries and only falls back to a raw character window when a
// single paragraph exceeds the chunk size. The same policy is used for
// ingested documents and for auto-learned answers, so stored chunks are
// uniform regardless of how they entered the knowledge base.
type Chunker struct {
	// Size is the maximum chunk length in characters.
	Size int
	// Overlap is the number of characters shared between consecutive chunks.
	Overlap int
}

// NewChunker returns a Chunker with defaults applied. A non-positive size
// falls back to DefaultChunkSize; an overlap that is negative or not smaller
// than the size falls back to DefaultChunkOverlap.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = size / 5
		}
	}
	return &Chunker{Size: size, Overlap: overlap}
}

// Split breaks text into chunks of roughly c.Size characters. Paragraphs
// (blank-line separated) are packed together until the next one would
// overflow; each emitted chunk seeds the next with its last c.Overlap
// characters, so a seeded chunk may exceed c.Size by up to c.Overlap plus the
// separator. Empty input yields nil.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.Size {
		return []string{text}
	}

	var chunks []string
	var sb strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(sb.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		sb.Reset()
		// Seed the next chunk with the tail of this one.
		if c.Overlap > 0 && len(chunk) > c.Overlap {
			sb.WriteString(chunk[len(chunk)-c.Overlap:])
		}
	}

	for _, para := range splitParagraphs(text) {
		if len(para) > c.Size {
			// Oversized paragraph: emit what we have, then window through it.
			flush()
			sb.Reset()
			chunks = append(chunks, c.window(para)...)
			continue
		}
		if sb.Len() > 0 && sb.Len()+len(para)+2 > c.Size {
			flush()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(para)
	}
	if chunk := strings.TrimSpace(sb.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}

	return chunks
}

// window slides a fixed-size character window across text with the configured
// overlap. Used only for paragraphs longer than the chunk size.
func (c *Chunker) window(text string) []string {
	var out []string
	step := c.Size - c.Overlap
	if step <= 0 {
		step = c.Size
	}
	for start := 0; start < len(text); start += step {
		end := min(start+c.Size, len(text))
		out = append(out, strings.TrimSpace(text[start:end]))
		if end == len(text) {
			break
		}
	}
	return out
}

// splitParagraphs splits text on blank lines, dropping empty entries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
