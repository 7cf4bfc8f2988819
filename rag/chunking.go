package rag

import "strings"

// minChunkChars is the smallest trimmed chunk worth embedding. Windows that
// trim to less than this are dropped, never persisted.
const minChunkChars = 50

// ChunkCandidate is a slice of extracted text before it is embedded and
// persisted. Start and End are rune offsets into the source text; Page is only
// set when the extraction provider supplied page metadata.
type ChunkCandidate struct {
	Text  string
	Start int
	End   int
	Page  *int
	Type  string
}

type chunker struct {
	chunkSize int
	overlap   int
}

func newChunker(chunkSize int, overlap int) *chunker {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &chunker{chunkSize: chunkSize, overlap: overlap}
}

// split slides a window of chunkSize runes over text, advancing by
// chunkSize-overlap each step. Windows are trimmed of surrounding whitespace
// and dropped entirely when the trimmed text falls below minChunkChars. The
// result is ordered by start offset and finite for any input.
func (c *chunker) split(text string) []ChunkCandidate {
	runes := []rune(text)
	total := len(runes)
	if total == 0 {
		return nil
	}

	if total <= c.chunkSize {
		return appendCandidate(nil, string(runes), 0, total)
	}

	step := c.chunkSize - c.overlap
	if step <= 0 {
		step = c.chunkSize
	}

	candidates := make([]ChunkCandidate, 0, total/step+1)
	for start := 0; start < total; start += step {
		end := start + c.chunkSize
		if end > total {
			end = total
		}
		candidates = appendCandidate(candidates, string(runes[start:end]), start, end)
	}
	return candidates
}

func appendCandidate(candidates []ChunkCandidate, window string, start int, end int) []ChunkCandidate {
	trimmed := strings.TrimSpace(window)
	if len([]rune(trimmed)) < minChunkChars {
		return candidates
	}
	return append(candidates, ChunkCandidate{
		Text:  trimmed,
		Start: start,
		End:   end,
		Type:  "text",
	})
}

// filterCandidates applies the same trim and minimum-length rules to chunk
// hints supplied by an extraction provider.
func filterCandidates(candidates []ChunkCandidate) []ChunkCandidate {
	filtered := make([]ChunkCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		trimmed := strings.TrimSpace(candidate.Text)
		if len([]rune(trimmed)) < minChunkChars {
			continue
		}
		candidate.Text = trimmed
		if candidate.Type == "" {
			candidate.Type = "text"
		}
		filtered = append(filtered, candidate)
	}
	return filtered
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}

// estimateTokenCount approximates the token footprint of a chunk from its
// word and rune counts, erring high for CJK-heavy text.
func estimateTokenCount(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	wordCount := len(strings.Fields(trimmed))
	estimate := wordCount + len([]rune(trimmed))/3
	if estimate < wordCount {
		estimate = wordCount
	}
	return estimate
}
