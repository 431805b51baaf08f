package sluice

import (
	"sort"
	"strings"
	"unicode"
)

// Chunker splits text into token-budgeted chunks for fan-out across model
// calls. Splitting descends through structural levels, paragraphs first,
// then sentences, then lines, then words, and only descends for units that
// exceed the budget. A final greedy pass merges adjacent pieces back
// together while the combination stays under budget, so chunk count is
// kept low without any chunk going over.
type Chunker struct {
	counter Counter
}

// NewChunker returns a Chunker that measures budgets with c.
func NewChunker(c Counter) *Chunker {
	return &Chunker{counter: c}
}

// Chunk splits text into chunks of at most maxTokens each, preserving input
// order. Joining the chunks reproduces the input content up to the
// whitespace collapsed at split points.
//
// Degenerate inputs never fail: empty text yields a single empty chunk, and
// a single word over the budget becomes its own oversized chunk. Callers
// that care check returned chunks against the budget and record a warning.
func (ck *Chunker) Chunk(text string, maxTokens int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return []string{""}
	}
	if ck.counter.Count(text) <= maxTokens {
		return []string{text}
	}
	pieces := ck.split(text, maxTokens)
	return ck.merge(pieces, maxTokens)
}

// split descends paragraph, sentence, line, word until every piece fits.
func (ck *Chunker) split(text string, maxTokens int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if ck.counter.Count(para) <= maxTokens {
			out = append(out, para)
			continue
		}
		out = append(out, ck.splitSentences(para, maxTokens)...)
	}
	return out
}

func (ck *Chunker) splitSentences(text string, maxTokens int) []string {
	sentences := sentenceSplit(text)
	if len(sentences) < 2 {
		return ck.splitLines(text, maxTokens)
	}
	var out []string
	for _, s := range sentences {
		if ck.counter.Count(s) <= maxTokens {
			out = append(out, s)
			continue
		}
		out = append(out, ck.splitLines(s, maxTokens)...)
	}
	return out
}

func (ck *Chunker) splitLines(text string, maxTokens int) []string {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return ck.packWords(text, maxTokens)
	}
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if ck.counter.Count(l) <= maxTokens {
			out = append(out, l)
			continue
		}
		out = append(out, ck.packWords(l, maxTokens)...)
	}
	return out
}

// packWords greedily packs whitespace-separated words into budget-sized
// pieces. A single word over the budget rides alone rather than being cut
// mid-word.
func (ck *Chunker) packWords(text string, maxTokens int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var out []string
	cur := ""
	for _, w := range words {
		if ck.counter.Count(w) > maxTokens {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			out = append(out, w)
			continue
		}
		if cur == "" {
			cur = w
			continue
		}
		joined := cur + " " + w
		if ck.counter.Count(joined) > maxTokens {
			out = append(out, cur)
			cur = w
		} else {
			cur = joined
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// merge greedily joins adjacent pieces while the combination stays under
// budget.
func (ck *Chunker) merge(pieces []string, maxTokens int) []string {
	if len(pieces) == 0 {
		return []string{""}
	}
	var out []string
	cur := pieces[0]
	for _, p := range pieces[1:] {
		joined := cur + "\n" + p
		if ck.counter.Count(joined) <= maxTokens {
			cur = joined
		} else {
			out = append(out, cur)
			cur = p
		}
	}
	return append(out, cur)
}

// Truncate cuts text down to at most maxTokens at the nearest whitespace
// boundary. With fromFront set the leading content is dropped and the tail
// kept; otherwise the head is kept. Text that fits is returned unchanged,
// and text with no whitespace boundary under the budget is returned whole
// since there is nowhere safe to cut.
func (ck *Chunker) Truncate(text string, maxTokens int, fromFront bool) string {
	if maxTokens <= 0 {
		return ""
	}
	if ck.counter.Count(text) <= maxTokens {
		return text
	}
	cuts := whitespaceCuts(text)
	if len(cuts) == 0 {
		return text
	}
	if fromFront {
		// Earliest cut whose suffix fits. Count is monotone in length.
		i := sort.Search(len(cuts), func(i int) bool {
			return ck.counter.Count(text[cuts[i]:]) <= maxTokens
		})
		if i == len(cuts) {
			i = len(cuts) - 1
		}
		return strings.TrimSpace(text[cuts[i]:])
	}
	// Latest cut whose prefix fits.
	i := sort.Search(len(cuts), func(i int) bool {
		return ck.counter.Count(text[:cuts[i]]) > maxTokens
	})
	if i == 0 {
		return strings.TrimSpace(text[:cuts[0]])
	}
	return strings.TrimSpace(text[:cuts[i-1]])
}

// whitespaceCuts returns the byte offset of the start of every whitespace
// run in text. Cutting at a run start keeps both sides on word boundaries
// once trimmed.
func whitespaceCuts(text string) []int {
	var cuts []int
	inSpace := false
	for i, r := range text {
		if unicode.IsSpace(r) {
			if !inSpace {
				cuts = append(cuts, i)
				inSpace = true
			}
		} else {
			inSpace = false
		}
	}
	return cuts
}

// sentenceSplit breaks text at sentence-ending punctuation followed by
// whitespace. Decimal points inside numbers do not end sentences.
func sentenceSplit(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if c == '.' && isDecimalDot(text, i) {
			continue
		}
		if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\n' || text[i+1] == '\t') {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

// isDecimalDot reports whether the dot at pos sits between two digits
// (3.14, $1.50).
func isDecimalDot(text string, pos int) bool {
	if pos == 0 || pos+1 >= len(text) {
		return false
	}
	return text[pos-1] >= '0' && text[pos-1] <= '9' && text[pos+1] >= '0' && text[pos+1] <= '9'
}
