package sluice

import (
	"strings"
	"testing"
)

func TestChunkEmpty(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	chunks := ck.Chunk("", 100)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Errorf("empty input should yield one empty chunk, got %q", chunks)
	}
	chunks = ck.Chunk("   \n\t ", 100)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Errorf("whitespace input should yield one empty chunk, got %q", chunks)
	}
}

func TestChunkShortInput(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	chunks := ck.Chunk("Hello, world!", 100)
	if len(chunks) != 1 || chunks[0] != "Hello, world!" {
		t.Errorf("expected single chunk, got %q", chunks)
	}
}

func TestChunkRespectsBudget(t *testing.T) {
	c := &HeuristicCounter{}
	ck := NewChunker(c)
	text := strings.Repeat("This is a test. ", 50)
	chunks := ck.Chunk(text, 25)
	if len(chunks) <= 1 {
		t.Fatal("expected multiple chunks")
	}
	for i, chunk := range chunks {
		if got := c.Count(chunk); got > 25 {
			t.Errorf("chunk %d: %d tokens exceeds budget 25", i, got)
		}
	}
}

func TestChunkPreservesOrderAndContent(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	text := "alpha one two.\n\nbeta three four.\n\ngamma five six."
	chunks := ck.Chunk(text, 5)
	joined := strings.Join(chunks, " ")
	for _, word := range strings.Fields(strings.ReplaceAll(text, "\n\n", " ")) {
		if !strings.Contains(joined, word) {
			t.Errorf("word %q lost in chunking", word)
		}
	}
	if !strings.Contains(chunks[0], "alpha") {
		t.Errorf("first chunk should start the input, got %q", chunks[0])
	}
	last := chunks[len(chunks)-1]
	if !strings.Contains(last, "six") {
		t.Errorf("last chunk should end the input, got %q", last)
	}
}

func TestChunkOversizedWordRidesAlone(t *testing.T) {
	c := &HeuristicCounter{}
	ck := NewChunker(c)
	giant := strings.Repeat("x", 200) // 50 tokens
	text := "small words here " + giant + " more small words"
	chunks := ck.Chunk(text, 10)
	found := false
	for _, chunk := range chunks {
		if chunk == giant {
			found = true
		} else if c.Count(chunk) > 10 {
			t.Errorf("non-giant chunk over budget: %q", chunk)
		}
	}
	if !found {
		t.Error("oversized word should become its own chunk, uncut")
	}
}

func TestChunkMergesSmallPieces(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	// Ten tiny paragraphs all fit one 100-token budget after merging.
	text := strings.TrimSpace(strings.Repeat("tiny paragraph\n\n", 10))
	chunks := ck.Chunk(text, 100)
	if len(chunks) != 1 {
		t.Errorf("expected mergeable pieces to collapse to 1 chunk, got %d", len(chunks))
	}
}

func TestChunkDescendsToSentences(t *testing.T) {
	c := &HeuristicCounter{}
	ck := NewChunker(c)
	para := "First sentence here. Second sentence here. Third sentence here. Fourth sentence here."
	chunks := ck.Chunk(para, 8)
	if len(chunks) < 2 {
		t.Fatalf("expected sentence-level split, got %d chunks", len(chunks))
	}
	for i, chunk := range chunks {
		if got := c.Count(chunk); got > 8 {
			t.Errorf("chunk %d over budget: %d tokens", i, got)
		}
	}
}

func TestSentenceSplitSkipsDecimals(t *testing.T) {
	got := sentenceSplit("Pi is 3.14 roughly. Tau is 6.28 roughly.")
	if len(got) != 2 {
		t.Fatalf("expected 2 sentences, got %d: %q", len(got), got)
	}
	if got[0] != "Pi is 3.14 roughly." {
		t.Errorf("first sentence = %q", got[0])
	}
}

func TestTruncateKeepsHead(t *testing.T) {
	c := &HeuristicCounter{}
	ck := NewChunker(c)
	text := strings.Repeat("word ", 100)
	got := ck.Truncate(text, 10, false)
	if c.Count(got) > 10 {
		t.Errorf("truncated text still %d tokens", c.Count(got))
	}
	if !strings.HasPrefix(text, got) {
		t.Error("keep-head truncation should be a prefix")
	}
	if strings.HasSuffix(got, " ") || !strings.HasSuffix(got, "word") {
		t.Errorf("cut should land on a word boundary, got %q", got)
	}
}

func TestTruncateFromFrontKeepsTail(t *testing.T) {
	c := &HeuristicCounter{}
	ck := NewChunker(c)
	text := "early early early final words"
	got := ck.Truncate(text, 3, true)
	if c.Count(got) > 3 {
		t.Errorf("truncated text still %d tokens", c.Count(got))
	}
	if !strings.HasSuffix(text, got) {
		t.Errorf("keep-tail truncation should be a suffix, got %q", got)
	}
	if !strings.Contains(got, "words") {
		t.Errorf("tail should survive, got %q", got)
	}
}

func TestTruncateFitsUnchanged(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	text := "short text"
	if got := ck.Truncate(text, 100, false); got != text {
		t.Errorf("fitting text should pass through, got %q", got)
	}
}

func TestTruncateNoBoundary(t *testing.T) {
	ck := NewChunker(&HeuristicCounter{})
	giant := strings.Repeat("x", 100)
	if got := ck.Truncate(giant, 5, false); got != giant {
		t.Errorf("unbreakable text should be returned whole, got %d chars", len(got))
	}
}
