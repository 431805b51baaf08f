package sluice

// Counter estimates token counts for budgeting and chunking. Counts are a
// character-based heuristic, good enough for splitting decisions and rate
// planning but not for billing.
type Counter interface {
	// Count estimates the tokens in text. Non-empty text counts at least 1.
	Count(text string) int
}

// perMessageOverhead covers role markers and separators in message-list
// prompts.
const perMessageOverhead = 4

// familyRatios maps a model family tag to its characters-per-token ratio.
var familyRatios = map[string]float64{
	"claude": 3.5,
	"gemini": 4.0,
	"gpt":    4.0,
}

const defaultCharsPerToken = 4.0

// HeuristicCounter counts tokens as bytes divided by a per-family
// characters-per-token ratio, rounded up.
type HeuristicCounter struct {
	CharsPerToken float64 // 0 means the default ratio
}

// CounterFor returns a counter tuned for the given model family. Unknown
// families get the default ratio.
func CounterFor(family string) *HeuristicCounter {
	if r, ok := familyRatios[family]; ok {
		return &HeuristicCounter{CharsPerToken: r}
	}
	return &HeuristicCounter{}
}

func (c *HeuristicCounter) ratio() float64 {
	if c.CharsPerToken <= 0 {
		return defaultCharsPerToken
	}
	return c.CharsPerToken
}

// Count estimates tokens in text with ceiling division.
func (c *HeuristicCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	r := c.ratio()
	n := int((float64(len(text)) + r - 1) / r)
	if n < 1 {
		return 1
	}
	return n
}

// CountMessages estimates tokens across a message list, including the
// per-message role and separator overhead.
func (c *HeuristicCounter) CountMessages(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += c.Count(m.Role)
		total += c.Count(m.Content)
	}
	return total
}

// CountPrompt estimates tokens for either prompt shape.
func (c *HeuristicCounter) CountPrompt(p Prompt) int {
	if p.IsMessages() {
		return c.CountMessages(p.Messages)
	}
	return c.Count(p.Text)
}

var _ Counter = (*HeuristicCounter)(nil)
