package sluice

import (
	"fmt"
	"time"
)

// ComputeFunc builds a prompt dynamically from the stage's inputs. Stages
// with computed prompts declare which inputs they consume, since the engine
// cannot scan a function for placeholders.
type ComputeFunc func(in StageInput) Prompt

// StageInput carries the values available to one stage call.
type StageInput struct {
	Text           string            // current chunk, empty for previous-only stages
	PreviousResult string            // joined output of the prior stage
	Params         map[string]string // pathway params merged with call params
	Saved          map[string]string // saved context, addressed as {{save.key}}
}

// templateVars flattens the stage input into the placeholder namespace.
func (in StageInput) templateVars() map[string]string {
	vars := make(map[string]string, len(in.Params)+len(in.Saved)+2)
	for k, v := range in.Params {
		vars[k] = v
	}
	for k, v := range in.Saved {
		vars[savedPrefix+k] = v
	}
	vars[VarText] = in.Text
	vars[VarPreviousResult] = in.PreviousResult
	return vars
}

// PromptStage is one step of a pathway's prompt chain. Exactly one of
// Text, Messages, or Compute must be set.
type PromptStage struct {
	Text     string        // prompt template with {{placeholder}} slots
	Messages []ChatMessage // message-list template, Content fields carry slots
	Compute  ComputeFunc   // dynamic prompt builder

	// Input flags. Derived from template placeholders for Text and
	// Messages prompts; explicit true values are kept. Compute prompts
	// declare them outright, and a computed stage declaring neither
	// consumes text input.
	UsesTextInput      bool
	UsesPreviousResult bool

	// SaveResultTo stores the stage output in the saved context under this
	// key once the stage completes.
	SaveResultTo string
}

// normalize checks the prompt variant and derives the input flags.
func (st *PromptStage) normalize() error {
	set := 0
	if st.Text != "" {
		set++
	}
	if len(st.Messages) > 0 {
		set++
	}
	if st.Compute != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of text, messages, or compute must be set")
	}
	switch {
	case st.Compute != nil:
		if !st.UsesTextInput && !st.UsesPreviousResult {
			st.UsesTextInput = true
		}
	case st.Text != "":
		st.UsesTextInput = st.UsesTextInput || references(st.Text, VarText)
		st.UsesPreviousResult = st.UsesPreviousResult || references(st.Text, VarPreviousResult)
	default:
		for _, m := range st.Messages {
			if references(m.Content, VarText) {
				st.UsesTextInput = true
			}
			if references(m.Content, VarPreviousResult) {
				st.UsesPreviousResult = true
			}
		}
	}
	return nil
}

// render produces the concrete prompt for one call.
func (st PromptStage) render(in StageInput) Prompt {
	if st.Compute != nil {
		return st.Compute(in)
	}
	vars := in.templateVars()
	if st.Text != "" {
		return Prompt{Text: Render(st.Text, vars)}
	}
	msgs := make([]ChatMessage, len(st.Messages))
	for i, m := range st.Messages {
		msgs[i] = ChatMessage{Role: m.Role, Content: Render(m.Content, vars)}
	}
	return Prompt{Messages: msgs}
}

// PathwayDefinition declares how a pathway turns caller input into model
// calls: an ordered prompt chain, the target model, and the execution
// policy. Definitions are validated at registration and must not change
// afterwards.
type PathwayDefinition struct {
	Name   string
	Model  string
	Stages []PromptStage

	// Params are default template values, overridable per call.
	Params map[string]string

	// Options are generation parameters passed through to the request
	// body, temperature and the like, in the vendor's naming.
	Options map[string]any

	// ChunkInput splits over-budget input into chunks instead of
	// truncating it.
	ChunkInput bool
	// ParallelChunks runs the whole stage chain per chunk concurrently.
	// The default policy runs stage by stage, fanning chunks out within
	// each stage and joining before the next.
	ParallelChunks bool
	// SummarizeInput condenses over-budget input through the resolver's
	// summary pathway before execution.
	SummarizeInput bool
	// DisableHedge turns off duplicate-request hedging for this pathway.
	DisableHedge bool
	// TruncateFromFront drops the start of over-budget input rather than
	// the end when truncating.
	TruncateFromFront bool

	// Parser names a built-in output parser for the final result.
	// ParseFunc overrides it with a custom parser.
	Parser    string
	ParseFunc ParseFunc

	// JoinSeparator joins per-chunk outputs. Empty means "\n\n".
	JoinSeparator string

	// Timeout bounds one resolve end to end. Zero means no limit.
	Timeout time.Duration
}

// normalize validates structure and fills derived fields. Model and parser
// names are resolved later, against the registry the definition lands in.
func (d *PathwayDefinition) normalize() error {
	if d.Name == "" {
		return fmt.Errorf("pathway has no name")
	}
	if d.Model == "" {
		return fmt.Errorf("pathway %q: no model", d.Name)
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("pathway %q: no stages", d.Name)
	}
	for i := range d.Stages {
		if err := d.Stages[i].normalize(); err != nil {
			return fmt.Errorf("pathway %q: stage %d: %w", d.Name, i, err)
		}
	}
	if d.ParseFunc == nil {
		fn, ok := builtinParser(d.Parser)
		if !ok {
			return fmt.Errorf("pathway %q: unknown parser %q", d.Name, d.Parser)
		}
		d.ParseFunc = fn
	}
	if d.JoinSeparator == "" {
		d.JoinSeparator = "\n\n"
	}
	return nil
}

// usesText reports whether any stage consumes chunked caller input.
func (d *PathwayDefinition) usesText() bool {
	for _, st := range d.Stages {
		if st.UsesTextInput {
			return true
		}
	}
	return false
}

// dualInput reports whether any text-consuming stage also consumes the
// previous stage's result in the same prompt.
func (d *PathwayDefinition) dualInput() bool {
	for _, st := range d.Stages {
		if st.UsesTextInput && st.UsesPreviousResult {
			return true
		}
	}
	return false
}
