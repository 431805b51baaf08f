package sluice

// defaultDualInputSplit is the share of the input budget left to chunk
// text when a stage consumes both the chunk and the previous result in
// one prompt. The other half goes to the previous result.
const defaultDualInputSplit = 0.5

// templateTokens estimates the tokens a stage's prompt consumes before
// input substitution: the prompt rendered with text and previous result
// empty. Params and saved context are real values at plan time and count
// toward the overhead. Computed prompts are probed the same way.
func templateTokens(st PromptStage, c *HeuristicCounter, in StageInput) int {
	probe := in
	probe.Text = ""
	probe.PreviousResult = ""
	return c.CountPrompt(st.render(probe))
}

// inputBudget computes the per-chunk token budget for caller input: the
// prompt share of the model's window minus the largest template overhead
// among text-consuming stages. When any of those stages also consumes the
// previous result the budget is cut by the dual-input split, leaving room
// for both in one prompt. A budget of zero or less is fatal.
func inputBudget(d *PathwayDefinition, m ModelConfig, c *HeuristicCounter, dualSplit float64, in StageInput) (int, error) {
	if dualSplit <= 0 || dualSplit >= 1 {
		dualSplit = defaultDualInputSplit
	}
	maxTmpl := 0
	for _, st := range d.Stages {
		if !st.UsesTextInput {
			continue
		}
		if t := templateTokens(st, c, in); t > maxTmpl {
			maxTmpl = t
		}
	}
	budget := int(m.promptRatio()*float64(m.MaxTokens)) - maxTmpl
	if d.dualInput() {
		budget = int(float64(budget) * dualSplit)
	}
	if budget <= 0 {
		return 0, &ErrPromptTooLong{Pathway: d.Name, Budget: budget, Template: maxTmpl}
	}
	return budget, nil
}

// prevBudget computes the token budget for the previous result fed into
// st, using that stage's own template overhead.
func prevBudget(d *PathwayDefinition, st PromptStage, m ModelConfig, c *HeuristicCounter, dualSplit float64, in StageInput) (int, error) {
	if dualSplit <= 0 || dualSplit >= 1 {
		dualSplit = defaultDualInputSplit
	}
	t := templateTokens(st, c, in)
	budget := int(m.promptRatio()*float64(m.MaxTokens)) - t
	if st.UsesTextInput && st.UsesPreviousResult {
		budget = int(float64(budget) * dualSplit)
	}
	if budget <= 0 {
		return 0, &ErrPromptTooLong{Pathway: d.Name, Budget: budget, Template: t}
	}
	return budget, nil
}
