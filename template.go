package sluice

import "strings"

// Well-known placeholder names available in stage prompt templates.
const (
	// VarText receives the chunk of caller input for the current call.
	VarText = "text"
	// VarPreviousResult receives the joined output of the prior stage.
	VarPreviousResult = "previousResult"
	// savedPrefix namespaces saved-context keys, as in {{save.tone}}.
	savedPrefix = "save."
)

// Render substitutes {{name}} placeholders in template from vars. Missing
// keys render as empty strings, whitespace inside braces is tolerated, and
// an unclosed {{ is left as literal text.
func Render(template string, vars map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(template, "{{")
		if i < 0 {
			b.WriteString(template)
			return b.String()
		}
		j := strings.Index(template[i+2:], "}}")
		if j < 0 {
			b.WriteString(template)
			return b.String()
		}
		b.WriteString(template[:i])
		key := strings.TrimSpace(template[i+2 : i+2+j])
		b.WriteString(vars[key])
		template = template[i+2+j+2:]
	}
}

// placeholders lists the placeholder names referenced by template, in
// order of appearance, duplicates included.
func placeholders(template string) []string {
	var keys []string
	for {
		i := strings.Index(template, "{{")
		if i < 0 {
			return keys
		}
		j := strings.Index(template[i+2:], "}}")
		if j < 0 {
			return keys
		}
		keys = append(keys, strings.TrimSpace(template[i+2:i+2+j]))
		template = template[i+2+j+2:]
	}
}

// references reports whether template names the given placeholder.
func references(template, name string) bool {
	for _, k := range placeholders(template) {
		if k == name {
			return true
		}
	}
	return false
}
