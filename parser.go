package sluice

import (
	"encoding/json"
	"errors"
	"strings"
)

// ParseFunc shapes a model's raw text into the value handed back to the
// caller. Parse failures are terminal: the upstream already produced a
// well-formed response, so repeating the call cannot fix the output.
type ParseFunc func(text string) (any, error)

// Built-in parser names accepted by PathwayDefinition.Parser.
const (
	ParserPassthrough        = "passthrough"
	ParserNumberedList       = "numbered-list"
	ParserNumberedObjectList = "numbered-object-list"
	ParserJSON               = "json"
)

// builtinParser resolves a parser name. The empty name means passthrough.
func builtinParser(name string) (ParseFunc, bool) {
	switch name {
	case "", ParserPassthrough:
		return ParsePassthrough, true
	case ParserNumberedList:
		return ParseNumberedList, true
	case ParserNumberedObjectList:
		return ParseNumberedObjectList, true
	case ParserJSON:
		return ParseJSON, true
	}
	return nil, false
}

// ParsePassthrough returns the text unchanged.
func ParsePassthrough(text string) (any, error) {
	return text, nil
}

// ParseNumberedList extracts a []string from "1. item" style output.
// "1." and "1)" markers both count. Indented or wrapped lines attach to
// the item above them; chatter before the first marker is ignored.
func ParseNumberedList(text string) (any, error) {
	var items []string
	cur := -1
	for _, raw := range strings.Split(text, "\n") {
		if body, ok := numberedItem(raw); ok {
			items = append(items, body)
			cur = len(items) - 1
			continue
		}
		t := strings.TrimSpace(raw)
		if t == "" || cur < 0 {
			continue
		}
		items[cur] += "\n" + t
	}
	if len(items) == 0 {
		return nil, &ErrParse{
			Parser: ParserNumberedList,
			Line:   errLine(text),
			Cause:  errors.New("no numbered items"),
		}
	}
	return items, nil
}

// ParseNumberedObjectList extracts a []map[string]string from numbered
// groups of "key: value" lines, e.g.
//
//	1. title: The Stranger
//	   author: Camus
//	2. title: Foam of the Daze
//	   author: Vian
//
// A line without a colon continues the value above it. Items with no
// fields are malformed.
func ParseNumberedObjectList(text string) (any, error) {
	var (
		items    []map[string]string
		lastKey  string
		itemLine string
	)
	flush := func() error {
		if itemLine != "" && len(items[len(items)-1]) == 0 {
			return &ErrParse{
				Parser: ParserNumberedObjectList,
				Line:   itemLine,
				Cause:  errors.New("item has no key: value fields"),
			}
		}
		return nil
	}
	for _, raw := range strings.Split(text, "\n") {
		if body, ok := numberedItem(raw); ok {
			if err := flush(); err != nil {
				return nil, err
			}
			items = append(items, map[string]string{})
			itemLine = strings.TrimSpace(raw)
			lastKey = ""
			if body != "" {
				if err := addField(items[len(items)-1], &lastKey, body); err != nil {
					return nil, err
				}
			}
			continue
		}
		t := strings.TrimSpace(raw)
		if t == "" || itemLine == "" {
			continue
		}
		if err := addField(items[len(items)-1], &lastKey, t); err != nil {
			return nil, err
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, &ErrParse{
			Parser: ParserNumberedObjectList,
			Line:   errLine(text),
			Cause:  errors.New("no numbered items"),
		}
	}
	return items, nil
}

// ParseJSON unmarshals the whole text as one JSON value. No markdown
// fence stripping: pathways that want JSON should instruct the model to
// emit it bare.
func ParseJSON(text string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, &ErrParse{Parser: ParserJSON, Line: errLine(text), Cause: err}
	}
	return v, nil
}

// numberedItem reports whether a line starts a list item ("12. x" or
// "12) x") and returns the text after the marker.
func numberedItem(line string) (string, bool) {
	s := strings.TrimSpace(line)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i >= len(s) || (s[i] != '.' && s[i] != ')') {
		return "", false
	}
	return strings.TrimSpace(s[i+1:]), true
}

// addField folds one "key: value" line into item, or appends a
// continuation line to the last value.
func addField(item map[string]string, lastKey *string, line string) error {
	if k, v, ok := strings.Cut(line, ":"); ok {
		if key := strings.TrimSpace(k); key != "" {
			item[key] = strings.TrimSpace(v)
			*lastKey = key
			return nil
		}
	}
	if *lastKey == "" {
		return &ErrParse{
			Parser: ParserNumberedObjectList,
			Line:   line,
			Cause:  errors.New("expected key: value"),
		}
	}
	item[*lastKey] = strings.TrimSpace(item[*lastKey] + " " + line)
	return nil
}

// errLine is the first line of text, for error context.
func errLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}
