package parser

import (
	"encoding/json"
	"strings"
)

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text"`
	Content []adfNode `json:"content"`
}

var adfBlocks = map[string]bool{
	"paragraph":   true,
	"heading":     true,
	"listItem":    true,
	"codeBlock":   true,
	"blockquote":  true,
	"tableRow":    true,
	"rule":        true,
	"mediaSingle": true,
}

// PlainText flattens a comment body to text. ADF documents are reduced to
// their text nodes with one line per block; JSON strings are unquoted and
// anything else is returned verbatim.
func PlainText(raw json.RawMessage) string {
	v := variant{raw: raw}
	if v.isNull() {
		return ""
	}
	if s, ok := v.asString(); ok {
		return s
	}
	var doc adfNode
	if err := json.Unmarshal(raw, &doc); err != nil || doc.Type != "doc" {
		return string(raw)
	}
	var lines []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
			cur.Reset()
		}
	}
	var walk func(n adfNode)
	walk = func(n adfNode) {
		switch n.Type {
		case "text":
			cur.WriteString(n.Text)
			return
		case "hardBreak":
			flush()
			return
		}
		for _, c := range n.Content {
			walk(c)
		}
		if adfBlocks[n.Type] {
			flush()
		}
	}
	walk(doc)
	flush()
	return strings.Join(lines, "\n")
}
