package creditsync

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// TextExtractor pulls the text out of one payload shape. It returns "" when
// the payload does not have that shape.
type TextExtractor struct {
	Name    string
	Extract func(payload gjson.Result) string
}

// DefaultExtractors lists the payload shapes observed from the platform, in
// the order they are tried.
var DefaultExtractors = []TextExtractor{
	{Name: "string", Extract: func(p gjson.Result) string {
		if p.Type == gjson.String {
			return p.Str
		}
		return ""
	}},
	stringField("text"),
	stringField("payload.text"),
	stringField("payload.message"),
	stringField("message"),
	stringField("message.text"),
}

func stringField(path string) TextExtractor {
	return TextExtractor{Name: path, Extract: func(p gjson.Result) string {
		if !p.IsObject() {
			return ""
		}
		v := p.Get(path)
		if v.Type != gjson.String {
			return ""
		}
		return v.Str
	}}
}

// ExtractText returns the first non-empty text produced by extractors, or
// "" for unrecognised or malformed payloads.
func ExtractText(payload json.RawMessage, extractors []TextExtractor) string {
	if len(payload) == 0 || !gjson.ValidBytes(payload) {
		return ""
	}
	p := gjson.ParseBytes(payload)
	for _, ex := range extractors {
		if text := strings.TrimSpace(ex.Extract(p)); text != "" {
			return text
		}
	}
	return ""
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}
