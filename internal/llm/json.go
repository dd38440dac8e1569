package llm

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractJSON finds the JSON object in a model reply. Models wrap objects in
// code fences or prose even in JSON mode, so the outermost braces win.
func ExtractJSON(text string) (gjson.Result, bool) {
	s := strings.TrimSpace(text)
	if gjson.Valid(s) {
		r := gjson.Parse(s)
		return r, r.IsObject()
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	s = s[start : end+1]
	if !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	return gjson.Parse(s), true
}

// StringField returns a trimmed string field, treating JSON null and
// non-string values as absent.
func StringField(obj gjson.Result, path string) (string, bool) {
	v := obj.Get(path)
	if v.Type != gjson.String {
		return "", false
	}
	s := strings.TrimSpace(v.String())
	return s, s != ""
}
