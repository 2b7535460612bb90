package insights

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// Fallback is used whenever the generator fails or answers in an unexpected shape.
var Fallback = []string{
	"Your highest expense category this month might need attention.",
	"Consider setting up a budget for better financial management.",
	"Track your recurring expenses to identify potential savings.",
}

var codeFence = regexp.MustCompile("```(?:json)?\\n?")

// ParseList reads a JSON array of strings, tolerating markdown code fences around it.
func ParseList(text string) ([]string, error) {
	cleaned := strings.TrimSpace(codeFence.ReplaceAllString(text, ""))

	var items []string
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		return nil, err
	}

	out := items[:0]
	for _, s := range items {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no insights in response")
	}
	return out, nil
}
