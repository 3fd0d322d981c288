package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Example is one supervised query/response pair.
type Example struct {
	Query    string `json:"query"`
	Response string `json:"response"`
}

// FormatPrompt renders a query the way the model sees it at training and
// inference time.
func FormatPrompt(query string) string {
	return "Query: " + query + "\nResponse:"
}

// Text is the training text of e.
func (e Example) Text() string {
	return FormatPrompt(e.Query) + " " + e.Response + "\n"
}

// BuildExamples derives one example per manual tag.
func BuildExamples(manuals []Manual) []Example {
	var out []Example
	for _, m := range manuals {
		response := fmt.Sprintf("From manual '%s': %s... Link: %s. Steps: 1. Check the ESC. 2. Update the firmware.",
			m.Title, truncate(m.Content, 200), m.FilePath)
		for _, tag := range m.Tags {
			out = append(out, Example{
				Query:    fmt.Sprintf("Debug %s on an FPV drone", tag),
				Response: response,
			})
		}
	}
	return out
}

// WriteExamples writes examples as an indented JSON array.
func WriteExamples(path string, examples []Example) error {
	if examples == nil {
		examples = []Example{}
	}
	return writeJSON(path, examples)
}

// LoadExamples reads a JSON array written by WriteExamples.
func LoadExamples(path string) ([]Example, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []Example
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

// Corpus concatenates the training text of every example.
func Corpus(examples []Example) string {
	var b strings.Builder
	for _, e := range examples {
		b.WriteString(e.Text())
	}
	return b.String()
}
