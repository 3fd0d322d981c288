// Package dataset holds the FPV manual collection and the supervised
// query/response examples built from it.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
)

// Manual is one indexed manual.
type Manual struct {
	Title    string   `json:"title"`
	FilePath string   `json:"file_path"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
}

// LoadManuals reads a JSON array of manuals.
func LoadManuals(path string) ([]Manual, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manuals []Manual
	if err := json.Unmarshal(data, &manuals); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return manuals, nil
}

// SaveManuals writes manuals as an indented JSON array.
func SaveManuals(path string, manuals []Manual) error {
	return writeJSON(path, manuals)
}

// truncate returns the first n runes of s.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
