package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"
)

// Special tokens, always assigned ids 0..3 in this order.
const (
	Pad   = "<pad>"
	Unk   = "<unk>"
	Start = "<start>"
	End   = "<end>"
)

var specials = []string{Pad, Unk, Start, End}

// Char is a character-level vocabulary. All whitespace is folded to a single
// space before lookup and unknown characters map to <unk>.
type Char struct {
	toID   map[string]int
	toWord map[int]string
}

// VocabData is the JSON form of a Char vocabulary.
type VocabData struct {
	ToID   map[string]int `json:"to_id"`
	ToWord map[int]string `json:"to_word"`
	Size   int            `json:"size"`
}

// BuildChar creates a vocabulary from corpus holding at most maxVocab entries,
// special tokens included. Characters are ranked by frequency, ties broken by
// code point, so the same corpus always yields the same ids.
func BuildChar(corpus string, maxVocab int) (*Char, error) {
	if maxVocab < len(specials)+1 {
		return nil, fmt.Errorf("vocabulary size %d leaves no room beyond %d special tokens", maxVocab, len(specials))
	}

	counts := make(map[rune]int)
	for _, r := range corpus {
		counts[normalize(r)]++
	}

	type charFreq struct {
		r    rune
		freq int
	}
	chars := make([]charFreq, 0, len(counts))
	for r, n := range counts {
		chars = append(chars, charFreq{r, n})
	}
	sort.Slice(chars, func(i, j int) bool {
		if chars[i].freq != chars[j].freq {
			return chars[i].freq > chars[j].freq
		}
		return chars[i].r < chars[j].r
	})

	c := &Char{toID: make(map[string]int), toWord: make(map[int]string)}
	for _, s := range specials {
		c.add(s)
	}
	for _, cf := range chars {
		if len(c.toID) >= maxVocab {
			break
		}
		c.add(string(cf.r))
	}
	return c, nil
}

func (c *Char) add(tok string) {
	id := len(c.toID)
	c.toID[tok] = id
	c.toWord[id] = tok
}

func normalize(r rune) rune {
	if unicode.IsSpace(r) {
		return ' '
	}
	return r
}

// Encode converts text to ids without start or end markers.
func (c *Char) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	unk := c.toID[Unk]
	for _, r := range text {
		if id, ok := c.toID[string(normalize(r))]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, unk)
		}
	}
	return ids
}

// Decode converts ids back to text. Pad, start and end markers are dropped,
// as are ids outside the vocabulary.
func (c *Char) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		w, ok := c.toWord[id]
		if !ok || w == Pad || w == Start || w == End {
			continue
		}
		b.WriteString(w)
	}
	return b.String()
}

// VocabSize returns the number of ids, special tokens included.
func (c *Char) VocabSize() int { return len(c.toID) }

// ID returns the id of tok and whether it is in the vocabulary.
func (c *Char) ID(tok string) (int, bool) {
	id, ok := c.toID[tok]
	return id, ok
}

// UnknownRate reports the fraction of characters in text that map to <unk>.
func (c *Char) UnknownRate(text string) float64 {
	total, unk := 0, 0
	for _, r := range text {
		total++
		if _, ok := c.toID[string(normalize(r))]; !ok {
			unk++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(unk) / float64(total)
}

// SaveJSON writes the vocabulary to path.
func (c *Char) SaveJSON(path string) error {
	data, err := json.MarshalIndent(VocabData{ToID: c.toID, ToWord: c.toWord, Size: len(c.toID)}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadCharJSON reads a vocabulary written by SaveJSON.
func LoadCharJSON(path string) (*Char, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var vd VocabData
	if err := json.Unmarshal(data, &vd); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(vd.ToID) != len(vd.ToWord) || vd.Size != len(vd.ToID) {
		return nil, fmt.Errorf("%s: inconsistent vocabulary (%d ids, %d words, size %d)",
			path, len(vd.ToID), len(vd.ToWord), vd.Size)
	}
	for _, s := range specials {
		if _, ok := vd.ToID[s]; !ok {
			return nil, fmt.Errorf("%s: missing special token %s", path, s)
		}
	}
	for tok, id := range vd.ToID {
		if id < 0 || id >= vd.Size || vd.ToWord[id] != tok {
			return nil, fmt.Errorf("%s: token %q has inconsistent id %d", path, tok, id)
		}
	}
	return &Char{toID: vd.ToID, toWord: vd.ToWord}, nil
}
