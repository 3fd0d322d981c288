// Package train fits a nanogpt model to a token stream and tracks
// per-epoch metrics.
package train

import (
	"fmt"
	"math/rand"
	"sort"
)

// Sample is one training window. Target is Input shifted left by one token.
type Sample struct {
	Input  []int
	Target []int
}

// Batch is a set of equal-length samples laid out for Model.Forward.
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Windows slides a blockSize window over tokens, advancing stride tokens at a
// time. A stream shorter than blockSize+1 yields a single shorter window.
// A stride below 1 is treated as 1.
func Windows(tokens []int, blockSize, stride int) ([]Sample, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	if len(tokens) < 2 {
		return nil, fmt.Errorf("need at least 2 tokens to form a window, got %d", len(tokens))
	}
	if stride < 1 {
		stride = 1
	}
	if len(tokens) <= blockSize {
		n := len(tokens) - 1
		return []Sample{{Input: clone(tokens[:n]), Target: clone(tokens[1:])}}, nil
	}

	var out []Sample
	for i := 0; i+blockSize < len(tokens); i += stride {
		out = append(out, Sample{
			Input:  clone(tokens[i : i+blockSize]),
			Target: clone(tokens[i+1 : i+blockSize+1]),
		})
	}
	return out, nil
}

func clone(v []int) []int {
	return append([]int(nil), v...)
}

// Split keeps order and puts the first frac of samples in train. When there
// are at least two samples, both halves get at least one.
func Split(samples []Sample, frac float64) (train, val []Sample) {
	n := int(float64(len(samples)) * frac)
	if len(samples) >= 2 {
		if n < 1 {
			n = 1
		}
		if n > len(samples)-1 {
			n = len(samples) - 1
		}
	} else {
		n = len(samples)
	}
	return samples[:n], samples[n:]
}

// Batches groups samples of equal length into batches of at most size rows.
// With a non-nil rng, samples are shuffled within each length and batch order
// is shuffled too. dropLast discards short trailing batches, unless that would
// leave a length with no batch at all.
func Batches(samples []Sample, size int, dropLast bool, rng *rand.Rand) []Batch {
	if size < 1 {
		size = 1
	}
	byLen := make(map[int][]Sample)
	for _, s := range samples {
		byLen[len(s.Input)] = append(byLen[len(s.Input)], s)
	}
	lengths := make([]int, 0, len(byLen))
	for l := range byLen {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	var out []Batch
	for _, l := range lengths {
		group := byLen[l]
		if rng != nil {
			rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		}
		for i := 0; i < len(group); i += size {
			j := i + size
			if j > len(group) {
				if dropLast && i > 0 {
					break
				}
				j = len(group)
			}
			b := Batch{
				Inputs:  make([][]int, 0, j-i),
				Targets: make([][]int, 0, j-i),
			}
			for _, s := range group[i:j] {
				b.Inputs = append(b.Inputs, s.Input)
				b.Targets = append(b.Targets, s.Target)
			}
			out = append(out, b)
		}
	}
	if rng != nil {
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// Tokens returns the number of target tokens in b.
func (b Batch) Tokens() int {
	n := 0
	for _, t := range b.Targets {
		n += len(t)
	}
	return n
}
