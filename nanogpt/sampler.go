package nanogpt

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

// Sampler turns next-token logits into a token id.
//
// Temperature 0 selects the most likely token. Otherwise logits are divided by
// Temperature, softmaxed, penalized for repetition, filtered by TopK and TopP
// (when set) and a token is drawn from the result.
type Sampler struct {
	Temperature float64
	// TopK keeps the k most likely tokens; 0 disables the filter.
	TopK int
	// TopP keeps the smallest set of tokens whose mass reaches p; 0 or 1 disables it.
	TopP float64
	// RepetitionPenalty divides the probability of a token by 1 + penalty*count
	// for every earlier occurrence in the generated continuation.
	RepetitionPenalty float64
	// StopTokens end generation early once sampled. The stop token is kept.
	StopTokens []int

	Rand *rand.Rand
}

// NewSampler returns a sampler at temperature 1 over the full distribution.
// A zero seed draws one from the clock.
func NewSampler(seed int64) *Sampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{Temperature: 1, Rand: rand.New(rand.NewSource(seed))}
}

func (s *Sampler) isStop(id int) bool {
	for _, t := range s.StopTokens {
		if t == id {
			return true
		}
	}
	return false
}

// Sample picks the next token from logits. seen counts earlier occurrences of
// each token and may be nil.
func (s *Sampler) Sample(logits []float32, seen map[int]int) (int, error) {
	if len(logits) == 0 {
		return 0, fmt.Errorf("%w: empty logits", ErrInvalidInput)
	}
	if s.Temperature < 0 {
		return 0, fmt.Errorf("%w: negative temperature %g", ErrInvalidInput, s.Temperature)
	}
	if !allFinite(logits) {
		return 0, fmt.Errorf("%w: logits contain NaN or Inf", ErrNumeric)
	}
	if s.Temperature == 0 {
		return argmax(logits), nil
	}

	probs := softmaxTemp(logits, s.Temperature)
	if s.RepetitionPenalty > 0 && len(seen) > 0 {
		for id, cnt := range seen {
			if id >= 0 && id < len(probs) && cnt > 0 {
				probs[id] /= 1 + s.RepetitionPenalty*float64(cnt)
			}
		}
		normalize(probs)
	}
	if s.TopK > 0 {
		probs = topK(probs, s.TopK)
	}
	if s.TopP > 0 && s.TopP < 1 {
		probs = topP(probs, s.TopP)
	}

	rng := s.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		s.Rand = rng
	}
	return choice(probs, rng.Float64()), nil
}

func argmax(v []float32) int {
	best := 0
	for i, x := range v {
		if x > v[best] {
			best = i
		}
	}
	return best
}

func softmaxTemp(logits []float32, temp float64) []float64 {
	maxv := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxv {
			maxv = float64(v)
		}
	}
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp((float64(v) - maxv) / temp)
	}
	normalize(out)
	return out
}

func normalize(p []float64) {
	var s float64
	for _, v := range p {
		s += v
	}
	if s == 0 {
		return
	}
	for i := range p {
		p[i] /= s
	}
}

type idProb struct {
	id int
	p  float64
}

func ranked(probs []float64) []idProb {
	arr := make([]idProb, len(probs))
	for i, p := range probs {
		arr[i] = idProb{i, p}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].p > arr[j].p })
	return arr
}

func keepOnly(probs []float64, keep []idProb) []float64 {
	out := make([]float64, len(probs))
	var s float64
	for _, e := range keep {
		out[e.id] = e.p
		s += e.p
	}
	if s == 0 {
		return probs
	}
	for i := range out {
		out[i] /= s
	}
	return out
}

func topK(probs []float64, k int) []float64 {
	if k <= 0 || k >= len(probs) {
		return probs
	}
	return keepOnly(probs, ranked(probs)[:k])
}

func topP(probs []float64, p float64) []float64 {
	arr := ranked(probs)
	var cum float64
	n := len(arr)
	for i, e := range arr {
		cum += e.p
		if cum >= p {
			n = i + 1
			break
		}
	}
	return keepOnly(probs, arr[:n])
}

// choice draws an index from probs using r in [0, 1).
func choice(probs []float64, r float64) int {
	var cum float64
	last := 0
	for i, p := range probs {
		if p <= 0 {
			continue
		}
		cum += p
		last = i
		if r < cum {
			return i
		}
	}
	return last
}
