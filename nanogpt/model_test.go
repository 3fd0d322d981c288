package nanogpt

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func smallConfig() Config {
	return Config{
		VocabSize: 37,
		BlockSize: 8,
		EmbdWidth: 16,
		Heads:     4,
		Layers:    2,
		Dropout:   0.1,
		InitStd:   0.02,
		Seed:      42,
	}
}

func newTestModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return m
}

func randomBatch(rng *rand.Rand, batch, seq, vocab int) [][]int {
	out := make([][]int, batch)
	for b := range out {
		out[b] = make([]int, seq)
		for t := range out[b] {
			out[b][t] = rng.Intn(vocab)
		}
	}
	return out
}

func logitsOf(t *testing.T, out Output) []float32 {
	t.Helper()
	v, ok := out.Logits.Data().([]float32)
	if !ok {
		t.Fatalf("logits backing is %T, expected []float32", out.Logits.Data())
	}
	return v
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"width not divisible by heads", func(c *Config) { c.EmbdWidth = 18 }},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }},
		{"negative block", func(c *Config) { c.BlockSize = -1 }},
		{"zero heads", func(c *Config) { c.Heads = 0 }},
		{"zero layers", func(c *Config) { c.Layers = 0 }},
		{"dropout of one", func(c *Config) { c.Dropout = 1 }},
		{"negative dropout", func(c *Config) { c.Dropout = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(&cfg)
			m, err := New(cfg)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if m != nil {
				t.Error("expected no model on configuration error")
			}
		})
	}
}

func TestNewShapes(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)

	want := map[string][]int{
		"tok_emb":                    {cfg.VocabSize, cfg.EmbdWidth},
		"pos_emb":                    {cfg.BlockSize, cfg.EmbdWidth},
		"blocks.0.attn.query.weight": {cfg.EmbdWidth, cfg.EmbdWidth},
		"blocks.1.ffwd.up.weight":    {cfg.EmbdWidth, 4 * cfg.EmbdWidth},
		"blocks.1.ffwd.down.bias":    {cfg.EmbdWidth},
		"ln_f.weight":                {cfg.EmbdWidth},
		"head.weight":                {cfg.EmbdWidth, cfg.VocabSize},
	}
	got := make(map[string][]int)
	total := 0
	for _, p := range m.Params() {
		got[p.Name] = []int(p.Shape())
		total += len(p.Data())
	}
	for name, shape := range want {
		if !sameShape(got[name], shape) {
			t.Errorf("%s shape = %v, expected %v", name, got[name], shape)
		}
	}
	if total != cfg.ParamCount() {
		t.Errorf("param count = %d, expected %d", total, cfg.ParamCount())
	}
	if m.Training() {
		t.Error("new model should start in inference mode")
	}
}

func TestNewInitialization(t *testing.T) {
	m := newTestModel(t, smallConfig())

	for _, v := range m.Blocks[0].Attn.Query.Bias.Data() {
		if v != 0 {
			t.Fatalf("linear bias should start at zero, got %v", v)
		}
	}
	for _, v := range m.LNF.Gain.Data() {
		if v != 1 {
			t.Fatalf("layer norm gain should start at one, got %v", v)
		}
	}

	var sum, sq float64
	data := m.TokEmb.Data()
	for _, v := range data {
		sum += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(len(data))
	std := math.Sqrt(sq/n - (sum/n)*(sum/n))
	if math.Abs(std-0.02) > 0.005 {
		t.Errorf("token embedding std = %.4f, expected about 0.02", std)
	}
}

func TestForwardShapeAndLoss(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(1))
	idx := randomBatch(rng, 3, 5, cfg.VocabSize)
	targets := randomBatch(rng, 3, 5, cfg.VocabSize)

	out, err := m.Forward(idx, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if shape := []int(out.Logits.Shape()); !sameShape(shape, []int{3, 5, cfg.VocabSize}) {
		t.Fatalf("logits shape = %v, expected [3 5 %d]", shape, cfg.VocabSize)
	}
	if !out.HasLoss {
		t.Fatal("expected a loss when targets are given")
	}
	if math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) || out.Loss < 0 {
		t.Fatalf("loss = %v, expected finite and non-negative", out.Loss)
	}
	// Near-uniform predictions at initialization.
	if uniform := math.Log(float64(cfg.VocabSize)); math.Abs(out.Loss-uniform) > 0.5 {
		t.Errorf("initial loss = %.4f, expected close to ln(vocab) = %.4f", out.Loss, uniform)
	}

	noTargets, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward without targets failed: %v", err)
	}
	if noTargets.HasLoss {
		t.Error("expected no loss without targets")
	}
}

func TestForwardDefaultConfigEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full vocabulary forward pass")
	}
	cfg := DefaultConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(7))
	idx := randomBatch(rng, 2, 32, cfg.VocabSize)
	targets := randomBatch(rng, 2, 32, cfg.VocabSize)

	out, err := m.Forward(idx, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if shape := []int(out.Logits.Shape()); !sameShape(shape, []int{2, 32, 50257}) {
		t.Fatalf("logits shape = %v, expected [2 32 50257]", shape)
	}
	if !out.HasLoss || math.IsNaN(out.Loss) || math.IsInf(out.Loss, 0) {
		t.Fatalf("loss = %v (has=%v), expected a finite scalar", out.Loss, out.HasLoss)
	}
}

func TestForwardSequenceTooLong(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	m.SetTraining(true)
	idx := randomBatch(rand.New(rand.NewSource(2)), 2, cfg.BlockSize+1, cfg.VocabSize)

	out, err := m.Forward(idx, nil)
	if !errors.Is(err, ErrSequenceTooLong) {
		t.Fatalf("expected ErrSequenceTooLong, got %v", err)
	}
	if out.Logits != nil {
		t.Error("expected no logits on error")
	}
	// No dropout mask was drawn, so the dropout source is untouched.
	fresh := rand.New(rand.NewSource(cfg.Seed + 1))
	if got, want := m.dropRng.Int63(), fresh.Int63(); got != want {
		t.Error("forward pass consumed randomness before rejecting the input")
	}
}

func TestForwardInvalidInput(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	tests := []struct {
		name    string
		idx     [][]int
		targets [][]int
	}{
		{"empty batch", nil, nil},
		{"empty row", [][]int{{}}, nil},
		{"ragged rows", [][]int{{1, 2, 3}, {1, 2}}, nil},
		{"token out of range", [][]int{{1, cfg.VocabSize}}, nil},
		{"negative token", [][]int{{-1, 2}}, nil},
		{"target rows mismatch", [][]int{{1, 2}}, [][]int{{1, 2}, {3, 4}}},
		{"target length mismatch", [][]int{{1, 2}}, [][]int{{1}}},
		{"target out of range", [][]int{{1, 2}}, [][]int{{1, cfg.VocabSize + 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Forward(tt.idx, tt.targets); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestForwardDeterministicInInferenceMode(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	idx := randomBatch(rand.New(rand.NewSource(3)), 2, cfg.BlockSize, cfg.VocabSize)

	a, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	la, lb := logitsOf(t, a), logitsOf(t, b)
	for i := range la {
		if la[i] != lb[i] {
			t.Fatalf("logits differ at %d: %v vs %v", i, la[i], lb[i])
		}
	}
}

func TestTrainingModeAppliesDropout(t *testing.T) {
	cfg := smallConfig()
	cfg.Dropout = 0.5
	m := newTestModel(t, cfg)
	idx := randomBatch(rand.New(rand.NewSource(4)), 1, cfg.BlockSize, cfg.VocabSize)

	eval, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	m.SetTraining(true)
	train, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	le, lt := logitsOf(t, eval), logitsOf(t, train)
	differ := false
	for i := range le {
		if le[i] != lt[i] {
			differ = true
			break
		}
	}
	if !differ {
		t.Error("training-mode logits match inference logits; dropout is not active")
	}

	m.SetTraining(false)
	again, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	la := logitsOf(t, again)
	for i := range le {
		if le[i] != la[i] {
			t.Fatal("switching back to inference mode did not disable dropout")
		}
	}
}

func TestForwardIsCausal(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(5))
	idx := randomBatch(rng, 1, cfg.BlockSize, cfg.VocabSize)

	base, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	baseLogits := append([]float32(nil), logitsOf(t, base)...)

	const changed = 5
	idx[0][changed] = (idx[0][changed] + 1) % cfg.VocabSize
	alt, err := m.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	altLogits := logitsOf(t, alt)

	v := cfg.VocabSize
	for pos := 0; pos < cfg.BlockSize; pos++ {
		maxDiff := 0.0
		for k := 0; k < v; k++ {
			d := math.Abs(float64(baseLogits[pos*v+k] - altLogits[pos*v+k]))
			maxDiff = math.Max(maxDiff, d)
		}
		if pos < changed && maxDiff > 1e-6 {
			t.Errorf("position %d changed by %g after editing future token %d", pos, maxDiff, changed)
		}
		if pos == changed && maxDiff == 0 {
			t.Errorf("position %d did not react to its own token changing", pos)
		}
	}
}

func TestAttentionWeightsAreCausalDistributions(t *testing.T) {
	cfg := smallConfig()
	m := newTestModel(t, cfg)
	idx := randomBatch(rand.New(rand.NewSource(6)), 2, 6, cfg.VocabSize)

	tr, err := m.forward(idx, nil, passOpts{})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if len(tr.blocks) != cfg.Layers {
		t.Fatalf("got %d block traces, expected %d", len(tr.blocks), cfg.Layers)
	}
	for l, bt := range tr.blocks {
		for b := 0; b < 2; b++ {
			for h := 0; h < cfg.Heads; h++ {
				w, err := bt.attn.weights(b, h, cfg.Heads)
				if err != nil {
					t.Fatalf("weights failed: %v", err)
				}
				for i, row := range w {
					var sum float64
					for j, x := range row {
						if j > i && x != 0 {
							t.Fatalf("layer %d head %d: query %d attends to future key %d", l, h, i, j)
						}
						sum += float64(x)
					}
					if math.Abs(sum-1) > 1e-5 {
						t.Errorf("layer %d batch %d head %d row %d sums to %v", l, b, h, i, sum)
					}
				}
			}
		}
	}
}

func TestForwardBackwardMatchesFiniteDifferences(t *testing.T) {
	cfg := Config{
		VocabSize: 11,
		BlockSize: 6,
		EmbdWidth: 8,
		Heads:     2,
		Layers:    2,
		Dropout:   0,
		InitStd:   0.3,
		Seed:      7,
	}
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(8))
	idx := randomBatch(rng, 2, 5, cfg.VocabSize)
	targets := randomBatch(rng, 2, 5, cfg.VocabSize)

	if _, err := m.ForwardBackward(idx, targets); err != nil {
		t.Fatalf("ForwardBackward failed: %v", err)
	}

	lossAt := func() float64 {
		out, err := m.Forward(idx, targets)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		return out.Loss
	}

	const eps = 1e-2
	checked := 0
	for _, p := range m.Params() {
		g := p.GradData()
		// Probe the entry with the largest gradient in each tensor.
		best := 0
		for i := range g {
			if math.Abs(float64(g[i])) > math.Abs(float64(g[best])) {
				best = i
			}
		}
		if math.Abs(float64(g[best])) < 1e-4 {
			continue
		}
		v := p.Data()
		orig := v[best]
		v[best] = orig + eps
		plus := lossAt()
		v[best] = orig - eps
		minus := lossAt()
		v[best] = orig

		numeric := (plus - minus) / (2 * eps)
		analytic := float64(g[best])
		tol := 1e-3 + 0.1*math.Max(math.Abs(numeric), math.Abs(analytic))
		if math.Abs(numeric-analytic) > tol {
			t.Errorf("%s[%d]: analytic %.6f, numeric %.6f", p.Name, best, analytic, numeric)
		}
		checked++
	}
	if checked < len(m.Params())/2 {
		t.Errorf("only %d of %d tensors had a measurable gradient", checked, len(m.Params()))
	}
}

func TestForwardBackwardAccumulatesUntilZeroGrad(t *testing.T) {
	cfg := smallConfig()
	cfg.Dropout = 0
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(9))
	idx := randomBatch(rng, 2, 4, cfg.VocabSize)
	targets := randomBatch(rng, 2, 4, cfg.VocabSize)

	if _, err := m.ForwardBackward(idx, targets); err != nil {
		t.Fatalf("ForwardBackward failed: %v", err)
	}
	once := append([]float32(nil), m.Head.Weight.GradData()...)
	if _, err := m.ForwardBackward(idx, targets); err != nil {
		t.Fatalf("ForwardBackward failed: %v", err)
	}
	twice := m.Head.Weight.GradData()
	for i := range once {
		if math.Abs(float64(twice[i]-2*once[i])) > 1e-6 {
			t.Fatalf("gradient %d = %v after two passes, expected %v", i, twice[i], 2*once[i])
		}
	}

	m.ZeroGrad()
	for _, p := range m.Params() {
		for _, g := range p.GradData() {
			if g != 0 {
				t.Fatalf("%s gradient not cleared", p.Name)
			}
		}
	}

	if _, err := m.ForwardBackward(idx, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput without targets, got %v", err)
	}
}

func TestStateRoundTrip(t *testing.T) {
	cfg := smallConfig()
	src := newTestModel(t, cfg)
	other := cfg
	other.Seed = 99
	dst := newTestModel(t, other)

	if err := dst.LoadState(src.State()); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	idx := randomBatch(rand.New(rand.NewSource(10)), 1, 6, cfg.VocabSize)
	a, err := src.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := dst.Forward(idx, nil)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	la, lb := logitsOf(t, a), logitsOf(t, b)
	for i := range la {
		if la[i] != lb[i] {
			t.Fatalf("logits differ at %d after loading state", i)
		}
	}

	state := src.State()
	bad := state["head.weight"]
	bad.Shape = []int{1, len(bad.Data)}
	state["head.weight"] = bad
	if err := dst.LoadState(state); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for shape mismatch, got %v", err)
	}

	delete(state, "head.weight")
	if err := dst.LoadState(state); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for missing tensor, got %v", err)
	}
}
