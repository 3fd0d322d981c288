package nanogpt

import (
	"fmt"
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Model is the NanoGPT decoder-only transformer.
//
// A Model in inference mode never mutates itself during Forward or Generate, so
// those calls may run concurrently. Training-mode passes and ForwardBackward
// draw dropout masks from a model-owned source and must not overlap.
type Model struct {
	TokEmb *Param // (vocab, embd)
	PosEmb *Param // (block, embd), learned
	Blocks []*Block
	LNF    *LayerNorm
	Head   *Linear // (embd, vocab), no bias

	cfg      Config
	training bool
	dropRng  *rand.Rand
	params   []*Param
}

// Output is the result of a forward pass.
type Output struct {
	// Logits has shape (batch, seq, vocab).
	Logits *tensor.Dense
	// Loss is the mean cross-entropy against the targets; valid when HasLoss is set.
	Loss    float64
	HasLoss bool
}

// passOpts selects what one forward pass keeps and computes.
type passOpts struct {
	training bool
	// keep retains every activation needed by backward.
	keep bool
	// lastOnly projects only the final position of each row to logits.
	lastOnly bool
}

// trace records every activation of one forward pass that the backward pass needs.
type trace struct {
	idx     [][]int
	batch   int
	seq     int
	embMask []float32
	blocks  []blockTrace
	lnf     layerNormTrace
	xf      *mat
	logits  *mat
}

// New validates cfg and builds a freshly initialized model in inference mode.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		TokEmb:  newParam("tok_emb", cfg.VocabSize, cfg.EmbdWidth),
		PosEmb:  newParam("pos_emb", cfg.BlockSize, cfg.EmbdWidth),
		Blocks:  make([]*Block, cfg.Layers),
		LNF:     newLayerNorm("ln_f", cfg.EmbdWidth),
		Head:    newLinear("head", cfg.EmbdWidth, cfg.VocabSize, false),
		cfg:     cfg,
		dropRng: rand.New(rand.NewSource(cfg.Seed + 1)),
	}
	for i := range m.Blocks {
		m.Blocks[i] = newBlock(i, cfg)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	m.TokEmb.normal(rng, cfg.InitStd)
	m.PosEmb.normal(rng, cfg.InitStd)
	for _, b := range m.Blocks {
		b.init(rng, cfg.InitStd)
	}
	m.Head.init(rng, cfg.InitStd)

	m.params = []*Param{m.TokEmb, m.PosEmb}
	for _, b := range m.Blocks {
		m.params = append(m.params, b.params()...)
	}
	m.params = append(m.params, m.LNF.params()...)
	m.params = append(m.params, m.Head.params()...)
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() Config { return m.cfg }

// SetTraining switches every dropout site on (true) or off (false).
func (m *Model) SetTraining(training bool) { m.training = training }

// Training reports whether dropout is active.
func (m *Model) Training() bool { return m.training }

// Params returns every trainable parameter in a stable order.
func (m *Model) Params() []*Param { return m.params }

// ZeroGrad clears the gradients accumulated by ForwardBackward.
func (m *Model) ZeroGrad() {
	for _, p := range m.params {
		p.zeroGrad()
	}
}

// Forward runs the model over a batch of equal-length token sequences.
// When targets is non-nil the mean cross-entropy loss is computed too.
func (m *Model) Forward(idx, targets [][]int) (Output, error) {
	tr, err := m.forward(idx, targets, passOpts{training: m.training})
	if err != nil {
		return Output{}, err
	}
	out := Output{
		Logits: tensor.New(tensor.WithShape(tr.batch, tr.seq, m.cfg.VocabSize), tensor.WithBacking(tr.logits.v)),
	}
	if targets != nil {
		loss, _ := crossEntropy(tr.logits, flatten(targets), false)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return Output{}, fmt.Errorf("%w: loss is %v", ErrNumeric, loss)
		}
		out.Loss, out.HasLoss = loss, true
	}
	return out, nil
}

// ForwardBackward runs a forward pass in the current mode, accumulates the
// gradients of the mean cross-entropy loss into every Param and returns the loss.
func (m *Model) ForwardBackward(idx, targets [][]int) (float64, error) {
	if targets == nil {
		return 0, fmt.Errorf("%w: targets are required for a backward pass", ErrInvalidInput)
	}
	tr, err := m.forward(idx, targets, passOpts{training: m.training, keep: true})
	if err != nil {
		return 0, err
	}
	loss, dlogits := crossEntropy(tr.logits, flatten(targets), true)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: loss is %v", ErrNumeric, loss)
	}
	if err := m.backward(tr, dlogits); err != nil {
		return 0, err
	}
	return loss, nil
}

func (m *Model) forward(idx, targets [][]int, o passOpts) (*trace, error) {
	if err := m.checkBatch(idx, targets); err != nil {
		return nil, err
	}
	batch, seq, e := len(idx), len(idx[0]), m.cfg.EmbdWidth

	var rng *rand.Rand
	if o.training {
		rng = m.dropRng
	}
	p := m.cfg.Dropout

	x := newMat(batch*seq, e)
	for b, row := range idx {
		for t, id := range row {
			xr := x.row(b*seq + t)
			copy(xr, m.TokEmb.v[id*e:(id+1)*e])
			addInto(xr, m.PosEmb.v[t*e:(t+1)*e])
		}
	}

	tr := &trace{idx: idx, batch: batch, seq: seq}
	tr.embMask = dropout(x.v, p, rng)

	for i, blk := range m.Blocks {
		var bt blockTrace
		var err error
		x, bt, err = blk.forward(x, seq, rng, p)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if o.keep {
			tr.blocks = append(tr.blocks, bt)
		} else {
			// The attention weights stay inspectable; the rest is dropped early.
			tr.blocks = append(tr.blocks, blockTrace{attn: attentionTrace{probs: bt.attn.probs, seq: seq}})
		}
	}

	var err error
	if o.lastOnly {
		last := newMat(batch, e)
		for b := 0; b < batch; b++ {
			copy(last.row(b), x.row(b*seq+seq-1))
		}
		x = last
	}
	tr.xf, tr.lnf = m.LNF.forward(x)
	if tr.logits, err = m.Head.forward(tr.xf); err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	if !allFinite(tr.logits.v) {
		return nil, fmt.Errorf("%w: logits contain NaN or Inf", ErrNumeric)
	}
	return tr, nil
}

func (m *Model) backward(tr *trace, dlogits *mat) error {
	dxf, err := m.Head.backward(tr.xf, dlogits)
	if err != nil {
		return fmt.Errorf("head grad: %w", err)
	}
	dx := m.LNF.backward(tr.lnf, dxf)
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		if dx, err = m.Blocks[i].backward(tr.blocks[i], dx); err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
	}
	undropout(dx.v, tr.embMask)

	e := m.cfg.EmbdWidth
	for b, row := range tr.idx {
		for t, id := range row {
			g := dx.row(b*tr.seq + t)
			addInto(m.TokEmb.g[id*e:(id+1)*e], g)
			addInto(m.PosEmb.g[t*e:(t+1)*e], g)
		}
	}
	return nil
}

// checkBatch validates shapes and ids before any computation happens.
func (m *Model) checkBatch(idx, targets [][]int) error {
	if len(idx) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	seq := len(idx[0])
	for b, row := range idx {
		if len(row) > m.cfg.BlockSize {
			return fmt.Errorf("%w: row %d has %d tokens, block size is %d",
				ErrSequenceTooLong, b, len(row), m.cfg.BlockSize)
		}
	}
	if seq == 0 {
		return fmt.Errorf("%w: empty sequence", ErrInvalidInput)
	}
	for b, row := range idx {
		if len(row) != seq {
			return fmt.Errorf("%w: row %d has %d tokens, expected %d", ErrInvalidInput, b, len(row), seq)
		}
		if err := m.checkIDs("token", b, row); err != nil {
			return err
		}
	}
	if targets == nil {
		return nil
	}
	if len(targets) != len(idx) {
		return fmt.Errorf("%w: %d target rows for %d input rows", ErrInvalidInput, len(targets), len(idx))
	}
	for b, row := range targets {
		if len(row) != seq {
			return fmt.Errorf("%w: target row %d has %d tokens, expected %d", ErrInvalidInput, b, len(row), seq)
		}
		if err := m.checkIDs("target", b, row); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) checkIDs(kind string, b int, row []int) error {
	for t, id := range row {
		if id < 0 || id >= m.cfg.VocabSize {
			return fmt.Errorf("%w: %s id %d at (%d, %d), vocab size is %d",
				ErrInvalidInput, kind, id, b, t, m.cfg.VocabSize)
		}
	}
	return nil
}

func flatten(rows [][]int) []int {
	var out []int
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}
