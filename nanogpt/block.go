package nanogpt

import (
	"fmt"
	"math/rand"
)

// Block is one pre-norm transformer layer:
//
//	x'  = x  + Attn(LN1(x))
//	x'' = x' + FF(LN2(x'))
type Block struct {
	LN1  *LayerNorm
	Attn *MultiHeadAttention
	LN2  *LayerNorm
	FF   *FeedForward
}

type blockTrace struct {
	ln1  layerNormTrace
	attn attentionTrace
	ln2  layerNormTrace
	ff   feedForwardTrace
}

func newBlock(i int, cfg Config) *Block {
	name := fmt.Sprintf("blocks.%d", i)
	return &Block{
		LN1:  newLayerNorm(name+".ln1", cfg.EmbdWidth),
		Attn: newMultiHeadAttention(name+".attn", cfg.EmbdWidth, cfg.Heads),
		LN2:  newLayerNorm(name+".ln2", cfg.EmbdWidth),
		FF:   newFeedForward(name+".ffwd", cfg.EmbdWidth),
	}
}

func (b *Block) params() []*Param {
	ps := b.LN1.params()
	ps = append(ps, b.Attn.params()...)
	ps = append(ps, b.LN2.params()...)
	return append(ps, b.FF.params()...)
}

func (b *Block) init(rng *rand.Rand, std float32) {
	for _, l := range []*Linear{b.Attn.Query, b.Attn.Key, b.Attn.Value, b.Attn.Proj, b.FF.Up, b.FF.Down} {
		l.init(rng, std)
	}
}

func (b *Block) forward(x *mat, seq int, rng *rand.Rand, p float32) (*mat, blockTrace, error) {
	var tr blockTrace

	n1, ln1 := b.LN1.forward(x)
	tr.ln1 = ln1
	a, attn, err := b.Attn.forward(n1, seq, rng, p)
	tr.attn = attn
	if err != nil {
		return nil, tr, fmt.Errorf("attention: %w", err)
	}
	x1 := x.clone()
	addInto(x1.v, a.v)

	n2, ln2 := b.LN2.forward(x1)
	tr.ln2 = ln2
	f, ff, err := b.FF.forward(n2, rng, p)
	tr.ff = ff
	if err != nil {
		return nil, tr, fmt.Errorf("feed-forward: %w", err)
	}
	addInto(x1.v, f.v)
	return x1, tr, nil
}

func (b *Block) backward(tr blockTrace, dout *mat) (*mat, error) {
	// dout flows unchanged through both residual paths.
	dn2, err := b.FF.backward(tr.ff, dout)
	if err != nil {
		return nil, fmt.Errorf("feed-forward grad: %w", err)
	}
	dx1 := dout.clone()
	addInto(dx1.v, b.LN2.backward(tr.ln2, dn2).v)

	dn1, err := b.Attn.backward(tr.attn, dx1)
	if err != nil {
		return nil, fmt.Errorf("attention grad: %w", err)
	}
	addInto(dx1.v, b.LN1.backward(tr.ln1, dn1).v)
	return dx1, nil
}
