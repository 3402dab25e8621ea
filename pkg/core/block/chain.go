package block

import (
	"fmt"

	"github.com/sanonone/tempograph/pkg/core/types"
)

// NewHead builds the layer-0 block of a batch. Its destinations are the
// src ‖ dst ‖ neg role queries in batch order, duplicates included. The batch
// is validated here, before any sampling.
func NewHead(b types.Batch) (*Block, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Block{Layer: 0, DstQueries: b.Queries()}, nil
}

// Expand builds the next-deeper block from a sampled parent. Its destinations
// are the parent's sampled neighbors followed, when includeDst is set, by the
// parent's own cache-miss destinations, which keeps a self path through every
// layer.
func Expand(parent *Block, includeDst bool) (*Block, error) {
	if parent.State < Sampled {
		return nil, fmt.Errorf("%w: expanding layer %d in state %s", types.ErrInvalidTransition, parent.Layer, parent.State)
	}

	n := len(parent.SrcQueries)
	if includeDst {
		n += len(parent.Misses)
	}
	child := &Block{
		Layer:      parent.Layer + 1,
		DstQueries: make([]types.TemporalQuery, 0, n),
		Parents:    make([]ParentRef, 0, n),
	}
	for i, q := range parent.SrcQueries {
		child.DstQueries = append(child.DstQueries, q)
		child.Parents = append(child.Parents, ParentRef{Kind: FromNeighbor, Slot: i})
	}
	if includeDst {
		for i, q := range parent.MissQueries() {
			child.DstQueries = append(child.DstQueries, q)
			child.Parents = append(child.Parents, ParentRef{Kind: FromSelf, Slot: i})
		}
	}
	return child, nil
}

// Chain is the linear sequence of blocks of one batch, indexed by layer.
// Next and Prev are index arithmetic; blocks never point at each other.
type Chain struct {
	blocks []*Block

	// Epoch is an opaque tag set by whoever builds the chain.
	Epoch uint64
}

// NewChain starts a chain at head.
func NewChain(head *Block) *Chain {
	return &Chain{blocks: []*Block{head}}
}

// Append adds the next-deeper block.
func (c *Chain) Append(b *Block) error {
	if b.Layer != len(c.blocks) {
		return fmt.Errorf("block layer %d appended at depth %d", b.Layer, len(c.blocks))
	}
	c.blocks = append(c.blocks, b)
	return nil
}

// Len is the number of layers built so far.
func (c *Chain) Len() int { return len(c.blocks) }

// Head is layer 0.
func (c *Chain) Head() *Block { return c.blocks[0] }

// Tail is the deepest layer.
func (c *Chain) Tail() *Block { return c.blocks[len(c.blocks)-1] }

// At returns the block of a layer.
func (c *Chain) At(layer int) *Block { return c.blocks[layer] }

// Next returns the block one hop deeper than layer, if any.
func (c *Chain) Next(layer int) (*Block, bool) {
	if layer+1 >= len(c.blocks) {
		return nil, false
	}
	return c.blocks[layer+1], true
}

// Prev returns the block one hop shallower than layer, if any.
func (c *Chain) Prev(layer int) (*Block, bool) {
	if layer <= 0 || layer > len(c.blocks) {
		return nil, false
	}
	return c.blocks[layer-1], true
}
