package exec

import "github.com/zhukovaskychina/coredb/internal/catalog"

// JoinBuffer is the fixed-capacity block of materialized outer tuples
// the nested-loop join matches each inner tuple against.
type JoinBuffer struct {
	capacity int
	tuples   []*Tuple
}

// NewJoinBuffer sizes a buffer for up to capacity outer tuples.
func NewJoinBuffer(capacity int) *JoinBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &JoinBuffer{capacity: capacity}
}

// Refill drains up to capacity tuples from the child. Returns false
// when the child is exhausted and nothing was buffered.
func (b *JoinBuffer) Refill(ctx *Context, child Operator) (bool, error) {
	b.tuples = b.tuples[:0]
	for len(b.tuples) < b.capacity {
		t, err := child.Next(ctx)
		if err != nil {
			return false, err
		}
		if t == nil {
			break
		}
		b.tuples = append(b.tuples, t)
	}
	return len(b.tuples) > 0, nil
}

// NestedLoopJoin joins outer against inner block-at-a-time: a block of
// outer tuples is buffered, the inner is scanned once per block, and
// every inner tuple is matched against the whole block (spec §4.8).
type NestedLoopJoin struct {
	Outer      Operator
	Inner      Operator
	Predicates []Predicate
	BlockSize  int

	buffer   *JoinBuffer
	schema   []ColumnDesc
	innerTup *Tuple
	blockPos int
	done     bool
}

// NewNestedLoopJoin builds a block nested-loop join; preds compare
// columns across the two inputs (plain conjuncts also work).
func NewNestedLoopJoin(outer, inner Operator, preds []Predicate, blockSize int) *NestedLoopJoin {
	return &NestedLoopJoin{Outer: outer, Inner: inner, Predicates: preds, BlockSize: blockSize}
}

func (j *NestedLoopJoin) Open(ctx *Context) error {
	if err := j.Outer.Open(ctx); err != nil {
		return err
	}
	if err := j.Inner.Open(ctx); err != nil {
		return err
	}
	j.schema = append(append([]ColumnDesc{}, j.Outer.Schema()...), j.Inner.Schema()...)
	j.buffer = NewJoinBuffer(j.BlockSize)
	ok, err := j.buffer.Refill(ctx, j.Outer)
	if err != nil {
		return err
	}
	j.done = !ok
	j.innerTup = nil
	j.blockPos = 0
	return nil
}

func (j *NestedLoopJoin) Next(ctx *Context) (*Tuple, error) {
	for !j.done {
		if j.innerTup == nil {
			t, err := j.Inner.Next(ctx)
			if err != nil {
				return nil, err
			}
			if t == nil {
				// inner exhausted for this block: refill from the outer
				// and rescan the inner from the top
				ok, err := j.buffer.Refill(ctx, j.Outer)
				if err != nil {
					return nil, err
				}
				if !ok {
					j.done = true
					return nil, nil
				}
				if err := j.Inner.Close(ctx); err != nil {
					return nil, err
				}
				if err := j.Inner.Open(ctx); err != nil {
					return nil, err
				}
				continue
			}
			j.innerTup = t
			j.blockPos = 0
		}
		for j.blockPos < len(j.buffer.tuples) {
			outerTup := j.buffer.tuples[j.blockPos]
			j.blockPos++
			vals := make([]catalog.Value, 0, len(outerTup.Values)+len(j.innerTup.Values))
			vals = append(vals, outerTup.Values...)
			vals = append(vals, j.innerTup.Values...)
			joined := &Tuple{Values: vals}
			match, err := evalAll(j.Predicates, j.schema, joined)
			if err != nil {
				return nil, err
			}
			if match {
				return joined, nil
			}
		}
		j.innerTup = nil
	}
	return nil, nil
}

func (j *NestedLoopJoin) Close(ctx *Context) error {
	if err := j.Outer.Close(ctx); err != nil {
		return err
	}
	return j.Inner.Close(ctx)
}

func (j *NestedLoopJoin) Schema() []ColumnDesc { return j.schema }
