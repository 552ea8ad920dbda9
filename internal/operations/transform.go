package operations

import (
	"fmt"
	"math"

	"collab-engine/internal/errs"
)

// Transform adjusts two concurrent operations created against the same
// document version so they can be applied sequentially without conflict.
//
// Given operations op1 and op2 at the same version, Transform returns
// transformed versions (op1', op2') such that:
//
//	apply(op2', apply(op1, doc)) == apply(op1', apply(op2, doc))
//
// Inserts at the same position are ordered by (SessionID, Seq); when both
// keys are equal op1 goes first.
func Transform(op1, op2 *Operation) (*Operation, *Operation, error) {
	if op1 == nil || op2 == nil {
		return nil, nil, fmt.Errorf("%w: operations cannot be nil", errs.ErrMalformedOperation)
	}
	if err := validateComponents(op1.Components); err != nil {
		return nil, nil, fmt.Errorf("op1 invalid: %w", err)
	}
	if err := validateComponents(op2.Components); err != nil {
		return nil, nil, fmt.Errorf("op2 invalid: %w", err)
	}

	op1First := !precedes(op2, op1)
	return rebase(op1, op2, !op1First), rebase(op2, op1, op1First), nil
}

// Rebase returns op rewritten to apply on top of against, where both were
// authored against the same content. The result keeps op's metadata.
func Rebase(op, against *Operation) *Operation {
	return rebase(op, against, !precedes(op, against))
}

// rebase walks both payloads in lockstep. Inserts from against become
// retains; inserts from op are kept. A range deleted by against drops
// out of op, so op never deletes the same text twice and never deletes
// text against inserted.
func rebase(op, against *Operation, againstFirst bool) *Operation {
	out := op.withoutPayload()
	a := newIterator(against.Components)
	b := newIterator(op.Components)

	for a.hasNext() || b.hasNext() {
		switch {
		case a.peekType() == OpInsert && (againstFirst || b.peekType() != OpInsert):
			out.Retain(a.next(math.MaxInt).Length())

		case b.peekType() == OpInsert:
			out.push(b.next(math.MaxInt))

		default:
			n := min(a.peekLength(), b.peekLength())
			ac, bc := a.next(n), b.next(n)
			switch {
			case ac.Type == OpDelete:
				// already gone
			case bc.Type == OpDelete:
				out.push(bc)
			default:
				out.Retain(n)
			}
		}
	}

	return out.Chop()
}

// iterator yields pieces of a component list. Past the end it behaves as
// an infinite retain.
type iterator struct {
	components []Component
	index      int
	offset     int
}

func newIterator(components []Component) *iterator {
	return &iterator{components: components}
}

func (it *iterator) hasNext() bool {
	return it.index < len(it.components)
}

func (it *iterator) peekType() OpType {
	if !it.hasNext() {
		return OpRetain
	}
	return it.components[it.index].Type
}

func (it *iterator) peekLength() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.components[it.index].Length() - it.offset
}

// next consumes up to n code points of the current component.
func (it *iterator) next(n int) Component {
	if !it.hasNext() {
		return Component{Type: OpRetain, Count: n}
	}

	c := it.components[it.index]
	start := it.offset
	remaining := c.Length() - start
	if n >= remaining {
		n = remaining
		it.index++
		it.offset = 0
	} else {
		it.offset += n
	}

	if c.Type == OpInsert {
		return Component{Type: OpInsert, Text: string([]rune(c.Text)[start : start+n])}
	}
	return Component{Type: c.Type, Count: n}
}
