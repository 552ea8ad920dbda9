package operations

import (
	"fmt"
	"strings"

	"collab-engine/internal/errs"
)

// Apply executes an operation on a document and returns the result.
// Failures wrap errs.ErrMalformedOperation and leave doc untouched.
func Apply(doc string, op *Operation) (string, error) {
	if op == nil {
		return "", fmt.Errorf("%w: operation cannot be nil", errs.ErrMalformedOperation)
	}
	if err := validateComponents(op.Components); err != nil {
		return "", err
	}

	runes := []rune(doc)
	var b strings.Builder
	b.Grow(len(doc))
	pos := 0

	for i, c := range op.Components {
		switch c.Type {
		case OpRetain:
			if c.Count > len(runes)-pos {
				return "", fmt.Errorf("%w: component %d: retain of %d at %d exceeds document length %d",
					errs.ErrMalformedOperation, i, c.Count, pos, len(runes))
			}
			b.WriteString(string(runes[pos : pos+c.Count]))
			pos += c.Count

		case OpInsert:
			b.WriteString(c.Text)

		case OpDelete:
			if c.Count > len(runes)-pos {
				return "", fmt.Errorf("%w: component %d: delete of %d at %d exceeds document length %d",
					errs.ErrMalformedOperation, i, c.Count, pos, len(runes))
			}
			pos += c.Count
		}
	}

	b.WriteString(string(runes[pos:]))
	return b.String(), nil
}

// ApplyAll applies a sequence of operations to a document.
func ApplyAll(doc string, ops []*Operation) (string, error) {
	result := doc
	for i, op := range ops {
		newDoc, err := Apply(result, op)
		if err != nil {
			return "", fmt.Errorf("failed to apply operation %d: %w", i, err)
		}
		result = newDoc
	}
	return result, nil
}
