package operations

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"collab-engine/internal/errs"
)

// OpType represents the type of a component within an operation.
type OpType string

const (
	OpInsert OpType = "insert" // Insert text at the cursor
	OpDelete OpType = "delete" // Delete Count code points at the cursor
	OpRetain OpType = "retain" // Skip Count code points unchanged
)

// Component is one retain/insert/delete primitive. Counts and positions are
// measured in Unicode code points.
type Component struct {
	Type  OpType `json:"type"`
	Count int    `json:"count,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Length returns the number of code points the component spans.
func (c Component) Length() int {
	if c.Type == OpInsert {
		return utf8.RuneCountInString(c.Text)
	}
	return c.Count
}

func (c Component) String() string {
	switch c.Type {
	case OpInsert:
		return fmt.Sprintf("insert(%q)", c.Text)
	case OpDelete:
		return fmt.Sprintf("delete(%d)", c.Count)
	case OpRetain:
		return fmt.Sprintf("retain(%d)", c.Count)
	default:
		return fmt.Sprintf("unknown(%s)", c.Type)
	}
}

// Operation is an edit authored against BaseVersion of a document. The
// payload walks the document from the start; anything past the last
// component is retained implicitly.
//
// Version is zero until the operation is committed, after which it holds the
// committed version and the operation must not be mutated.
type Operation struct {
	DocumentID  string      `json:"document_id,omitempty"`
	BaseVersion int         `json:"base_version"`
	Components  []Component `json:"ops"`
	SessionID   string      `json:"session_id,omitempty"`
	Seq         uint64      `json:"seq,omitempty"`
	Version     int         `json:"version,omitempty"`
}

// NewOperation builds a normalized operation from the given components.
func NewOperation(components ...Component) *Operation {
	op := &Operation{}
	for _, c := range components {
		op.push(c)
	}
	return op.Chop()
}

// NewInsertOp creates an operation inserting text at position.
func NewInsertOp(position int, text string) *Operation {
	return (&Operation{}).Retain(position).Insert(text)
}

// NewDeleteOp creates an operation deleting count code points at position.
func NewDeleteOp(position, count int) *Operation {
	return (&Operation{}).Retain(position).Delete(count)
}

// Retain appends a retain component.
func (op *Operation) Retain(n int) *Operation {
	op.push(Component{Type: OpRetain, Count: n})
	return op
}

// Insert appends an insert component.
func (op *Operation) Insert(text string) *Operation {
	op.push(Component{Type: OpInsert, Text: text})
	return op
}

// Delete appends a delete component.
func (op *Operation) Delete(n int) *Operation {
	op.push(Component{Type: OpDelete, Count: n})
	return op
}

// push appends c, merging it into the previous component when possible.
// An insert directly after a delete is moved in front of it so equivalent
// operations share one canonical form.
func (op *Operation) push(c Component) {
	if c.Length() <= 0 {
		return
	}
	n := len(op.Components)
	if n > 0 {
		last := &op.Components[n-1]
		if last.Type == c.Type {
			if c.Type == OpInsert {
				last.Text += c.Text
				return
			}
			if last.Count <= math.MaxInt-c.Count {
				last.Count += c.Count
				return
			}
			op.Components = append(op.Components, c)
			return
		}
		if last.Type == OpDelete && c.Type == OpInsert {
			del := *last
			op.Components = op.Components[:n-1]
			op.push(c)
			op.Components = append(op.Components, del)
			return
		}
	}
	op.Components = append(op.Components, c)
}

// Chop drops a trailing retain, which is implied.
func (op *Operation) Chop() *Operation {
	if n := len(op.Components); n > 0 && op.Components[n-1].Type == OpRetain {
		op.Components = op.Components[:n-1]
	}
	return op
}

// Normalized returns a copy with adjacent components merged and empty ones
// removed. Metadata is preserved.
func (op *Operation) Normalized() *Operation {
	out := op.withoutPayload()
	for _, c := range op.Components {
		out.push(c)
	}
	return out.Chop()
}

// withoutPayload copies the metadata of op into a new operation.
func (op *Operation) withoutPayload() *Operation {
	return &Operation{
		DocumentID:  op.DocumentID,
		BaseVersion: op.BaseVersion,
		SessionID:   op.SessionID,
		Seq:         op.Seq,
		Version:     op.Version,
	}
}

// Clone returns a deep copy.
func (op *Operation) Clone() *Operation {
	out := op.withoutPayload()
	out.Components = append([]Component(nil), op.Components...)
	return out
}

// Equal reports whether both operations have the same payload.
func (op *Operation) Equal(other *Operation) bool {
	if op == nil || other == nil {
		return op == other
	}
	a, b := op.Normalized().Components, other.Normalized().Components
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// IsNoop reports whether applying the operation leaves content unchanged.
func (op *Operation) IsNoop() bool {
	for _, c := range op.Components {
		if c.Type != OpRetain && c.Length() > 0 {
			return false
		}
	}
	return true
}

// precedes orders operations by (SessionID, Seq). It decides which of two
// inserts at the same position lands first.
func precedes(a, b *Operation) bool {
	if a.SessionID != b.SessionID {
		return a.SessionID < b.SessionID
	}
	return a.Seq < b.Seq
}

// String returns a human-readable representation of the operation.
func (op *Operation) String() string {
	parts := make([]string, len(op.Components))
	for i, c := range op.Components {
		parts[i] = c.String()
	}
	return fmt.Sprintf("Op(%s#%d base=v%d v%d: %s)",
		op.SessionID, op.Seq, op.BaseVersion, op.Version, strings.Join(parts, " "))
}

// ToJSON converts the operation to JSON.
func (op *Operation) ToJSON() (string, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation: %w", err)
	}
	return string(data), nil
}

// FromJSON creates an operation from JSON.
func FromJSON(jsonStr string) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal([]byte(jsonStr), &op); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal operation: %v", errs.ErrMalformedOperation, err)
	}
	return &op, nil
}

// Validate checks the structure of the operation. Every failure wraps
// errs.ErrMalformedOperation.
func (op *Operation) Validate() error {
	if op.BaseVersion < 0 {
		return fmt.Errorf("%w: invalid base version %d", errs.ErrMalformedOperation, op.BaseVersion)
	}
	if len(op.Components) == 0 {
		return fmt.Errorf("%w: empty payload", errs.ErrMalformedOperation)
	}
	return validateComponents(op.Components)
}

func validateComponents(components []Component) error {
	span := 0
	for i, c := range components {
		switch c.Type {
		case OpInsert:
			if c.Text == "" {
				return fmt.Errorf("%w: component %d: insert must have non-empty text", errs.ErrMalformedOperation, i)
			}
			if !utf8.ValidString(c.Text) {
				return fmt.Errorf("%w: component %d: insert text is not valid UTF-8", errs.ErrMalformedOperation, i)
			}
		case OpDelete, OpRetain:
			if c.Count <= 0 {
				return fmt.Errorf("%w: component %d: %s count %d must be positive", errs.ErrMalformedOperation, i, c.Type, c.Count)
			}
			// retained plus deleted code points must fit in an int
			if c.Count > math.MaxInt-span {
				return fmt.Errorf("%w: component %d: %s count %d overflows the operation span", errs.ErrMalformedOperation, i, c.Type, c.Count)
			}
			span += c.Count
		default:
			return fmt.Errorf("%w: component %d: unknown type %q", errs.ErrMalformedOperation, i, c.Type)
		}
	}
	return nil
}
