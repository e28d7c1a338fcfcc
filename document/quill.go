package document

import (
	"encoding/json"
	"fmt"

	"github.com/fmpwizard/go-quilljs-delta/delta"
)

// embedPlaceholder stands in for a non-text insert (image, formula, ...).
// Quill counts an embed as length 1, so composing keeps positions aligned.
const embedPlaceholder = "\ufffc"

type wireOp struct {
	Insert     json.RawMessage        `json:"insert,omitempty"`
	Retain     *int                   `json:"retain,omitempty"`
	Delete     *int                   `json:"delete,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type wireDelta struct {
	Ops []wireOp `json:"ops"`
}

// ParseDelta reads a Quill delta in its JSON form, either {"ops":[...]} or a
// bare op array.
func ParseDelta(raw []byte) (*delta.Delta, error) {
	var w wireDelta
	if err := json.Unmarshal(raw, &w); err != nil {
		var ops []wireOp
		if err2 := json.Unmarshal(raw, &ops); err2 != nil {
			return nil, fmt.Errorf("invalid delta: %w", err)
		}
		w.Ops = ops
	}

	d := delta.New(nil)
	for i, op := range w.Ops {
		switch {
		case op.Insert != nil:
			var text string
			if err := json.Unmarshal(op.Insert, &text); err != nil {
				text = embedPlaceholder
			}
			d.Insert(text, op.Attributes)
		case op.Retain != nil:
			if *op.Retain < 0 {
				return nil, fmt.Errorf("invalid delta: op %d retains %d", i, *op.Retain)
			}
			d.Retain(*op.Retain, op.Attributes)
		case op.Delete != nil:
			if *op.Delete < 0 {
				return nil, fmt.Errorf("invalid delta: op %d deletes %d", i, *op.Delete)
			}
			d.Delete(*op.Delete)
		default:
			return nil, fmt.Errorf("invalid delta: op %d has no insert, retain or delete", i)
		}
	}
	return d, nil
}

// EncodeDelta is the inverse of ParseDelta.
func EncodeDelta(d *delta.Delta) (json.RawMessage, error) {
	if d.Ops == nil {
		d = delta.New(make([]delta.Op, 0))
	}
	return json.Marshal(d)
}

// FromContent turns a stored content value into a document delta. Content
// that is not a delta, such as legacy plain text, becomes a single insert.
func FromContent(content string) *delta.Delta {
	if content == "" {
		return delta.New(nil)
	}
	if d, err := ParseDelta([]byte(content)); err == nil {
		return d
	}
	return delta.New(nil).Insert(content, nil)
}

func cloneDelta(d *delta.Delta) *delta.Delta {
	ops := make([]delta.Op, len(d.Ops))
	for i, op := range d.Ops {
		ops[i] = op
	}
	return delta.New(ops)
}

// Text flattens the inserts of d.
func Text(d delta.Delta) string {
	result := make([]rune, 0)
	for _, op := range d.Ops {
		if op.Insert != nil {
			result = append(result, op.Insert...)
		}
	}
	return string(result)
}
