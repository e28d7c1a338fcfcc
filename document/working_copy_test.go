package document

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/fmpwizard/go-quilljs-delta/delta"
)

func TestNullDeltaSubmit(t *testing.T) {
	wc := NewWorkingCopy(*delta.New(nil).Insert("abcde", nil), 0)
	_, err := wc.Apply(nil)
	if err == nil {
		t.Fatalf("Submitting null delta should generate error!")
	}
	if wc.Seq() != 0 {
		t.Fatalf("Seq should not change! Current seq: %d", wc.Seq())
	}
	if text := wc.Text(); text != "abcde" {
		t.Fatalf("Content should not change! Current content: %s", text)
	}
}

func TestMalformedDeltaSubmit(t *testing.T) {
	wc := NewWorkingCopy(*delta.New(nil).Insert("abcde", nil), 0)
	for _, raw := range []string{`{"ops":[{"bogus":1}]}`, `{"ops":[{"retain":-2}]}`, `not json`} {
		if _, err := wc.Apply(json.RawMessage(raw)); err == nil {
			t.Fatalf("Submitting %s should generate error!", raw)
		}
	}
	if wc.Seq() != 0 {
		t.Fatalf("Seq should not change! Current seq: %d", wc.Seq())
	}
}

func TestApplyInArrivalOrder(t *testing.T) {
	wc := NewWorkingCopy(*delta.New(nil).Insert("Lorem ipsum", nil), 0)
	raw1 := json.RawMessage(`{"ops":[{"retain":5},{"insert":"1"}]}`)
	raw2 := json.RawMessage(`[{"retain":1},{"delete":1}]`)

	c1, err := wc.Apply(raw1)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := wc.Apply(raw2)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Seq != 1 || c2.Seq != 2 {
		t.Fatalf("Invalid seqs: %d, %d", c1.Seq, c2.Seq)
	}
	if string(c1.Delta) != string(raw1) {
		t.Fatalf("Change must carry the submitted bytes, got %s", c1.Delta)
	}
	if text := wc.Text(); text != "Lrem1 ipsum" {
		t.Fatalf("Invalid text: %s", text)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	wc := NewWorkingCopy(*delta.New(nil).Insert("Hello", map[string]interface{}{"bold": true}), 0)
	if _, err := wc.Apply(json.RawMessage(`{"ops":[{"retain":5},{"insert":" world"}]}`)); err != nil {
		t.Fatal(err)
	}
	raw, seq, err := wc.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Fatalf("Invalid seq: %d", seq)
	}
	d := FromContent(string(raw))
	if text := Text(*d); text != "Hello world" {
		t.Fatalf("Invalid text: %s", text)
	}
	if d.Ops[0].Attributes["bold"] != true {
		t.Fatalf("Attributes lost: %v", d.Ops[0].Attributes)
	}
}

func TestSince(t *testing.T) {
	wc := NewWorkingCopy(*delta.New(nil), 3)
	for i := 0; i < 5; i++ {
		if _, err := wc.Apply(json.RawMessage(`{"ops":[{"insert":"x"}]}`)); err != nil {
			t.Fatal(err)
		}
	}

	changes, err := wc.Since(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || changes[0].Seq != 4 || changes[1].Seq != 5 {
		t.Fatalf("Invalid changes: %+v", changes)
	}

	changes, err = wc.Since(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 3 {
		t.Fatalf("Expected 3 changes, got %d", len(changes))
	}

	changes, err = wc.Since(5)
	if err != nil || len(changes) != 0 {
		t.Fatalf("Up-to-date client should get nothing, got %v, %v", changes, err)
	}

	if _, err := wc.Since(1); !errors.Is(err, ErrTooOld) {
		t.Fatalf("Expected ErrTooOld, got %v", err)
	}
	if _, err := wc.Since(9); !errors.Is(err, ErrFutureSeq) {
		t.Fatalf("Expected ErrFutureSeq, got %v", err)
	}
}

func TestFromContent(t *testing.T) {
	if text := Text(*FromContent("plain legacy text")); text != "plain legacy text" {
		t.Fatalf("Invalid text: %s", text)
	}
	if text := Text(*FromContent(`{"ops":[{"insert":"a"},{"insert":{"image":"x.png"}}]}`)); text != "a"+embedPlaceholder {
		t.Fatalf("Invalid text: %q", text)
	}
	if len(FromContent("").Ops) != 0 {
		t.Fatalf("Empty content should give an empty delta")
	}
}
