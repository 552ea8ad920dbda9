package document

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"collab-engine/internal/errs"
	"collab-engine/internal/operations"

	"pgregory.net/rapid"
)

// stubAppender records durable writes and can be told to fail or stall.
type stubAppender struct {
	mu    sync.Mutex
	ops   []*operations.Operation
	err   error
	stall bool
}

func (s *stubAppender) AppendOperation(ctx context.Context, documentID string, op *operations.Operation) error {
	s.mu.Lock()
	stall, err := s.stall, s.err
	s.mu.Unlock()

	if stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *stubAppender) set(err error, stall bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err, s.stall = err, stall
}

func submitted(op *operations.Operation, session string, seq uint64, base int) *operations.Operation {
	op.SessionID = session
	op.Seq = seq
	op.BaseVersion = base
	return op
}

// TestNewDocument verifies document initialization.
func TestNewDocument(t *testing.T) {
	doc := NewDocument("doc-1", nil)

	if doc == nil {
		t.Fatal("NewDocument() returned nil")
	}
	if doc.ID() != "doc-1" {
		t.Errorf("ID() = %q, want doc-1", doc.ID())
	}
	if content, version := doc.GetContentAndVersion(); content != "" || version != 0 {
		t.Errorf("expected empty document at v0, got %q at v%d", content, version)
	}
	if time.Since(doc.lastModified) > time.Second {
		t.Errorf("lastModified is too old: %v", doc.lastModified)
	}
}

// TestSubmitFirstInsert verifies an insert into an empty document commits at
// version 1.
func TestSubmitFirstInsert(t *testing.T) {
	doc := NewDocument("doc", &stubAppender{})

	committed, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "Hello"), "x", 1, 0))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if committed.Version != 1 {
		t.Errorf("committed version = %d, want 1", committed.Version)
	}
	if got := doc.GetContent(); got != "Hello" {
		t.Errorf("content = %q, want Hello", got)
	}
}

// TestSubmitConcurrentInsertsSamePosition verifies the tie-break between two
// inserts at the same position does not depend on arrival order.
func TestSubmitConcurrentInsertsSamePosition(t *testing.T) {
	orders := []struct {
		name  string
		first string
	}{
		{name: "x commits first", first: "session-x"},
		{name: "y commits first", first: "session-y"},
	}

	for _, tt := range orders {
		t.Run(tt.name, func(t *testing.T) {
			doc := NewDocument("doc", &stubAppender{})
			if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "Hello"), "seed", 1, 0)); err != nil {
				t.Fatalf("seed: %v", err)
			}

			x := submitted(operations.NewInsertOp(5, " World"), "session-x", 1, 1)
			y := submitted(operations.NewInsertOp(5, "!"), "session-y", 1, 1)
			ops := []*operations.Operation{x, y}
			if tt.first == "session-y" {
				ops = []*operations.Operation{y, x}
			}

			for i, op := range ops {
				committed, err := doc.Submit(context.Background(), op)
				if err != nil {
					t.Fatalf("Submit(%s) error = %v", op.SessionID, err)
				}
				if committed.Version != i+2 {
					t.Errorf("committed version = %d, want %d", committed.Version, i+2)
				}
			}

			if got := doc.GetContent(); got != "Hello World!" {
				t.Errorf("content = %q, want %q", got, "Hello World!")
			}
		})
	}
}

// TestSubmitRejectsMalformed verifies rejected operations leave the document
// untouched.
func TestSubmitRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		op   *operations.Operation
	}{
		{name: "nil operation", op: nil},
		{name: "empty payload", op: &operations.Operation{}},
		{name: "base version ahead", op: submitted(operations.NewInsertOp(0, "x"), "s", 1, 9)},
		{name: "delete past end", op: submitted(operations.NewDeleteOp(2, 10), "s", 1, 1)},
		{name: "retain past end", op: submitted(operations.NewInsertOp(8, "x"), "s", 1, 1)},
		{name: "max delete after retain", op: submitted(&operations.Operation{Components: []operations.Component{
			{Type: operations.OpRetain, Count: 1},
			{Type: operations.OpDelete, Count: math.MaxInt},
		}}, "s", 1, 1)},
		{name: "max retain", op: submitted(&operations.Operation{Components: []operations.Component{
			{Type: operations.OpRetain, Count: math.MaxInt},
			{Type: operations.OpInsert, Text: "x"},
		}}, "s", 1, 1)},
		{name: "max delete", op: submitted(&operations.Operation{Components: []operations.Component{
			{Type: operations.OpDelete, Count: math.MaxInt},
		}}, "s", 1, 1)},
		{name: "huge retain rebased over insert", op: submitted(&operations.Operation{Components: []operations.Component{
			{Type: operations.OpRetain, Count: math.MaxInt - 1},
			{Type: operations.OpInsert, Text: "x"},
		}}, "s", 1, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &stubAppender{}
			doc := NewDocument("doc", app)
			if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "abc"), "seed", 1, 0)); err != nil {
				t.Fatalf("seed: %v", err)
			}

			_, err := doc.Submit(context.Background(), tt.op)
			if !errors.Is(err, errs.ErrMalformedOperation) {
				t.Fatalf("Submit() error = %v, want ErrMalformedOperation", err)
			}
			if content, version := doc.GetContentAndVersion(); content != "abc" || version != 1 {
				t.Errorf("document changed: %q at v%d", content, version)
			}
			if len(app.ops) != 1 {
				t.Errorf("durable writes = %d, want 1", len(app.ops))
			}
		})
	}
}

// TestSubmitRejectsStaleOwnBase verifies a session cannot submit against a
// version older than its own earlier commit.
func TestSubmitRejectsStaleOwnBase(t *testing.T) {
	doc := NewDocument("doc", nil)
	if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "a"), "s", 1, 0)); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	_, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "b"), "s", 2, 0))
	if !errors.Is(err, errs.ErrMalformedOperation) {
		t.Errorf("Submit() error = %v, want ErrMalformedOperation", err)
	}
}

// TestSubmitStorageFailure verifies a failed durable append commits nothing
// and a retry succeeds at the same version.
func TestSubmitStorageFailure(t *testing.T) {
	app := &stubAppender{}
	doc := NewDocument("doc", app)

	app.set(errors.New("disk unplugged"), false)
	_, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "a"), "s", 1, 0))
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrStorageUnavailable", err)
	}
	if content, version := doc.GetContentAndVersion(); content != "" || version != 0 {
		t.Fatalf("document changed after failed append: %q at v%d", content, version)
	}

	app.set(nil, false)
	committed, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "a"), "s", 1, 0))
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if committed.Version != 1 {
		t.Errorf("retry committed at v%d, want v1", committed.Version)
	}
}

// TestSubmitTimeout verifies an append that outlives the caller's deadline
// fails with ErrStorageUnavailable.
func TestSubmitTimeout(t *testing.T) {
	app := &stubAppender{}
	app.set(nil, true)
	doc := NewDocument("doc", app)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := doc.Submit(ctx, submitted(operations.NewInsertOp(0, "a"), "s", 1, 0))
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrStorageUnavailable", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Submit() error = %v, want wrapped deadline", err)
	}
	if v := doc.GetVersion(); v != 0 {
		t.Errorf("version = %d, want 0", v)
	}
}

// TestCommitHooksSeeCommitOrder verifies hooks observe every commit in order.
func TestCommitHooksSeeCommitOrder(t *testing.T) {
	doc := NewDocument("doc", nil)

	var seen []int
	var tails []int
	doc.OnCommit(func(c Commit) {
		seen = append(seen, c.Operation.Version)
		tails = append(tails, c.TailLength)
	})

	for i := 0; i < 3; i++ {
		if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "x"), fmt.Sprintf("s%d", i), 1, i)); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	want := []int{1, 2, 3}
	for i := range want {
		if seen[i] != want[i] || tails[i] != want[i] {
			t.Errorf("commit %d: version %d tail %d, want %d", i, seen[i], tails[i], want[i])
		}
	}
}

// TestConcurrentSubmitsAreGapFree verifies versions stay gap-free under
// concurrent submitters and replay reproduces the content.
func TestConcurrentSubmitsAreGapFree(t *testing.T) {
	doc := NewDocument("doc", &stubAppender{})

	const numWriters = 50
	var wg sync.WaitGroup
	wg.Add(numWriters)

	errCh := make(chan error, numWriters)
	for i := 0; i < numWriters; i++ {
		go func(id int) {
			defer wg.Done()
			op := submitted(operations.NewInsertOp(0, string(rune('A'+id%26))), fmt.Sprintf("writer-%02d", id), 1, 0)
			if _, err := doc.Submit(context.Background(), op); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Errorf("Submit() error = %v", err)
	}

	history, err := doc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != numWriters {
		t.Fatalf("history length = %d, want %d", len(history), numWriters)
	}
	for i, op := range history {
		if op.Version != i+1 {
			t.Errorf("history[%d].Version = %d, want %d", i, op.Version, i+1)
		}
	}

	content := doc.GetContent()
	if utf8.RuneCountInString(content) != numWriters {
		t.Errorf("content length = %d, want %d", utf8.RuneCountInString(content), numWriters)
	}

	replayed, err := doc.Replay()
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replayed != content {
		t.Errorf("Replay() = %q, want %q", replayed, content)
	}
}

// TestSubmitConvergesProperty verifies two concurrent operations produce the
// same content whichever commits first.
func TestSubmitConvergesProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[a-z]{0,10}`).Draw(t, "base")
		a := genPayload(base).Draw(t, "a")
		b := genPayload(base).Draw(t, "b")

		run := func(first, second *operations.Operation) string {
			doc, err := Load("doc", base, 0, nil, nil)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			for _, op := range []*operations.Operation{first, second} {
				if _, err := doc.Submit(context.Background(), op.Clone()); err != nil {
					t.Fatalf("Submit(%v) error = %v", op, err)
				}
			}
			return doc.GetContent()
		}

		a.SessionID, a.Seq = "alpha", 1
		b.SessionID, b.Seq = "beta", 1

		if ab, ba := run(a, b), run(b, a); ab != ba {
			t.Fatalf("diverged: %q != %q (a=%v b=%v)", ab, ba, a, b)
		}
	})
}

// genPayload draws a non-empty operation that applies to base.
func genPayload(base string) *rapid.Generator[*operations.Operation] {
	return rapid.Custom(func(t *rapid.T) *operations.Operation {
		n := utf8.RuneCountInString(base)
		op := &operations.Operation{}
		pos := 0
		for i := rapid.IntRange(1, 4).Draw(t, "steps"); i > 0; i-- {
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				if pos < n {
					k := rapid.IntRange(1, n-pos).Draw(t, "retain")
					op.Retain(k)
					pos += k
				}
			case 1:
				op.Insert(rapid.StringMatching(`[A-Z]{1,3}`).Draw(t, "text"))
			case 2:
				if pos < n {
					k := rapid.IntRange(1, n-pos).Draw(t, "delete")
					op.Delete(k)
					pos += k
				}
			}
		}
		op.Chop()
		if op.IsNoop() {
			op.Insert("Z")
		}
		return op
	})
}

// TestLoadFromAnySnapshot verifies snapshot(v) plus the tail after v always
// reproduces the current content.
func TestLoadFromAnySnapshot(t *testing.T) {
	doc := NewDocument("doc", nil)
	edits := []*operations.Operation{
		operations.NewInsertOp(0, "Hello"),
		operations.NewInsertOp(5, " World"),
		operations.NewDeleteOp(0, 1),
		operations.NewInsertOp(0, "J"),
		(&operations.Operation{}).Retain(6).Delete(5).Insert("There"),
	}
	for i, op := range edits {
		if _, err := doc.Submit(context.Background(), submitted(op, fmt.Sprintf("s%d", i), 1, i)); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}

	want := doc.GetContent()
	if want != "Jello There" {
		t.Fatalf("content = %q, want %q", want, "Jello There")
	}

	history, err := doc.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}

	for v := 0; v <= len(history); v++ {
		snapshot, err := operations.ApplyAll("", history[:v])
		if err != nil {
			t.Fatalf("snapshot at v%d: %v", v, err)
		}
		loaded, err := Load("doc", snapshot, v, history[v:], nil)
		if err != nil {
			t.Fatalf("Load(v%d) error = %v", v, err)
		}
		if content, version := loaded.GetContentAndVersion(); content != want || version != len(history) {
			t.Errorf("Load(v%d) = %q at v%d, want %q at v%d", v, content, version, want, len(history))
		}
	}
}

// TestMarkCompacted verifies compaction drops old history but keeps replay
// consistent.
func TestMarkCompacted(t *testing.T) {
	doc := NewDocument("doc", nil)
	for i := 0; i < 10; i++ {
		if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(i, "ab"[i%2:i%2+1]), "s", uint64(i+1), i)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	if err := doc.MarkCompacted(10, 6); err != nil {
		t.Fatalf("MarkCompacted() error = %v", err)
	}
	if got := doc.SnapshotVersion(); got != 10 {
		t.Errorf("SnapshotVersion() = %d, want 10", got)
	}
	if got := doc.TailLength(); got != 0 {
		t.Errorf("TailLength() = %d, want 0", got)
	}

	if _, err := doc.History(5); !errors.Is(err, errs.ErrHistoryTruncated) {
		t.Errorf("History(5) error = %v, want ErrHistoryTruncated", err)
	}
	if ops, err := doc.History(6); err != nil || len(ops) != 4 {
		t.Errorf("History(6) = %d ops, %v; want 4 ops", len(ops), err)
	}

	replayed, err := doc.Replay()
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if replayed != doc.GetContent() {
		t.Errorf("Replay() = %q, want %q", replayed, doc.GetContent())
	}

	_, err = doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "x"), "late", 1, 3))
	if !errors.Is(err, errs.ErrHistoryTruncated) {
		t.Errorf("Submit() on truncated base error = %v, want ErrHistoryTruncated", err)
	}
}

// TestGetStats verifies document statistics reporting.
func TestGetStats(t *testing.T) {
	doc := NewDocument("doc", nil)
	if _, err := doc.Submit(context.Background(), submitted(operations.NewInsertOp(0, "Hello 世界"), "s", 1, 0)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	version, lastModified, length := doc.GetStats()
	if version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
	if length != 8 {
		t.Errorf("length = %d, want 8 code points", length)
	}
	if time.Since(lastModified) > time.Second {
		t.Errorf("lastModified is too old: %v", lastModified)
	}
}

// BenchmarkSubmit measures commit throughput without rebasing.
func BenchmarkSubmit(b *testing.B) {
	doc := NewDocument("bench", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op := submitted(operations.NewInsertOp(0, "x"), "bench", uint64(i+1), i)
		if _, err := doc.Submit(context.Background(), op); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSubmitRebase measures commits that rebase over a stale base.
func BenchmarkSubmitRebase(b *testing.B) {
	doc := NewDocument("bench", nil)
	for i := 0; i < 64; i++ {
		op := submitted(operations.NewInsertOp(0, "x"), fmt.Sprintf("seed-%d", i), 1, i)
		if _, err := doc.Submit(context.Background(), op); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op := submitted(operations.NewInsertOp(0, "y"), fmt.Sprintf("bench-%d", i), 1, doc.GetVersion()-32)
		if _, err := doc.Submit(context.Background(), op); err != nil {
			b.Fatal(err)
		}
	}
}
