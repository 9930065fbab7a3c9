package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/dastyar/taskrt"
)

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

// WHAT: every completion order of the same parts merges to the same text.
// WHY: chunk tasks finish in arbitrary order on a distributed runtime.
func TestMerge_OrderIndependent(t *testing.T) {
	texts := []string{"alpha", "beta", "(00:50-01:00)", "delta", "epsilon"}
	want := "alpha\nbeta\n(00:50-01:00)\ndelta\nepsilon"

	perms := permutations(len(texts))
	if len(perms) != 120 {
		t.Fatalf("got %d permutations", len(perms))
	}
	for _, order := range perms {
		c := NewCollector(len(texts))
		for _, i := range order {
			c.Add(Part{Ordinal: i, Text: texts[i]})
		}
		s, err := c.Merge()
		if err != nil {
			t.Fatal(err)
		}
		if s.Text != want {
			t.Fatalf("order %v merged to %q", order, s.Text)
		}
	}
}

// WHAT: a second result for the same ordinal is dropped.
// WHY: at-least-once delivery must not duplicate output.
func TestCollector_FirstWriteWins(t *testing.T) {
	c := NewCollector(2)
	if !c.Add(Part{Ordinal: 0, Text: "first", Tokens: 5}) {
		t.Fatal("first add rejected")
	}
	if c.Add(Part{Ordinal: 0, Text: "second", Tokens: 7}) {
		t.Fatal("duplicate accepted")
	}
	c.Add(Part{Ordinal: 1, Text: "b", Tokens: 1})
	s, err := c.Merge()
	if err != nil {
		t.Fatal(err)
	}
	if s.Text != "first\nb" || s.Tokens != 6 {
		t.Fatalf("summary = %+v", s)
	}
}

func TestMerge_FatalMemberFailsAll(t *testing.T) {
	_, err := Merge(3, []Part{
		{Ordinal: 0, Text: "a"},
		{Ordinal: 1, Fatal: true, Err: "provider down"},
		{Ordinal: 2, Text: "c"},
	})
	if !errors.Is(err, ErrMemberFailed) {
		t.Fatalf("err = %v, want ErrMemberFailed", err)
	}
}

func TestMerge_Incomplete(t *testing.T) {
	_, err := Merge(3, []Part{{Ordinal: 0}, {Ordinal: 2}})
	if !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if c := NewCollector(2); c.Add(Part{Ordinal: 5}) || c.Add(Part{Ordinal: -1}) {
		t.Fatal("out-of-range ordinal accepted")
	}
}

func TestMerge_EmptyGroup(t *testing.T) {
	s, err := Merge(0, nil)
	if err != nil || s.Text != "" {
		t.Fatalf("got %+v, %v", s, err)
	}
}

func TestMerge_CountsDegraded(t *testing.T) {
	s, err := Merge(2, []Part{{Ordinal: 0, Text: "x", Degraded: true}, {Ordinal: 1, Text: "y"}})
	if err != nil || s.Degraded != 1 {
		t.Fatalf("got %+v, %v", s, err)
	}
}

type fakeRuntime struct {
	members  []taskrt.Spec
	callback taskrt.Spec
	results  []taskrt.MemberResult
}

func (f *fakeRuntime) DispatchGroup(ctx context.Context, parent *taskrt.Task, members []taskrt.Spec, cb taskrt.Spec) (string, error) {
	f.members, f.callback = members, cb
	return "grp_1", nil
}

func (f *fakeRuntime) GroupResults(ctx context.Context, gid string) ([]taskrt.MemberResult, error) {
	return f.results, nil
}

func TestDispatchAndCollect(t *testing.T) {
	type item struct {
		N int `json:"n"`
	}
	f := &fakeRuntime{}
	gid, err := Dispatch(context.Background(), f, &taskrt.Task{ID: "tsk_root"}, "chunk.x", []item{{1}, {2}}, taskrt.Spec{Kind: "cb"})
	if err != nil || gid != "grp_1" {
		t.Fatalf("Dispatch = %q, %v", gid, err)
	}
	if len(f.members) != 2 || f.members[1].Kind != "chunk.x" || string(f.members[1].Payload) != `{"n":2}` {
		t.Fatalf("members = %+v", f.members)
	}

	ok, _ := json.Marshal(Part{Ordinal: 0, Text: "zero"})
	f.results = []taskrt.MemberResult{
		{Index: 0, Status: taskrt.StatusSucceeded, Result: ok},
		{Index: 1, Status: taskrt.StatusFailed, Error: "taskrt: hard time limit exceeded"},
	}
	c, err := Collect(context.Background(), f, gid)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Merge(); !errors.Is(err, ErrMemberFailed) {
		t.Fatalf("merge err = %v", err)
	}
}
