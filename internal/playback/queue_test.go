package playback

import "testing"

func TestQueueLifecycle(t *testing.T) {
	q := NewQueue()
	var depths []int
	q.OnChange(func(n int) { depths = append(depths, n) })

	q.Add(Item{ID: 0})
	q.Add(Item{ID: 1})
	q.Add(Item{ID: 2})
	if q.Len() != 3 {
		t.Fatalf("expected 3 items, got %d", q.Len())
	}
	if head, _ := q.Head(); head.Resolved() {
		t.Fatal("placeholder must not be resolved")
	}
	if !q.Resolve(1, "http://clip/1", 4, true, 2.5) {
		t.Fatal("expected resolve of id 1")
	}
	if q.Resolve(9, "x", 0, false, 1) {
		t.Fatal("resolve of unknown id must fail")
	}
	if q.TotalDuration() != 2.5 {
		t.Fatalf("expected total 2.5, got %v", q.TotalDuration())
	}
	if !q.Remove(0) {
		t.Fatal("expected removal of id 0")
	}
	head, ok := q.Head()
	if !ok || head.ID != 1 || !head.Resolved() || head.StartFrame != 4 || !head.Reversed {
		t.Fatalf("unexpected head %+v", head)
	}
	popped, ok := q.Pop()
	if !ok || popped.ID != 1 {
		t.Fatalf("unexpected pop %+v", popped)
	}
	if q.popIf(7) {
		t.Fatal("popIf must only pop the matching head")
	}
	q.Clear()
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
	want := []int{1, 2, 3, 3, 2, 1, 0}
	if len(depths) != len(want) {
		t.Fatalf("expected %v, got %v", want, depths)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, depths)
		}
	}
}

func TestQueueSnapshotIsCopy(t *testing.T) {
	q := NewQueue()
	q.Add(Item{ID: 3})
	snap := q.Snapshot()
	snap[0].URL = "mutated"
	if head, _ := q.Head(); head.URL != "" {
		t.Fatal("snapshot must not alias queue storage")
	}
}
