package round

import "testing"

func TestBetHeapOrdersByTargetTime(t *testing.T) {
	bh := newBetHeap()
	bh.push("c", 300)
	bh.push("a", 100)
	bh.push("b", 200)

	var order []string
	for bh.len() > 0 {
		e, ok := bh.pop()
		if !ok {
			t.Fatal("pop returned false with non-zero length")
		}
		order = append(order, e.betID)
	}

	want := []string{"a", "b", "c"}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("order[%d] = %s, want %s", i, order[i], id)
		}
	}
}

func TestBetHeapTiesBrokenBySequence(t *testing.T) {
	bh := newBetHeap()
	bh.push("first", 100)
	bh.push("second", 100)

	e, ok := bh.pop()
	if !ok || e.betID != "first" {
		t.Errorf("expected first to pop before second on a tie, got %+v ok=%v", e, ok)
	}
}

func TestBetHeapPeekDoesNotRemove(t *testing.T) {
	bh := newBetHeap()
	bh.push("only", 50)

	if _, ok := bh.peek(); !ok {
		t.Fatal("expected peek to find an entry")
	}
	if bh.len() != 1 {
		t.Fatalf("peek should not remove; len = %d", bh.len())
	}
}

func TestBetHeapEmpty(t *testing.T) {
	bh := newBetHeap()
	if _, ok := bh.peek(); ok {
		t.Error("expected peek on empty heap to return false")
	}
	if _, ok := bh.pop(); ok {
		t.Error("expected pop on empty heap to return false")
	}
}
