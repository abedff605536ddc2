package ext2fs

import "testing"

func TestReservationTreeFindOverlap(t *testing.T) {
	tree := &reservationTree{}
	w1 := &reservationWindow{start: 0, end: 9}
	w2 := &reservationWindow{start: 20, end: 29}
	tree.insert(w1)
	tree.insert(w2)

	if got := tree.findOverlap(5); got != w1 {
		t.Errorf("findOverlap(5) should return w1")
	}
	if got := tree.findOverlap(25); got != w2 {
		t.Errorf("findOverlap(25) should return w2")
	}
	if got := tree.findOverlap(15); got != nil {
		t.Errorf("findOverlap(15) should return nil, got %v", got)
	}
}

func TestReservationTreeFindNextPrev(t *testing.T) {
	tree := &reservationTree{}
	w1 := &reservationWindow{start: 0, end: 9}
	w2 := &reservationWindow{start: 20, end: 29}
	w3 := &reservationWindow{start: 40, end: 49}
	tree.insert(w1)
	tree.insert(w2)
	tree.insert(w3)

	if got := tree.findNextWindow(9); got != w2 {
		t.Errorf("findNextWindow(9) should return w2")
	}
	if got := tree.findPrevWindow(20); got != w1 {
		t.Errorf("findPrevWindow(20) should return w1")
	}
	if got := tree.findNextWindow(49); got != nil {
		t.Errorf("findNextWindow(49) should return nil")
	}
}

func TestReservationWindowLength(t *testing.T) {
	w := &reservationWindow{start: 5, end: 4}
	if w.length() != 0 {
		t.Errorf("empty window (end < start) should have length 0")
	}
	w = &reservationWindow{start: 5, end: 14}
	if w.length() != 10 {
		t.Errorf("window [5,14] should have length 10, got %d", w.length())
	}
}
