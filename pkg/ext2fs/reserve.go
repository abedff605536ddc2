package ext2fs

import "sync"

// reservationWindow is a contiguous run of blocks [start, end] (inclusive)
// provisionally set aside for one inode's future sequential-write
// allocations, so that concurrent writers to different files don't
// interleave their block allocations within the same group. Windows for
// all open inodes in a group are kept in an ordered tree so the allocator
// can find the window (if any) that owns a candidate goal block, and find
// the nearest non-overlapping gap when a window needs to grow.
type reservationWindow struct {
	start, end int64 // inclusive range; end < start means an empty window
	alloc_hit  int64 // blocks actually allocated from this window so far

	left, right, parent *reservationWindow
	red                  bool
	ino                  uint32
}

func (w *reservationWindow) length() int64 {
	if w.end < w.start {
		return 0
	}
	return w.end - w.start + 1
}

// reservationTree is a red-black tree of reservationWindows ordered by
// start, one per block group. No ordered-container library covers this
// shape, so the tree is hand-rolled rather than left as a plain slice scan
// -- insert/delete/find-overlap are on the hot allocation path for every
// sequential write.
type reservationTree struct {
	mu   sync.Mutex
	root *reservationWindow
}

func (t *reservationTree) rotateLeft(x *reservationWindow) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *reservationTree) rotateRight(x *reservationWindow) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

// insert adds w to the tree, keyed by w.start, and rebalances.
func (t *reservationTree) insert(w *reservationWindow) {
	w.red = true
	var parent *reservationWindow
	cur := t.root
	for cur != nil {
		parent = cur
		if w.start < cur.start {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	w.parent = parent
	if parent == nil {
		t.root = w
	} else if w.start < parent.start {
		parent.left = w
	} else {
		parent.right = w
	}
	t.insertFixup(w)
}

func isRed(n *reservationWindow) bool { return n != nil && n.red }

func (t *reservationTree) insertFixup(z *reservationWindow) {
	for z.parent != nil && isRed(z.parent) {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			uncle := gp.right
			if isRed(uncle) {
				z.parent.red = false
				uncle.red = false
				gp.red = true
				z = gp
			} else {
				if z == z.parent.right {
					z = z.parent
					t.rotateLeft(z)
				}
				z.parent.red = false
				gp.red = true
				t.rotateRight(gp)
			}
		} else {
			uncle := gp.left
			if isRed(uncle) {
				z.parent.red = false
				uncle.red = false
				gp.red = true
				z = gp
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rotateRight(z)
				}
				z.parent.red = false
				gp.red = true
				t.rotateLeft(gp)
			}
		}
	}
	t.root.red = false
}

// remove deletes w from the tree and clears w's own links so that it can be
// inserted again. Red-black delete-fixup is not performed, so the tree can
// lose balance after removals; the order of the remaining windows, and so
// every lookup result, is unaffected.
func (t *reservationTree) remove(w *reservationWindow) {
	switch {
	case w.left == nil && w.right == nil:
		t.replace(w, nil)
	case w.left == nil:
		t.replace(w, w.right)
	case w.right == nil:
		t.replace(w, w.left)
	default:
		succ := w.right
		for succ.left != nil {
			succ = succ.left
		}
		if succ.parent != w {
			t.replace(succ, succ.right)
			succ.right = w.right
			succ.right.parent = succ
		}
		t.replace(w, succ)
		succ.left = w.left
		succ.left.parent = succ
		succ.red = w.red
	}
	w.parent, w.left, w.right = nil, nil, nil
}

func (t *reservationTree) replace(u, v *reservationWindow) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

// findOverlap returns the window containing block b, or nil.
func (t *reservationTree) findOverlap(b int64) *reservationWindow {
	cur := t.root
	for cur != nil {
		if b < cur.start {
			cur = cur.left
		} else if b > cur.end {
			cur = cur.right
		} else {
			return cur
		}
	}
	return nil
}

// findNextWindow returns the window with the smallest start strictly
// greater than after, or nil if none exists -- used to find the upper
// bound a growing window may not cross.
func (t *reservationTree) findNextWindow(after int64) *reservationWindow {
	cur := t.root
	var best *reservationWindow
	for cur != nil {
		if cur.start > after {
			best = cur
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return best
}

// findPrevWindow returns the window with the largest end strictly less
// than before, or nil.
func (t *reservationTree) findPrevWindow(before int64) *reservationWindow {
	cur := t.root
	var best *reservationWindow
	for cur != nil {
		if cur.end < before {
			best = cur
			cur = cur.right
		} else {
			cur = cur.left
		}
	}
	return best
}

// windowFor returns the reservation window owned by inode ino, creating an
// empty one on first use. Windows are looked up by inode number alone.
func (fs *FileSystem) windowFor(ino uint32) *reservationWindow {
	fs.reservations.Lock()
	defer fs.reservations.Unlock()
	w, ok := fs.windows[ino]
	if !ok {
		w = &reservationWindow{ino: ino, start: 0, end: -1}
		fs.windows[ino] = w
	}
	return w
}

// discardReservation removes ino's window from whatever group tree it
// currently occupies and resets it to empty, called when an inode is
// evicted or a write stream completes.
func (fs *FileSystem) discardReservation(g int64, ino uint32) {
	fs.reservations.Lock()
	w, ok := fs.windows[ino]
	fs.reservations.Unlock()
	if !ok {
		return
	}
	gd := fs.groups[g]
	gd.mu.Lock()
	if gd.rsvTree != nil && w.length() > 0 {
		gd.rsvTree.remove(w)
	}
	gd.mu.Unlock()
	w.start, w.end, w.alloc_hit = 0, -1, 0
}
