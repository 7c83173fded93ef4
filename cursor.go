package blinkdb

// Cursors copy one leaf at a time into a per-handle frame, so slot
// walks never hold page latches. Forward motion follows right links;
// backward motion follows left links and then re-reads right links
// until the cursor finds the page it came from, which guards against
// a concurrent page delete substituting a killed page into the chain.

// StartKey caches the leaf page that would contain key into the
// cursor and returns the first slot >= key, or zero on error.
func (tree *BLTree) StartKey(key []byte) uint32 {
	var set PageSet

	// cache page for retrieval
	slot := tree.mgr.LoadPage(&set, key, 0, LockRead, tree.threadNo, &tree.reads, &tree.writes)
	if slot > 0 {
		MemCpyPage(tree.cursor, set.page)
	} else {
		return 0
	}

	tree.cursorPage = set.latch.pageNo
	tree.unlockPage(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return slot
}

// NextKey returns the next slot on the cursor page, or slides the
// cursor right into the next page. Zero means the scan is done.
func (tree *BLTree) NextKey(slot uint32) uint32 {
	var set PageSet

	for {
		right := GetID(&tree.cursor.Right)

		for slot < tree.cursor.Cnt {
			slot++
			if tree.cursor.Dead(slot) {
				continue
			} else if right > 0 || (slot < tree.cursor.Cnt) { // skip infinite stopper
				return slot
			} else {
				break
			}
		}

		if right == 0 {
			break
		}

		tree.cursorPage = right

		set.latch = tree.mgr.PinLatch(right, true, &tree.reads, &tree.writes)
		if set.latch != nil {
			set.page = tree.mgr.MapPage(set.latch)
		} else {
			return 0
		}

		tree.lockPage(LockRead, set.latch)
		MemCpyPage(tree.cursor, set.page)
		tree.unlockPage(LockRead, set.latch)
		tree.mgr.UnpinLatch(set.latch)
		slot = 0
	}

	tree.err = BLTErrOk
	return 0
}

// LastKey sets the cursor to the highest slot on the rightmost leaf.
func (tree *BLTree) LastKey() uint32 {
	pageNo := tree.mgr.rightmostLeaf()
	var set PageSet

	set.latch = tree.mgr.PinLatch(pageNo, true, &tree.reads, &tree.writes)
	if set.latch != nil {
		set.page = tree.mgr.MapPage(set.latch)
	} else {
		return 0
	}

	tree.lockPage(LockRead, set.latch)
	MemCpyPage(tree.cursor, set.page)
	tree.unlockPage(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)

	tree.cursorPage = pageNo
	return tree.cursor.Cnt
}

// PrevKey returns the previous slot on the cursor page, or slides the
// cursor left into the previous page. Zero means the scan is done.
func (tree *BLTree) PrevKey(slot uint32) uint32 {
	var set PageSet
	us := tree.cursorPage

	slot--
	if slot > 0 {
		return slot
	}

	ourRight := GetID(&tree.cursor.Right)

goLeft:
	next := GetID(&tree.cursor.Left)
	if next == 0 {
		return 0
	}

findOurself:
	tree.cursorPage = next

	set.latch = tree.mgr.PinLatch(next, true, &tree.reads, &tree.writes)
	if set.latch != nil {
		set.page = tree.mgr.MapPage(set.latch)
	} else {
		return 0
	}

	tree.lockPage(LockRead, set.latch)
	MemCpyPage(tree.cursor, set.page)
	tree.unlockPage(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)

	next = GetID(&tree.cursor.Right)

	if tree.cursor.Kill {
		goto findOurself
	}

	if next != us {
		if next == ourRight {
			goto goLeft
		}
		goto findOurself
	}

	return tree.cursor.Cnt
}

// CursorKey returns the key at the cursor slot with any duplicate
// sequence stripped.
func (tree *BLTree) CursorKey(slot uint32) []byte {
	key := tree.cursor.Key(slot)
	if tree.cursor.Typ(slot) == Duplicate && len(key) >= BtId {
		return key[:len(key)-BtId]
	}
	return key
}

// CursorRawKey returns the stored key bytes at the cursor slot,
// including any duplicate sequence.
func (tree *BLTree) CursorRawKey(slot uint32) []byte {
	return tree.cursor.Key(slot)
}

// CursorValue returns the value at the cursor slot.
func (tree *BLTree) CursorValue(slot uint32) []byte {
	return tree.cursor.Value(slot)
}

// cursorStopper reports whether the cursor slot holds the infinite
// fence terminating the tree.
func (tree *BLTree) cursorStopper(slot uint32) bool {
	return slot == tree.cursor.Cnt && GetID(&tree.cursor.Right) == 0
}

// RangeScan collects the live keys in [lowerKey, upperKey) in order.
// A nil upperKey scans to the end of the tree.
func (tree *BLTree) RangeScan(lowerKey []byte, upperKey []byte) (num int, retKeys [][]byte, retVals [][]byte) {
	slot := tree.StartKey(lowerKey)

	for slot > 0 {
		if tree.cursor.Dead(slot) || tree.cursor.Typ(slot) == Librarian || tree.cursorStopper(slot) {
			slot = tree.NextKey(slot)
			continue
		}

		key := tree.CursorKey(slot)
		if upperKey != nil && tree.mgr.cmp.Compare(key, upperKey) >= 0 {
			break
		}

		retKeys = append(retKeys, key)
		retVals = append(retVals, tree.CursorValue(slot))
		num++

		slot = tree.NextKey(slot)
	}

	return num, retKeys, retVals
}

// ReverseScan collects every live key in the tree in descending
// order, walking right to left from the rightmost leaf.
func (tree *BLTree) ReverseScan() (num int, retKeys [][]byte, retVals [][]byte) {
	for slot := tree.LastKey(); slot > 0; slot = tree.PrevKey(slot) {
		if tree.cursor.Dead(slot) || tree.cursor.Typ(slot) == Librarian || tree.cursorStopper(slot) {
			continue
		}

		retKeys = append(retKeys, tree.CursorKey(slot))
		retVals = append(retVals, tree.CursorValue(slot))
		num++
	}

	return num, retKeys, retVals
}
