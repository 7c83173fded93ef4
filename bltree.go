package blinkdb

import (
	"sync/atomic"
)

type BLTree struct {
	mgr        *BufMgr // buffer manager for thread
	cursor     *Page   // cached frame for start/next (never mapped)
	cursorPage uid     // current cursor page number
	found      bool    // last delete found a live key
	err        BLTErr  // last error
	key        []byte  // last found complete key
	reads      uint    // number of reads from the btree
	writes     uint    // number of writes to the btree
	threadNo   uint32  // handle id owning reentrant locks
}

/*
 *  Notes:
 *
 *  Pages are allocated from low and high ends (addresses).  Key offsets
 *  and record pointers are allocated from low addresses, while the text
 *  of the key and its value are allocated from high addresses.  When
 *  the two areas meet, the page is split with a 50% rule.
 *
 *  A key consists of a length byte and up to 255 bytes of key value.
 *  Associated with each key is an opaque value of a length byte and up
 *  to 255 bytes of value.
 *
 *  The b-tree root is always located at page 1.  The first leaf page of
 *  level zero is always located on page 2.
 *
 *  The b-tree pages are linked with next pointers to facilitate
 *  enumerators and to provide for concurrency.
 *
 *  When the root page fills, it is split in two and the tree height is
 *  raised by a new root at page one with two keys.
 *
 *  Deleted keys are marked with a dead bit until page cleanup. The fence
 *  key for a node is always present.
 *
 *  To achieve maximum concurrency one page is locked at a time as the
 *  tree is traversed to find leaf key in question. The right page numbers
 *  are used in cases where the page is being split or consolidated.
 *
 *  Page 0 is dedicated to lock for new page extensions, and chains empty
 *  pages together for reuse.
 *
 *  The ParentModification lock on a node is obtained to serialize posting
 *  or changing the fence key for a node.
 *
 *  Empty pages are chained together through the ALLOC page and reused.
 *
 *  Access macros to address slot and key values from the page Page slots
 *  use 1 based indexing.
 */

// NewBLTree opens a btree handle for one goroutine on top of the
// shared buffer manager.
func NewBLTree(bufMgr *BufMgr) *BLTree {
	tree := BLTree{
		mgr:      bufMgr,
		threadNo: atomic.AddUint32(&bufMgr.threadNo, 1),
	}
	tree.cursor = NewPage(bufMgr.pageDataSize)

	return &tree
}

func (tree *BLTree) lockPage(mode BLTLockMode, latch *LatchSet) {
	tree.mgr.PageLock(mode, latch, tree.threadNo)
}

func (tree *BLTree) unlockPage(mode BLTLockMode, latch *LatchSet) {
	tree.mgr.PageUnlock(mode, latch, tree.threadNo)
}

// Err reports the error recorded by the last failed operation.
func (tree *BLTree) Err() BLTErr {
	return tree.err
}

// Found reports whether the last delete matched a live key.
func (tree *BLTree) Found() bool {
	return tree.found
}

// Reads counts pages read from the backing store by this handle.
func (tree *BLTree) Reads() uint {
	return tree.reads
}

// Writes counts pages written to the backing store by this handle.
func (tree *BLTree) Writes() uint {
	return tree.writes
}

// fixFence
// a fence key was deleted from a page,
// push new fence value upwards
func (tree *BLTree) fixFence(set *PageSet, lvl uint8) BLTErr {
	// remove the old fence value
	rightKey := set.page.Key(set.page.Cnt)
	set.page.ClearSlot(set.page.Cnt)
	set.page.Cnt--
	set.latch.dirty = true

	// cache new fence value
	leftKey := set.page.Key(set.page.Cnt)

	tree.lockPage(LockParent, set.latch)
	tree.unlockPage(LockWrite, set.latch)

	// insert new (now smaller) fence key
	var value [BtId]byte
	PutID(&value, set.latch.pageNo)

	if err := tree.InsertKey(leftKey, lvl+1, value[:], true); err != BLTErrOk {
		return err
	}

	// now delete old fence key
	if err := tree.DeleteKey(rightKey, lvl+1, true); err != BLTErrOk {
		return err
	}

	tree.unlockPage(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return BLTErrOk
}

// collapseRoot
// root has a single child
// collapse a level from the tree
func (tree *BLTree) collapseRoot(root *PageSet) BLTErr {
	var child PageSet
	var pageNo uid
	var idx uint32
	// find the child entry and promote as new root contents
	for {
		idx = 1
		for idx <= root.page.Cnt {
			if !root.page.Dead(idx) {
				break
			}
			idx++
		}

		pageNo = GetIDFromValue(root.page.Value(idx))
		child.latch = tree.mgr.PinLatch(pageNo, true, &tree.reads, &tree.writes)
		if child.latch != nil {
			child.page = tree.mgr.MapPage(child.latch)
		} else {
			return tree.err
		}

		tree.lockPage(LockDelete, child.latch)
		tree.lockPage(LockWrite, child.latch)

		MemCpyPage(root.page, child.page)
		root.latch.dirty = true
		tree.mgr.FreePage(&child, tree.threadNo)

		if !(root.page.Lvl > 1 && root.page.Act == 1) {
			break
		}
	}

	tree.unlockPage(LockWrite, root.latch)
	tree.mgr.UnpinLatch(root.latch)
	return BLTErrOk
}

// linkLeft updates the left pointer of the page to the right of
// pageNo so reverse scans follow the current chain. Call while
// holding Write on the pages left of rightNo.
func (tree *BLTree) linkLeft(rightNo uid, pageNo uid) BLTErr {
	var temp PageSet
	temp.latch = tree.mgr.PinLatch(rightNo, true, &tree.reads, &tree.writes)
	if temp.latch == nil {
		tree.err = BLTErrStruct
		return tree.err
	}
	temp.page = tree.mgr.MapPage(temp.latch)

	tree.lockPage(LockWrite, temp.latch)
	PutID(&temp.page.Left, pageNo)
	temp.latch.dirty = true
	tree.unlockPage(LockWrite, temp.latch)
	tree.mgr.UnpinLatch(temp.latch)
	return BLTErrOk
}

// deletePage
//
// delete a page and manage keys
// call with page writelocked
// returns with page unpinned
func (tree *BLTree) deletePage(set *PageSet, mode BLTLockMode) BLTErr {
	var right PageSet
	// cache copy of fence key to post in parent
	lowerFence := set.page.Key(set.page.Cnt)
	lvl := set.page.Lvl

	// obtain lock on right page
	pageNo := GetID(&set.page.Right)
	right.latch = tree.mgr.PinLatch(pageNo, true, &tree.reads, &tree.writes)
	if right.latch != nil {
		right.page = tree.mgr.MapPage(right.latch)
	} else {
		return BLTErrOk
	}

	tree.lockPage(LockWrite, right.latch)
	tree.lockPage(mode, right.latch)

	// cache copy of key to update
	higherFence := right.page.Key(right.page.Cnt)

	if right.page.Kill {
		tree.err = BLTErrStruct
		return tree.err
	}

	// pull contents of right peer into our empty page,
	// preserving our left link
	leftLink := set.page.Left
	MemCpyPage(set.page, right.page)
	set.page.Left = leftLink
	set.latch.dirty = true

	// mark right page deleted and point it to left page
	// until we can post parent updates that remove access
	// to the deleted page.
	PutID(&right.page.Right, set.latch.pageNo)
	right.latch.dirty = true
	right.page.Kill = true

	// our new right sibling must point back here
	if newRight := GetID(&set.page.Right); newRight > 0 {
		if err := tree.linkLeft(newRight, set.latch.pageNo); err != BLTErrOk {
			return err
		}
	} else if lvl == 0 {
		tree.mgr.setRightmostLeaf(set.latch.pageNo)
	}

	tree.lockPage(LockParent, right.latch)
	tree.unlockPage(LockWrite, right.latch)
	tree.unlockPage(mode, right.latch)
	tree.lockPage(LockParent, set.latch)
	tree.unlockPage(LockWrite, set.latch)

	// redirect higher key directly to our new node contents
	var value [BtId]byte
	PutID(&value, set.latch.pageNo)
	if err := tree.InsertKey(higherFence, lvl+1, value[:], true); err != BLTErrOk {
		return err
	}

	// delete old lower key to our node
	if err := tree.DeleteKey(lowerFence, lvl+1, true); err != BLTErrOk {
		return err
	}

	// obtain delete and write locks to right node
	tree.unlockPage(LockParent, right.latch)
	tree.lockPage(LockDelete, right.latch)
	tree.lockPage(LockWrite, right.latch)
	tree.mgr.FreePage(&right, tree.threadNo)
	tree.unlockPage(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	tree.found = true
	return BLTErrOk
}

// DeleteKey
//
// find and delete key on page by marking delete flag bit
// if page becomes empty, delete it from the btree
func (tree *BLTree) DeleteKey(key []byte, lvl uint8, unique bool) BLTErr {
	var set PageSet
	slot := tree.mgr.LoadPage(&set, key, lvl, LockWrite, tree.threadNo, &tree.reads, &tree.writes)
	if slot == 0 {
		return tree.err
	}
	ptr := set.page.Key(slot)

	// if librarian slot, advance to real slot
	if set.page.Typ(slot) == Librarian {
		slot++
		ptr = set.page.Key(slot)
	}

	fence := slot == set.page.Cnt

	// if key is found delete it, otherwise ignore request;
	// non-unique requests keep deleting matches on this page
	found := false
	for tree.keyMatch(ptr, key, set.page.Typ(slot)) {
		if !set.page.Dead(slot) {
			found = true
			val := set.page.Value(slot)
			set.page.SetDead(slot, true)
			set.page.Garbage += uint32(1+len(ptr)) + uint32(1+len(val))
			set.page.Act--

			// collapse empty slots beneath the fence
			idx := set.page.Cnt - 1
			for idx > 0 {
				if !set.page.Dead(idx) {
					break
				}
				set.page.CopySlot(idx, idx+1)
				set.page.ClearSlot(set.page.Cnt)
				set.page.Cnt--

				idx = set.page.Cnt - 1
			}
		}

		if unique || slot >= set.page.Cnt {
			break
		}
		slot++

		// step over the librarian slot to the next real slot
		if set.page.Typ(slot) == Librarian {
			slot++
		}
		ptr = set.page.Key(slot)
	}
	tree.found = found

	// did we delete a fence key in an upper level?
	if found && lvl > 0 && set.page.Act > 0 && fence {
		return tree.fixFence(&set, lvl)
	}

	// do we need to collapse root?
	if lvl > 1 && set.latch.pageNo == RootPage && set.page.Act == 1 {
		return tree.collapseRoot(&set)
	}

	// delete empty page
	if set.page.Act == 0 {
		return tree.deletePage(&set, LockNone)
	}
	set.latch.dirty = true
	tree.unlockPage(LockWrite, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	return BLTErrOk
}

// keyMatch compares a stored key against a search key, ignoring the
// duplicate sequence suffix on Duplicate slots.
func (tree *BLTree) keyMatch(stored, key []byte, typ SlotType) bool {
	if typ == Duplicate && len(stored) >= BtId {
		stored = stored[:len(stored)-BtId]
	}
	return tree.mgr.cmp.Compare(stored, key) == 0
}

// FoundKey returns the last complete key found, including any
// duplicate sequence.
func (tree *BLTree) FoundKey() []byte {
	return tree.key
}

// findNext
//
// advance to next slot
func (tree *BLTree) findNext(set *PageSet, slot uint32) uint32 {
	if slot < set.page.Cnt {
		return slot + 1
	}
	prevLatch := set.latch
	pageNo := GetID(&set.page.Right)
	if pageNo > 0 {
		set.latch = tree.mgr.PinLatch(pageNo, true, &tree.reads, &tree.writes)
		if set.latch != nil {
			set.page = tree.mgr.MapPage(set.latch)
		} else {
			return 0
		}
	} else {
		tree.err = BLTErrStruct
		return 0
	}

	// obtain access lock using lock chaining with Access mode
	tree.lockPage(LockAccess, set.latch)
	tree.unlockPage(LockRead, prevLatch)
	tree.mgr.UnpinLatch(prevLatch)
	tree.lockPage(LockRead, set.latch)
	tree.unlockPage(LockAccess, set.latch)
	return 1
}

// FindKey
//
// find unique key or first duplicate key in
// leaf level and return number of value bytes
// or (-1) if not found. Setup key for FoundKey
func (tree *BLTree) FindKey(key []byte, valMax int) (ret int, foundKey []byte, foundValue []byte) {
	var set PageSet
	ret = -1
	slot := tree.mgr.LoadPage(&set, key, 0, LockRead, tree.threadNo, &tree.reads, &tree.writes)
	for ; slot > 0; slot = tree.findNext(&set, slot) {
		ptr := set.page.Key(slot)

		// skip librarian slot place holder
		if set.page.Typ(slot) == Librarian {
			slot++
			ptr = set.page.Key(slot)
		}

		// return actual key found
		foundKey = make([]byte, len(ptr))
		copy(foundKey, ptr)
		tree.key = foundKey

		keyLen := len(ptr)

		if set.page.Typ(slot) == Duplicate {
			keyLen -= BtId
		}

		// not there if we reach the stopper key
		if slot == set.page.Cnt {
			if GetID(&set.page.Right) == 0 {
				break
			}
		}

		// if key exists, return >= 0 value bytes copied
		// otherwise return (-1)
		if set.page.Dead(slot) {
			continue
		}

		if keyLen == len(key) {
			if tree.mgr.cmp.Compare(ptr[:keyLen], key) == 0 {
				val := set.page.Value(slot)
				if valMax > len(val) {
					valMax = len(val)
				}
				foundValue = make([]byte, valMax)
				copy(foundValue, val)
				ret = valMax
			}
		}
		break
	}

	tree.unlockPage(LockRead, set.latch)
	tree.mgr.UnpinLatch(set.latch)

	return ret, foundKey, foundValue
}

// cleanPage
//
// check page for space available,
//
//	clean if necessary and return
//	0 - page needs splitting
//	>0 new slot value
func (tree *BLTree) cleanPage(set *PageSet, keyLen uint8, slot uint32, valLen uint8) uint32 {
	nxt := tree.mgr.pageDataSize
	page := set.page
	max := page.Cnt

	if page.Min >= (max+2)*SlotSize+PageHeaderSize+uint32(keyLen)+1+uint32(valLen)+1 {
		return slot
	}

	// skip cleanup and proceed to split
	// if there's not enough garbage to bother with.
	if page.Garbage < nxt/5 {
		return 0
	}

	frame := NewPage(tree.mgr.pageDataSize)
	MemCpyPage(frame, page)

	// skip page info and set rest of page to zero
	page.Data = make([]byte, tree.mgr.pageDataSize)
	set.latch.dirty = true
	page.Garbage = 0
	page.Act = 0

	// clean up page first by removing deleted keys
	newSlot := max
	idx := uint32(0)
	for cnt := uint32(0); cnt < max; {
		cnt++

		if cnt == slot {
			if idx == 0 {
				// because librarian slot will not be added
				newSlot = 1
			} else {
				newSlot = idx + 2
			}
		}
		if cnt < max && frame.Dead(cnt) {
			continue
		}

		// copy the key and value across
		nxt = page.copyRecord(frame, cnt, nxt)

		// make a librarian slot
		if idx > 0 {
			idx++
			page.SetKeyOffset(idx, nxt)
			page.SetTyp(idx, Librarian)
			page.SetDead(idx, true)
		}

		// set up the slot
		idx++
		page.SetKeyOffset(idx, nxt)
		page.SetTyp(idx, frame.Typ(cnt))

		page.SetDead(idx, frame.Dead(cnt))
		if !page.Dead(idx) {
			page.Act++
		}
	}

	page.Min = nxt
	page.Cnt = idx

	// see if page has enough space now, or does it need splitting?
	if page.Min >= (idx+2)*SlotSize+PageHeaderSize+uint32(keyLen)+1+uint32(valLen)+1 {
		return newSlot
	}

	return 0
}

// copyRecord moves the length-prefixed key and value of src slot cnt
// into p's record heap below offset nxt, returning the new offset.
func (p *Page) copyRecord(src *Page, cnt uint32, nxt uint32) uint32 {
	val := src.Value(cnt)
	nxt -= uint32(len(val) + 1)
	p.Data[nxt] = uint8(len(val))
	copy(p.Data[nxt+1:], val)

	key := src.Key(cnt)
	nxt -= uint32(len(key) + 1)
	p.Data[nxt] = uint8(len(key))
	copy(p.Data[nxt+1:], key)

	return nxt
}

// splitRoot
//
// split the root and raise the height of the btree
func (tree *BLTree) splitRoot(root *PageSet, right *LatchSet) BLTErr {
	var left PageSet
	nxt := tree.mgr.pageDataSize
	var value [BtId]byte
	// save left page fence key for new root
	leftKey := root.page.Key(root.page.Cnt)

	// Obtain an empty page to use, and copy the current
	// root contents into it, e.g. lower keys
	if err := tree.mgr.NewPage(&left, root.page, &tree.reads, &tree.writes); err != BLTErrOk {
		return err
	}

	leftPageNo := left.latch.pageNo
	tree.mgr.UnpinLatch(left.latch)

	// preserve the page info at the bottom
	// of higher keys and set rest to zero
	root.page.Data = make([]byte, tree.mgr.pageDataSize)

	// insert stopper key at top of newroot page
	// and increase the root height
	nxt -= BtId + 1
	PutID(&value, right.pageNo)
	root.page.Data[nxt] = BtId
	copy(root.page.Data[nxt+1:], value[:])

	nxt -= 2 + 1
	root.page.SetKeyOffset(2, nxt)
	root.page.Data[nxt] = 2
	copy(root.page.Data[nxt+1:], StopperKey)

	// insert lower keys page fence key on newroot page as first key
	nxt -= BtId + 1
	PutID(&value, leftPageNo)
	root.page.Data[nxt] = BtId
	copy(root.page.Data[nxt+1:], value[:])

	nxt -= uint32(len(leftKey)) + 1
	root.page.SetKeyOffset(1, nxt)
	root.page.Data[nxt] = uint8(len(leftKey))
	copy(root.page.Data[nxt+1:], leftKey)

	PutID(&root.page.Right, 0)
	PutID(&root.page.Left, 0)
	root.page.Min = nxt
	root.page.Cnt = 2
	root.page.Act = 2
	root.page.Lvl++

	// release and unpin root pages
	tree.unlockPage(LockWrite, root.latch)
	tree.mgr.UnpinLatch(root.latch)
	tree.mgr.UnpinLatch(right)
	return BLTErrOk
}

// splitPage
//
// split already locked full node; leave it locked.
// @return pool entry for new right page, unlocked
func (tree *BLTree) splitPage(set *PageSet) uint {
	nxt := tree.mgr.pageDataSize
	lvl := set.page.Lvl
	var right PageSet

	// split higher half of keys to frame
	frame := NewPage(tree.mgr.pageDataSize)
	max := set.page.Cnt
	if max < 2 {
		// the record cannot fit on half of an empty page
		tree.err = BLTErrOverflow
		return 0
	}
	cnt := max / 2
	idx := uint32(0)

	for cnt < max {
		cnt++
		if cnt < max || set.page.Lvl > 0 {
			if set.page.Dead(cnt) {
				continue
			}
		}

		nxt = frame.copyRecord(set.page, cnt, nxt)

		// add librarian slot
		if idx > 0 {
			idx++
			frame.SetKeyOffset(idx, nxt)
			frame.SetTyp(idx, Librarian)
			frame.SetDead(idx, true)
		}

		// add actual slot
		idx++
		frame.SetKeyOffset(idx, nxt)
		frame.SetTyp(idx, set.page.Typ(cnt))

		frame.SetDead(idx, set.page.Dead(cnt))
		if !frame.Dead(idx) {
			frame.Act++
		}
	}

	frame.Bits = tree.mgr.pageBits
	frame.Min = nxt
	frame.Cnt = idx
	frame.Lvl = lvl

	// link right node
	oldRight := uid(0)
	if set.latch.pageNo > RootPage {
		oldRight = GetID(&set.page.Right)
		PutID(&frame.Right, oldRight)
	}
	PutID(&frame.Left, set.latch.pageNo)

	// get new free page and write higher keys to it.
	if err := tree.mgr.NewPage(&right, frame, &tree.reads, &tree.writes); err != BLTErrOk {
		return 0
	}

	MemCpyPage(frame, set.page)
	set.page.Data = make([]byte, tree.mgr.pageDataSize)
	set.latch.dirty = true

	nxt = tree.mgr.pageDataSize
	set.page.Garbage = 0
	set.page.Act = 0
	max /= 2
	cnt = 0
	idx = 0

	if frame.Typ(max) == Librarian {
		max--
	}

	for cnt < max {
		cnt++
		if frame.Dead(cnt) {
			continue
		}

		nxt = set.page.copyRecord(frame, cnt, nxt)

		// add librarian slot
		if idx > 0 {
			idx++
			set.page.SetKeyOffset(idx, nxt)
			set.page.SetTyp(idx, Librarian)
			set.page.SetDead(idx, true)
		}

		// add actual slot
		idx++
		set.page.SetKeyOffset(idx, nxt)
		set.page.SetTyp(idx, frame.Typ(cnt))
		set.page.Act++
	}

	PutID(&set.page.Right, right.latch.pageNo)
	set.page.Min = nxt
	set.page.Cnt = idx

	// keep the left chain and the rightmost leaf current
	if oldRight > 0 {
		if tree.linkLeft(oldRight, right.latch.pageNo) != BLTErrOk {
			return 0
		}
	} else if lvl == 0 && set.latch.pageNo > RootPage {
		tree.mgr.setRightmostLeaf(right.latch.pageNo)
	}

	return right.latch.entry
}

// splitKeys
//
// fix keys for newly split page
// call with page locked
// @return unlocked
func (tree *BLTree) splitKeys(set *PageSet, right *LatchSet) BLTErr {
	lvl := set.page.Lvl

	// if current page is the root page, split it
	if RootPage == set.latch.pageNo {
		return tree.splitRoot(set, right)
	}

	leftKey := set.page.Key(set.page.Cnt)

	page := tree.mgr.MapPage(right)

	rightKey := page.Key(page.Cnt)

	// insert new fences in their parent pages
	tree.lockPage(LockParent, right)
	tree.lockPage(LockParent, set.latch)
	tree.unlockPage(LockWrite, set.latch)

	// insert new fence for reformulated left block of smaller keys
	var value [BtId]byte
	PutID(&value, set.latch.pageNo)

	if err := tree.InsertKey(leftKey, lvl+1, value[:], true); err != BLTErrOk {
		return err
	}

	// switch fence for right block of larger keys to new right page
	PutID(&value, right.pageNo)

	if err := tree.InsertKey(rightKey, lvl+1, value[:], true); err != BLTErrOk {
		return err
	}

	tree.unlockPage(LockParent, set.latch)
	tree.mgr.UnpinLatch(set.latch)
	tree.unlockPage(LockParent, right)
	tree.mgr.UnpinLatch(right)
	return BLTErrOk
}

// insertSlot install new key and value onto page.
// page must already be checked for adequate space
func (tree *BLTree) insertSlot(
	set *PageSet,
	slot uint32,
	key []byte,
	value []byte,
	typ SlotType,
	release bool,
) BLTErr {
	// if found slot > desired slot and previous slot is a librarian slot, use it
	if slot > 1 {
		if set.page.Typ(slot-1) == Librarian {
			slot--
		}
	}

	// copy key and value onto page
	set.page.appendRecord(key, value)
	set.latch.dirty = true

	// find first empty slot
	idx := slot
	for ; idx < set.page.Cnt; idx++ {
		if set.page.Dead(idx) {
			break
		}
	}

	// now insert key into array before slot
	var librarian uint32
	if idx == set.page.Cnt {
		idx += 2
		set.page.Cnt += 2
		librarian = 2
	} else {
		librarian = 1
	}
	set.page.Act++

	// move slots up to make room for new key
	for idx > slot+librarian-1 {
		set.page.CopySlot(idx, idx-librarian)
		idx--
	}

	// add librarian slot
	if librarian > 1 {
		set.page.SetKeyOffset(slot, set.page.Min)
		set.page.SetTyp(slot, Librarian)
		set.page.SetDead(slot, true)
		slot++
	}

	// fill in new slot
	set.page.SetKeyOffset(slot, set.page.Min)
	set.page.SetTyp(slot, typ)
	set.page.SetDead(slot, false)

	if release {
		tree.unlockPage(LockWrite, set.latch)
		tree.mgr.UnpinLatch(set.latch)
	}

	return BLTErrOk
}

// newDup
func (tree *BLTree) newDup() uid {
	return uid(atomic.AddUint64(&tree.mgr.pageZero.dups, 1))
}

// InsertKey inserts a new key into the btree at given level. Either
// adds a new key or updates an existing one. With unique false the
// key is made distinct by a duplicate sequence suffix.
func (tree *BLTree) InsertKey(key []byte, lvl uint8, value []byte, unique bool) BLTErr {
	var slot uint32
	var set PageSet
	var ptr []byte
	var typ SlotType

	keyMax := MaxKey
	if !unique {
		keyMax -= BtId
	}
	if len(key) == 0 || len(key) > keyMax || len(value) > MaxKey {
		tree.err = BLTErrOverflow
		return tree.err
	}

	ins := key

	// is this a non-unique index value?
	if unique {
		typ = Unique
	} else {
		typ = Duplicate
		var seqBytes [BtId]byte
		PutID(&seqBytes, tree.newDup())
		ins = make([]byte, 0, len(key)+BtId)
		ins = append(ins, key...)
		ins = append(ins, seqBytes[:]...)
	}

	for {
		slot = tree.mgr.LoadPage(&set, ins, lvl, LockWrite, tree.threadNo, &tree.reads, &tree.writes)
		if slot > 0 {
			ptr = set.page.Key(slot)
		} else {
			if tree.err == BLTErrOk {
				tree.err = BLTErrOverflow
			}
			return tree.err
		}

		// if librarian slot == found slot, advance to real slot
		if set.page.Typ(slot) == Librarian {
			if tree.mgr.cmp.Compare(ptr, key) == 0 {
				slot++
				ptr = set.page.Key(slot)
			}
		}

		keyLen := len(ptr)

		if set.page.Typ(slot) == Duplicate {
			keyLen -= BtId
		}

		// if inserting a duplicate key or unique key
		//   check for adequate space on the page
		//   and insert the new key before slot.
		if !unique || keyLen != len(ins) || tree.mgr.cmp.Compare(ptr[:keyLen], ins) != 0 {
			slot = tree.cleanPage(&set, uint8(len(ins)), slot, uint8(len(value)))
			if slot == 0 {
				entry := tree.splitPage(&set)
				if entry == 0 {
					return tree.err
				} else if err := tree.splitKeys(&set, &tree.mgr.latchSets[entry]); err != BLTErrOk {
					return err
				} else {
					continue
				}
			}
			return tree.insertSlot(&set, slot, ins, value, typ, true)
		}

		// if key already exists, update value and return
		val := set.page.Value(slot)
		if len(val) >= len(value) {
			if set.page.Dead(slot) {
				set.page.Act++
			}
			set.page.Garbage += uint32(len(val) - len(value))
			set.latch.dirty = true
			set.page.SetDead(slot, false)
			set.page.SetValue(value, slot)
			tree.unlockPage(LockWrite, set.latch)
			tree.mgr.UnpinLatch(set.latch)
			return BLTErrOk
		}

		// new update value doesn't fit in existing value area
		if !set.page.Dead(slot) {
			set.page.Garbage += uint32(len(val)+len(ptr)) + 2
		} else {
			set.page.SetDead(slot, false)
			set.page.Act++
		}

		slot = tree.cleanPage(&set, uint8(len(ins)), slot, uint8(len(value)))
		if slot == 0 {
			entry := tree.splitPage(&set)
			if entry == 0 {
				return tree.err
			} else if err := tree.splitKeys(&set, &tree.mgr.latchSets[entry]); err != BLTErrOk {
				return err
			} else {
				continue
			}
		}

		set.page.appendRecord(ins, value)
		set.latch.dirty = true
		set.page.SetKeyOffset(slot, set.page.Min)
		set.page.SetTyp(slot, typ)
		tree.unlockPage(LockWrite, set.latch)
		tree.mgr.UnpinLatch(set.latch)
		return BLTErrOk
	}
}
