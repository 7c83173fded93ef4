package blinkdb

// Batched atomic modification. The caller packs a page-shaped buffer
// of keyed mutations; AtomicTxn applies them so that concurrent
// readers observe either none or all of the batch on any leaf it
// touches. Leaves are claimed in key order under their Atomic locks,
// mutated under Write locks in a single pass, and any splits hang off
// the leaf's latch in a chain until the fence keys are posted from a
// FIFO at the end.

// KeyMod is one queued mutation for a source page.
type KeyMod struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// atomicMod is the per-mutation lock record.
type atomicMod struct {
	entry    uint   // latch table entry number
	slot     uint32 // page slot number
	reuse    bool   // mutation lands on the previous mutation's leaf
	released bool   // atomic lock already handed back
}

const (
	atomicKeyInsert = iota
	atomicKeyDelete
	atomicKeyFree
)

// atomicKey is one pending fence-key update, queued while split
// chains are processed and drained once the batch is applied.
type atomicKey struct {
	pageNo   uid   // page number for split leaf
	entry    uint  // latch table entry number
	typ      int   // insert, delete, or free
	nounlock bool  // don't unlock ParentModification
	leafKey  []byte
}

// PackSourcePage assembles mutations into a source page for AtomicTxn.
// With unique false, insert keys get their duplicate sequence here so
// they stay distinct through the batch.
func (tree *BLTree) PackSourcePage(mods []KeyMod, unique bool) (*Page, BLTErr) {
	source := NewPage(tree.mgr.pageDataSize)
	source.Bits = tree.mgr.pageBits
	source.Min = tree.mgr.pageDataSize

	for i, mod := range mods {
		key := mod.Key
		typ := Unique
		switch {
		case mod.Delete:
			typ = Delete
		case !unique:
			typ = Duplicate
			var seqBytes [BtId]byte
			PutID(&seqBytes, tree.newDup())
			key = make([]byte, 0, len(mod.Key)+BtId)
			key = append(key, mod.Key...)
			key = append(key, seqBytes[:]...)
		}

		if len(key) == 0 || len(key) > MaxKey || len(mod.Value) > MaxKey {
			return nil, BLTErrOverflow
		}

		need := uint32(len(key)+1) + uint32(len(mod.Value)+1)
		if source.Min < (source.Cnt+2)*SlotSize+need {
			return nil, BLTErrOverflow
		}

		source.appendRecord(key, mod.Value)
		slot := uint32(i + 1)
		source.SetKeyOffset(slot, source.Min)
		source.SetTyp(slot, typ)
		source.SetDead(slot, false)
		source.Cnt++
		source.Act++
	}

	return source, BLTErrOk
}

// abortAtomic hands back whatever the batch still holds. Mutations
// already applied stay applied; there is no undo log.
func (tree *BLTree) abortAtomic(locks []atomicMod, haveWrite bool) {
	for src := len(locks) - 1; src >= 1; src-- {
		if locks[src].reuse || locks[src].released || locks[src].entry == 0 {
			continue
		}
		latch := &tree.mgr.latchSets[locks[src].entry]
		if haveWrite {
			tree.unlockPage(LockWrite, latch)
		}
		tree.unlockPage(LockAtomic, latch)
		tree.mgr.UnpinLatch(latch)
		locks[src].released = true
	}
}

// AtomicTxn applies a batch of keyed mutations atomically with
// respect to concurrent readers.
//
// It returns -1 and an error when a structural problem aborts the
// batch, the 1-based source slot causing a key constraint violation
// (with nothing applied), or zero on success.
func (tree *BLTree) AtomicTxn(source *Page, unique bool) (int, BLTErr) {
	locks := make([]atomicMod, source.Cnt+1)
	var fifo []*atomicKey
	var set PageSet

	cmp := tree.mgr.cmp

	// stable sort the list of keys into order to
	// prevent deadlocks between threads
	for src := uint32(2); src <= source.Cnt; src++ {
		var temp [SlotSize]byte
		copy(temp[:], source.slotBytes(src))
		key := source.Key(src)

		idx := src
		for idx > 1 {
			if cmp.Compare(key, source.Key(idx-1)) >= 0 {
				break
			}
			source.CopySlot(idx, idx-1)
			copy(source.slotBytes(idx-1), temp[:])
			idx--
		}
	}

	// load the leaf page for each key,
	// group same page references with the reuse bit,
	// and determine any constraint violations
	for src := uint32(1); src <= source.Cnt; src++ {
		key := source.Key(src)
		slot := uint32(0)
		samepage := false

		// first determine if this modification falls
		// on the same page as the previous modification
		// note that the far right leaf page is a special case
		if src > 1 {
			samepage = GetID(&set.page.Right) == 0 ||
				cmp.Compare(set.page.Key(set.page.Cnt), key) >= 0
			if samepage {
				slot = set.page.FindSlot(key, cmp)
			} else {
				tree.unlockPage(LockRead, set.latch)
			}
		}

		if slot == 0 {
			slot = tree.mgr.LoadPage(&set, key, 0, LockRead|LockAtomic, tree.threadNo, &tree.reads, &tree.writes)
			if slot == 0 {
				tree.abortAtomic(locks[:src], false)
				tree.err = BLTErrAtomic
				return -1, tree.err
			}
			set.latch.split = 0
		}

		if set.page.Typ(slot) == Librarian {
			slot++
		}
		ptr := set.page.Key(slot)

		if samepage {
			locks[src] = atomicMod{reuse: true}
		} else {
			locks[src] = atomicMod{entry: set.latch.entry, slot: slot}
		}

		switch source.Typ(src) {
		case Duplicate, Unique:
			violation := false

			if !set.page.Dead(slot) &&
				(slot < set.page.Cnt || GetID(&set.page.Right) > 0) &&
				cmp.Compare(ptr, key) == 0 {
				violation = true
			}

			// two inserts of one key inside a unique batch
			// collide with each other
			if unique && src > 1 {
				prevTyp := source.Typ(src - 1)
				if (prevTyp == Duplicate || prevTyp == Unique) &&
					cmp.Compare(source.Key(src-1), key) == 0 {
					violation = true
				}
			}

			if violation {
				tree.unlockPage(LockRead, set.latch)
				tree.abortAtomic(locks[:src+1], false)
				return int(src), BLTErrOk
			}
		}
	}

	// unlock last loadpage lock
	if source.Cnt > 0 {
		tree.unlockPage(LockRead, set.latch)
	}

	// obtain write lock for each master page; drop the cached
	// slots since a single-key writer may have moved them
	for src := uint32(1); src <= source.Cnt; src++ {
		if locks[src].reuse {
			continue
		}
		tree.lockPage(LockWrite, &tree.mgr.latchSets[locks[src].entry])
		locks[src].slot = 0
	}

	// insert or delete each key,
	// process any splits or merges,
	// release Write & Atomic latches,
	// set ParentModifications and build
	// queue of keys to insert for split pages
	// or delete for deleted pages.

	// run through txn list backwards
	samepage := source.Cnt + 1
	var prev PageSet

	for src := source.Cnt; src >= 1; src-- {
		if locks[src].reuse {
			continue
		}

		// perform the txn operations from
		// smaller to larger on the same page
		for idx := src; idx < samepage; idx++ {
			switch source.Typ(idx) {
			case Delete:
				if tree.atomicDelete(source, locks, idx) != BLTErrOk {
					tree.abortAtomic(locks[:src+1], true)
					return -1, tree.err
				}
			case Duplicate, Unique:
				if tree.atomicInsert(source, locks, idx) != BLTErrOk {
					tree.abortAtomic(locks[:src+1], true)
					return -1, tree.err
				}
			}
		}

		// after the same page operations have finished,
		// process the master page for splits or deletion
		latch := &tree.mgr.latchSets[locks[src].entry]
		prev.latch = latch
		prev.page = tree.mgr.MapPage(prev.latch)
		samepage = src

		// pick up all splits from the master page;
		// each one is already WriteLocked
		entry := prev.latch.split

		for entry > 0 {
			set.latch = &tree.mgr.latchSets[entry]
			set.page = tree.mgr.MapPage(set.latch)
			entry = set.latch.split

			// delete an empty master page by undoing its split
			// (this is potentially another empty page)
			// note that there are no new left pointers yet
			if prev.page.Act == 0 {
				set.page.Left = prev.page.Left
				MemCpyPage(prev.page, set.page)
				tree.lockPage(LockDelete, set.latch)
				tree.mgr.FreePage(&set, tree.threadNo)

				prev.latch.dirty = true
				continue
			}

			// remove an empty page from the split chain
			if set.page.Act == 0 {
				prev.page.Right = set.page.Right
				prev.latch.split = set.latch.split
				tree.lockPage(LockDelete, set.latch)
				tree.mgr.FreePage(&set, tree.threadNo)
				continue
			}

			// schedule the prev fence key update
			fifo = append(fifo, &atomicKey{
				pageNo:  prev.latch.pageNo,
				entry:   prev.latch.entry,
				typ:     atomicKeyInsert,
				leafKey: prev.page.Key(prev.page.Cnt),
			})

			// splice in the left link into the split page
			PutID(&set.page.Left, prev.latch.pageNo)
			tree.lockPage(LockParent, prev.latch)
			tree.unlockPage(LockWrite, prev.latch)
			prev = PageSet{page: set.page, latch: set.latch}
		}

		// update the left pointer in the next right page from the
		// last split page (if all splits were reversed,
		// latch.split == 0)
		if latch.split > 0 {
			// fix the left pointer in the master's original
			// far right sibling, or set the rightmost page
			if right := GetID(&prev.page.Right); right > 0 {
				if tree.linkLeft(right, prev.latch.pageNo) != BLTErrOk {
					tree.abortAtomic(locks[:src+1], false)
					return -1, tree.err
				}
			} else {
				tree.mgr.setRightmostLeaf(prev.latch.pageNo)
			}

			// process the last page split in the chain
			fifo = append(fifo, &atomicKey{
				pageNo:  prev.latch.pageNo,
				entry:   prev.latch.entry,
				typ:     atomicKeyInsert,
				leafKey: prev.page.Key(prev.page.Cnt),
			})

			tree.lockPage(LockParent, prev.latch)
			tree.unlockPage(LockWrite, prev.latch)

			// remove the atomic lock on the master page
			tree.unlockPage(LockAtomic, latch)
			locks[src].released = true
			continue
		}

		// finished if prev page occupied (either master or final split)
		if prev.page.Act > 0 {
			tree.unlockPage(LockWrite, latch)
			tree.unlockPage(LockAtomic, latch)
			tree.mgr.UnpinLatch(latch)
			locks[src].released = true
			continue
		}

		// any and all splits were reversed, and the master page
		// located in prev is empty: delete it by pulling over the
		// master's right sibling. Remove the empty master's fence
		// key first.
		ptr := prev.page.Key(prev.page.Cnt)

		if tree.DeleteKey(ptr, 1, true) != BLTErrOk {
			tree.abortAtomic(locks[:src+1], false)
			return -1, tree.err
		}

		// perform the remainder of the delete from the FIFO queue
		fifo = append(fifo, &atomicKey{
			pageNo:   prev.latch.pageNo,
			entry:    prev.latch.entry,
			typ:      atomicKeyFree,
			nounlock: true,
			leafKey:  ptr,
		})

		// leave the atomic lock in place until
		// the deletion completes in the next phase
		tree.unlockPage(LockWrite, prev.latch)
	}

	// add & delete keys for any pages split or merged during the batch
	for _, leaf := range fifo {
		set.latch = &tree.mgr.latchSets[leaf.entry]
		set.page = tree.mgr.MapPage(set.latch)

		var value [BtId]byte
		PutID(&value, leaf.pageNo)

		switch leaf.typ {
		case atomicKeyInsert:
			if tree.InsertKey(leaf.leafKey, 1, value[:], true) != BLTErrOk {
				return -1, tree.err
			}
		case atomicKeyDelete:
			if tree.DeleteKey(leaf.leafKey, 1, true) != BLTErrOk {
				return -1, tree.err
			}
		case atomicKeyFree:
			if tree.atomicFree(&set) != BLTErrOk {
				return -1, tree.err
			}
		}

		if !leaf.nounlock {
			tree.unlockPage(LockParent, set.latch)
		}

		tree.mgr.UnpinLatch(set.latch)
	}

	return 0, BLTErrOk
}

// atomicPage determines the actual page where the source key is now
// located, following the split chain when needed, and returns its
// slot number.
func (tree *BLTree) atomicPage(source *Page, locks []atomicMod, src uint32, set *PageSet) uint32 {
	key := source.Key(src)
	slot := locks[src].slot
	var entry uint

	if src > 1 && locks[src].reuse {
		entry = locks[src-1].entry
		slot = 0
	} else {
		entry = locks[src].entry
	}

	if slot > 0 {
		set.latch = &tree.mgr.latchSets[entry]
		set.page = tree.mgr.MapPage(set.latch)
		return slot
	}

	// find where our key is located on the current page
	// or pages split by same-page txn operations
	for {
		set.latch = &tree.mgr.latchSets[entry]
		set.page = tree.mgr.MapPage(set.latch)

		if slot = set.page.FindSlot(key, tree.mgr.cmp); slot > 0 {
			if set.page.Typ(slot) == Librarian {
				slot++
			}
			if locks[src].reuse {
				locks[src].entry = entry
			}
			return slot
		}

		entry = set.latch.split
		if entry == 0 {
			break
		}
	}

	tree.err = BLTErrAtomic
	return 0
}

func (tree *BLTree) atomicInsert(source *Page, locks []atomicMod, src uint32) BLTErr {
	key := source.Key(src)
	val := source.Value(src)
	var set PageSet

	for {
		slot := tree.atomicPage(source, locks, src, &set)
		if slot == 0 {
			tree.err = BLTErrAtomic
			return tree.err
		}

		if slot = tree.cleanPage(&set, uint8(len(key)), slot, uint8(len(val))); slot > 0 {
			return tree.insertSlot(&set, slot, key, val, source.Typ(src), false)
		}

		entry := tree.splitPage(&set)
		if entry == 0 {
			return tree.err
		}
		latch := &tree.mgr.latchSets[entry]

		// splice the right page into the split chain
		// and WriteLock it
		tree.lockPage(LockWrite, latch)
		latch.split = set.latch.split
		set.latch.split = entry
		locks[src].slot = 0
	}
}

func (tree *BLTree) atomicDelete(source *Page, locks []atomicMod, src uint32) BLTErr {
	key := source.Key(src)
	var set PageSet

	slot := tree.atomicPage(source, locks, src, &set)
	if slot == 0 {
		tree.err = BLTErrStruct
		return tree.err
	}
	ptr := set.page.Key(slot)

	if !tree.keyMatch(ptr, key, set.page.Typ(slot)) {
		return BLTErrOk
	}
	if set.page.Dead(slot) {
		return BLTErrOk
	}

	val := set.page.Value(slot)
	set.page.SetDead(slot, true)
	set.page.Garbage += uint32(1+len(ptr)) + uint32(1+len(val))
	set.latch.dirty = true
	set.page.Act--
	tree.found = true
	return BLTErrOk
}

// atomicFree deletes an empty master page left over from a batch.
//
// Note that the far right page never empties because it always
// contains (at least) the infinite stopper key, and that all pages
// that don't contain any keys are deleted or are being held under
// the Atomic lock.
func (tree *BLTree) atomicFree(prev *PageSet) BLTErr {
	var right PageSet

	tree.lockPage(LockWrite, prev.latch)

	// grab the right sibling
	right.latch = tree.mgr.PinLatch(GetID(&prev.page.Right), true, &tree.reads, &tree.writes)
	if right.latch == nil {
		tree.err = BLTErrStruct
		return tree.err
	}
	right.page = tree.mgr.MapPage(right.latch)

	tree.lockPage(LockAtomic, right.latch)
	tree.lockPage(LockWrite, right.latch)

	// pull contents over the empty page
	// while preserving the master's left link
	right.page.Left = prev.page.Left
	MemCpyPage(prev.page, right.page)

	// forward seekers of the old right sibling
	// to the new page location
	PutID(&right.page.Right, prev.latch.pageNo)
	right.latch.dirty = true
	right.page.Kill = true

	// remove the pointer to the right page for searchers by
	// changing its fence key to point to the master page
	ptr := right.page.Key(right.page.Cnt)
	var value [BtId]byte
	PutID(&value, prev.latch.pageNo)

	if tree.InsertKey(ptr, 1, value[:], true) != BLTErrOk {
		return tree.err
	}

	// now that the master page is in good shape
	// we can remove its locks
	tree.unlockPage(LockAtomic, prev.latch)
	tree.unlockPage(LockWrite, prev.latch)

	// fix the master's right sibling's left pointer to remove
	// the scanner's pointer to the freed page
	if rightPageNo := GetID(&prev.page.Right); rightPageNo > 0 {
		if tree.linkLeft(rightPageNo, prev.latch.pageNo) != BLTErrOk {
			return tree.err
		}
	} else { // master is now the far right page
		tree.mgr.setRightmostLeaf(prev.latch.pageNo)
	}

	// now that there are no pointers to the right page
	// we can delete it after the last read access occurs
	tree.unlockPage(LockWrite, right.latch)
	tree.unlockPage(LockAtomic, right.latch)
	tree.lockPage(LockDelete, right.latch)
	tree.lockPage(LockWrite, right.latch)
	tree.mgr.FreePage(&right, tree.threadNo)
	return BLTErrOk
}
