package blinkdb

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// Page zero carries the allocator state behind its page header: the
// next-never-allocated page id lives in the header Right field, the
// rightmost leaf id in the header Left field, then the duplicate key
// sequence and the free chain head.
const (
	allocRightOff = 4*4 + 1 + 1 + 1 + 1
	allocLeftOff  = allocRightOff + BtId
	allocDupsOff  = PageHeaderSize
	allocChainOff = allocDupsOff + 8
)

type (
	PageZero struct {
		alloc  []byte // mapped or buffered page zero
		mapped bool   // alloc is an mmap of the file
		dups   uint64 // global duplicate key unique id
		chain  [BtId]uint8
	}
	BufMgr struct {
		pageSize     uint32 // page size
		pageBits     uint8  // page size in bits
		pageDataSize uint32 // page data size
		idx          PageIO
		cmp          KeyComparator

		pageZero      PageZero
		lock          SpinLatch   // allocation area lite latch
		latchDeployed uint32      // highest number of latch entries deployed
		latchTotal    uint        // number of page latch entries
		latchHash     uint        // number of latch hash table slots
		latchVictim   uint32      // next latch entry to examine
		threadNo      uint32      // next tree handle id
		hashTable     []HashEntry // the buffer pool hash table entries
		latchSets     []LatchSet  // mapped latch set from buffer pool
		pagePool      []Page      // mapped to the buffer pool pages

		err BLTErr // last error
	}
)

func (z *PageZero) AllocRight() *[BtId]byte {
	return (*[BtId]byte)(z.alloc[allocRightOff : allocRightOff+BtId])
}

func (z *PageZero) SetAllocRight(pageNo uid) {
	PutID(z.AllocRight(), pageNo)
}

// AllocLeft is the id of the rightmost leaf, kept current so reverse
// scans know where to start.
func (z *PageZero) AllocLeft() *[BtId]byte {
	return (*[BtId]byte)(z.alloc[allocLeftOff : allocLeftOff+BtId])
}

func (z *PageZero) SetAllocLeft(pageNo uid) {
	PutID(z.AllocLeft(), pageNo)
}

// NewBufMgr creates a new buffer manager. A nil comparator selects
// binary key order. The name ":memory:" backs the store with memory.
func NewBufMgr(name string, bits uint8, nodeMax uint, cmp KeyComparator) *BufMgr {
	initit := true

	// determine sanity of page size
	if bits > BtMaxBits {
		bits = BtMaxBits
	} else if bits < BtMinBits {
		bits = BtMinBits
	}

	// determine sanity of buffer pool
	if nodeMax < 16 {
		slog.Error("buffer pool too small", "nodeMax", nodeMax)
		return nil
	}

	if cmp == nil {
		cmp = BinaryComparator{}
	}

	mgr := BufMgr{cmp: cmp}

	var isFile bool
	var err error
	mgr.idx, isFile, err = openPageIO(name)
	if err != nil {
		slog.Error("unable to open btree file", "name", name, "err", err)
		return nil
	}

	// read minimum page size to get root info
	//  to support raw disk partition files
	//  check if bits == 0 on the disk.
	pageBytes := make([]byte, BtMinPage)
	if n, err := mgr.idx.ReadAt(pageBytes, 0); err == nil && n == BtMinPage {
		var page Page

		if err := binary.Read(bytes.NewReader(pageBytes), binary.LittleEndian, &page.PageHeader); err != nil {
			slog.Error("unable to read btree file", "err", err)
			return nil
		}

		if page.Bits > 0 {
			bits = page.Bits
			initit = false
		}
	}

	mgr.pageSize = 1 << bits
	mgr.pageBits = bits
	mgr.pageDataSize = mgr.pageSize - PageHeaderSize

	mgr.latchHash = nodeMax / 16
	mgr.latchTotal = nodeMax

	if initit {
		alloc := NewPage(mgr.pageDataSize)
		alloc.Bits = mgr.pageBits
		PutID(&alloc.Right, MinLvl+1)
		PutID(&alloc.Left, LeafPage)

		if mgr.writePage(alloc, 0) != BLTErrOk {
			slog.Error("unable to create btree page zero")
			mgr.Close()
			return nil
		}

		alloc = NewPage(mgr.pageDataSize)
		alloc.Bits = mgr.pageBits

		for lvl := MinLvl - 1; lvl >= 0; lvl-- {
			z := uint32(1) // size of an empty value
			if lvl > 0 {
				z += BtId
			}
			alloc.SetKeyOffset(1, mgr.pageDataSize-3-z)
			// create stopper key
			alloc.SetKey(StopperKey, 1)

			if lvl > 0 {
				var value [BtId]byte
				PutID(&value, uid(MinLvl-lvl+1))
				alloc.SetValue(value[:], 1)
			} else {
				alloc.SetValue([]byte{}, 1)
			}

			alloc.Min = alloc.KeyOffset(1)
			alloc.Lvl = uint8(lvl)
			alloc.Cnt = 1
			alloc.Act = 1

			if err := mgr.writePage(alloc, uid(MinLvl-lvl)); err != BLTErrOk {
				slog.Error("unable to create initial btree pages")
				return nil
			}
		}
	}

	if err := mgr.mapPageZero(isFile); err != BLTErrOk {
		mgr.Close()
		return nil
	}

	mgr.pageZero.dups = binary.LittleEndian.Uint64(mgr.pageZero.alloc[allocDupsOff:])
	copy(mgr.pageZero.chain[:], mgr.pageZero.alloc[allocChainOff:allocChainOff+BtId])

	mgr.hashTable = make([]HashEntry, mgr.latchHash)
	mgr.latchSets = make([]LatchSet, mgr.latchTotal)
	mgr.pagePool = make([]Page, mgr.latchTotal)

	return &mgr
}

// mapPageZero keeps page zero resident for the life of the store. A
// file-backed store maps and locks the page; other backends buffer it
// and write it back on close.
func (mgr *BufMgr) mapPageZero(isFile bool) BLTErr {
	if isFile {
		f := mgr.idx.(*os.File)
		alloc, err := unix.Mmap(int(f.Fd()), 0, int(mgr.pageSize),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			slog.Error("unable to mmap btree page zero", "err", err)
			return BLTErrMap
		}
		// lock against swap-out, best effort
		_ = unix.Mlock(alloc)

		mgr.pageZero.alloc = alloc
		mgr.pageZero.mapped = true
		return BLTErrOk
	}

	alloc := make([]byte, mgr.pageSize)
	if n, err := mgr.idx.ReadAt(alloc, 0); err != nil || n < int(mgr.pageSize) {
		slog.Error("unable to read btree page zero", "err", err)
		return BLTErrRead
	}
	mgr.pageZero.alloc = alloc
	return BLTErrOk
}

func (mgr *BufMgr) readPage(page *Page, pageNo uid) BLTErr {
	off := int64(pageNo) << mgr.pageBits

	pageBytes := directio.AlignedBlock(int(mgr.pageSize))
	if n, err := mgr.idx.ReadAt(pageBytes, off); err != nil || n < int(mgr.pageSize) {
		slog.Error("unable to read page", "pageNo", pageNo, "err", err)
		return BLTErrRead
	}

	if err := binary.Read(bytes.NewReader(pageBytes), binary.LittleEndian, &page.PageHeader); err != nil {
		slog.Error("unable to decode page header", "err", err)
		return BLTErrRead
	}
	page.Data = pageBytes[PageHeaderSize:]

	return BLTErrOk
}

// writePage writes a page to its permanent location in the btree file.
func (mgr *BufMgr) writePage(page *Page, pageNo uid) BLTErr {
	off := int64(pageNo) << mgr.pageBits

	pageBytes := directio.AlignedBlock(int(mgr.pageSize))
	buf := bytes.NewBuffer(pageBytes[:0])
	if err := binary.Write(buf, binary.LittleEndian, page.PageHeader); err != nil {
		slog.Error("unable to encode page header", "err", err)
		return BLTErrWrite
	}
	copy(pageBytes[PageHeaderSize:], page.Data)

	if _, err := mgr.idx.WriteAt(pageBytes, off); err != nil {
		slog.Error("unable to write btree file", "pageNo", pageNo, "err", err)
		return BLTErrWrite
	}

	return BLTErrOk
}

// Close flushes dirty pool pages and the allocator page, then closes
// the backing store.
func (mgr *BufMgr) Close() {
	num := 0

	// flush dirty pool pages to the btree
	var slot uint32
	for slot = 1; slot <= mgr.latchDeployed; slot++ {
		page := &mgr.pagePool[slot]
		latch := &mgr.latchSets[slot]

		if latch.dirty {
			mgr.writePage(page, latch.pageNo)
			latch.dirty = false
			num++
		}
	}

	slog.Debug("buffer pool pages flushed", "count", num)

	if mgr.pageZero.alloc != nil {
		// persist duplicate sequence and free chain
		binary.LittleEndian.PutUint64(mgr.pageZero.alloc[allocDupsOff:], atomic.LoadUint64(&mgr.pageZero.dups))
		copy(mgr.pageZero.alloc[allocChainOff:allocChainOff+BtId], mgr.pageZero.chain[:])

		if mgr.pageZero.mapped {
			if err := unix.Msync(mgr.pageZero.alloc, unix.MS_SYNC); err != nil {
				slog.Error("unable to sync btree page zero", "err", err)
			}
			if err := unix.Munmap(mgr.pageZero.alloc); err != nil {
				slog.Error("unable to munmap btree page zero", "err", err)
			}
		} else {
			if _, err := mgr.idx.WriteAt(mgr.pageZero.alloc, 0); err != nil {
				slog.Error("unable to write btree page zero", "err", err)
			}
		}
		mgr.pageZero.alloc = nil
	}

	if f, ok := mgr.idx.(*os.File); ok {
		_ = f.Sync()
	}

	if err := mgr.idx.Close(); err != nil {
		slog.Error("unable to close btree file", "err", err)
	}
}

// PoolAudit complains about latches still held at shutdown.
func (mgr *BufMgr) PoolAudit() {
	var slot uint32
	for slot = 0; slot <= mgr.latchDeployed; slot++ {
		latch := mgr.latchSets[slot]

		if (latch.readWr.rin & Mask) > 0 {
			slog.Warn("latchset rwlocked", "slot", slot, "pageNo", latch.pageNo)
		}

		if (latch.access.rin & Mask) > 0 {
			slog.Warn("latchset access locked", "slot", slot, "pageNo", latch.pageNo)
		}

		if latch.parent.Owner() != 0 {
			slog.Warn("latchset parent locked", "slot", slot, "pageNo", latch.pageNo)
		}

		if latch.atomic.Owner() != 0 {
			slog.Warn("latchset atomic locked", "slot", slot, "pageNo", latch.pageNo)
		}

		if (latch.pin & ^ClockBit) > 0 {
			slog.Warn("latchset pinned", "slot", slot, "pageNo", latch.pageNo)
		}
	}
}

// latchLink links a latch table entry into the head of its hash chain.
func (mgr *BufMgr) latchLink(hashIdx uint, slot uint, pageNo uid, loadIt bool, reads *uint) BLTErr {
	page := &mgr.pagePool[slot]
	latch := &mgr.latchSets[slot]

	latch.next = mgr.hashTable[hashIdx].slot
	if latch.next > 0 {
		mgr.latchSets[latch.next].prev = slot
	}

	mgr.hashTable[hashIdx].slot = slot
	latch.pageNo = pageNo
	latch.entry = slot
	latch.split = 0
	latch.prev = 0
	latch.pin = 1

	if loadIt {
		if mgr.err = mgr.readPage(page, pageNo); mgr.err != BLTErrOk {
			return mgr.err
		}
		*reads++
	}

	mgr.err = BLTErrOk
	return mgr.err
}

// MapPage maps a page from the buffer pool
func (mgr *BufMgr) MapPage(latch *LatchSet) *Page {
	return &mgr.pagePool[latch.entry]
}

// PinLatch pins a page in the buffer pool
func (mgr *BufMgr) PinLatch(pageNo uid, loadIt bool, reads *uint, writes *uint) *LatchSet {
	hashIdx := uint(pageNo) % mgr.latchHash

	// try to find our entry
	mgr.hashTable[hashIdx].latch.SpinWriteLock()
	defer mgr.hashTable[hashIdx].latch.SpinReleaseWrite()

	slot := mgr.hashTable[hashIdx].slot
	for slot > 0 {
		latch := &mgr.latchSets[slot]
		if latch.pageNo == pageNo {
			break
		}
		slot = latch.next
	}

	// found our entry, increment its pin count
	if slot > 0 {
		latch := &mgr.latchSets[slot]
		atomic.AddUint32(&latch.pin, 1)

		return latch
	}

	// see if there are any unused pool entries
	slot = uint(atomic.AddUint32(&mgr.latchDeployed, 1))
	if slot < mgr.latchTotal {
		latch := &mgr.latchSets[slot]
		if mgr.latchLink(hashIdx, slot, pageNo, loadIt, reads) != BLTErrOk {
			return nil
		}

		return latch
	}

	atomic.AddUint32(&mgr.latchDeployed, DECREMENT)

	for {
		slot = uint(atomic.AddUint32(&mgr.latchVictim, 1) - 1)

		// try to get write lock on hash chain
		// skip entry if not obtained or has outstanding pins
		slot %= mgr.latchTotal

		if slot == 0 {
			continue
		}
		latch := &mgr.latchSets[slot]
		idx := uint(latch.pageNo) % mgr.latchHash

		// see we are on same chain as hashIdx
		if idx == hashIdx {
			continue
		}
		if !mgr.hashTable[idx].latch.SpinWriteTry() {
			continue
		}

		// skip this slot if it is pinned or the CLOCK bit is set
		if latch.pin > 0 {
			if latch.pin&ClockBit > 0 {
				FetchAndAndUint32(&latch.pin, ^ClockBit)
			}
			mgr.hashTable[idx].latch.SpinReleaseWrite()
			continue
		}

		//  update permanent page area in btree from buffer pool
		page := mgr.pagePool[slot]

		if latch.dirty {
			if err := mgr.writePage(&page, latch.pageNo); err != BLTErrOk {
				return nil
			}
			latch.dirty = false
			*writes++
		}

		//  unlink our available slot from its hash chain
		if latch.prev > 0 {
			mgr.latchSets[latch.prev].next = latch.next
		} else {
			mgr.hashTable[idx].slot = latch.next
		}

		if latch.next > 0 {
			mgr.latchSets[latch.next].prev = latch.prev
		}

		if mgr.latchLink(hashIdx, slot, pageNo, loadIt, reads) != BLTErrOk {
			mgr.hashTable[idx].latch.SpinReleaseWrite()
			return nil
		}
		mgr.hashTable[idx].latch.SpinReleaseWrite()

		return latch
	}
}

// UnpinLatch unpins a page in the buffer pool
func (mgr *BufMgr) UnpinLatch(latch *LatchSet) {
	if ^latch.pin&ClockBit > 0 {
		FetchAndOrUint32(&latch.pin, ClockBit)
	}
	atomic.AddUint32(&latch.pin, DECREMENT)
}

// NewPage allocate a new page
// returns the page with latched but unlocked
func (mgr *BufMgr) NewPage(set *PageSet, contents *Page, reads *uint, writes *uint) BLTErr {
	// lock allocation page
	mgr.lock.SpinWriteLock()

	// use empty chain first, else allocate empty page
	pageNo := GetID(&mgr.pageZero.chain)
	if pageNo > 0 {
		set.latch = mgr.PinLatch(pageNo, true, reads, writes)
		if set.latch != nil {
			set.page = mgr.MapPage(set.latch)
		} else {
			mgr.err = BLTErrStruct
			mgr.lock.SpinReleaseWrite()
			return mgr.err
		}

		PutID(&mgr.pageZero.chain, GetID(&set.page.Right))
		mgr.lock.SpinReleaseWrite()
		MemCpyPage(set.page, contents)

		set.latch.dirty = true
		mgr.err = BLTErrOk
		return mgr.err
	}

	pageNo = GetID(mgr.pageZero.AllocRight())
	mgr.pageZero.SetAllocRight(pageNo + 1)

	// unlock allocation latch
	mgr.lock.SpinReleaseWrite()

	// don't load cache from btree page
	set.latch = mgr.PinLatch(pageNo, false, reads, writes)
	if set.latch != nil {
		set.page = mgr.MapPage(set.latch)
	} else {
		mgr.err = BLTErrStruct
		return mgr.err
	}

	set.page.Data = make([]byte, mgr.pageDataSize)
	MemCpyPage(set.page, contents)
	set.latch.dirty = true
	mgr.err = BLTErrOk
	return mgr.err
}

// LoadPage find and load page at given level for given key, leaving
// the page read or write locked as requested.
func (mgr *BufMgr) LoadPage(set *PageSet, key []byte, lvl uint8, lock BLTLockMode, tid uint32, reads *uint, writes *uint) uint32 {
	pageNo := RootPage
	prevPage := uid(0)
	drill := uint8(0xff)
	var slot uint32
	var prevLatch *LatchSet

	mode := LockNone
	prevMode := LockNone

	// start at root of btree and drill down
	for pageNo > 0 {
		// determine lock mode of drill level
		if drill == lvl {
			mode = lock
		} else {
			mode = LockRead
		}

		set.latch = mgr.PinLatch(pageNo, true, reads, writes)
		if set.latch == nil {
			return 0
		}

		// obtain access lock using lock chaining with Access mode
		if pageNo > RootPage {
			mgr.PageLock(LockAccess, set.latch, tid)
		}

		set.page = mgr.MapPage(set.latch)

		// release & unpin parent page
		if prevPage > 0 {
			mgr.PageUnlock(prevMode, prevLatch, tid)
			mgr.UnpinLatch(prevLatch)
			prevPage = uid(0)
		}

		// obtain mode lock using lock chaining through AccessLock
		mgr.PageLock(mode, set.latch, tid)

		if set.page.Free {
			if pageNo > RootPage {
				mgr.PageUnlock(LockAccess, set.latch, tid)
			}
			mgr.PageUnlock(mode, set.latch, tid)
			mgr.UnpinLatch(set.latch)
			mgr.err = BLTErrStruct
			return 0
		}

		if pageNo > RootPage {
			mgr.PageUnlock(LockAccess, set.latch, tid)
		}

		// re-read and re-lock root after determining actual level of root
		if set.page.Lvl != drill {
			if set.latch.pageNo != RootPage {
				mgr.PageUnlock(mode, set.latch, tid)
				mgr.UnpinLatch(set.latch)
				mgr.err = BLTErrStruct
				return 0
			}

			drill = set.page.Lvl

			if lock != LockRead && drill == lvl {
				mgr.PageUnlock(mode, set.latch, tid)
				mgr.UnpinLatch(set.latch)
				continue
			}
		}

		prevPage = set.latch.pageNo
		prevLatch = set.latch
		prevMode = mode

		//  find key on page at this level
		//  and descend to requested level
		if set.page.Kill {
			goto sliderRight
		}

		slot = set.page.FindSlot(key, mgr.cmp)
		if slot > 0 {
			if drill == lvl {
				return slot
			}

			for set.page.Dead(slot) {
				if slot < set.page.Cnt {
					slot++
					continue
				} else {
					goto sliderRight
				}
			}

			pageNo = GetIDFromValue(set.page.Value(slot))
			drill--
			continue
		}

	sliderRight: // slide right into next page
		pageNo = GetID(&set.page.Right)
	}

	// return error on end of right chain
	if prevPage > 0 {
		mgr.PageUnlock(prevMode, prevLatch, tid)
		mgr.UnpinLatch(prevLatch)
	}
	mgr.err = BLTErrStruct
	return 0
}

// FreePage
//
// return page to free list
// page must be delete and write locked
func (mgr *BufMgr) FreePage(set *PageSet, tid uint32) {

	// lock allocation page
	mgr.lock.SpinWriteLock()

	// store chain
	set.page.Right = mgr.pageZero.chain
	PutID(&mgr.pageZero.chain, set.latch.pageNo)
	set.latch.dirty = true
	set.page.Free = true

	// unlock released page
	mgr.PageUnlock(LockDelete, set.latch, tid)
	mgr.PageUnlock(LockWrite, set.latch, tid)
	mgr.UnpinLatch(set.latch)

	// unlock allocation page
	mgr.lock.SpinReleaseWrite()
}

// setRightmostLeaf records the new far right page of the leaf level.
func (mgr *BufMgr) setRightmostLeaf(pageNo uid) {
	mgr.lock.SpinWriteLock()
	mgr.pageZero.SetAllocLeft(pageNo)
	mgr.lock.SpinReleaseWrite()
}

func (mgr *BufMgr) rightmostLeaf() uid {
	mgr.lock.SpinWriteLock()
	pageNo := GetID(mgr.pageZero.AllocLeft())
	mgr.lock.SpinReleaseWrite()
	return pageNo
}

// PageLock places a lock of the requested mode on a pinned page. The
// tid identifies the holder of reentrant parent and atomic locks.
func (mgr *BufMgr) PageLock(mode BLTLockMode, latch *LatchSet, tid uint32) {
	switch mode {
	case LockRead:
		latch.readWr.ReadLock()
	case LockWrite:
		latch.readWr.WriteLock()
	case LockAccess:
		latch.access.ReadLock()
	case LockDelete:
		latch.access.WriteLock()
	case LockParent:
		latch.parent.Lock(tid)
	case LockAtomic:
		latch.atomic.Lock(tid)
	case LockAtomic | LockRead:
		latch.atomic.Lock(tid)
		latch.readWr.ReadLock()
	}
}

func (mgr *BufMgr) PageUnlock(mode BLTLockMode, latch *LatchSet, tid uint32) {
	switch mode {
	case LockRead:
		latch.readWr.ReadRelease()
	case LockWrite:
		latch.readWr.WriteRelease()
	case LockAccess:
		latch.access.ReadRelease()
	case LockDelete:
		latch.access.WriteRelease()
	case LockParent:
		latch.parent.Release()
	case LockAtomic:
		latch.atomic.Release()
	case LockAtomic | LockRead:
		latch.atomic.Release()
		latch.readWr.ReadRelease()
	}
}
