package blinkdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testDBPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func TestNewBufMgr(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bufmgr_new.db"), 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	if mgr.pageSize != 1<<15 {
		t.Errorf("pageSize = %d, want %d", mgr.pageSize, 1<<15)
	}
	if mgr.pageDataSize != 1<<15-PageHeaderSize {
		t.Errorf("pageDataSize = %d, want %d", mgr.pageDataSize, 1<<15-PageHeaderSize)
	}

	// the allocator hands out pages after the preallocated spine
	if got := GetID(mgr.pageZero.AllocRight()); got != MinLvl+1 {
		t.Errorf("alloc right = %d, want %d", got, MinLvl+1)
	}

	// the initial leaf is also the rightmost leaf
	if got := mgr.rightmostLeaf(); got != LeafPage {
		t.Errorf("rightmost leaf = %d, want %d", got, LeafPage)
	}
}

func TestNewBufMgr_memory(t *testing.T) {
	mgr := NewBufMgr(MemoryStore, 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	tree := NewBLTree(mgr)
	if err := tree.InsertKey([]byte{1, 2, 3}, 0, []byte{9}, true); err != BLTErrOk {
		t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
	}
	if n, _, _ := tree.FindKey([]byte{1, 2, 3}, MaxKey); n != 1 {
		t.Errorf("FindKey() = %v, want 1", n)
	}
}

func TestBufMgr_pageSizeRediscovered(t *testing.T) {
	path := testDBPath(t, "bufmgr_bits.db")

	mgr := NewBufMgr(path, 12, 20, nil)
	require.NotNil(t, mgr)
	mgr.Close()

	// reopen with a different requested size; the stored bits win
	mgr = NewBufMgr(path, 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	if mgr.pageBits != 12 {
		t.Errorf("pageBits = %d, want 12", mgr.pageBits)
	}
}

func TestBufMgr_PinLatch(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bufmgr_pin.db"), 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	var reads, writes uint

	latch := mgr.PinLatch(RootPage, true, &reads, &writes)
	require.NotNil(t, latch)
	if latch.pageNo != RootPage {
		t.Errorf("pageNo = %d, want %d", latch.pageNo, RootPage)
	}
	if latch.pin&^ClockBit != 1 {
		t.Errorf("pin = %d, want 1", latch.pin&^ClockBit)
	}

	// pinning again reuses the entry
	latch2 := mgr.PinLatch(RootPage, true, &reads, &writes)
	require.NotNil(t, latch2)
	if latch2.entry != latch.entry {
		t.Errorf("entry = %d, want %d", latch2.entry, latch.entry)
	}
	if latch2.pin&^ClockBit != 2 {
		t.Errorf("pin = %d, want 2", latch2.pin&^ClockBit)
	}

	mgr.UnpinLatch(latch)
	mgr.UnpinLatch(latch2)
	if latch.pin&^ClockBit != 0 {
		t.Errorf("pin after unpin = %d, want 0", latch.pin&^ClockBit)
	}
	if latch.pin&ClockBit == 0 {
		t.Errorf("clock bit not set after unpin")
	}
}

func TestBufMgr_clockEviction(t *testing.T) {
	// small pages and a small pool so the working set overflows
	// the frames and the clock hand has to run
	mgr := NewBufMgr(testDBPath(t, "bufmgr_evict.db"), 9, 64, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	tree := NewBLTree(mgr)

	// push far more pages through the pool than it has frames
	keyTotal := 20000
	for i := 0; i < keyTotal; i++ {
		key := scenarioKey(t, i)
		if err := tree.InsertKey(key, 0, []byte{0, 0, 0, 0, 0, 0}, true); err != BLTErrOk {
			t.Fatalf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
	}

	for i := 0; i < keyTotal; i++ {
		key := scenarioKey(t, i)
		if n, _, _ := tree.FindKey(key, MaxKey); n != 6 {
			t.Fatalf("FindKey(%q) = %v, want 6", key, n)
		}
	}

	// every frame handed out stays bound to a valid page
	for slot := uint32(1); slot <= mgr.latchDeployed && slot < uint32(mgr.latchTotal); slot++ {
		latch := &mgr.latchSets[slot]
		if latch.pageNo == 0 {
			t.Errorf("slot %d has no page bound", slot)
		}
		idx := uint(latch.pageNo) % mgr.latchHash
		found := false
		for s := mgr.hashTable[idx].slot; s > 0; s = mgr.latchSets[s].next {
			if s == uint(slot) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("slot %d missing from its hash chain", slot)
		}
	}
}

func TestBufMgr_NewPage_reusesFreeList(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bufmgr_freelist.db"), 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	var reads, writes uint
	contents := NewPage(mgr.pageDataSize)
	contents.Bits = mgr.pageBits

	var set PageSet
	require.Equal(t, BLTErrOk, mgr.NewPage(&set, contents, &reads, &writes))
	first := set.latch.pageNo

	// free it and allocate again: the chain head comes back
	tree := NewBLTree(mgr)
	tree.lockPage(LockDelete, set.latch)
	tree.lockPage(LockWrite, set.latch)
	mgr.FreePage(&set, tree.threadNo)

	var again PageSet
	require.Equal(t, BLTErrOk, mgr.NewPage(&again, contents, &reads, &writes))
	if again.latch.pageNo != first {
		t.Errorf("reallocated page = %d, want %d", again.latch.pageNo, first)
	}
	if again.page.Free {
		t.Errorf("reallocated page still marked free")
	}
	mgr.UnpinLatch(again.latch)
}

func TestBufMgr_dupSequencePersisted(t *testing.T) {
	path := testDBPath(t, "bufmgr_dups.db")

	mgr := NewBufMgr(path, 15, 20, nil)
	require.NotNil(t, mgr)
	tree := NewBLTree(mgr)

	for i := 0; i < 3; i++ {
		require.Equal(t, BLTErrOk, tree.InsertKey([]byte("dup"), 0, []byte{byte(i)}, false))
	}
	mgr.Close()

	mgr = NewBufMgr(path, 15, 20, nil)
	require.NotNil(t, mgr)
	defer mgr.Close()

	if mgr.pageZero.dups != 3 {
		t.Errorf("dups = %d, want 3", mgr.pageZero.dups)
	}
}
