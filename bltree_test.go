package blinkdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func scenarioKey(t *testing.T, i int) []byte {
	t.Helper()
	bs := make([]byte, 8)
	binary.BigEndian.PutUint64(bs, uint64(i))
	return bs
}

// collectScan walks the whole tree forward and returns the live keys
// and values in order.
func collectScan(tree *BLTree) (keys [][]byte, vals [][]byte) {
	_, keys, vals = tree.RangeScan(nil, nil)
	return keys, vals
}

// rootLevel reads the current level of the root page.
func rootLevel(tree *BLTree) uint8 {
	latch := tree.mgr.PinLatch(RootPage, true, &tree.reads, &tree.writes)
	page := tree.mgr.MapPage(latch)
	tree.lockPage(LockRead, latch)
	lvl := page.Lvl
	tree.unlockPage(LockRead, latch)
	tree.mgr.UnpinLatch(latch)
	return lvl
}

// verifyLeafChain checks the ordering invariants along the leaf
// level: keys strictly increase within each page and across right
// links, and each right sibling points back at its left peer.
func verifyLeafChain(t *testing.T, tree *BLTree) (liveKeys int) {
	t.Helper()

	var prevKey []byte
	var prevPage uid

	pageNo := LeafPage
	frame := NewPage(tree.mgr.pageDataSize)

	for pageNo > 0 {
		latch := tree.mgr.PinLatch(pageNo, true, &tree.reads, &tree.writes)
		require.NotNil(t, latch)
		tree.lockPage(LockRead, latch)
		MemCpyPage(frame, tree.mgr.MapPage(latch))
		tree.unlockPage(LockRead, latch)
		tree.mgr.UnpinLatch(latch)

		if frame.Lvl != 0 {
			t.Fatalf("page %d at level %d on the leaf chain", pageNo, frame.Lvl)
		}

		if prevPage > 0 && GetID(&frame.Left) != prevPage {
			t.Errorf("page %d left link = %d, want %d", pageNo, GetID(&frame.Left), prevPage)
		}

		for slot := uint32(1); slot <= frame.Cnt; slot++ {
			if frame.Dead(slot) {
				continue
			}
			key := frame.Key(slot)
			if slot == frame.Cnt && GetID(&frame.Right) == 0 {
				break // stopper
			}
			if prevKey != nil && bytes.Compare(prevKey, key) >= 0 {
				t.Errorf("page %d slot %d key %v out of order after %v", pageNo, slot, key, prevKey)
			}
			prevKey = key
			liveKeys++
		}

		prevPage = pageNo
		pageNo = GetID(&frame.Right)
	}

	if rightmost := tree.mgr.rightmostLeaf(); rightmost != prevPage {
		t.Errorf("rightmost leaf = %d, want %d", rightmost, prevPage)
	}

	return liveKeys
}

func TestBLTree_insert_and_find(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_insert_and_find.db"), 15, 20, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	if valLen, _, _ := bltree.FindKey([]byte{1, 1, 1, 1}, BtId); valLen >= 0 {
		t.Errorf("FindKey() = %v, want %v", valLen, -1)
	}

	if err := bltree.InsertKey([]byte{1, 1, 1, 1}, 0, []byte{0, 0, 0, 0, 0, 1}, true); err != BLTErrOk {
		t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
	}

	_, foundKey, foundValue := bltree.FindKey([]byte{1, 1, 1, 1}, BtId)
	if !bytes.Equal(foundKey, []byte{1, 1, 1, 1}) {
		t.Errorf("FindKey() key = %v, want %v", foundKey, []byte{1, 1, 1, 1})
	}
	if !bytes.Equal(foundValue, []byte{0, 0, 0, 0, 0, 1}) {
		t.Errorf("FindKey() value = %v, want %v", foundValue, []byte{0, 0, 0, 0, 0, 1})
	}
}

func TestBLTree_insert_and_find_many(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_insert_and_find_many.db"), 15, 48, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	num := 160000

	for i := 0; i < num; i++ {
		bs := scenarioKey(t, i)
		if err := bltree.InsertKey(bs, 0, []byte{}, true); err != BLTErrOk {
			t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
	}

	for i := 0; i < num; i++ {
		bs := scenarioKey(t, i)
		if _, foundKey, _ := bltree.FindKey(bs, BtId); !bytes.Equal(foundKey, bs) {
			t.Errorf("FindKey() = %v, want %v", foundKey, bs)
		}
	}
}

func TestBLTree_insert_updates_value(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_update.db"), 15, 20, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	key := []byte("k")

	require.Equal(t, BLTErrOk, bltree.InsertKey(key, 0, []byte("v1"), true))
	require.Equal(t, BLTErrOk, bltree.InsertKey(key, 0, []byte("v2"), true))

	n, _, val := bltree.FindKey(key, MaxKey)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("v2"), val)

	// a longer value moves the record but stays findable
	require.Equal(t, BLTErrOk, bltree.InsertKey(key, 0, []byte("much longer value"), true))
	n, _, val = bltree.FindKey(key, MaxKey)
	require.Equal(t, len("much longer value"), n)
	require.Equal(t, []byte("much longer value"), val)

	keys, _ := collectScan(bltree)
	require.Len(t, keys, 1)
}

func TestBLTree_duplicates(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_dups.db"), 15, 20, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	key := []byte("dup")
	for i := 0; i < 5; i++ {
		require.Equal(t, BLTErrOk, bltree.InsertKey(key, 0, []byte{byte(i)}, false))
	}

	keys, vals := collectScan(bltree)
	require.Len(t, keys, 5)
	for i := range keys {
		if !bytes.Equal(keys[i], key) {
			t.Errorf("scan key %d = %v, want %v", i, keys[i], key)
		}
		// duplicate sequence order is insertion order
		if !bytes.Equal(vals[i], []byte{byte(i)}) {
			t.Errorf("scan value %d = %v, want %v", i, vals[i], []byte{byte(i)})
		}
	}

	// delete with non-unique semantics removes the whole group
	require.Equal(t, BLTErrOk, bltree.DeleteKey(key, 0, false))
	keys, _ = collectScan(bltree)
	require.Empty(t, keys)
}

func TestBLTree_insert_and_find_concurrently(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "insert_and_find_concurrently.db"), 15, 16*7, nil)
	defer mgr.Close()

	keyTotal := 160000

	keys := make([][]byte, keyTotal)
	for i := 0; i < keyTotal; i++ {
		keys[i] = scenarioKey(t, i)
	}

	insertAndFindConcurrently(t, 7, mgr, keys)
}

func insertAndFindConcurrently(t *testing.T, routineNum int, mgr *BufMgr, keys [][]byte) {
	wg := sync.WaitGroup{}
	wg.Add(routineNum)

	keyTotal := len(keys)

	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			bltree := NewBLTree(mgr)
			for i := 0; i < keyTotal; i++ {
				if i%routineNum != n {
					continue
				}
				if err := bltree.InsertKey(keys[i], 0, []byte{}, true); err != BLTErrOk {
					t.Errorf("in goroutine%d InsertKey() = %v, want %v", n, err, BLTErrOk)
				}

				if _, foundKey, _ := bltree.FindKey(keys[i], BtId); !bytes.Equal(foundKey, keys[i]) {
					t.Errorf("in goroutine%d FindKey() = %v, want %v", n, foundKey, keys[i])
				}
			}
		}(r)
	}
	wg.Wait()

	wg = sync.WaitGroup{}
	wg.Add(routineNum)

	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			bltree := NewBLTree(mgr)
			for i := 0; i < keyTotal; i++ {
				if i%routineNum != n {
					continue
				}
				if _, foundKey, _ := bltree.FindKey(keys[i], BtId); !bytes.Equal(foundKey, keys[i]) {
					t.Errorf("FindKey() = %v, want %v, i = %d", foundKey, keys[i], i)
				}
			}
		}(r)
	}
	wg.Wait()
}

func TestBLTree_delete(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_delete.db"), 15, 20, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	key := []byte{1, 1, 1, 1}

	if err := bltree.InsertKey(key, 0, []byte{0, 0, 0, 0, 0, 1}, true); err != BLTErrOk {
		t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
	}

	if err := bltree.DeleteKey(key, 0, true); err != BLTErrOk {
		t.Errorf("DeleteKey() = %v, want %v", err, BLTErrOk)
	}

	if found, _, _ := bltree.FindKey(key, BtId); found != -1 {
		t.Errorf("FindKey() = %v, want %v", found, -1)
	}
}

func TestBLTree_deleteMany(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_delete_many.db"), 15, 16*7, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	keyTotal := 160000

	for i := 0; i < keyTotal; i++ {
		key := scenarioKey(t, i)
		if err := bltree.InsertKey(key, 0, []byte{0, 0, 0, 0, 0, 0}, true); err != BLTErrOk {
			t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
		if i%2 == 0 {
			if err := bltree.DeleteKey(key, 0, true); err != BLTErrOk {
				t.Errorf("DeleteKey() = %v, want %v", err, BLTErrOk)
			}
		}
	}

	for i := 0; i < keyTotal; i++ {
		key := scenarioKey(t, i)
		if i%2 == 0 {
			if found, _, _ := bltree.FindKey(key, BtId); found != -1 {
				t.Errorf("FindKey() = %v, want %v, key %v", found, -1, key)
			}
		} else {
			if found, _, _ := bltree.FindKey(key, BtId); found != 6 {
				t.Errorf("FindKey() = %v, want %v, key %v", found, 6, key)
			}
		}
	}
}

func TestBLTree_deleteAll(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_delete_all.db"), 15, 16*7, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	keyTotal := 160000

	for i := 0; i < keyTotal; i++ {
		if err := bltree.InsertKey(scenarioKey(t, i), 0, []byte{0, 0, 0, 0, 0, 0}, true); err != BLTErrOk {
			t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
	}

	for i := 0; i < keyTotal; i++ {
		key := scenarioKey(t, i)
		if err := bltree.DeleteKey(key, 0, true); err != BLTErrOk {
			t.Errorf("DeleteKey() = %v, want %v", err, BLTErrOk)
		}
		if found, _, _ := bltree.FindKey(key, BtId); found != -1 {
			t.Errorf("FindKey() = %v, want %v, key %v", found, -1, key)
		}
	}

	if live := verifyLeafChain(t, bltree); live != 0 {
		t.Errorf("leaf chain live keys = %d, want 0", live)
	}
}

func TestBLTree_deleteManyConcurrently(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_delete_many_concurrently.db"), 15, 16*7, nil)
	defer mgr.Close()

	keyTotal := 160000
	routineNum := 7

	keys := make([][]byte, keyTotal)
	for i := 0; i < keyTotal; i++ {
		keys[i] = scenarioKey(t, i)
	}

	wg := sync.WaitGroup{}
	wg.Add(routineNum)

	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			bltree := NewBLTree(mgr)
			for i := 0; i < keyTotal; i++ {
				if i%routineNum != n {
					continue
				}
				if err := bltree.InsertKey(keys[i], 0, []byte{}, true); err != BLTErrOk {
					t.Errorf("in goroutine%d InsertKey() = %v, want %v", n, err, BLTErrOk)
				}

				if i%2 == 0 {
					if err := bltree.DeleteKey(keys[i], 0, true); err != BLTErrOk {
						t.Errorf("DeleteKey() = %v, want %v", err, BLTErrOk)
					}
					if found, _, _ := bltree.FindKey(keys[i], BtId); found != -1 {
						t.Errorf("FindKey() = %v, want %v, key %v", found, -1, keys[i])
					}
				} else {
					if found, _, _ := bltree.FindKey(keys[i], BtId); found != 0 {
						t.Errorf("FindKey() = %v, want %v, key %v", found, 0, keys[i])
					}
				}
			}
		}(r)
	}
	wg.Wait()
}

func TestBLTree_restart(t *testing.T) {
	path := testDBPath(t, "bltree_restart.db")
	mgr := NewBufMgr(path, 15, 48, nil)
	bltree := NewBLTree(mgr)

	firstNum := 1000

	for i := 0; i <= firstNum; i++ {
		bs := scenarioKey(t, i)
		if err := bltree.InsertKey(bs, 0, []byte{}, true); err != BLTErrOk {
			t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
	}

	mgr.Close()
	mgr = NewBufMgr(path, 15, 48, nil)
	bltree = NewBLTree(mgr)
	defer mgr.Close()

	secondNum := 2000

	for i := firstNum; i <= secondNum; i++ {
		bs := scenarioKey(t, i)
		if err := bltree.InsertKey(bs, 0, []byte{}, true); err != BLTErrOk {
			t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
		}
	}

	for i := 0; i <= secondNum; i++ {
		bs := scenarioKey(t, i)
		if _, foundKey, _ := bltree.FindKey(bs, BtId); !bytes.Equal(foundKey, bs) {
			t.Errorf("FindKey() = %v, want %v", foundKey, bs)
		}
	}
}

// ten keys in, ten keys out, in order
func TestBLTree_scenarioSmallScan(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_scenario_a.db"), 12, 256, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	var wantKeys, wantVals [][]byte
	for i := 1; i <= 10; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		val := []byte(fmt.Sprintf("v%02d", i))
		require.Equal(t, BLTErrOk, bltree.InsertKey(key, 0, val, true))
		wantKeys = append(wantKeys, key)
		wantVals = append(wantVals, val)
	}

	keys, vals := collectScan(bltree)
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Errorf("scan keys mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantVals, vals); diff != "" {
		t.Errorf("scan values mismatch (-want +got):\n%s", diff)
	}

	n, _, val := bltree.FindKey([]byte("k05"), MaxKey)
	require.Equal(t, 3, n)
	require.Equal(t, []byte("v05"), val)

	// delete one and scan again
	require.Equal(t, BLTErrOk, bltree.DeleteKey([]byte("k05"), 0, true))
	keys, _ = collectScan(bltree)
	require.Len(t, keys, 9)
	if n, _, _ := bltree.FindKey([]byte("k05"), MaxKey); n != -1 {
		t.Errorf("FindKey(k05) = %v, want -1", n)
	}
	n, _, val = bltree.FindKey([]byte("k04"), MaxKey)
	require.Equal(t, 3, n)
	require.Equal(t, []byte("v04"), val)
}

// wide keys grow the tree to three levels, mass deletion collapses it
func TestBLTree_growAndCollapse(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_grow_collapse.db"), 12, 256, nil)
	bltree := NewBLTree(mgr)
	defer mgr.Close()

	keyTotal := 1000
	wideKey := func(i int) []byte {
		return []byte(fmt.Sprintf("%0200d", i))
	}

	for i := 0; i < keyTotal; i++ {
		require.Equal(t, BLTErrOk, bltree.InsertKey(wideKey(i), 0, []byte("v"), true))
	}

	if lvl := rootLevel(bltree); lvl < 2 {
		t.Fatalf("root level = %d, want >= 2", lvl)
	}
	verifyLeafChain(t, bltree)

	// deleting every other key leaves the shape alone
	for i := 0; i < keyTotal; i += 2 {
		require.Equal(t, BLTErrOk, bltree.DeleteKey(wideKey(i), 0, true))
	}
	if live := verifyLeafChain(t, bltree); live != keyTotal/2 {
		t.Errorf("live keys = %d, want %d", live, keyTotal/2)
	}

	// deleting nearly everything drains pages and drops a level
	grew := rootLevel(bltree)
	for i := 1; i < keyTotal; i += 2 {
		if i%100 == 99 {
			continue
		}
		require.Equal(t, BLTErrOk, bltree.DeleteKey(wideKey(i), 0, true))
	}

	if lvl := rootLevel(bltree); lvl >= grew {
		t.Errorf("root level = %d, want < %d", lvl, grew)
	}
	verifyLeafChain(t, bltree)
}

// two writers, one ordered scan over the union
func TestBLTree_concurrentInsertScan(t *testing.T) {
	mgr := NewBufMgr(testDBPath(t, "bltree_scenario_d.db"), 12, 256, nil)
	defer mgr.Close()

	perThread := 10000
	routineNum := 2

	var wg sync.WaitGroup
	wg.Add(routineNum)
	for r := 0; r < routineNum; r++ {
		go func(n int) {
			defer wg.Done()
			bltree := NewBLTree(mgr)
			for i := 0; i < perThread; i++ {
				key := scenarioKey(t, i*routineNum+n)
				if err := bltree.InsertKey(key, 0, []byte{}, true); err != BLTErrOk {
					t.Errorf("InsertKey() = %v, want %v", err, BLTErrOk)
				}
			}
		}(r)
	}
	wg.Wait()

	bltree := NewBLTree(mgr)
	keys, _ := collectScan(bltree)
	require.Len(t, keys, perThread*routineNum)
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			t.Fatalf("scan out of order at %d: %v >= %v", i, keys[i-1], keys[i])
		}
	}

	if live := verifyLeafChain(t, bltree); live != perThread*routineNum {
		t.Errorf("leaf chain live keys = %d, want %d", live, perThread*routineNum)
	}
}
