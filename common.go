package blinkdb

type uid uint64

const (
	BtMaxBits = 24             // maximum page size in bits
	BtMinBits = 9              // minimum page size in bits
	BtMinPage = 1 << BtMinBits // minimum page size
	BtMaxPage = 1 << BtMaxBits // maximum page size

	BtId = 6 // Define the length of the page and key pointers

	ClockBit = uint32(0x8000) // the bit in pool->pin

	AllocPage = 0      // allocation page & free chain head
	RootPage  = uid(1) // root of the btree
	LeafPage  = uid(2) // first page of leaves

	MinLvl = 2 // Number of levels to create in a new BTree

	DECREMENT = ^uint32(0) // Used when decrementing uint32 using atomic.AddUint32.
)
