package blinkdb

import (
	"io"
	"os"

	"github.com/dsnet/golib/memfile"
)

// MemoryStore selects the in-memory backend in place of a file path.
const MemoryStore = ":memory:"

// PageIO is the fixed-offset backing store for pages. The offset of
// page n is always n << pageBits.
type PageIO interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

type memIO struct {
	*memfile.File
}

func (memIO) Close() error { return nil }

// openPageIO opens the backing store for a btree file. The returned
// flag reports whether the store is an OS file, which permits mapping
// page zero.
func openPageIO(name string) (PageIO, bool, error) {
	if name == MemoryStore {
		return memIO{memfile.New(nil)}, false, nil
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}
