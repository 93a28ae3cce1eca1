package chronicle

import "sync"

type lineRef struct {
	offset int64
	length int // without the terminator
}

// caseIndex maps case ids to the byte ranges of their lines. It is built by
// one scan and then kept current by this store's appends. The log file stays
// the source of truth: whenever its size differs from the bytes the index
// covers, another writer has touched it and the index is rebuilt.
type caseIndex struct {
	mu      sync.RWMutex
	built   bool
	covered int64 // bytes of the file reflected by the index
	refs    map[string][]lineRef
}

func newCaseIndex() *caseIndex {
	return &caseIndex{refs: make(map[string][]lineRef)}
}

// ensure rebuilds the index from load unless it already covers exactly size
// bytes.
func (ix *caseIndex) ensure(size int64, load func() (*snapshot, error)) error {
	ix.mu.RLock()
	fresh := ix.built && ix.covered == size
	ix.mu.RUnlock()
	if fresh {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.built && ix.covered == size {
		return nil
	}
	snap, err := load()
	if err != nil {
		return err
	}
	refs := make(map[string][]lineRef)
	snap.scan(func(offset int64, e Event) bool {
		if e.CaseID != "" {
			refs[e.CaseID] = append(refs[e.CaseID], lineRef{offset: offset, length: lineLength(snap.data, offset)})
		}
		return true
	})
	ix.refs = refs
	ix.covered = int64(len(snap.data))
	ix.built = true
	return nil
}

func lineLength(data []byte, offset int64) int {
	n := 0
	for i := offset; i < int64(len(data)) && data[i] != '\n'; i++ {
		n++
	}
	return n
}

// add records a line this store just appended. Appends arrive in file
// order; a line starting past the covered bytes means another writer got in
// between, so the index is dropped and rebuilt on next use.
func (ix *caseIndex) add(caseID string, offset int64, length int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.built || offset < ix.covered {
		return
	}
	if offset > ix.covered {
		ix.built = false
		return
	}
	if caseID != "" {
		ix.refs[caseID] = append(ix.refs[caseID], lineRef{offset: offset, length: length})
	}
	ix.covered = offset + int64(length) + 1
}

func (ix *caseIndex) lookup(caseID string) []lineRef {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	list := ix.refs[caseID]
	out := make([]lineRef, len(list))
	copy(out, list)
	return out
}

func (ix *caseIndex) reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.built = false
	ix.covered = 0
	ix.refs = make(map[string][]lineRef)
}
