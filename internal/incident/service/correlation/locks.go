package correlation

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLocks serializes correlation per key with a fixed set of striped
// mutexes, so the lock table never grows with key cardinality.
type keyLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLocks) lock(key string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &l.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
