package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"gigavox/internal/brick"
)

type entry struct {
	key  brick.Key
	desc *brick.Descriptor
	mode brick.Mode
	data []byte
}

func (e *entry) size() int64 {
	return int64(len(e.data))
}

// BrickCache is the resident set of decoded bricks in LRU order.
//
// Besides resident entries it tracks reservations: bytes promised to bricks
// that are still being decoded. Reserved bytes count towards Used so the
// loader never overcommits while decompression runs in the background.
type BrickCache struct {
	mu       sync.Mutex
	items    map[brick.Key]*list.Element
	lruList  *list.List
	reserved map[brick.Key]int64

	residentBytes int64
	reservedBytes int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// NewBrickCache creates an empty cache.
func NewBrickCache() *BrickCache {
	return &BrickCache{
		items:    make(map[brick.Key]*list.Element),
		lruList:  list.New(),
		reserved: make(map[brick.Key]int64),
	}
}

func (c *BrickCache) Has(key brick.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.items[key]
	return ok
}

func (c *BrickCache) Get(key brick.Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.lruList.MoveToFront(elem)
	return elem.Value.(*entry).data, true
}

// Touch records a request for key in mode. It returns true when the brick is
// resident or already being loaded, in which case no I/O is needed.
func (c *BrickCache) Touch(key brick.Key, mode brick.Mode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).mode = mode
		c.lruList.MoveToFront(elem)
		c.hits.Add(1)
		return true
	}
	if _, ok := c.reserved[key]; ok {
		c.hits.Add(1)
		return true
	}
	c.misses.Add(1)
	return false
}

// Reserve sets aside size bytes for a brick about to be decoded. It fails if
// the brick is already resident or reserved.
func (c *BrickCache) Reserve(d *brick.Descriptor, size int64) bool {
	key := d.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[key]; ok {
		return false
	}
	if _, ok := c.reserved[key]; ok {
		return false
	}
	c.reserved[key] = size
	c.reservedBytes += size
	return true
}

// Release drops the reservation for key, if any.
func (c *BrickCache) Release(key brick.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(key)
}

func (c *BrickCache) releaseLocked(key brick.Key) {
	if size, ok := c.reserved[key]; ok {
		c.reservedBytes -= size
		delete(c.reserved, key)
	}
}

// Install makes data the resident buffer of d, converting any reservation.
// The cache takes ownership of data. A brick that is already resident keeps
// its existing buffer and Install returns false.
func (c *BrickCache) Install(d *brick.Descriptor, mode brick.Mode, data []byte) bool {
	key := d.Key()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.releaseLocked(key)
	if _, ok := c.items[key]; ok {
		return false
	}

	ent := &entry{key: key, desc: d, mode: mode, data: data}
	c.items[key] = c.lruList.PushFront(ent)
	c.residentBytes += ent.size()
	return true
}

// Snapshot lists resident entries from least to most recently used.
func (c *BrickCache) Snapshot() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, len(c.items))
	for elem := c.lruList.Back(); elem != nil; elem = elem.Prev() {
		ent := elem.Value.(*entry)
		out = append(out, EntryInfo{Key: ent.key, Desc: ent.desc, Mode: ent.mode, Size: ent.size()})
	}
	return out
}

// Evict removes the given keys and returns how many entries and bytes were
// freed. Keys that are not resident are ignored.
func (c *BrickCache) Evict(keys []brick.Key) (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	var freed int64
	for _, key := range keys {
		elem, ok := c.items[key]
		if !ok {
			continue
		}
		freed += c.removeLocked(elem)
		n++
	}
	c.evictions.Add(uint64(n))
	return n, freed
}

// PurgeDataset removes every entry and reservation owned by dataset.
func (c *BrickCache) PurgeDataset(dataset string) (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	var freed int64
	for key, elem := range c.items {
		if key.Dataset != dataset {
			continue
		}
		freed += c.removeLocked(elem)
		n++
	}
	for key := range c.reserved {
		if key.Dataset == dataset {
			c.releaseLocked(key)
		}
	}
	return n, freed
}

// Clear removes everything, reservations included.
func (c *BrickCache) Clear() (int, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, freed := len(c.items), c.residentBytes
	c.items = make(map[brick.Key]*list.Element)
	c.lruList = list.New()
	c.reserved = make(map[brick.Key]int64)
	c.residentBytes = 0
	c.reservedBytes = 0
	return n, freed
}

func (c *BrickCache) removeLocked(elem *list.Element) int64 {
	ent := c.lruList.Remove(elem).(*entry)
	delete(c.items, ent.key)
	size := ent.size()
	c.residentBytes -= size
	ent.data = nil
	return size
}

// Used is resident plus reserved bytes.
func (c *BrickCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.residentBytes + c.reservedBytes
}

func (c *BrickCache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Entries:       len(c.items),
		ResidentBytes: c.residentBytes,
		ReservedBytes: c.reservedBytes,
		Reservations:  len(c.reserved),
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Evictions = c.evictions.Load()
	return s
}
