package cache

import "gigavox/internal/brick"

// EntryInfo describes one resident entry without exposing its buffer.
type EntryInfo struct {
	Key  brick.Key
	Desc *brick.Descriptor
	Mode brick.Mode
	Size int64
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries       int
	ResidentBytes int64
	ReservedBytes int64
	Reservations  int
	Hits          uint64
	Misses        uint64
	Evictions     uint64
}

// UsedBytes is the figure compared against the memory limit.
func (s Stats) UsedBytes() int64 {
	return s.ResidentBytes + s.ReservedBytes
}
