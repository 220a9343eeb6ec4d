package brick

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"gigavox/internal/codec"
)

// Mode is a renderer-defined pass tag. Drawn state is tracked per mode.
type Mode uint8

// MaxModes is the number of distinct modes a descriptor can track drawn state for.
const MaxModes = 32

// ID identifies a brick within its dataset.
type ID uint32

// Key is the cache identity of a brick.
type Key struct {
	Dataset string
	Brick   ID
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Dataset, k.Brick)
}

// Dataset is an opaque handle to a loaded volume. The cache references it
// but never owns it.
type Dataset struct {
	ID   string
	Name string

	displayed atomic.Bool
}

// NewDataset creates a displayed dataset handle with a fresh UUID.
func NewDataset(name string) *Dataset {
	return NewDatasetWithID(uuid.New().String(), name)
}

// NewDatasetWithID creates a displayed dataset handle with a known ID.
func NewDatasetWithID(id, name string) *Dataset {
	ds := &Dataset{ID: id, Name: name}
	ds.displayed.Store(true)
	return ds
}

func (ds *Dataset) Displayed() bool {
	return ds.displayed.Load()
}

func (ds *Dataset) SetDisplayed(v bool) {
	ds.displayed.Store(v)
}

// Source locates the stored bytes of a brick.
// Length <= 0 means everything from Offset to the end of the source.
type Source struct {
	URI    string
	Offset int64
	Length int64
}

// Descriptor is the static geometry and identity of one brick, plus the
// display state the renderer publishes for it.
type Descriptor struct {
	ID            ID
	Level         int
	Origin        [3]int
	Dims          [3]int
	BytesPerVoxel int
	Source        Source
	Encoding      codec.Encoding
	Dataset       *Dataset

	displayed atomic.Bool
	drawn     atomic.Uint32
}

// NewDescriptor returns a displayed, undrawn descriptor.
func NewDescriptor(ds *Dataset, id ID, dims [3]int, bytesPerVoxel int, src Source, enc codec.Encoding) *Descriptor {
	d := &Descriptor{
		ID:            id,
		Dims:          dims,
		BytesPerVoxel: bytesPerVoxel,
		Source:        src,
		Encoding:      enc,
		Dataset:       ds,
	}
	d.displayed.Store(true)
	return d
}

func (d *Descriptor) Key() Key {
	var dsID string
	if d.Dataset != nil {
		dsID = d.Dataset.ID
	}
	return Key{Dataset: dsID, Brick: d.ID}
}

// Size is the decoded buffer size in bytes.
func (d *Descriptor) Size() int64 {
	return int64(d.Dims[0]) * int64(d.Dims[1]) * int64(d.Dims[2]) * int64(d.BytesPerVoxel)
}

func (d *Descriptor) Displayed() bool {
	return d.displayed.Load()
}

func (d *Descriptor) SetDisplayed(v bool) {
	d.displayed.Store(v)
}

// Drawn reports whether the brick was composited in mode during the current pass.
func (d *Descriptor) Drawn(mode Mode) bool {
	if mode >= MaxModes {
		return false
	}
	return d.drawn.Load()&(1<<mode) != 0
}

func (d *Descriptor) SetDrawn(mode Mode, v bool) {
	if mode >= MaxModes {
		return
	}
	bit := uint32(1) << mode
	for {
		old := d.drawn.Load()
		next := old &^ bit
		if v {
			next = old | bit
		}
		if d.drawn.CompareAndSwap(old, next) {
			return
		}
	}
}

// ResetDrawn clears the drawn state of every mode, typically at the start of a pass.
func (d *Descriptor) ResetDrawn() {
	d.drawn.Store(0)
}

// DatasetDisplayed reports whether the owning dataset is displayed.
// A descriptor without a dataset counts as displayed.
func (d *Descriptor) DatasetDisplayed() bool {
	if d.Dataset == nil {
		return true
	}
	return d.Dataset.Displayed()
}
