package brick

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gigavox/internal/codec"
)

func TestDescriptor_Size(t *testing.T) {
	ds := NewDataset("vol")
	d := NewDescriptor(ds, 7, [3]int{64, 32, 16}, 2, Source{URI: "a.raw"}, codec.Raw)

	assert.Equal(t, int64(64*32*16*2), d.Size())
	assert.Equal(t, Key{Dataset: ds.ID, Brick: 7}, d.Key())
}

func TestDescriptor_DrawnPerMode(t *testing.T) {
	d := NewDescriptor(nil, 1, [3]int{1, 1, 1}, 1, Source{}, codec.Raw)

	d.SetDrawn(2, true)
	assert.True(t, d.Drawn(2))
	assert.False(t, d.Drawn(1))

	d.SetDrawn(1, true)
	d.SetDrawn(2, false)
	assert.True(t, d.Drawn(1))
	assert.False(t, d.Drawn(2))

	d.ResetDrawn()
	assert.False(t, d.Drawn(1))

	// Out-of-range modes are ignored.
	d.SetDrawn(MaxModes, true)
	assert.False(t, d.Drawn(MaxModes))
}

func TestDataset_Displayed(t *testing.T) {
	ds := NewDataset("vol")
	assert.NotEmpty(t, ds.ID)
	assert.True(t, ds.Displayed())

	d := NewDescriptor(ds, 1, [3]int{1, 1, 1}, 1, Source{}, codec.Raw)
	assert.True(t, d.DatasetDisplayed())

	ds.SetDisplayed(false)
	assert.False(t, d.DatasetDisplayed())

	orphan := NewDescriptor(nil, 2, [3]int{1, 1, 1}, 1, Source{}, codec.Raw)
	assert.True(t, orphan.DatasetDisplayed())
	assert.Equal(t, "/2", orphan.Key().String())
}
