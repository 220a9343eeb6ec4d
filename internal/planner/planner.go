// Package planner turns views of datasets into brick requests for the loader
// and publishes the display and drawn state the eviction tiers read.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/catalog"
	"gigavox/internal/loader"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrBrickNotFound   = errors.New("brick not found")
	ErrLevelNotFound   = errors.New("level not found")
)

// CalculateMaxLevel is the number of 2x downsamplings after which the
// largest dimension fits in one brick.
func CalculateMaxLevel(dims [3]int, brickSize int) int {
	if brickSize <= 0 {
		return 0
	}
	maxDim := math.Max(float64(dims[0]), math.Max(float64(dims[1]), float64(dims[2])))
	scale := maxDim / float64(brickSize)
	maxLevel := int(math.Ceil(math.Log2(scale)))
	if maxLevel < 0 {
		return 0
	}
	return maxLevel
}

// Region is a half-open box in finest-level voxel coordinates.
type Region struct {
	Min [3]int `json:"min"`
	Max [3]int `json:"max"`
}

func (r Region) center() [3]float64 {
	var c [3]float64
	for i := range 3 {
		c[i] = float64(r.Min[i]+r.Max[i]) / 2
	}
	return c
}

// View is what the renderer shows of one dataset in the coming frame.
// A nil Region means the whole volume.
type View struct {
	DatasetID string     `json:"dataset_id"`
	Level     int        `json:"level"`
	Region    *Region    `json:"region,omitempty"`
	Mode      brick.Mode `json:"mode"`
}

type Planner struct {
	catalog *catalog.Catalog
	loader  *loader.Loader
	logger  *zap.Logger
}

func New(c *catalog.Catalog, l *loader.Loader, logger *zap.Logger) *Planner {
	return &Planner{
		catalog: c,
		loader:  l,
		logger:  logger,
	}
}

func (p *Planner) volume(id string) (*catalog.Volume, error) {
	v := p.catalog.Volume(id)
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	return v, nil
}

// extent returns the finest-level box covered by d.
func extent(d *brick.Descriptor) Region {
	scale := 1 << d.Level
	var r Region
	for i := range 3 {
		r.Min[i] = d.Origin[i] * scale
		r.Max[i] = (d.Origin[i] + d.Dims[i]) * scale
	}
	return r
}

func intersects(a, b Region) bool {
	for i := range 3 {
		if a.Max[i] <= b.Min[i] || b.Max[i] <= a.Min[i] {
			return false
		}
	}
	return true
}

// SelectBricks returns the bricks of level that intersect region, nearest to
// the region center first. A nil region selects the whole level.
func SelectBricks(v *catalog.Volume, level int, region *Region) []*brick.Descriptor {
	var out []*brick.Descriptor
	for _, d := range v.Level(level) {
		if region == nil || intersects(extent(d), *region) {
			out = append(out, d)
		}
	}
	if region == nil {
		return out
	}

	c := region.center()
	dist := func(d *brick.Descriptor) float64 {
		bc := extent(d).center()
		var s float64
		for i := range 3 {
			s += (bc[i] - c[i]) * (bc[i] - c[i])
		}
		return s
	}
	sort.SliceStable(out, func(i, j int) bool { return dist(out[i]) < dist(out[j]) })
	return out
}

// Submit replaces the loader queue with the bricks the views need and starts
// a run. Bricks of a viewed dataset outside its view are marked not
// displayed, so they become the first eviction candidates of that dataset.
func (p *Planner) Submit(views []View) (int, error) {
	var reqs []loader.Request
	for _, view := range views {
		v, err := p.volume(view.DatasetID)
		if err != nil {
			return 0, err
		}
		if v.Level(view.Level) == nil {
			return 0, fmt.Errorf("%w: %d", ErrLevelNotFound, view.Level)
		}

		selected := SelectBricks(v, view.Level, view.Region)
		wanted := make(map[brick.ID]bool, len(selected))
		for _, d := range selected {
			wanted[d.ID] = true
			reqs = append(reqs, loader.Request{Brick: d, Mode: view.Mode})
		}
		for _, d := range v.Bricks() {
			d.SetDisplayed(wanted[d.ID])
		}
		v.Dataset.SetDisplayed(true)
	}

	p.loader.ReplaceAll(reqs)
	if err := p.loader.Run(); err != nil {
		return 0, err
	}

	p.logger.Debug("Submitted frame", zap.Int("views", len(views)), zap.Int("requests", len(reqs)))
	return len(reqs), nil
}

// BeginPass clears the drawn state of every brick of a dataset.
func (p *Planner) BeginPass(datasetID string) error {
	v, err := p.volume(datasetID)
	if err != nil {
		return err
	}
	for _, d := range v.Bricks() {
		d.ResetDrawn()
	}
	return nil
}

// Brick returns a resident brick buffer and marks it drawn in mode.
func (p *Planner) Brick(datasetID string, id brick.ID, mode brick.Mode) (*brick.Descriptor, []byte, error) {
	d, err := p.Descriptor(datasetID, id)
	if err != nil {
		return nil, nil, err
	}

	data, ok := p.loader.Buffer(d.Key())
	if !ok {
		return d, nil, nil
	}
	d.SetDrawn(mode, true)
	return d, data, nil
}

func (p *Planner) Descriptor(datasetID string, id brick.ID) (*brick.Descriptor, error) {
	v, err := p.volume(datasetID)
	if err != nil {
		return nil, err
	}
	d := v.Brick(id)
	if d == nil {
		return nil, fmt.Errorf("%w: %s/%d", ErrBrickNotFound, datasetID, id)
	}
	return d, nil
}

// Request enqueues a single brick. A running engine picks it up; otherwise a
// new run starts.
func (p *Planner) Request(d *brick.Descriptor, mode brick.Mode) error {
	p.loader.Enqueue(loader.Request{Brick: d, Mode: mode})
	return p.loader.Start()
}

// SetDisplayed shows or hides a whole dataset.
func (p *Planner) SetDisplayed(datasetID string, displayed bool) error {
	v, err := p.volume(datasetID)
	if err != nil {
		return err
	}
	v.Dataset.SetDisplayed(displayed)
	return nil
}

// Purge releases every resident brick of a dataset.
func (p *Planner) Purge(datasetID string) (int, int64, error) {
	v, err := p.volume(datasetID)
	if err != nil {
		return 0, 0, err
	}
	n, freed := p.loader.PurgeDataset(v.Dataset)
	return n, freed, nil
}

// ETag identifies the content of a brick. Bricks are immutable once packed.
func ETag(d *brick.Descriptor) string {
	keyStr := fmt.Sprintf("%s_%d_%d_%s_%d_%d", d.Key(), d.Level, d.Size(), d.Source.URI, d.Source.Offset, d.Source.Length)
	hash := sha256.Sum256([]byte(keyStr))
	return hex.EncodeToString(hash[:])[:16]
}

// Meta is the JSON description of a dataset for clients.
type Meta struct {
	catalog.Info
	MaxLevel    int         `json:"max_level"`
	LevelBricks []int       `json:"level_bricks"`
	Resident    int         `json:"resident_bricks"`
	BrickIndex  []BrickMeta `json:"brick_index,omitempty"`
}

type BrickMeta struct {
	ID       brick.ID `json:"id"`
	Level    int      `json:"level"`
	Origin   [3]int   `json:"origin"`
	Dims     [3]int   `json:"dims"`
	Bytes    int64    `json:"bytes"`
	Resident bool     `json:"resident"`
}

// Meta describes a dataset; withBricks adds one entry per brick.
func (p *Planner) Meta(datasetID string, withBricks bool) (*Meta, error) {
	v, err := p.volume(datasetID)
	if err != nil {
		return nil, err
	}

	m := &Meta{
		Info:     v.Info(),
		MaxLevel: CalculateMaxLevel(v.Manifest.Dims, v.Manifest.BrickSize),
	}
	for n := range v.NumLevels() {
		m.LevelBricks = append(m.LevelBricks, len(v.Level(n)))
	}
	for _, d := range v.Bricks() {
		resident := p.loader.IsResident(d.Key())
		if resident {
			m.Resident++
		}
		if withBricks {
			m.BrickIndex = append(m.BrickIndex, BrickMeta{
				ID:       d.ID,
				Level:    d.Level,
				Origin:   d.Origin,
				Dims:     d.Dims,
				Bytes:    d.Size(),
				Resident: resident,
			})
		}
	}
	return m, nil
}

// Warmup loads the coarsest levels of every dataset and waits for them.
func (p *Planner) Warmup(ctx context.Context, levels int) error {
	vols := p.catalog.Volumes()
	if len(vols) == 0 || levels <= 0 {
		return nil
	}

	p.logger.Info("Starting brick warmup", zap.Int("levels", levels), zap.Int("datasets", len(vols)))

	var reqs []loader.Request
	for _, v := range vols {
		first := max(v.NumLevels()-levels, 0)
		for n := v.NumLevels() - 1; n >= first; n-- {
			for _, d := range v.Level(n) {
				reqs = append(reqs, loader.Request{Brick: d})
			}
		}
	}

	p.loader.ReplaceAll(reqs)
	if err := p.loader.Run(); err != nil {
		return err
	}
	if err := p.loader.Wait(ctx); err != nil {
		return err
	}

	s := p.loader.Stats()
	p.logger.Info("Brick warmup completed",
		zap.Int("requests", len(reqs)),
		zap.Int("resident", s.Entries),
		zap.Int64("used_bytes", s.UsedBytes),
	)
	return nil
}
