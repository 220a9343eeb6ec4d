// Package eviction chooses which resident bricks to drop when the cache is
// over its memory limit. It holds no state and does no locking; callers pass
// a snapshot and apply the result.
package eviction

import (
	"fmt"

	"gigavox/internal/brick"
)

// Tier orders eviction candidates. Lower tiers are evicted first.
type Tier int

const (
	TierHiddenDataset Tier = iota + 1
	TierHiddenBrick
	TierDrawn
	TierQueueTail
)

func (t Tier) String() string {
	switch t {
	case TierHiddenDataset:
		return "hidden_dataset"
	case TierHiddenBrick:
		return "hidden_brick"
	case TierDrawn:
		return "drawn"
	case TierQueueTail:
		return "queue_tail"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Candidate is one resident entry as seen at snapshot time.
type Candidate struct {
	Key              brick.Key
	Size             int64
	DatasetDisplayed bool
	BrickDisplayed   bool
	Drawn            bool // drawn in the mode of the request that loaded or last touched it
}

// Input is everything SelectVictims looks at.
type Input struct {
	// Resident entries, least recently used first.
	Resident []Candidate
	// Keys of the pending queue, head first.
	Pending []brick.Key
	// Keys that must survive even the queue-tail tier: the brick being
	// loaded and bricks already serviced in this run but not yet drawn.
	Protected map[brick.Key]struct{}
	// Bytes to free.
	Need int64
}

type Victim struct {
	Key  brick.Key
	Size int64
	Tier Tier
}

// SelectVictims returns entries to evict, in eviction order, stopping as soon
// as Need bytes are covered. The result may free less than Need when the
// cache holds nothing else that may go; callers treat the limit as soft.
//
// Tiers 1 to 3 never pick a brick referenced by the pending queue. Tier 3
// and tier 4 never pick a protected brick.
func SelectVictims(in Input) []Victim {
	if in.Need <= 0 || len(in.Resident) == 0 {
		return nil
	}

	pending := make(map[brick.Key]struct{}, len(in.Pending))
	for _, k := range in.Pending {
		pending[k] = struct{}{}
	}

	var (
		victims []Victim
		freed   int64
		chosen  = make(map[brick.Key]struct{})
	)
	take := func(c Candidate, tier Tier) bool {
		chosen[c.Key] = struct{}{}
		victims = append(victims, Victim{Key: c.Key, Size: c.Size, Tier: tier})
		freed += c.Size
		return freed >= in.Need
	}

	tiers := []struct {
		tier  Tier
		match func(Candidate) bool
	}{
		{TierHiddenDataset, func(c Candidate) bool { return !c.DatasetDisplayed }},
		{TierHiddenBrick, func(c Candidate) bool { return c.DatasetDisplayed && !c.BrickDisplayed }},
		{TierDrawn, func(c Candidate) bool { return c.Drawn && !in.protected(c.Key) }},
	}
	for _, t := range tiers {
		for _, c := range in.Resident {
			if _, ok := chosen[c.Key]; ok {
				continue
			}
			if _, ok := pending[c.Key]; ok {
				continue
			}
			if t.match(c) && take(c, t.tier) {
				return victims
			}
		}
	}

	resident := make(map[brick.Key]Candidate, len(in.Resident))
	for _, c := range in.Resident {
		resident[c.Key] = c
	}
	for i := len(in.Pending) - 1; i >= 0; i-- {
		k := in.Pending[i]
		c, ok := resident[k]
		if !ok || in.protected(k) {
			continue
		}
		if _, ok := chosen[k]; ok {
			continue
		}
		if take(c, TierQueueTail) {
			return victims
		}
	}
	return victims
}

func (in Input) protected(k brick.Key) bool {
	_, ok := in.Protected[k]
	return ok
}

// Keys returns the keys of victims in order.
func Keys(victims []Victim) []brick.Key {
	keys := make([]brick.Key, len(victims))
	for i, v := range victims {
		keys[i] = v.Key
	}
	return keys
}
