// Package scheduler decides which points a channel reads each cycle and in
// what batches.
//
// Points partition by their protocol grouping key (slave + function code for
// Modbus). Within a partition, consecutive registers merge greedily while the
// address gap stays within merge_gap and the span within max_batch_size.
// Each group carries its own polling interval; a min-heap of next deadlines
// drives the cycle.
package scheduler

import (
	"container/heap"
	"sort"
	"time"

	"github.com/voltgrid/voltgrid/comsrv/points"
)

// Options tunes batch construction.
type Options struct {
	MaxBatchSize    uint16        // max registers in one read
	MergeGap        uint16        // max register gap collapsed into one read
	DefaultInterval time.Duration // group interval when none is configured
}

// DefaultOptions mirrors field-tested defaults.
func DefaultOptions() Options {
	return Options{MaxBatchSize: 120, MergeGap: 4, DefaultInterval: time.Second}
}

// GroupKey is the protocol partition key.
type GroupKey struct {
	Slave        uint8
	FunctionCode uint8
}

// Group is one batched read: a contiguous register span on one slave and
// function code, plus the points decoded out of it.
type Group struct {
	Key      GroupKey
	Start    uint16 // first register
	Count    uint16 // span in registers
	Points   []*points.Point
	Interval time.Duration

	deadline time.Time
	index    int // heap index
}

// registerSpan returns the register footprint of a Modbus point.
func registerSpan(p *points.Point) uint16 {
	w := p.DataType.Width()
	if w <= 2 {
		return 1
	}
	return uint16(w / 2)
}

// BuildGroups partitions and merges Modbus-addressed points into batched
// reads. Points without a Modbus address are skipped (CAN is purely
// reactive; IEC-104 delivers by interrogation).
func BuildGroups(pts []*points.Point, opts Options) []*Group {
	byKey := make(map[GroupKey][]*points.Point)
	for _, p := range pts {
		if p.Address.Modbus == nil {
			continue
		}
		k := GroupKey{Slave: p.Address.Modbus.Slave, FunctionCode: p.Address.Modbus.FunctionCode}
		byKey[k] = append(byKey[k], p)
	}

	keys := make([]GroupKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Slave != keys[j].Slave {
			return keys[i].Slave < keys[j].Slave
		}
		return keys[i].FunctionCode < keys[j].FunctionCode
	})

	var groups []*Group
	for _, k := range keys {
		part := byKey[k]
		sort.Slice(part, func(i, j int) bool {
			return part[i].Address.Modbus.Register < part[j].Address.Modbus.Register
		})

		var cur *Group
		for _, p := range part {
			reg := p.Address.Modbus.Register
			span := registerSpan(p)
			end := reg + span // exclusive

			if cur != nil {
				gap := int(reg) - int(cur.Start+cur.Count)
				newCount := end - cur.Start
				if gap >= 0 && gap <= int(opts.MergeGap) && newCount <= opts.MaxBatchSize {
					if end > cur.Start+cur.Count {
						cur.Count = newCount
					}
					cur.Points = append(cur.Points, p)
					continue
				}
				// Overlapping reads (same register, multiple points) stay in
				// the current group as long as the span fits.
				if gap < 0 && end <= cur.Start+opts.MaxBatchSize {
					if end > cur.Start+cur.Count {
						cur.Count = end - cur.Start
					}
					cur.Points = append(cur.Points, p)
					continue
				}
			}
			cur = &Group{
				Key:      k,
				Start:    reg,
				Count:    span,
				Points:   []*points.Point{p},
				Interval: opts.DefaultInterval,
			}
			groups = append(groups, cur)
		}
	}
	return groups
}

// =============================================================================
// DEADLINE HEAP
// =============================================================================

type groupHeap []*Group

func (h groupHeap) Len() int            { return len(h) }
func (h groupHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h groupHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *groupHeap) Push(x any)         { g := x.(*Group); g.index = len(*h); *h = append(*h, g) }
func (h *groupHeap) Pop() any           { old := *h; n := len(old); g := old[n-1]; old[n-1] = nil; *h = old[:n-1]; return g }

// Schedule tracks per-group next deadlines.
type Schedule struct {
	h groupHeap
}

// NewSchedule seeds every group due immediately, so the first cycle reads
// everything.
func NewSchedule(groups []*Group, now time.Time) *Schedule {
	s := &Schedule{h: make(groupHeap, 0, len(groups))}
	for _, g := range groups {
		g.deadline = now
		heap.Push(&s.h, g)
	}
	return s
}

// Due pops every group whose deadline has passed and reschedules each to
// now + interval. A group that fell behind by more than one interval is not
// queued repeatedly — its stale deadline snaps to now + interval.
func (s *Schedule) Due(now time.Time) []*Group {
	var due []*Group
	for len(s.h) > 0 && !s.h[0].deadline.After(now) {
		g := heap.Pop(&s.h).(*Group)
		due = append(due, g)
		g.deadline = now.Add(g.Interval)
		heap.Push(&s.h, g)
	}
	return due
}

// Next returns the earliest pending deadline.
func (s *Schedule) Next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].deadline, true
}

// Len reports the number of scheduled groups.
func (s *Schedule) Len() int { return len(s.h) }
