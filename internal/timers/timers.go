// Package timers keeps per-entity deadlines on one heap for the engine worker.
package timers

import (
	"container/heap"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"go.uber.org/zap"
)

// Callback runs on the worker when a deadline of its group passes.
type Callback func(key ids.Key)

type slotKey struct {
	group int
	key   ids.Key
}

type entry struct {
	slot  slotKey
	at    time.Time
	index int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].slot.group < h[j].slot.group
	}
	return h[i].at.Before(h[j].at)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(value any) {
	item := value.(*entry)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *entryHeap) Pop() any {
	old := *h
	last := len(old) - 1
	item := old[last]
	old[last] = nil
	item.index = -1
	*h = old[:last]
	return item
}

// Service owns every deadline. It is not safe for concurrent use; the engine calls it from its
// worker only.
type Service struct {
	entries entryHeap
	index   map[slotKey]*entry
	groups  []*Group
	logger  *zap.Logger
}

// NewService creates an empty timer service.
func NewService(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{index: make(map[slotKey]*entry), logger: logger}
}

// Group is a named set of deadlines sharing one callback.
type Group struct {
	service *Service
	id      int
	name    string
	fire    Callback
}

// NewGroup registers a group. fire must not be nil.
func (s *Service) NewGroup(name string, fire Callback) *Group {
	group := &Group{service: s, id: len(s.groups), name: name, fire: fire}
	s.groups = append(s.groups, group)
	return group
}

// Name returns the group name.
func (g *Group) Name() string {
	return g.name
}

// Set schedules key at the given time, moving an existing deadline in place.
func (g *Group) Set(key ids.Key, at time.Time) {
	s := g.service
	slot := slotKey{group: g.id, key: key}
	if existing, ok := s.index[slot]; ok {
		existing.at = at
		heap.Fix(&s.entries, existing.index)
		return
	}
	item := &entry{slot: slot, at: at}
	heap.Push(&s.entries, item)
	s.index[slot] = item
}

// SetIfEarlier schedules key unless an earlier deadline is already set.
func (g *Group) SetIfEarlier(key ids.Key, at time.Time) {
	if current, ok := g.Deadline(key); ok && !at.Before(current) {
		return
	}
	g.Set(key, at)
}

// Cancel removes the deadline of key, if any.
func (g *Group) Cancel(key ids.Key) {
	s := g.service
	slot := slotKey{group: g.id, key: key}
	existing, ok := s.index[slot]
	if !ok {
		return
	}
	heap.Remove(&s.entries, existing.index)
	delete(s.index, slot)
}

// Has reports whether key has a deadline in this group.
func (g *Group) Has(key ids.Key) bool {
	_, ok := g.service.index[slotKey{group: g.id, key: key}]
	return ok
}

// Deadline returns the deadline of key.
func (g *Group) Deadline(key ids.Key) (time.Time, bool) {
	existing, ok := g.service.index[slotKey{group: g.id, key: key}]
	if !ok {
		return time.Time{}, false
	}
	return existing.at, true
}

// Len returns the number of pending deadlines across all groups.
func (s *Service) Len() int {
	return len(s.entries)
}

// NextDeadline returns the earliest pending deadline.
func (s *Service) NextDeadline() (time.Time, bool) {
	if len(s.entries) == 0 {
		return time.Time{}, false
	}
	return s.entries[0].at, true
}

// RunDue fires every deadline at or before now in deadline order and returns how many fired.
// A callback may set new deadlines, including for its own key; those are honoured on the next call
// when they are not yet due.
func (s *Service) RunDue(now time.Time) int {
	fired := 0
	for len(s.entries) > 0 && !s.entries[0].at.After(now) {
		item := heap.Pop(&s.entries).(*entry)
		delete(s.index, item.slot)
		group := s.groups[item.slot.group]
		fired++
		s.logger.Debug("timer fired",
			zap.String("group", group.name),
			zap.Stringer("kind", item.slot.key.Kind),
			zap.Int64("entity_id", item.slot.key.ID))
		group.fire(item.slot.key)
	}
	return fired
}
