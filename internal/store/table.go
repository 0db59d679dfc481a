package store

// Hydrator synchronously restores a persisted entity that is not in memory.
type Hydrator[ID comparable, E any] interface {
	Hydrate(id ID) (E, bool)
}

// HydratorFunc adapts a function to Hydrator.
type HydratorFunc[ID comparable, E any] func(id ID) (E, bool)

// Hydrate calls f.
func (f HydratorFunc[ID, E]) Hydrate(id ID) (E, bool) {
	return f(id)
}

// Table maps identifiers to owned entity records of one kind.
type Table[ID comparable, E any] struct {
	items    map[ID]E
	absent   map[ID]struct{}
	create   func(ID) E
	hydrator Hydrator[ID, E]
}

// NewTable constructs an empty table; create builds stubs for GetOrCreate.
func NewTable[ID comparable, E any](create func(ID) E) *Table[ID, E] {
	return &Table[ID, E]{
		items:  make(map[ID]E),
		absent: make(map[ID]struct{}),
		create: create,
	}
}

// SetHydrator installs the source used by ForceLoad.
func (t *Table[ID, E]) SetHydrator(hydrator Hydrator[ID, E]) {
	t.hydrator = hydrator
}

// Get returns the in-memory record without side effects.
func (t *Table[ID, E]) Get(id ID) (E, bool) {
	item, ok := t.items[id]
	return item, ok
}

// GetOrCreate returns the record, creating a stub when it is missing. The caller is expected to populate it.
func (t *Table[ID, E]) GetOrCreate(id ID) (E, bool) {
	if item, ok := t.items[id]; ok {
		return item, false
	}
	item := t.create(id)
	t.items[id] = item
	delete(t.absent, id)
	return item, true
}

// ForceLoad returns the in-memory record or synchronously hydrates it. A failed hydration marks the id
// known-absent so repeated lookups do not hit the database again.
func (t *Table[ID, E]) ForceLoad(id ID) (E, bool) {
	if item, ok := t.items[id]; ok {
		return item, true
	}
	var zero E
	if _, known := t.absent[id]; known || t.hydrator == nil {
		return zero, false
	}
	item, ok := t.hydrator.Hydrate(id)
	if !ok {
		t.absent[id] = struct{}{}
		return zero, false
	}
	t.items[id] = item
	return item, true
}

// Put installs a record, replacing any previous one.
func (t *Table[ID, E]) Put(id ID, item E) {
	t.items[id] = item
	delete(t.absent, id)
}

// Delete drops a record and forgets whether it is absent.
func (t *Table[ID, E]) Delete(id ID) {
	delete(t.items, id)
	delete(t.absent, id)
}

// MarkAbsent records that the entity does not exist in storage. An in-memory record is dropped.
func (t *Table[ID, E]) MarkAbsent(id ID) {
	delete(t.items, id)
	t.absent[id] = struct{}{}
}

// IsKnownAbsent reports whether a previous lookup established that the entity does not exist.
func (t *Table[ID, E]) IsKnownAbsent(id ID) bool {
	_, known := t.absent[id]
	return known
}

// MarkPresent clears the known-absent marker once a payload for the entity arrives.
func (t *Table[ID, E]) MarkPresent(id ID) {
	delete(t.absent, id)
}

// Len returns the number of in-memory records.
func (t *Table[ID, E]) Len() int {
	return len(t.items)
}

// Range calls fn for every in-memory record until fn returns false.
func (t *Table[ID, E]) Range(fn func(id ID, item E) bool) {
	for id, item := range t.items {
		if !fn(id, item) {
			return
		}
	}
}
