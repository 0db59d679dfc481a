package versioning

// Verdict is the outcome of comparing a received version with the cached one.
type Verdict uint8

const (
	// Accept means the version is the next one or an idempotent duplicate.
	Accept Verdict = iota
	// Gap means at least one update was missed and the entity must be repaired.
	Gap
	// Stale means the version is older than the cached state and must be ignored.
	Stale
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Gap:
		return "gap"
	default:
		return "stale"
	}
}

// Unknown is the version of a slot that never received a versioned payload.
const Unknown int32 = -1

// Slot holds the monotonic version counter of one cached value.
type Slot struct {
	current int32
}

// NewSlot returns a slot positioned at the provided version.
func NewSlot(current int32) Slot {
	if current < Unknown {
		current = Unknown
	}
	return Slot{current: current}
}

// Current returns the cached version.
func (s Slot) Current() int32 {
	return s.current
}

// Known reports whether the slot received a versioned payload.
func (s Slot) Known() bool {
	return s.current != Unknown
}

// Accept evaluates a delta update tagged with version. The slot advances only on the next version.
func (s *Slot) Accept(version int32) Verdict {
	switch {
	case version < 0:
		return Stale
	case version < s.current:
		return Stale
	case version == s.current:
		return Accept
	case version == s.current+1:
		s.current = version
		return Accept
	default:
		return Gap
	}
}

// Advanced reports whether Accept(version) moved the slot to version, which distinguishes a new update from a duplicate.
func (s Slot) Advanced(previous int32) bool {
	return s.current != previous
}

// AcceptSnapshot evaluates an absolute payload tagged with version. Gaps are harmless for absolute values.
func (s *Slot) AcceptSnapshot(version int32) Verdict {
	if version < 0 || version < s.current {
		return Stale
	}
	s.current = version
	return Accept
}

// Reset forces the slot to a server-confirmed version after a repair.
func (s *Slot) Reset(version int32) {
	if version < Unknown {
		version = Unknown
	}
	s.current = version
}
