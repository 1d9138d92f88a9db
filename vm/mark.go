package vm

// Mark is the header word at the start of every heap object.
//
// Layout (low to high bits):
//
//	[1:0]   tag, always 11
//	[2]     sentinel: set while the object is marked by the full collector
//	[3]     near death: only weakly reachable at the last collection
//	[4]     untagged contents: payload holds raw words/bytes
//	[5]     queued: resident in the notification queue
//	[12:6]  age, or word size while the full collector is compacting
//	[44:13] identity hash, 0 until first requested
//
// A header whose tag is 01 instead of 11 is a forwarding pointer installed by
// the scavenger; see IsForwarded.
type Mark uint64

const (
	markSentinelBit  uint64 = 1 << 2
	markNearDeathBit uint64 = 1 << 3
	markUntaggedBit  uint64 = 1 << 4
	markQueuedBit    uint64 = 1 << 5

	markAgeShift        = 6
	markAgeBits         = 7
	markAgeMask  uint64 = (1<<markAgeBits - 1) << markAgeShift

	markHashShift        = markAgeShift + markAgeBits
	markHashBits         = 32
	markHashMask  uint64 = (1<<markHashBits - 1) << markHashShift
)

// MaxAge is the largest age an object can reach in the young generation.
const MaxAge = 1<<markAgeBits - 1

// NoHash is the hash field value of an object whose identity hash was never
// requested.
const NoHash = 0

// NewMark returns a fresh header with age 0 and no hash.
func NewMark(untagged bool) Mark {
	m := Mark(tagMark)
	if untagged {
		m |= Mark(markUntaggedBit)
	}
	return m
}

// IsForwarded returns true if the header word is a forwarding pointer.
func IsForwarded(header Value) bool {
	return header.IsObject()
}

// Value returns the header as a plain word.
func (m Mark) Value() Value { return Value(m) }

func (m Mark) IsMarked() bool { return uint64(m)&markSentinelBit != 0 }
func (m Mark) IsNearDeath() bool { return uint64(m)&markNearDeathBit != 0 }
func (m Mark) IsUntagged() bool { return uint64(m)&markUntaggedBit != 0 }
func (m Mark) IsQueued() bool { return uint64(m)&markQueuedBit != 0 }

func (m Mark) SetMarked() Mark { return m | Mark(markSentinelBit) }
func (m Mark) ClearMarked() Mark { return m &^ Mark(markSentinelBit) }
func (m Mark) SetNearDeath() Mark { return m | Mark(markNearDeathBit) }
func (m Mark) ClearNearDeath() Mark { return m &^ Mark(markNearDeathBit) }
func (m Mark) SetQueued() Mark { return m | Mark(markQueuedBit) }
func (m Mark) ClearQueued() Mark { return m &^ Mark(markQueuedBit) }

// Age returns the age field.
func (m Mark) Age() int {
	return int((uint64(m) & markAgeMask) >> markAgeShift)
}

// WithAge returns m with the age field replaced. Ages above MaxAge saturate.
func (m Mark) WithAge(age int) Mark {
	if age > MaxAge {
		age = MaxAge
	}
	if age < 0 {
		age = 0
	}
	return Mark(uint64(m)&^markAgeMask | uint64(age)<<markAgeShift)
}

// Incremented returns m one age older.
func (m Mark) Incremented() Mark {
	return m.WithAge(m.Age() + 1)
}

// Hash returns the identity hash field, NoHash if unassigned.
func (m Mark) Hash() uint32 {
	return uint32((uint64(m) & markHashMask) >> markHashShift)
}

// WithHash returns m with the hash field replaced.
func (m Mark) WithHash(h uint32) Mark {
	return Mark(uint64(m)&^markHashMask | uint64(h)<<markHashShift)
}

// HasHash returns true once an identity hash was assigned.
func (m Mark) HasHash() bool {
	return m.Hash() != NoHash
}

// isValid checks the tag bits.
func (m Mark) isValid() bool {
	return uint64(m)&tagMask == tagMark
}
