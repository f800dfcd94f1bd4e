package persona

import "strings"

// SourceRegion names a part of the turn that a world trigger can match against.
// The numeric value is the bit position in the persisted key_region mask.
type SourceRegion uint8

const (
	SourcePreamble SourceRegion = iota
	SourceUserInput
	SourceLastReply
)

var sourceNames = [...]string{"preamble", "user_input", "last_reply"}

func (r SourceRegion) String() string {
	if int(r) < len(sourceNames) {
		return sourceNames[r]
	}
	return "unknown"
}

// TargetRegion names an injection point for world trigger values.
// The numeric value is the bit position in the persisted value_region mask.
type TargetRegion uint8

const (
	TargetPreamble TargetRegion = iota
	TargetUserPrefix
	TargetUserSuffix
)

var targetNames = [...]string{"preamble", "user_prefix", "user_suffix"}

func (r TargetRegion) String() string {
	if int(r) < len(targetNames) {
		return targetNames[r]
	}
	return "unknown"
}

// regionCount is fixed by the wire format; higher mask bits are ignored.
const regionCount = 3

// SourceSet is a set of source regions.
type SourceSet uint8

// Sources builds a set from regions.
func Sources(rs ...SourceRegion) SourceSet {
	var s SourceSet
	for _, r := range rs {
		if r < regionCount {
			s |= 1 << r
		}
	}
	return s
}

// SourceSetFromMask converts a persisted bitmask.
func SourceSetFromMask(mask int) SourceSet { return SourceSet(mask & (1<<regionCount - 1)) }

// Mask returns the persisted bitmask.
func (s SourceSet) Mask() int { return int(s) }

// Has reports whether r is in the set.
func (s SourceSet) Has(r SourceRegion) bool { return r < regionCount && s&(1<<r) != 0 }

// Regions lists members in wire order.
func (s SourceSet) Regions() []SourceRegion {
	var out []SourceRegion
	for r := SourceRegion(0); r < regionCount; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s SourceSet) String() string {
	names := make([]string, 0, regionCount)
	for _, r := range s.Regions() {
		names = append(names, r.String())
	}
	return strings.Join(names, "|")
}

// TargetSet is a set of injection targets.
type TargetSet uint8

// Targets builds a set from regions.
func Targets(rs ...TargetRegion) TargetSet {
	var s TargetSet
	for _, r := range rs {
		if r < regionCount {
			s |= 1 << r
		}
	}
	return s
}

// TargetSetFromMask converts a persisted bitmask.
func TargetSetFromMask(mask int) TargetSet { return TargetSet(mask & (1<<regionCount - 1)) }

// Mask returns the persisted bitmask.
func (s TargetSet) Mask() int { return int(s) }

// Has reports whether r is in the set.
func (s TargetSet) Has(r TargetRegion) bool { return r < regionCount && s&(1<<r) != 0 }

// Regions lists members in wire order.
func (s TargetSet) Regions() []TargetRegion {
	var out []TargetRegion
	for r := TargetRegion(0); r < regionCount; r++ {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s TargetSet) String() string {
	names := make([]string, 0, regionCount)
	for _, r := range s.Regions() {
		names = append(names, r.String())
	}
	return strings.Join(names, "|")
}
