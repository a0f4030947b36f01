package cluster

import (
	"golang.org/x/exp/slices"
)

// AbsoluteOrder is a total order over members: host bytes first (a shorter
// address ranks first, equal lengths compare bytewise), then port, then
// unique id. Any two nodes sorting the same member set agree on the result.
func AbsoluteOrder(a, b *Member) int {
	if r := compareBytes(a.Host, b.Host); r != 0 {
		return r
	}
	if a.Port != b.Port {
		if a.Port < b.Port {
			return -1
		}
		return 1
	}
	return compareBytes(a.UniqueID[:], b.UniqueID[:])
}

func compareBytes(a, b []byte) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortAbsolute returns a sorted copy of members.
func SortAbsolute(members []*Member) []*Member {
	out := slices.Clone(members)
	slices.SortFunc(out, AbsoluteOrder)
	return out
}

// Leader returns the member ranking first in AbsoluteOrder, or nil.
func Leader(members []*Member) *Member {
	var leader *Member
	for _, m := range members {
		if leader == nil || AbsoluteOrder(m, leader) < 0 {
			leader = m
		}
	}
	return leader
}

// Union merges member sets without duplicates and returns them sorted.
func Union(sets ...[]*Member) []*Member {
	seen := make(map[string]bool)
	out := make([]*Member, 0)
	for _, set := range sets {
		for _, m := range set {
			if m == nil || seen[m.Key()] {
				continue
			}
			seen[m.Key()] = true
			out = append(out, m)
		}
	}
	slices.SortFunc(out, AbsoluteOrder)
	return out
}

// SameMembers reports whether a and b hold the same identities, ignoring order.
func SameMembers(a, b []*Member) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]bool, len(a))
	for _, m := range a {
		keys[m.Key()] = true
	}
	for _, m := range b {
		if !keys[m.Key()] {
			return false
		}
	}
	return true
}
