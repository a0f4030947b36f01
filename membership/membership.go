package membership

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnewart/go-tribes/cluster"
	"golang.org/x/exp/slices"
)

// Comparator orders the member array returned by Members.
type Comparator func(a, b *cluster.Member) int

// MostRecentlyAlive sorts members with the highest alive time first, falling
// back to AbsoluteOrder so the result is deterministic.
func MostRecentlyAlive(a, b *cluster.Member) int {
	if a.AliveTime != b.AliveTime {
		if a.AliveTime > b.AliveTime {
			return -1
		}
		return 1
	}
	return cluster.AbsoluteOrder(a, b)
}

// MemberEntry records when a member was last heard from.
type MemberEntry struct {
	Member        *cluster.Member
	LastHeardFrom time.Time
}

func (e *MemberEntry) IsExpired(now time.Time, maxIdle time.Duration) bool {
	return now.Sub(e.LastHeardFrom) > maxIdle
}

// Membership is the locally observed set of live peers. The local member is
// never part of it. The member array is replaced on every change, so a slice
// returned by Members can be iterated without holding any lock.
type Membership struct {
	mu      sync.Mutex
	local   *cluster.Member
	entries map[string]*MemberEntry
	members atomic.Pointer[[]*cluster.Member]
	compare Comparator
	now     func() time.Time
}

func NewMembership(local *cluster.Member, compare Comparator) *Membership {
	if compare == nil {
		compare = MostRecentlyAlive
	}
	m := &Membership{
		local:   local,
		entries: make(map[string]*MemberEntry),
		compare: compare,
		now:     time.Now,
	}
	m.members.Store(&[]*cluster.Member{})
	return m
}

func (m *Membership) Local() *cluster.Member {
	return m.local
}

// MemberAlive records a heartbeat from member and reports whether the member
// was previously unknown.
func (m *Membership) MemberAlive(member *cluster.Member) bool {
	if member == nil || member.Equal(m.local) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	isNew := false
	entry, ok := m.entries[member.Key()]
	if !ok {
		entry = &MemberEntry{Member: member}
		m.entries[member.Key()] = entry
		m.addMemberLocked(member)
		isNew = true
	} else if entry.Member.AliveTime != member.AliveTime {
		// Published members are never mutated; swap in an updated copy.
		existing := entry.Member
		updated := *existing
		updated.Payload = member.Payload
		updated.Command = member.Command
		updated.AliveTime = member.AliveTime
		entry.Member = &updated
		next := m.snapshot()
		for i, o := range next {
			if o == existing {
				next[i] = &updated
			}
		}
		m.rebuildLocked(next)
	}
	entry.LastHeardFrom = m.now()
	return isNew
}

// Expire removes every member not heard from for longer than maxIdle and
// returns the removed members.
func (m *Membership) Expire(maxIdle time.Duration) []*cluster.Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expired := make([]*cluster.Member, 0)
	for key, entry := range m.entries {
		if entry.IsExpired(now, maxIdle) {
			expired = append(expired, entry.Member)
			delete(m.entries, key)
		}
	}
	if len(expired) > 0 {
		m.rebuildLocked(cluster.Exclude(m.snapshot(), expired...))
	}
	return expired
}

// AddMember inserts member without touching its heartbeat clock.
func (m *Membership) AddMember(member *cluster.Member) {
	if member == nil || member.Equal(m.local) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[member.Key()]; ok {
		return
	}
	m.entries[member.Key()] = &MemberEntry{Member: member, LastHeardFrom: m.now()}
	m.addMemberLocked(member)
}

func (m *Membership) RemoveMember(member *cluster.Member) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[member.Key()]; !ok {
		return false
	}
	delete(m.entries, member.Key())
	m.rebuildLocked(cluster.Exclude(m.snapshot(), member))
	return true
}

func (m *Membership) addMemberLocked(member *cluster.Member) {
	current := m.snapshot()
	next := make([]*cluster.Member, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, member)
	m.rebuildLocked(next)
}

// rebuildLocked sorts next and publishes it as the new member array. next
// must not be shared with any previously published array.
func (m *Membership) rebuildLocked(next []*cluster.Member) {
	slices.SortFunc(next, m.compare)
	m.members.Store(&next)
}

func (m *Membership) snapshot() []*cluster.Member {
	return slices.Clone(*m.members.Load())
}

// Members returns the current sorted member array. The slice must not be
// modified by callers.
func (m *Membership) Members() []*cluster.Member {
	return *m.members.Load()
}

func (m *Membership) Member(member *cluster.Member) *cluster.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[member.Key()]; ok {
		return entry.Member
	}
	return nil
}

func (m *Membership) Entry(member *cluster.Member) *MemberEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[member.Key()]; ok {
		e := *entry
		return &e
	}
	return nil
}

func (m *Membership) Contains(member *cluster.Member) bool {
	return m.Member(member) != nil
}

func (m *Membership) HasMembers() bool {
	return len(m.Members()) > 0
}

func (m *Membership) Size() int {
	return len(m.Members())
}

// Reset forgets every member, e.g. after recovering from a partition.
func (m *Membership) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*MemberEntry)
	m.members.Store(&[]*cluster.Member{})
}

// Clone returns an independent snapshot. Entries are copied; members are
// shared with the original.
func (m *Membership) Clone() *Membership {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &Membership{
		local:   m.local,
		entries: make(map[string]*MemberEntry, len(m.entries)),
		compare: m.compare,
		now:     m.now,
	}
	for key, entry := range m.entries {
		e := *entry
		c.entries[key] = &e
	}
	c.members.Store(&[]*cluster.Member{})
	c.rebuildLocked(m.snapshot())
	return c
}
