package membership

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMembership() (*Membership, *fakeClock, *cluster.Member) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	local := cluster.NewMember([]byte("local"), 4000, nil)
	m := NewMembership(local, nil)
	m.now = clock.Now
	return m, clock, local
}

func assertConsistent(t *testing.T, m *Membership) {
	t.Helper()
	members := m.Members()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Equal(t, len(m.entries), len(members))
	for _, member := range members {
		_, ok := m.entries[member.Key()]
		require.True(t, ok, "member %v in array but not in map", member)
		require.False(t, member.Equal(m.local))
	}
}

func TestMemberAliveReportsNewMembersOnce(t *testing.T) {
	m, _, _ := newTestMembership()
	peer := cluster.NewMember([]byte("peer"), 4000, nil)

	assert.True(t, m.MemberAlive(peer))
	assert.False(t, m.MemberAlive(peer.Clone()))
	assert.Equal(t, 1, m.Size())
	assertConsistent(t, m)
}

func TestMemberAliveIgnoresLocalMember(t *testing.T) {
	m, _, local := newTestMembership()
	assert.False(t, m.MemberAlive(local.Clone()))
	assert.False(t, m.HasMembers())
}

func TestMemberAliveUpdatesPayloadWhenAliveTimeChanges(t *testing.T) {
	m, _, _ := newTestMembership()
	peer := cluster.NewMember([]byte("peer"), 4000, nil)
	peer.AliveTime = 10
	m.MemberAlive(peer)

	update := peer.Clone()
	update.AliveTime = 20
	update.Payload = []byte("new payload")
	m.MemberAlive(update)

	stored := m.Member(peer)
	require.NotNil(t, stored)
	assert.Equal(t, int64(20), stored.AliveTime)
	assert.Equal(t, []byte("new payload"), stored.Payload)
}

func TestMembersSortedMostRecentlyAliveFirst(t *testing.T) {
	m, _, _ := newTestMembership()
	old := cluster.NewMember([]byte("old"), 4000, nil)
	old.AliveTime = 100
	young := cluster.NewMember([]byte("young"), 4000, nil)
	young.AliveTime = 5000
	m.MemberAlive(old)
	m.MemberAlive(young)

	members := m.Members()
	require.Len(t, members, 2)
	assert.True(t, members[0].Equal(young))

	bump := old.Clone()
	bump.AliveTime = 9000
	m.MemberAlive(bump)
	assert.True(t, m.Members()[0].Equal(old))
}

func TestExpireRemovesSilentMemberExactlyOnce(t *testing.T) {
	m, clock, _ := newTestMembership()
	peer := cluster.NewMember([]byte("peer"), 4000, nil)
	m.MemberAlive(peer)

	clock.Advance(6000 * time.Millisecond)
	expired := m.Expire(5000 * time.Millisecond)
	require.Len(t, expired, 1)
	assert.True(t, expired[0].Equal(peer))
	assert.False(t, m.Contains(peer))

	assert.Empty(t, m.Expire(5000*time.Millisecond))
	assertConsistent(t, m)
}

func TestExpireKeepsMembersAtTheThreshold(t *testing.T) {
	m, clock, _ := newTestMembership()
	peer := cluster.NewMember([]byte("peer"), 4000, nil)
	m.MemberAlive(peer)

	clock.Advance(5 * time.Second)
	assert.Empty(t, m.Expire(5*time.Second))

	clock.Advance(time.Millisecond)
	assert.Len(t, m.Expire(5*time.Second), 1)
}

func TestHeartbeatRefreshesLastHeardFrom(t *testing.T) {
	m, clock, _ := newTestMembership()
	peer := cluster.NewMember([]byte("peer"), 4000, nil)
	m.MemberAlive(peer)

	clock.Advance(4 * time.Second)
	m.MemberAlive(peer.Clone())
	clock.Advance(4 * time.Second)

	assert.Empty(t, m.Expire(5*time.Second))
	assert.Equal(t, clock.Now(), m.Entry(peer).LastHeardFrom.Add(4*time.Second))
}

func TestSnapshotsSurviveRemoval(t *testing.T) {
	m, _, _ := newTestMembership()
	a := cluster.NewMember([]byte("a"), 4000, nil)
	b := cluster.NewMember([]byte("b"), 4000, nil)
	m.MemberAlive(a)
	m.MemberAlive(b)

	snapshot := m.Members()
	require.True(t, m.RemoveMember(a))
	assert.Len(t, snapshot, 2)
	assert.Len(t, m.Members(), 1)
	assert.False(t, m.RemoveMember(a))
}

func TestCloneIsIndependent(t *testing.T) {
	m, _, _ := newTestMembership()
	a := cluster.NewMember([]byte("a"), 4000, nil)
	m.MemberAlive(a)

	c := m.Clone()
	m.RemoveMember(a)
	assert.True(t, c.Contains(a))
	assert.False(t, m.Contains(a))
}

func TestResetClearsEverything(t *testing.T) {
	m, _, _ := newTestMembership()
	m.MemberAlive(cluster.NewMember([]byte("a"), 4000, nil))
	m.Reset()
	assert.False(t, m.HasMembers())
	assertConsistent(t, m)
}

func TestRandomHeartbeatsAndExpiryKeepArrayAndMapInSync(t *testing.T) {
	m, clock, local := newTestMembership()
	rng := rand.New(rand.NewSource(42))

	peers := make([]*cluster.Member, 0)
	for i := 0; i < 12; i++ {
		peers = append(peers, cluster.NewMember([]byte(fmt.Sprintf("peer-%d", i)), 4000+i, nil))
	}
	peers = append(peers, local)

	for i := 0; i < 500; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			p := peers[rng.Intn(len(peers))].Clone()
			p.AliveTime = int64(rng.Intn(5))
			m.MemberAlive(p)
		case 2:
			clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		case 3:
			m.Expire(2 * time.Second)
		}
		assertConsistent(t, m)
	}
}
