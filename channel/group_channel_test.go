package channel_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	messages []*channel.Message
	added    []*cluster.Member
	gone     []*cluster.Member
}

func (r *recorder) Accept(*channel.Message) bool { return true }

func (r *recorder) MessageReceived(msg *channel.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) MemberAdded(m *cluster.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, m)
}

func (r *recorder) MemberDisappeared(m *cluster.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone = append(r.gone, m)
}

func (r *recorder) received() []*channel.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*channel.Message(nil), r.messages...)
}

func (r *recorder) counts() (added, gone int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.gone)
}

func testConfig() channel.Config {
	config := channel.DefaultConfig()
	config.HeartbeatInterval = 20 * time.Millisecond
	config.MemberExpiry = 200 * time.Millisecond
	config.ReceiveErrorBackoff = time.Millisecond
	config.RecoverySleep = 10 * time.Millisecond
	return config
}

type testNode struct {
	channel   *channel.GroupChannel
	transport *transport.HubTransport
	recorder  *recorder
}

func startNodes(t *testing.T, hub *transport.Hub, config channel.Config, hosts ...string) []*testNode {
	t.Helper()
	members := make([]*cluster.Member, 0, len(hosts))
	for _, h := range hosts {
		members = append(members, cluster.NewMember([]byte(h), 4000, nil))
	}

	nodes := make([]*testNode, 0, len(hosts))
	for _, m := range members {
		cfg := config
		cfg.Seeds = cluster.Exclude(members, m)
		tr := hub.NewTransport(m)
		rec := &recorder{}
		gc := channel.NewGroupChannel(context.Background(), tr, cfg)
		gc.AddListener(rec)
		gc.AddMembershipListener(rec)
		require.NoError(t, gc.Start())
		t.Cleanup(func() { gc.Stop() })
		nodes = append(nodes, &testNode{channel: gc, transport: tr, recorder: rec})
	}
	return nodes
}

func waitForMembers(t *testing.T, nodes []*testNode, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, node := range nodes {
			if node.channel.Membership().Size() != n {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatsBuildMembership(t *testing.T) {
	nodes := startNodes(t, transport.NewHub(), testConfig(), "a", "b", "c")
	waitForMembers(t, nodes, 2)

	for _, node := range nodes {
		assert.False(t, node.channel.Membership().Contains(node.channel.LocalMember()))
		added, gone := node.recorder.counts()
		assert.Equal(t, 2, added)
		assert.Equal(t, 0, gone)
	}
}

func TestSendDeliversToListeners(t *testing.T) {
	nodes := startNodes(t, transport.NewHub(), testConfig(), "a", "b")
	a, b := nodes[0], nodes[1]

	sent, err := a.channel.Send(context.Background(), []*cluster.Member{b.channel.LocalMember()}, []byte("hello"), channel.OptionUseAck)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(b.recorder.received()) == 1 }, time.Second, 5*time.Millisecond)
	got := b.recorder.received()[0]
	assert.Equal(t, sent.UniqueID, got.UniqueID)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.True(t, got.Address.Equal(a.channel.LocalMember()))
	assert.True(t, got.Options.Has(channel.OptionUseAck))
}

func TestSendReportsFaultyMembers(t *testing.T) {
	nodes := startNodes(t, transport.NewHub(), testConfig(), "a", "b")
	ghost := cluster.NewMember([]byte("ghost"), 4000, nil)

	_, err := nodes[0].channel.Send(context.Background(), []*cluster.Member{nodes[1].channel.LocalMember(), ghost}, []byte("x"), channel.OptionNone)
	var ce *channel.ChannelError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Faulty, 1)
	assert.True(t, ce.Faulty[0].Member.Equal(ghost))
}

func TestLargePayloadIsFragmentedAndReassembled(t *testing.T) {
	config := testConfig()
	config.FragmentThreshold = 16
	config.FragmentSize = 5
	nodes := startNodes(t, transport.NewHub(), config, "a", "b")
	a, b := nodes[0], nodes[1]

	payload := bytes.Repeat([]byte("0123456789"), 10)
	_, err := a.channel.Send(context.Background(), []*cluster.Member{b.channel.LocalMember()}, payload, channel.OptionOrdered)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(b.recorder.received()) == 1 }, time.Second, 5*time.Millisecond)
	got := b.recorder.received()[0]
	assert.Equal(t, payload, got.Payload)
	assert.False(t, got.Options.Has(channel.OptionFragment))
}

func TestOrderedDeliveryWithConcurrentReceivers(t *testing.T) {
	config := testConfig()
	config.ReceiveWorkers = 4
	nodes := startNodes(t, transport.NewHub(), config, "a", "b")
	a, b := nodes[0], nodes[1]

	const count = 200
	dest := []*cluster.Member{b.channel.LocalMember()}
	for i := 0; i < count; i++ {
		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(i))
		_, err := a.channel.Send(context.Background(), dest, payload, channel.OptionOrdered)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(b.recorder.received()) == count }, 2*time.Second, 5*time.Millisecond)
	for i, msg := range b.recorder.received() {
		require.Equal(t, uint64(i), binary.BigEndian.Uint64(msg.Payload))
	}
}

func TestSilentMemberDisappearsOnce(t *testing.T) {
	nodes := startNodes(t, transport.NewHub(), testConfig(), "a", "b")
	waitForMembers(t, nodes, 1)

	require.NoError(t, nodes[1].channel.Stop())
	require.Eventually(t, func() bool {
		_, gone := nodes[0].recorder.counts()
		return gone == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	_, gone := nodes[0].recorder.counts()
	assert.Equal(t, 1, gone)
	assert.False(t, nodes[0].channel.Membership().HasMembers())
}

func TestReceiveFailuresTriggerRecovery(t *testing.T) {
	config := testConfig()
	config.MaxReceiveErrors = 3
	config.RecoveryAttempts = 2
	nodes := startNodes(t, transport.NewHub(), config, "a", "b")
	waitForMembers(t, nodes, 1)

	nodes[1].transport.FailReceives(3)
	require.Eventually(t, func() bool { return nodes[1].channel.RecoveryRuns() == 1 }, 2*time.Second, 5*time.Millisecond)

	dest := []*cluster.Member{nodes[1].channel.LocalMember()}
	require.Eventually(t, func() bool {
		if _, err := nodes[0].channel.Send(context.Background(), dest, []byte("after"), channel.OptionNone); err != nil {
			return false
		}
		for _, msg := range nodes[1].recorder.received() {
			if string(msg.Payload) == "after" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, nodes[1].channel.RecoveryRuns())
}

func TestSendAfterStopFails(t *testing.T) {
	nodes := startNodes(t, transport.NewHub(), testConfig(), "a")
	require.NoError(t, nodes[0].channel.Stop())
	_, err := nodes[0].channel.Send(context.Background(), nil, []byte("x"), channel.OptionNone)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestSendRejectsOversizedPayload(t *testing.T) {
	config := testConfig()
	config.MaxMessageSize = 32
	nodes := startNodes(t, transport.NewHub(), config, "a", "b")

	dest := []*cluster.Member{nodes[1].channel.LocalMember()}
	_, err := nodes[0].channel.Send(context.Background(), dest, bytes.Repeat([]byte("x"), 33), channel.OptionNone)
	assert.ErrorIs(t, err, channel.ErrMessageTooLarge)

	_, err = nodes[0].channel.Send(context.Background(), dest, bytes.Repeat([]byte("x"), 32), channel.OptionNone)
	assert.NoError(t, err)
}

type stallingListener struct {
	entered chan struct{}
	release chan struct{}
}

func (s *stallingListener) Accept(*channel.Message) bool { return true }

func (s *stallingListener) MessageReceived(msg *channel.Message) {
	if string(msg.Payload) != "stall" {
		return
	}
	s.entered <- struct{}{}
	<-s.release
}

func TestSlowListenerDoesNotStallOtherSenders(t *testing.T) {
	config := testConfig()
	config.ReceiveWorkers = 4
	nodes := startNodes(t, transport.NewHub(), config, "a", "b", "c")
	a, b, c := nodes[0], nodes[1], nodes[2]

	stall := &stallingListener{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c.channel.AddListener(stall)
	defer close(stall.release)

	dest := []*cluster.Member{c.channel.LocalMember()}
	_, err := a.channel.Send(context.Background(), dest, []byte("stall"), channel.OptionOrdered)
	require.NoError(t, err)
	select {
	case <-stall.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("stalling listener never saw the message")
	}

	_, err = b.channel.Send(context.Background(), dest, []byte("free"), channel.OptionOrdered)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, msg := range c.recorder.received() {
			if string(msg.Payload) == "free" && msg.Address.Equal(b.channel.LocalMember()) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
