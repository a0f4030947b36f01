package rpc_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/rpc"
	"github.com/johnewart/go-tribes/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replier struct {
	mu        sync.Mutex
	answer    func(payload []byte, sender *cluster.Member) []byte
	leftovers [][]byte
}

func (r *replier) ReplyRequest(payload []byte, sender *cluster.Member) []byte {
	return r.answer(payload, sender)
}

func (r *replier) LeftOver(payload []byte, _ *cluster.Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leftovers = append(r.leftovers, payload)
}

func (r *replier) leftOverCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leftovers)
}

type rpcNode struct {
	group   *channel.GroupChannel
	rpc     *rpc.Channel
	replier *replier
}

func echo(payload []byte, _ *cluster.Member) []byte {
	return append([]byte("re:"), payload...)
}

func decline([]byte, *cluster.Member) []byte {
	return nil
}

func startRPCNodes(t *testing.T, answers ...func([]byte, *cluster.Member) []byte) []*rpcNode {
	t.Helper()
	hub := transport.NewHub()
	config := channel.DefaultConfig()
	config.HeartbeatInterval = 50 * time.Millisecond

	nodes := make([]*rpcNode, 0, len(answers))
	for i, answer := range answers {
		m := cluster.NewMember([]byte{'n', byte('a' + i)}, 4000, nil)
		gc := channel.NewGroupChannel(context.Background(), hub.NewTransport(m), config)
		require.NoError(t, gc.Start())
		t.Cleanup(func() { gc.Stop() })

		r := &replier{answer: answer}
		nodes = append(nodes, &rpcNode{
			group:   gc,
			rpc:     rpc.NewChannel(context.Background(), gc, []byte("test-rpc"), r, rpc.Config{}),
			replier: r,
		})
	}
	return nodes
}

func members(nodes []*rpcNode) []*cluster.Member {
	out := make([]*cluster.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.group.LocalMember())
	}
	return out
}

func TestAllReplyCollectsEveryAnswer(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo, echo, echo)

	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("ping"), rpc.AllReply, channel.OptionNone, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	for _, r := range responses {
		assert.Equal(t, []byte("re:ping"), r.Message)
	}
}

func TestAllReplyCompletesWhenDestinationsDecline(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo, echo, decline, decline)

	start := time.Now()
	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("ping"), rpc.AllReply, channel.OptionNone, 10*time.Second)
	require.NoError(t, err)
	assert.Len(t, responses, 2)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFirstReply(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo, echo)

	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("x"), rpc.FirstReply, channel.OptionNone, 5*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, responses)
	assert.Equal(t, []byte("re:x"), responses[0].Message)
}

func TestTimeoutReturnsPartialResults(t *testing.T) {
	slow := func(payload []byte, sender *cluster.Member) []byte {
		time.Sleep(300 * time.Millisecond)
		return echo(payload, sender)
	}
	nodes := startRPCNodes(t, echo, echo, slow)

	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("x"), rpc.AllReply, channel.OptionNone, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, responses, 1)
}

func TestNoReplyReturnsImmediately(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo)

	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("x"), rpc.NoReply, channel.OptionNone, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, responses)

	// The reply arrives without a collector and is handed to LeftOver.
	require.Eventually(t, func() bool { return nodes[0].replier.leftOverCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestEmptyDestinations(t *testing.T) {
	nodes := startRPCNodes(t, echo)
	responses, err := nodes[0].rpc.Send(context.Background(), nil, []byte("x"), rpc.AllReply, channel.OptionNone, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestPartialFailureReturnsChannelError(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo)
	ghost := cluster.NewMember([]byte("ghost"), 4000, nil)

	start := time.Now()
	responses, err := nodes[0].rpc.Send(context.Background(), []*cluster.Member{nodes[1].group.LocalMember(), ghost}, []byte("x"), rpc.AllReply, channel.OptionNone, 10*time.Second)
	var ce *channel.ChannelError
	require.True(t, errors.As(err, &ce))
	assert.True(t, ce.IsFaulty(ghost))
	require.Len(t, responses, 1)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestChannelsWithDifferentIdsIgnoreEachOther(t *testing.T) {
	nodes := startRPCNodes(t, echo, echo)
	other := rpc.NewChannel(context.Background(), nodes[1].group, []byte("other-rpc"), &replier{answer: func([]byte, *cluster.Member) []byte {
		return []byte("wrong")
	}}, rpc.Config{})
	defer other.Close()

	responses, err := nodes[0].rpc.Send(context.Background(), members(nodes[1:]), []byte("x"), rpc.AllReply, channel.OptionNone, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, []byte("re:x"), responses[0].Message)
}

func TestReplyFailuresGoToErrorHandler(t *testing.T) {
	hub := transport.NewHub()
	a := cluster.NewMember([]byte("a"), 4000, nil)
	b := cluster.NewMember([]byte("b"), 4000, nil)

	ga := channel.NewGroupChannel(context.Background(), hub.NewTransport(a), channel.DefaultConfig())
	gb := channel.NewGroupChannel(context.Background(), hub.NewTransport(b), channel.DefaultConfig())
	require.NoError(t, ga.Start())
	require.NoError(t, gb.Start())
	defer ga.Stop()
	defer gb.Stop()

	failures := make(chan error, 1)
	rpc.NewChannel(context.Background(), gb, []byte("r"), &replier{answer: echo}, rpc.Config{
		ErrorHandler: func(err error, _ *channel.Message) { failures <- err },
	})
	ra := rpc.NewChannel(context.Background(), ga, []byte("r"), &replier{answer: echo}, rpc.Config{})

	// b hears a, but its acknowledged replies to a are dropped.
	hub.Drop(b, a, true)
	responses, err := ra.Send(context.Background(), []*cluster.Member{b}, []byte("x"), rpc.FirstReply, channel.OptionUseAck, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, responses)

	select {
	case err := <-failures:
		assert.ErrorIs(t, err, transport.ErrDropped)
	case <-time.After(2 * time.Second):
		t.Fatal("reply failure was not reported")
	}
}
