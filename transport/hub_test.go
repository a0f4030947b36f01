package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johnewart/go-tribes/channel"
	"github.com/johnewart/go-tribes/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHubTransport(t *testing.T, hub *Hub, host string) *HubTransport {
	t.Helper()
	tr := hub.NewTransport(cluster.NewMember([]byte(host), 4000, nil))
	require.NoError(t, tr.Start(context.Background()))
	t.Cleanup(func() { tr.Stop() })
	return tr
}

func receiveWithin(t *testing.T, tr *HubTransport, d time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	data, err := tr.Receive(ctx)
	require.NoError(t, err)
	return data
}

func TestHubDelivers(t *testing.T) {
	hub := NewHub()
	a := startHubTransport(t, hub, "a")
	b := startHubTransport(t, hub, "b")

	require.NoError(t, a.SendTo(context.Background(), []*cluster.Member{b.LocalMember()}, []byte("hello"), channel.OptionNone))
	assert.Equal(t, []byte("hello"), receiveWithin(t, b, time.Second))
}

func TestHubReportsUnreachableMembers(t *testing.T) {
	hub := NewHub()
	a := startHubTransport(t, hub, "a")
	b := startHubTransport(t, hub, "b")
	ghost := cluster.NewMember([]byte("ghost"), 4000, nil)

	err := a.SendTo(context.Background(), []*cluster.Member{b.LocalMember(), ghost}, []byte("x"), channel.OptionNone)
	var ce *channel.ChannelError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Faulty, 1)
	assert.True(t, ce.Faulty[0].Member.Equal(ghost))
	assert.ErrorIs(t, err, ErrUnreachable)

	assert.Equal(t, []byte("x"), receiveWithin(t, b, time.Second))
}

func TestHubDropIsSilentWithoutAck(t *testing.T) {
	hub := NewHub()
	a := startHubTransport(t, hub, "a")
	b := startHubTransport(t, hub, "b")
	hub.Drop(a.LocalMember(), b.LocalMember(), true)

	dest := []*cluster.Member{b.LocalMember()}
	assert.NoError(t, a.SendTo(context.Background(), dest, []byte("x"), channel.OptionNone))
	assert.ErrorIs(t, a.SendTo(context.Background(), dest, []byte("x"), channel.OptionUseAck), ErrDropped)

	hub.Drop(a.LocalMember(), b.LocalMember(), false)
	require.NoError(t, a.SendTo(context.Background(), dest, []byte("y"), channel.OptionUseAck))
	assert.Equal(t, []byte("y"), receiveWithin(t, b, time.Second))
}

func TestHubPartition(t *testing.T) {
	hub := NewHub()
	a := startHubTransport(t, hub, "a")
	b := startHubTransport(t, hub, "b")
	c := startHubTransport(t, hub, "c")

	hub.Partition([]*cluster.Member{a.LocalMember()}, []*cluster.Member{b.LocalMember()})
	assert.Error(t, a.SendTo(context.Background(), []*cluster.Member{b.LocalMember()}, []byte("x"), channel.OptionNone))
	assert.NoError(t, a.SendTo(context.Background(), []*cluster.Member{c.LocalMember()}, []byte("x"), channel.OptionNone))

	hub.Heal()
	assert.NoError(t, a.SendTo(context.Background(), []*cluster.Member{b.LocalMember()}, []byte("x"), channel.OptionNone))
}

func TestHubStopInterruptsReceive(t *testing.T) {
	hub := NewHub()
	a := hub.NewTransport(cluster.NewMember([]byte("a"), 4000, nil))
	require.NoError(t, a.Start(context.Background()))

	errs := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Stop())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, channel.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive was not interrupted")
	}

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Stop())
}

func TestHubInjectedReceiveFailures(t *testing.T) {
	hub := NewHub()
	a := startHubTransport(t, hub, "a")
	a.FailReceives(2)

	_, err := a.Receive(context.Background())
	assert.Error(t, err)
	_, err = a.Receive(context.Background())
	assert.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
