package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	sender := cluster.NewMember([]byte{10, 0, 0, 1}, 4000, []byte("domain"))
	sender.AliveTime = 1234
	msg := &Message{
		UniqueID:  cluster.NewUniqueID(),
		Address:   sender,
		Timestamp: 1700000000000,
		Options:   OptionUseAck | OptionOrdered,
		Payload:   []byte("payload"),
	}

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, msg.UniqueID, decoded.UniqueID)
	assert.True(t, decoded.Address.Equal(sender))
	assert.Equal(t, int64(1234), decoded.Address.AliveTime)
	assert.Equal(t, msg.Timestamp, decoded.Timestamp)
	assert.Equal(t, msg.Options, decoded.Options)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestDecodeMessageRejectsTruncatedData(t *testing.T) {
	msg := &Message{
		UniqueID: cluster.NewUniqueID(),
		Address:  cluster.NewMember([]byte("host"), 1, nil),
		Payload:  []byte("abc"),
	}
	data, err := msg.Encode()
	require.NoError(t, err)

	_, err = DecodeMessage(data[:len(data)-2])
	assert.ErrorIs(t, err, util.ErrShortBuffer)
}

func TestCloneSharesPayloadDeepCloneCopies(t *testing.T) {
	msg := &Message{
		UniqueID: cluster.NewUniqueID(),
		Address:  cluster.NewMember([]byte("host"), 1, nil),
		Payload:  []byte("abc"),
	}

	shallow := msg.Clone()
	deep := msg.DeepClone()
	msg.Payload[0] = 'z'

	assert.Equal(t, byte('z'), shallow.Payload[0])
	assert.Equal(t, byte('a'), deep.Payload[0])
	assert.NotSame(t, msg.Address, deep.Address)
}

func TestOptions(t *testing.T) {
	o := OptionUseAck | OptionSynchronizedAck
	assert.True(t, o.Has(OptionUseAck))
	assert.False(t, o.Without(OptionSynchronizedAck).Has(OptionSynchronizedAck))
	assert.Equal(t, "ack|sync-ack", o.String())
	assert.Equal(t, "none", OptionNone.String())
}

func TestChannelErrorEnumeratesFailures(t *testing.T) {
	a := cluster.NewMember([]byte("a"), 1, nil)
	b := cluster.NewMember([]byte("b"), 1, nil)
	c := cluster.NewMember([]byte("c"), 1, nil)
	boom := errors.New("boom")

	ce := NewChannelError()
	assert.NoError(t, ce.ErrOrNil())

	ce.Add(a, boom)
	inner := NewChannelError()
	inner.Add(b, errors.New("refused"))
	ce.Merge(inner, []*cluster.Member{b, c})

	require.Len(t, ce.Faulty, 2)
	assert.True(t, ce.IsFaulty(a))
	assert.True(t, ce.IsFaulty(b))
	assert.False(t, ce.IsFaulty(c))
	assert.ErrorIs(t, ce, boom)

	plain := NewChannelError()
	plain.Merge(boom, []*cluster.Member{a, c})
	assert.Len(t, plain.Members(), 2)
}

type blockingTransport struct {
	local   *cluster.Member
	stops   chan struct{}
	release chan struct{}
}

func (b *blockingTransport) Start(context.Context) error { return nil }

func (b *blockingTransport) Stop() error {
	b.stops <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingTransport) SendTo(context.Context, []*cluster.Member, []byte, Options) error {
	return nil
}

func (b *blockingTransport) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingTransport) LocalMember() *cluster.Member { return b.local }

func TestRecoveryIsSingleton(t *testing.T) {
	tr := &blockingTransport{
		local:   cluster.NewMember([]byte("local"), 1, nil),
		stops:   make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	config := DefaultConfig()
	config.RecoveryAttempts = 1
	c := NewGroupChannel(context.Background(), tr, config)

	require.True(t, c.triggerRecovery())
	<-tr.stops
	assert.False(t, c.triggerRecovery())
	assert.Equal(t, 1, c.RecoveryRuns())

	close(tr.release)
	require.Eventually(t, func() bool {
		c.recoveryMu.Lock()
		defer c.recoveryMu.Unlock()
		return !c.recovering
	}, time.Second, 5*time.Millisecond)

	assert.True(t, c.triggerRecovery())
	c.cancel()
	c.wg.Wait()
	assert.Equal(t, 2, c.RecoveryRuns())
}

func newIdleChannel(config Config) *GroupChannel {
	tr := &blockingTransport{
		local:   cluster.NewMember([]byte("local"), 1, nil),
		stops:   make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	return NewGroupChannel(context.Background(), tr, config)
}

func TestFragmentWithHugeTotalIsDropped(t *testing.T) {
	config := DefaultConfig()
	config.MaxMessageSize = 1024
	config.FragmentSize = 64
	c := newIdleChannel(config)
	assert.Equal(t, 16, c.config.MaxFragments)

	w := util.NewWireWriter(16)
	w.PutInt32(0)
	w.PutInt32(1 << 25)
	w.PutRaw([]byte("piece"))
	c.reassemble(&Message{
		UniqueID: cluster.NewUniqueID(),
		Address:  cluster.NewMember([]byte("remote"), 1, nil),
		Options:  OptionFragment,
		Payload:  w.Bytes(),
	})

	assert.Equal(t, 0, c.fragmentBuffer.Size())
}

func TestSequencesResetWhenMemberDisappears(t *testing.T) {
	c := newIdleChannel(DefaultConfig())
	m := cluster.NewMember([]byte("remote"), 1, nil)

	assert.Equal(t, []int64{0, 1, 2}, c.nextSequences(m, 3))
	c.memberDisappeared(m)

	c.seqMu.Lock()
	assert.Empty(t, c.sequences)
	c.seqMu.Unlock()
	assert.Equal(t, []int64{0}, c.nextSequences(m, 1))
}
