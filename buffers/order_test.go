package buffers

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestOrderBufferInOrderDeliversImmediately(t *testing.T) {
	b := NewOrderBuffer[string](time.Second)

	for i, v := range []string{"a", "b", "c"} {
		out, err := b.Offer("s1", int64(i), v)
		require.NoError(t, err)
		assert.Equal(t, []string{v}, out)
	}
	assert.Equal(t, 0, b.Pending("s1"))
}

func TestOrderBufferHoldsUntilGapFilled(t *testing.T) {
	b := NewOrderBuffer[int](time.Second)

	out, err := b.Offer("s1", 2, 2)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = b.Offer("s1", 1, 1)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 2, b.Pending("s1"))

	out, err = b.Offer("s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, out)
}

func TestOrderBufferSendersAreIndependent(t *testing.T) {
	b := NewOrderBuffer[int](time.Second)

	out, err := b.Offer("s1", 1, 11)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = b.Offer("s2", 0, 20)
	require.NoError(t, err)
	assert.Equal(t, []int{20}, out)
}

func TestOrderBufferRejectsDuplicates(t *testing.T) {
	b := NewOrderBuffer[string](time.Second)

	_, err := b.Offer("s1", 0, "first")
	require.NoError(t, err)

	_, err = b.Offer("s1", 0, "again")
	var seqErr *SequenceError
	require.True(t, errors.As(err, &seqErr))
	assert.Equal(t, int64(0), seqErr.Sequence)
	assert.Equal(t, int64(1), seqErr.Expected)

	_, err = b.Offer("s1", 5, "pending")
	require.NoError(t, err)
	_, err = b.Offer("s1", 5, "overwrite")
	require.Error(t, err)

	out, err := b.Offer("s1", 1, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, out)
	assert.Equal(t, 1, b.Pending("s1"))
}

func TestOrderBufferRandomArrivalIsAscending(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		b := NewOrderBuffer[int](time.Minute)
		n := 1 + rnd.Intn(50)
		seqs := rnd.Perm(n)

		var delivered []int
		for _, s := range seqs {
			out, err := b.Offer("s", int64(s), s)
			require.NoError(t, err)
			delivered = append(delivered, out...)
		}
		require.Len(t, delivered, n)
		for i, v := range delivered {
			require.Equal(t, i, v)
		}
	}
}

func TestOrderBufferExpireSkipsGap(t *testing.T) {
	clock := &testClock{t: time.Unix(1000, 0)}
	b := NewOrderBuffer[int](time.Second)
	b.now = clock.now

	_, err := b.Offer("s1", 2, 2)
	require.NoError(t, err)
	clock.advance(800 * time.Millisecond)
	_, err = b.Offer("s1", 4, 4)
	require.NoError(t, err)

	released, dropped := b.Expire()
	assert.Empty(t, released)
	assert.Zero(t, dropped)

	clock.advance(500 * time.Millisecond)
	released, dropped = b.Expire()
	assert.Equal(t, 1, dropped)
	assert.Empty(t, released)
	assert.Equal(t, 1, b.Pending("s1"))

	out, err := b.Offer("s1", 3, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, out)

	_, err = b.Offer("s1", 1, 1)
	require.Error(t, err)
}

func TestOrderBufferForget(t *testing.T) {
	b := NewOrderBuffer[int](time.Second)
	_, err := b.Offer("s1", 0, 0)
	require.NoError(t, err)
	_, err = b.Offer("s1", 3, 3)
	require.NoError(t, err)

	b.Forget("s1")
	assert.Equal(t, 0, b.Pending("s1"))

	out, err := b.Offer("s1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, out)
}
