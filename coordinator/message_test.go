package coordinator

import (
	"testing"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecode(t *testing.T) {
	a := cluster.NewMember([]byte("A"), 4000, nil)
	b := cluster.NewMember([]byte("B"), 4000, nil)
	m := &Message{
		Type:   MessageRequest,
		Leader: a,
		Source: b,
		View:   []*cluster.Member{a, b},
		ID:     cluster.NewUniqueID(),
	}

	data, err := m.Encode()
	require.NoError(t, err)
	assert.True(t, isCoordinationMessage(data))

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MessageRequest, decoded.Type)
	assert.True(t, decoded.Leader.Equal(a))
	assert.True(t, decoded.Source.Equal(b))
	assert.True(t, cluster.SameMembers(m.View, decoded.View))
	assert.Equal(t, m.ID, decoded.ID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("not a coordination message"))
	assert.Error(t, err)

	m := &Message{Type: MessageInstall, Leader: cluster.NewMember([]byte("A"), 1, nil), Source: cluster.NewMember([]byte("A"), 1, nil)}
	data, err := m.Encode()
	require.NoError(t, err)
	_, err = DecodeMessage(data[:len(data)-4])
	assert.Error(t, err)
}

func TestMessageTypeNames(t *testing.T) {
	assert.Equal(t, "ELECT-REQUEST", MessageRequest.String())
	assert.Equal(t, "ELECT-INSTALL", MessageInstall.String())
	assert.Equal(t, "VIEW_INSTALLED", EventViewInstalled.String())
	assert.Equal(t, "CONFIRMATION_RECEIVED", EventConfirmationReceived.String())
}

func TestEventLogKeepsMostRecent(t *testing.T) {
	l := newEventLog(3)
	for i := 1; i <= 5; i++ {
		l.add(Event{Type: EventType(i)})
	}
	events := l.snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, EventType(3), events[0].Type)
	assert.Equal(t, EventType(5), events[2].Type)

	short := newEventLog(4)
	short.add(Event{Type: EventStart})
	assert.Len(t, short.snapshot(), 1)
}
