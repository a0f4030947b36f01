package storage

import (
	"encoding/json"
	"testing"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisMemberEncoding(t *testing.T) {
	m := cluster.NewMember([]byte{10, 0, 0, 1}, 4000, []byte("sessions"))
	m.AliveTime = 42

	data, err := json.Marshal(toRedisMember(m))
	require.NoError(t, err)
	decoded, err := decodeRedisMember(data)
	require.NoError(t, err)
	assert.True(t, m.Equal(decoded))
	assert.Equal(t, int64(42), decoded.AliveTime)
	assert.Equal(t, "member://"+m.UniqueID.String(), memberKey(m))
}

func TestPgMemberConversion(t *testing.T) {
	m := cluster.NewMember([]byte{10, 0, 0, 2}, 4001, nil)
	m.Payload = []byte("p")

	back, err := fromPgMember(toPgMember(m))
	require.NoError(t, err)
	assert.True(t, m.Equal(back))
	assert.Equal(t, m.Payload, back.Payload)
	assert.Equal(t, "members", PgMember{}.TableName())
}

func TestParseUniqueIDRejectsGarbage(t *testing.T) {
	_, err := parseUniqueID("zz")
	assert.Error(t, err)
	_, err = parseUniqueID("abcd")
	assert.Error(t, err)
}
