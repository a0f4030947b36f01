package replicated

import (
	"bytes"
	"fmt"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/util"
)

var header = []byte("TRIBES-REPL-MAP!")

type MessageType int32

const (
	MsgBackup         MessageType = 1
	MsgRetrieveBackup MessageType = 2
	MsgProxy          MessageType = 3
	MsgRemove         MessageType = 4
	MsgState          MessageType = 5
	MsgStart          MessageType = 6
	MsgStop           MessageType = 7
	MsgInit           MessageType = 8
	MsgCopy           MessageType = 9
	MsgStateCopy      MessageType = 10
	MsgAccess         MessageType = 11
)

var messageTypeNames = map[MessageType]string{
	MsgBackup:         "BACKUP",
	MsgRetrieveBackup: "RETRIEVE_BACKUP",
	MsgProxy:          "PROXY",
	MsgRemove:         "REMOVE",
	MsgState:          "STATE",
	MsgStart:          "START",
	MsgStop:           "STOP",
	MsgInit:           "INIT",
	MsgCopy:           "COPY",
	MsgStateCopy:      "STATE_COPY",
	MsgAccess:         "ACCESS",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(t))
}

// MapMessage is the unit of the replicated map protocol. Keys and values
// travel as bytes and are only decoded when a handler asks for them, through
// DecodeKey and DecodeValue.
type MapMessage struct {
	MapID     []byte
	Type      MessageType
	Diff      bool
	KeyData   []byte
	ValueData []byte
	DiffData  []byte
	Primary   *cluster.Member
	Backups   []*cluster.Member

	key          any
	keyDecoded   bool
	value        any
	valueDecoded bool
}

func isMapMessage(data []byte) bool {
	return len(data) >= len(header) && bytes.Equal(data[:len(header)], header)
}

// Encode writes header:16 | mapIdLen:4 | mapId | type:4 | diff:1 | keyLen:4 |
// key | valueLen:4 | value | diffLen:4 | diff | primaryLen:4 | primary |
// backupCount:4 | (memberLen:4 | member)*. Length -1 encodes nil.
func (m *MapMessage) Encode() ([]byte, error) {
	w := util.NewWireWriter(len(header) + len(m.MapID) + len(m.KeyData) + len(m.ValueData) + len(m.DiffData) + 64)
	w.PutRaw(header)
	w.PutBytes(m.MapID)
	w.PutInt32(int32(m.Type))
	if m.Diff {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	w.PutBytes(m.KeyData)
	w.PutBytes(m.ValueData)
	w.PutBytes(m.DiffData)

	if m.Primary == nil {
		w.PutBytes(nil)
	} else {
		data, err := m.Primary.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("unable to encode primary: %v", err)
		}
		w.PutBytes(data)
	}

	if m.Backups == nil {
		w.PutInt32(-1)
	} else {
		w.PutInt32(int32(len(m.Backups)))
		for _, b := range m.Backups {
			data, err := b.MarshalBinary()
			if err != nil {
				return nil, fmt.Errorf("unable to encode backup: %v", err)
			}
			w.PutBytes(data)
		}
	}
	return w.Bytes(), nil
}

func DecodeMapMessage(data []byte) (*MapMessage, error) {
	if !isMapMessage(data) {
		return nil, fmt.Errorf("unable to decode map message: bad header")
	}
	r := util.NewWireReader(data[len(header):])
	m := &MapMessage{}
	m.MapID = r.Bytes("map id")
	m.Type = MessageType(r.Int32("type"))
	m.Diff = r.Byte("diff flag") == 1
	m.KeyData = r.Bytes("key")
	m.ValueData = r.Bytes("value")
	m.DiffData = r.Bytes("diff")
	primary := r.Bytes("primary")
	count := r.Int32("backup count")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unable to decode map message: %w", err)
	}
	if count < -1 || int(count)*4 > r.Remaining() {
		return nil, fmt.Errorf("unable to decode map message: bad backup count %d", count)
	}

	if primary != nil {
		member, err := cluster.DecodeMember(primary)
		if err != nil {
			return nil, fmt.Errorf("unable to decode primary: %w", err)
		}
		m.Primary = member
	}
	if count >= 0 {
		m.Backups = make([]*cluster.Member, 0, count)
		for i := int32(0); i < count; i++ {
			data := r.Bytes("backup")
			if err := r.Err(); err != nil {
				return nil, fmt.Errorf("unable to decode map message: %w", err)
			}
			member, err := cluster.DecodeMember(data)
			if err != nil {
				return nil, fmt.Errorf("unable to decode backup: %w", err)
			}
			m.Backups = append(m.Backups, member)
		}
	}
	return m, nil
}

// DecodeKey decodes the key with codec on first use and caches the result.
func DecodeKey[K any](m *MapMessage, codec Codec[K]) (K, error) {
	if m.keyDecoded {
		if k, ok := m.key.(K); ok {
			return k, nil
		}
	}
	k, err := codec.Decode(m.KeyData)
	if err != nil {
		var zero K
		return zero, fmt.Errorf("unable to decode key: %v", err)
	}
	m.key, m.keyDecoded = k, true
	return k, nil
}

// DecodeValue decodes the value with codec on first use and caches the
// result.
func DecodeValue[V any](m *MapMessage, codec Codec[V]) (V, error) {
	if m.valueDecoded {
		if v, ok := m.value.(V); ok {
			return v, nil
		}
	}
	v, err := codec.Decode(m.ValueData)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("unable to decode value: %v", err)
	}
	m.value, m.valueDecoded = v, true
	return v, nil
}

// encodeList packs state transfer replies: count:4 | (len:4 | message)*.
func encodeList(msgs []*MapMessage) ([]byte, error) {
	w := util.NewWireWriter(64 * len(msgs))
	w.PutInt32(int32(len(msgs)))
	for _, msg := range msgs {
		data, err := msg.Encode()
		if err != nil {
			return nil, err
		}
		w.PutBytes(data)
	}
	return w.Bytes(), nil
}

func decodeList(data []byte) ([]*MapMessage, error) {
	r := util.NewWireReader(data)
	count := r.Int32("message count")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unable to decode state: %w", err)
	}
	if count < 0 || int(count)*4 > r.Remaining() {
		return nil, fmt.Errorf("unable to decode state: bad message count %d", count)
	}
	out := make([]*MapMessage, 0, count)
	for i := int32(0); i < count; i++ {
		raw := r.Bytes("message")
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("unable to decode state: %w", err)
		}
		msg, err := DecodeMapMessage(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
