package channel

import (
	"fmt"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/util"
)

// Message is the envelope every payload travels in. It is treated as
// immutable once encoded; pipeline stages that need to change it work on a
// Clone.
type Message struct {
	UniqueID  cluster.UniqueID
	Address   *cluster.Member
	Timestamp int64
	Options   Options
	Payload   []byte
}

// Clone returns a shallow copy that shares the payload buffer.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// DeepClone returns a copy with its own payload buffer and sender.
func (m *Message) DeepClone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Address != nil {
		c.Address = m.Address.Clone()
	}
	return &c
}

// Encode writes
// options:4 | timestamp:8 | uniqueIdLen:4 | uniqueId | addrLen:4 | member | payloadLen:4 | payload.
func (m *Message) Encode() ([]byte, error) {
	if m.Address == nil {
		return nil, fmt.Errorf("unable to encode message %s: no sender address", m.UniqueID)
	}
	addr, err := m.Address.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("unable to encode sender: %v", err)
	}

	w := util.NewWireWriter(4 + 8 + 4 + cluster.UniqueIDLength + 4 + len(addr) + 4 + len(m.Payload))
	w.PutUint32(uint32(m.Options))
	w.PutInt64(m.Timestamp)
	w.PutBytes(m.UniqueID[:])
	w.PutBytes(addr)
	if m.Payload == nil {
		w.PutBytes([]byte{})
	} else {
		w.PutBytes(m.Payload)
	}
	return w.Bytes(), nil
}

func DecodeMessage(data []byte) (*Message, error) {
	r := util.NewWireReader(data)
	options := r.Uint32("options")
	timestamp := r.Int64("timestamp")
	uid := r.Bytes("unique id")
	addr := r.Bytes("address")
	payload := r.Bytes("payload")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unable to decode message: %w", err)
	}

	id, ok := cluster.UniqueIDFromBytes(uid)
	if !ok {
		return nil, fmt.Errorf("unable to decode message: unique id has %d bytes", len(uid))
	}
	member, err := cluster.DecodeMember(addr)
	if err != nil {
		return nil, fmt.Errorf("unable to decode message sender: %w", err)
	}
	if payload == nil {
		payload = []byte{}
	}

	return &Message{
		UniqueID:  id,
		Address:   member,
		Timestamp: timestamp,
		Options:   Options(options),
		Payload:   payload,
	}, nil
}
