package rpc

import (
	"fmt"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/util"
)

// Message wraps an RPC payload with its correlation key and the id of the
// RPC channel it belongs to. A reply without payload bytes is a "no-data"
// reply: the destination declined to answer.
type Message struct {
	Reply   bool
	UUID    cluster.UniqueID
	RpcID   []byte
	Payload []byte
}

func (m *Message) NoData() bool {
	return m.Reply && len(m.Payload) == 0
}

// Encode writes isReply:1 | uuidLen:4 | uuid | rpcIdLen:4 | rpcId | payload.
func (m *Message) Encode() []byte {
	w := util.NewWireWriter(1 + 4 + cluster.UniqueIDLength + 4 + len(m.RpcID) + len(m.Payload))
	if m.Reply {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	w.PutBytes(m.UUID[:])
	w.PutBytes(m.RpcID)
	w.PutRaw(m.Payload)
	return w.Bytes()
}

func DecodeMessage(data []byte) (*Message, error) {
	r := util.NewWireReader(data)
	flag := r.Byte("reply flag")
	uuid := r.Bytes("uuid")
	rpcID := r.Bytes("rpc id")
	payload := r.Rest()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unable to decode rpc message: %w", err)
	}
	if flag > 1 {
		return nil, fmt.Errorf("unable to decode rpc message: bad reply flag %d", flag)
	}
	id, ok := cluster.UniqueIDFromBytes(uuid)
	if !ok {
		return nil, fmt.Errorf("unable to decode rpc message: uuid has %d bytes", len(uuid))
	}
	return &Message{
		Reply:   flag == 1,
		UUID:    id,
		RpcID:   rpcID,
		Payload: payload,
	}, nil
}
