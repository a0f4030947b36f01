package coordinator

import (
	"bytes"
	"fmt"

	"github.com/johnewart/go-tribes/cluster"
	"github.com/johnewart/go-tribes/util"
)

const markerLength = 16

var header = []byte("TRIBES-COORD-HDR")

type MessageType int

const (
	MessageRequest MessageType = iota + 1
	MessageConfirm
	MessageMerge
	MessageInstall
)

var markers = map[MessageType][]byte{
	MessageRequest: marker("ELECT-REQUEST"),
	MessageConfirm: marker("ELECT-CONFIRM"),
	MessageMerge:   marker("ELECT-MERGE"),
	MessageInstall: marker("ELECT-INSTALL"),
}

func marker(name string) []byte {
	out := make([]byte, markerLength)
	copy(out, name)
	return out
}

func (t MessageType) String() string {
	if m, ok := markers[t]; ok {
		return string(bytes.TrimRight(m, "\x00"))
	}
	return "UNKNOWN"
}

// Message is an election message exchanged between coordinators.
type Message struct {
	Type   MessageType
	Leader *cluster.Member
	Source *cluster.Member
	View   []*cluster.Member
	ID     cluster.UniqueID
}

func isCoordinationMessage(data []byte) bool {
	return len(data) >= markerLength && bytes.Equal(data[:markerLength], header)
}

// Encode writes header:16 | leaderLen:4 | leader | sourceLen:4 | source |
// viewCount:4 | (memberLen:4 | member)* | correlationId:16 | type:16.
func (m *Message) Encode() ([]byte, error) {
	typ, ok := markers[m.Type]
	if !ok {
		return nil, fmt.Errorf("unable to encode coordination message: unknown type %d", m.Type)
	}
	w := util.NewWireWriter(256)
	w.PutRaw(header)
	for _, member := range []*cluster.Member{m.Leader, m.Source} {
		data, err := member.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("unable to encode coordination message: %v", err)
		}
		w.PutBytes(data)
	}
	w.PutInt32(int32(len(m.View)))
	for _, member := range m.View {
		data, err := member.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("unable to encode coordination message: %v", err)
		}
		w.PutBytes(data)
	}
	w.PutRaw(m.ID[:])
	w.PutRaw(typ)
	return w.Bytes(), nil
}

func DecodeMessage(data []byte) (*Message, error) {
	if !isCoordinationMessage(data) {
		return nil, fmt.Errorf("unable to decode coordination message: bad header")
	}
	r := util.NewWireReader(data[markerLength:])
	leaderBytes := r.Bytes("leader")
	sourceBytes := r.Bytes("source")
	count := r.Int32("view count")
	if r.Err() == nil && (count < 0 || int(count)*4 > r.Remaining()) {
		return nil, fmt.Errorf("unable to decode coordination message: bad view count %d", count)
	}
	viewBytes := make([][]byte, 0, count)
	for i := int32(0); i < count && r.Err() == nil; i++ {
		viewBytes = append(viewBytes, r.Bytes("view member"))
	}
	id := r.Raw(cluster.UniqueIDLength, "correlation id")
	typ := r.Raw(markerLength, "type")
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("unable to decode coordination message: %w", err)
	}

	m := &Message{View: make([]*cluster.Member, 0, len(viewBytes))}
	for t, mk := range markers {
		if bytes.Equal(mk, typ) {
			m.Type = t
		}
	}
	if m.Type == 0 {
		return nil, fmt.Errorf("unable to decode coordination message: unknown type %q", typ)
	}

	var err error
	if m.Leader, err = cluster.DecodeMember(leaderBytes); err != nil {
		return nil, fmt.Errorf("unable to decode leader: %w", err)
	}
	if m.Source, err = cluster.DecodeMember(sourceBytes); err != nil {
		return nil, fmt.Errorf("unable to decode source: %w", err)
	}
	for _, b := range viewBytes {
		member, err := cluster.DecodeMember(b)
		if err != nil {
			return nil, fmt.Errorf("unable to decode view member: %w", err)
		}
		m.View = append(m.View, member)
	}
	copy(m.ID[:], id)
	return m, nil
}
