package cluster

import (
	"bytes"
	"fmt"
	"net"
	"strconv"

	"github.com/johnewart/go-tribes/util"
)

// Member is a uniquely identified cluster peer. Host, Port and UniqueID form
// its identity; AliveTime, Payload and Command change over the member's
// lifetime and are only mutated by the membership directory.
type Member struct {
	Host     []byte
	Port     int
	UniqueID UniqueID
	Domain   []byte

	AliveTime int64
	Payload   []byte
	Command   []byte
}

func NewMember(host []byte, port int, domain []byte) *Member {
	return &Member{
		Host:     host,
		Port:     port,
		UniqueID: NewUniqueID(),
		Domain:   domain,
	}
}

// NewMemberFromIP builds a member for a textual IP address, storing the
// shortest byte form (4 bytes for IPv4).
func NewMemberFromIP(ip string, port int, domain []byte) (*Member, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("unable to parse ip %q", ip)
	}
	if v4 := parsed.To4(); v4 != nil {
		parsed = v4
	}
	return NewMember([]byte(parsed), port, domain), nil
}

func (m *Member) Equal(o *Member) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Port == o.Port && m.UniqueID == o.UniqueID && bytes.Equal(m.Host, o.Host)
}

// Key is a string form of the member identity usable as a map key.
func (m *Member) Key() string {
	return string(m.Host) + "|" + strconv.Itoa(m.Port) + "|" + string(m.UniqueID[:])
}

// Address renders the host:port the member listens on. Hosts that are not
// 4 or 16 bytes long (synthetic test members) are rendered as raw text.
func (m *Member) Address() string {
	host := string(m.Host)
	if len(m.Host) == net.IPv4len || len(m.Host) == net.IPv6len {
		host = net.IP(m.Host).String()
	}
	return net.JoinHostPort(host, strconv.Itoa(m.Port))
}

func (m *Member) String() string {
	return fmt.Sprintf("Member{%s, id=%s, alive=%d}", m.Address(), m.UniqueID, m.AliveTime)
}

// Clone copies the member, including its byte fields.
func (m *Member) Clone() *Member {
	return &Member{
		Host:      append([]byte(nil), m.Host...),
		Port:      m.Port,
		UniqueID:  m.UniqueID,
		Domain:    append([]byte(nil), m.Domain...),
		AliveTime: m.AliveTime,
		Payload:   append([]byte(nil), m.Payload...),
		Command:   append([]byte(nil), m.Command...),
	}
}

// MarshalBinary encodes the member as
// aliveTime:8 | port:4 | hostLen:1 | host | uniqueId:16 | domainLen:4 | domain |
// commandLen:4 | command | payloadLen:4 | payload.
func (m *Member) MarshalBinary() ([]byte, error) {
	if len(m.Host) > 255 {
		return nil, fmt.Errorf("host address too long: %d bytes", len(m.Host))
	}
	w := util.NewWireWriter(8 + 4 + 1 + len(m.Host) + UniqueIDLength + 12 + len(m.Domain) + len(m.Command) + len(m.Payload))
	w.PutInt64(m.AliveTime)
	w.PutInt32(int32(m.Port))
	w.PutByte(byte(len(m.Host)))
	w.PutRaw(m.Host)
	w.PutRaw(m.UniqueID[:])
	w.PutBytes(m.Domain)
	w.PutBytes(m.Command)
	w.PutBytes(m.Payload)
	return w.Bytes(), nil
}

func (m *Member) UnmarshalBinary(data []byte) error {
	r := util.NewWireReader(data)
	aliveTime := r.Int64("alive time")
	port := r.Int32("port")
	hostLen := r.Byte("host length")
	host := r.Raw(int(hostLen), "host")
	uid := r.Raw(UniqueIDLength, "unique id")
	domain := r.Bytes("domain")
	command := r.Bytes("command")
	payload := r.Bytes("payload")
	if err := r.Err(); err != nil {
		return fmt.Errorf("unable to decode member: %w", err)
	}

	m.AliveTime = aliveTime
	m.Port = int(port)
	m.Host = host
	copy(m.UniqueID[:], uid)
	m.Domain = domain
	m.Command = command
	m.Payload = payload
	return nil
}

func DecodeMember(data []byte) (*Member, error) {
	m := &Member{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// Contains reports whether members holds a member equal to m.
func Contains(members []*Member, m *Member) bool {
	for _, o := range members {
		if o.Equal(m) {
			return true
		}
	}
	return false
}

// Exclude returns members minus every member in exclude.
func Exclude(members []*Member, exclude ...*Member) []*Member {
	out := make([]*Member, 0, len(members))
	for _, m := range members {
		if !Contains(exclude, m) {
			out = append(out, m)
		}
	}
	return out
}
