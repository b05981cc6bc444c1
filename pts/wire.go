package pts

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MsgType identifies a datagram by its leading byte.
type MsgType uint8

const (
	MsgHello         MsgType = 1
	MsgHelloReply    MsgType = 2
	MsgConnect       MsgType = 3
	MsgAckConnect    MsgType = 4
	MsgSyncStart     MsgType = 11
	MsgDelayRequest  MsgType = 12
	MsgDelayResponse MsgType = 13
	MsgLeader        MsgType = 21
	MsgGetTime       MsgType = 31
	MsgTime          MsgType = 32
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgHelloReply:
		return "HELLO_REPLY"
	case MsgConnect:
		return "CONNECT"
	case MsgAckConnect:
		return "ACK_CONNECT"
	case MsgSyncStart:
		return "SYNC_START"
	case MsgDelayRequest:
		return "DELAY_REQUEST"
	case MsgDelayResponse:
		return "DELAY_RESPONSE"
	case MsgLeader:
		return "LEADER"
	case MsgGetTime:
		return "GET_TIME"
	case MsgTime:
		return "TIME"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// MaxDatagram bounds every payload this protocol sends or accepts.
const MaxDatagram = 65536

const (
	addrLen       = 4 // IPv4 address bytes in a HELLO_REPLY record
	peerRecordLen = 1 + addrLen + 2
	levelTsLen    = 1 + 1 + 8
)

// Message is the decoded form of a datagram. Only the fields of its type
// carry meaning: Level for SYNC_START, DELAY_RESPONSE, LEADER and TIME,
// Timestamp for SYNC_START, DELAY_RESPONSE and TIME, Peers for HELLO_REPLY.
type Message struct {
	Type      MsgType
	Level     uint8
	Timestamp uint64
	Peers     []netip.AddrPort
}

// Decode parses a datagram, insisting that its length matches the declared
// layout exactly and that every HELLO_REPLY record announces a 4-byte
// address. All multi-byte fields are big-endian.
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return Message{}, fmt.Errorf("empty datagram")
	}
	m := Message{Type: MsgType(buf[0])}
	switch m.Type {
	case MsgHello, MsgConnect, MsgAckConnect, MsgDelayRequest, MsgGetTime:
		if len(buf) != 1 {
			return Message{}, fmt.Errorf("%s: wrong size %d", m.Type, len(buf))
		}
	case MsgHelloReply:
		if len(buf) < 3 {
			return Message{}, fmt.Errorf("%s: wrong size %d", m.Type, len(buf))
		}
		count := int(binary.BigEndian.Uint16(buf[1:3]))
		if len(buf) != 3+count*peerRecordLen {
			return Message{}, fmt.Errorf("%s: wrong size %d for count %d", m.Type, len(buf), count)
		}
		m.Peers = make([]netip.AddrPort, 0, count)
		rest := buf[3:]
		for i := 0; i < count; i++ {
			rec := rest[i*peerRecordLen:]
			if rec[0] != addrLen {
				return Message{}, fmt.Errorf("%s: address length is %d, not %d", m.Type, rec[0], addrLen)
			}
			addr := netip.AddrFrom4([4]byte(rec[1 : 1+addrLen]))
			port := binary.BigEndian.Uint16(rec[1+addrLen:])
			m.Peers = append(m.Peers, netip.AddrPortFrom(addr, port))
		}
	case MsgSyncStart, MsgDelayResponse, MsgTime:
		if len(buf) != levelTsLen {
			return Message{}, fmt.Errorf("%s: wrong size %d", m.Type, len(buf))
		}
		m.Level = buf[1]
		m.Timestamp = binary.BigEndian.Uint64(buf[2:])
	case MsgLeader:
		if len(buf) != 2 {
			return Message{}, fmt.Errorf("%s: wrong size %d", m.Type, len(buf))
		}
		m.Level = buf[1]
	default:
		return Message{}, fmt.Errorf("unknown message type %d", buf[0])
	}
	return m, nil
}

// Encode renders m as a datagram. It fails for an unknown message type and
// for a HELLO_REPLY whose peer list does not fit in MaxDatagram or addresses
// a non-IPv4 peer.
func (m Message) Encode() ([]byte, error) {
	switch m.Type {
	case MsgHello, MsgConnect, MsgAckConnect, MsgDelayRequest, MsgGetTime:
		return []byte{byte(m.Type)}, nil
	case MsgHelloReply:
		size := 3 + len(m.Peers)*peerRecordLen
		if size >= MaxDatagram {
			return nil, fmt.Errorf("%s with %d peers does not fit in a datagram", m.Type, len(m.Peers))
		}
		buf := make([]byte, 3, size)
		buf[0] = byte(m.Type)
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(m.Peers)))
		for _, p := range m.Peers {
			addr := p.Addr().Unmap()
			if !addr.Is4() {
				return nil, fmt.Errorf("%s: %s is not an IPv4 address", m.Type, addr)
			}
			a4 := addr.As4()
			buf = append(buf, addrLen)
			buf = append(buf, a4[:]...)
			buf = binary.BigEndian.AppendUint16(buf, p.Port())
		}
		return buf, nil
	case MsgSyncStart, MsgDelayResponse, MsgTime:
		buf := make([]byte, levelTsLen)
		buf[0] = byte(m.Type)
		buf[1] = m.Level
		binary.BigEndian.PutUint64(buf[2:], m.Timestamp)
		return buf, nil
	case MsgLeader:
		return []byte{byte(m.Type), m.Level}, nil
	}
	return nil, fmt.Errorf("unknown message type %d", uint8(m.Type))
}
