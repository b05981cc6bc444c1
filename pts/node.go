package pts

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"
)

// Synchronization levels with a fixed meaning.
const (
	LevelLeader         uint8 = 0
	LevelReserved       uint8 = 254
	LevelUnsynchronized uint8 = 255
)

// Delays of the synchronization schedule, in milliseconds of natural clock.
const (
	leaderSyncStartDelayMs = 2_000
	syncStartDelayMs       = 5_000
	syncCheckDelayMs       = 20_000
	delayResponseDelayMs   = 5_000
)

// Node is the full state of one time-sync participant. All methods must be
// called from a single goroutine; Run is that goroutine in production.
type Node struct {
	log  *slog.Logger
	clk  *Clock
	conn *net.UDPConn
	send func(m Message, to netip.AddrPort)

	selfAddrs []netip.AddrPort
	knownPeer netip.AddrPort

	peers         *PeerSet
	waitingForAck *PeerSet
	askedToSync   *PeerSet

	waitingForHelloReply bool

	level      uint8
	offsetMs   int64
	syncedPeer netip.AddrPort

	nextSyncStart  uint64
	nextSyncCheck  uint64
	delayRespondBy uint64
	lastSyncStart  uint64

	synchronizing  bool
	syncingLevel   uint8
	peerToSync     netip.AddrPort
	t1, t2, t3, t4 uint64
}

// Option configures a Node.
type Option func(Node) Node

// WithLogger routes the node's diagnostics through l.
func WithLogger(l *slog.Logger) Option {
	return func(n Node) Node {
		n.log = l
		return n
	}
}

// WithTimeSource makes the natural clock read from now instead of the wall
// clock.
func WithTimeSource(now func() time.Time) Option {
	return func(n Node) Node {
		n.clk = newClockAt(now)
		return n
	}
}

// WithSendFunc replaces the datagram transmit hook.
func WithSendFunc(send func(m Message, to netip.AddrPort)) Option {
	return func(n Node) Node {
		n.send = send
		return n
	}
}

// NewNode creates an unsynchronized node that answers for selfAddrs.
func NewNode(selfAddrs []netip.AddrPort, opts ...Option) *Node {
	n := Node{
		log:           slog.Default(),
		clk:           NewClock(),
		selfAddrs:     selfAddrs,
		peers:         NewPeerSet(),
		waitingForAck: NewPeerSet(),
		askedToSync:   NewPeerSet(),
		level:         LevelUnsynchronized,
	}
	for _, opt := range opts {
		n = opt(n)
	}
	return &n
}

// Level returns the current synchronization level.
func (n *Node) Level() uint8 { return n.level }

// OffsetMs returns the current clock offset in milliseconds.
func (n *Node) OffsetMs() int64 { return n.offsetMs }

// Peers returns the known peers ordered by (address, port).
func (n *Node) Peers() []netip.AddrPort { return n.peers.Addrs() }

// ClockMillis returns the synchronized clock: the natural clock with the
// offset applied, clamped at zero. An unsynchronized node reads its natural
// clock (its offset is necessarily zero then).
func (n *Node) ClockMillis() uint64 {
	natural := int64(n.clk.NaturalMillis())
	if n.level == LevelUnsynchronized {
		return uint64(natural)
	}
	if natural >= n.offsetMs {
		return uint64(natural - n.offsetMs)
	}
	return 0
}

// Start sends the initial HELLO to the peer given on the command line and
// begins waiting for its HELLO_REPLY.
func (n *Node) Start(knownPeer netip.AddrPort) {
	n.knownPeer = knownPeer
	n.waitingForHelloReply = true
	n.send(Message{Type: MsgHello}, knownPeer)
}

// Bind installs conn as the node's transport. It must run before Run, and
// before Start unless a send hook was injected.
func (n *Node) Bind(conn *net.UDPConn) {
	n.conn = conn
	if n.send == nil {
		n.send = func(m Message, to netip.AddrPort) {
			buf, err := m.Encode()
			if err != nil {
				n.log.Error("cannot encode message", "type", m.Type, "err", err)
				return
			}
			if _, err := conn.WriteToUDPAddrPort(buf, to); err != nil {
				n.log.Error("failed to send message", "type", m.Type, "to", to, "err", err)
				return
			}
			n.log.Debug("sent", "type", m.Type, "to", to)
		}
	}
}

// Run drives the node on its bound socket until a non-timeout receive error
// occurs. The one second receive deadline bounds the timer scheduler's
// resolution.
func (n *Node) Run() error {
	conn := n.conn
	buf := make([]byte, MaxDatagram)
	for {
		n.CheckTimers()
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return fmt.Errorf("set receive deadline: %w", err)
		}
		length, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return fmt.Errorf("recvfrom: %w", err)
		}
		if length == 0 {
			n.log.Error("malformed message", "from", from, "msg", "")
			continue
		}
		n.HandleDatagram(buf[:length], unmap(from))
	}
}

// HandleDatagram dispatches one received datagram.
func (n *Node) HandleDatagram(buf []byte, from netip.AddrPort) {
	m, err := Decode(buf)
	if err != nil {
		n.dropMalformed(buf, from, err.Error())
		return
	}
	n.log.Debug("received", "type", m.Type, "from", from)
	switch m.Type {
	case MsgHello:
		n.handleHello(buf, from)
	case MsgHelloReply:
		n.handleHelloReply(m, buf, from)
	case MsgConnect:
		n.handleConnect(buf, from)
	case MsgAckConnect:
		n.handleAckConnect(buf, from)
	case MsgSyncStart:
		n.handleSyncStart(m, buf, from)
	case MsgDelayRequest:
		n.handleDelayRequest(buf, from)
	case MsgDelayResponse:
		n.handleDelayResponse(m, buf, from)
	case MsgLeader:
		n.handleLeader(m, buf, from)
	case MsgGetTime:
		n.handleGetTime(from)
	}
}

// CheckTimers runs the deadlines that came due: an expired delay-response
// wait aborts the in-flight handshake, an expired sync-check demotes the
// follower, and an expired sync-start broadcasts SYNC_START to every peer.
func (n *Node) CheckTimers() {
	now := n.clk.NaturalMillis()

	if n.synchronizing && now > n.delayRespondBy {
		n.synchronizing = false
	}

	if LevelLeader < n.level && n.level < LevelUnsynchronized && now > n.nextSyncCheck {
		n.level = LevelUnsynchronized
		n.offsetMs = 0
	}

	if n.level < LevelReserved && now > n.nextSyncStart {
		if n.peers.Len() > 0 {
			for _, peer := range n.peers.Addrs() {
				n.send(Message{Type: MsgSyncStart, Level: n.level, Timestamp: n.ClockMillis()}, peer)
			}
			n.askedToSync.ReplaceWith(n.peers)
		}
		n.lastSyncStart = n.clk.NaturalMillis()
		n.nextSyncStart = now + syncStartDelayMs
	}
}

func (n *Node) handleHello(buf []byte, from netip.AddrPort) {
	if n.isSelf(from) {
		n.dropMalformed(buf, from, "message from own address")
		return
	}
	listed := n.peersExcluding(from)
	if 3+len(listed)*peerRecordLen >= MaxDatagram {
		n.dropMalformed(buf, from, "HELLO_REPLY would not fit in a datagram")
		return
	}
	if !n.peers.Add(from) {
		n.dropMalformed(buf, from, "peer list is full")
		return
	}
	n.send(Message{Type: MsgHelloReply, Peers: listed}, from)
}

func (n *Node) handleHelloReply(m Message, buf []byte, from netip.AddrPort) {
	if !n.waitingForHelloReply || from != n.knownPeer {
		n.dropMalformed(buf, from, "unexpected sender")
		return
	}
	if n.isSelf(from) {
		n.dropMalformed(buf, from, "message from own address")
		return
	}
	for _, peer := range m.Peers {
		if peer.Port() == 0 {
			n.dropMalformed(buf, from, "peer with port 0")
			return
		}
		if peer == from || n.isSelf(peer) {
			n.dropMalformed(buf, from, "sender or recipient listed as a peer")
			return
		}
	}
	n.waitingForHelloReply = false
	for _, peer := range m.Peers {
		n.waitingForAck.Add(peer)
		n.send(Message{Type: MsgConnect}, peer)
	}
	n.peers.Add(from)
}

func (n *Node) handleConnect(buf []byte, from netip.AddrPort) {
	if n.peers.Full() && !n.peers.Contains(from) {
		n.dropMalformed(buf, from, "peer list is full")
		return
	}
	if n.isSelf(from) {
		n.dropMalformed(buf, from, "message from own address")
		return
	}
	n.send(Message{Type: MsgAckConnect}, from)
	n.peers.Add(from)
}

func (n *Node) handleAckConnect(buf []byte, from netip.AddrPort) {
	if !n.waitingForAck.Contains(from) {
		n.dropMalformed(buf, from, "unexpected sender")
		return
	}
	if n.peers.Full() && !n.peers.Contains(from) {
		n.dropMalformed(buf, from, "peer list is full")
		return
	}
	if n.isSelf(from) {
		n.dropMalformed(buf, from, "message from own address")
		return
	}
	n.waitingForAck.Remove(from)
	n.peers.Add(from)
}

func (n *Node) handleSyncStart(m Message, buf []byte, from netip.AddrPort) {
	receiveTime := n.clk.NaturalMillis()

	if m.Level >= LevelReserved || !n.peers.Contains(from) {
		n.dropMalformed(buf, from, "incorrect sender")
		return
	}
	if n.synchronizing {
		return
	}

	syncedToSender := n.level < LevelUnsynchronized && from == n.syncedPeer
	if syncedToSender {
		if m.Level >= n.level {
			// The upstream fell to our level or below: it can no longer
			// serve us, so we are unsynchronized again.
			n.level = LevelUnsynchronized
			n.offsetMs = 0
			return
		}
		n.nextSyncCheck = n.clk.NaturalMillis() + syncCheckDelayMs
	} else if int(m.Level)+1 >= int(n.level) {
		return
	}

	n.synchronizing = true
	n.syncingLevel = m.Level
	n.t1 = m.Timestamp
	n.t2 = receiveTime
	n.peerToSync = from

	n.t3 = n.clk.NaturalMillis()
	n.send(Message{Type: MsgDelayRequest}, from)
	n.delayRespondBy = n.clk.NaturalMillis() + delayResponseDelayMs
}

func (n *Node) handleDelayRequest(buf []byte, from netip.AddrPort) {
	syncedReceiveTime := n.ClockMillis()
	receiveTime := n.clk.NaturalMillis()

	if !n.askedToSync.Contains(from) || receiveTime > n.lastSyncStart+delayResponseDelayMs {
		n.dropMalformed(buf, from, "unknown or late sender")
		return
	}
	n.send(Message{Type: MsgDelayResponse, Level: n.level, Timestamp: syncedReceiveTime}, from)
}

func (n *Node) handleDelayResponse(m Message, buf []byte, from netip.AddrPort) {
	if !n.synchronizing || from != n.peerToSync {
		n.dropMalformed(buf, from, "not synchronizing with the sender")
		return
	}
	if m.Level != n.syncingLevel || m.Timestamp < n.t1 {
		n.dropMalformed(buf, from, "inconsistent sync data")
		return
	}
	n.t4 = m.Timestamp

	// Becoming synchronized may also make us upstream-capable for the first
	// time; then the first SYNC_START round is due immediately.
	if n.level >= LevelReserved && int(m.Level)+1 < int(LevelReserved) {
		n.nextSyncStart = n.clk.NaturalMillis()
	}

	n.level = m.Level + 1
	n.offsetMs = (int64(n.t2) - int64(n.t1) + int64(n.t3) - int64(n.t4)) / 2
	n.syncedPeer = from
	n.nextSyncCheck = n.clk.NaturalMillis() + syncCheckDelayMs
	n.synchronizing = false
}

func (n *Node) handleLeader(m Message, buf []byte, from netip.AddrPort) {
	switch m.Level {
	case LevelLeader:
		n.level = LevelLeader
		n.nextSyncStart = n.clk.NaturalMillis() + leaderSyncStartDelayMs
	case LevelUnsynchronized:
		if n.level != LevelLeader {
			n.dropMalformed(buf, from, "LEADER 255 sent to a non-leader")
			return
		}
		n.level = LevelUnsynchronized
		n.offsetMs = 0
	default:
		n.dropMalformed(buf, from, "unexpected argument")
	}
}

func (n *Node) handleGetTime(from netip.AddrPort) {
	n.send(Message{Type: MsgTime, Level: n.level, Timestamp: n.ClockMillis()}, from)
}

// peersExcluding snapshots the peer list without the node's own addresses
// and without dest, the way a HELLO_REPLY must list it.
func (n *Node) peersExcluding(dest netip.AddrPort) []netip.AddrPort {
	var listed []netip.AddrPort
	for _, peer := range n.peers.Addrs() {
		if peer == dest || n.isSelf(peer) {
			continue
		}
		listed = append(listed, peer)
	}
	return listed
}

func (n *Node) isSelf(addr netip.AddrPort) bool {
	for _, self := range n.selfAddrs {
		if addr == self {
			return true
		}
	}
	return false
}

func (n *Node) dropMalformed(buf []byte, from netip.AddrPort, reason string) {
	n.log.Error("malformed message", "from", from, "reason", reason, "msg", hexDump(buf))
}

// hexDump renders the first 10 bytes of a datagram for diagnostics.
func hexDump(buf []byte) string {
	if len(buf) > 10 {
		buf = buf[:10]
	}
	return hex.EncodeToString(buf)
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// OwnAddresses lists the addresses the node answers for: the bound address
// itself when it is explicit, otherwise every local IPv4 interface address
// with the bound port.
func OwnAddresses(bound netip.AddrPort) ([]netip.AddrPort, error) {
	if !bound.Addr().IsUnspecified() {
		return []netip.AddrPort{bound}, nil
	}
	ifAddrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("listing interface addresses: %w", err)
	}
	var own []netip.AddrPort
	for _, a := range ifAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil {
			continue
		}
		own = append(own, netip.AddrPortFrom(netip.AddrFrom4([4]byte(ip4)), bound.Port()))
	}
	return own, nil
}
