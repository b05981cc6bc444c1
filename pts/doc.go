// Package pts implements a UDP gossip network whose nodes discover each
// other, elect a clock leader and keep a synchronized wall-clock via a
// four-timestamp exchange similar to PTP.
//
// # Core Components
//
// Node: The per-process state machine. It owns the peer sets, the clock
// offset and the in-flight synchronization handshake, and dispatches the
// nine datagram message types.
//
// PeerSet: An ordered set of IPv4 (address, port) pairs, capped at 65535
// entries.
//
// Clock: Milliseconds since node start from a monotonic source (the
// "natural" clock). The synchronized clock is the natural clock minus the
// negotiated offset, clamped at zero.
//
// # Synchronization
//
// Synchronization levels propagate outward from the leader: level 0 is the
// leader, a node synchronized against a level-L upstream sits at level L+1,
// level 255 means unsynchronized and level 254 is reserved. A node below
// level 254 periodically sends SYNC_START to every known peer; receivers
// answer with DELAY_REQUEST and complete the exchange with the upstream's
// DELAY_RESPONSE, yielding the four timestamps T1..T4 and the offset
// ((T2-T1)+(T3-T4))/2.
//
// # Event Loop
//
// Everything runs on a single goroutine: the UDP receive uses a one second
// deadline so the timer scheduler (sync-start, sync-check and delay-response
// deadlines) is pumped at least once per second.
package pts
