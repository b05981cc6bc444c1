// Package server hosts the approximation game: a TCP listener, one engine
// goroutine owning all game state, a reader goroutine per client feeding it
// lines, and a writer goroutine per client draining its outbound queue.
package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

const (
	tickInterval  = 100 * time.Millisecond
	writerTimeout = 100 * time.Millisecond
	resetDelay    = time.Second
	readBufSize   = 65535
)

type netEvent struct {
	conn net.Conn // a fresh connection, when non-nil
	id   int
	line string
	gone bool
}

type client struct {
	id     int
	conn   net.Conn
	done   chan struct{}
	closed bool
}

// Server accepts clients and serializes everything that touches the Engine
// onto a single goroutine, the one running Run. Scheduled game events fire
// between network events, never concurrently with them.
type Server struct {
	engine  *Engine
	ln      net.Listener
	log     *slog.Logger
	events  chan netEvent
	clients map[int]*client
	nextID  int
}

// ServerOption configures a Server.
type ServerOption func(Server) Server

// WithServerLogger routes the server's diagnostics through l.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s Server) Server {
		s.log = l
		return s
	}
}

func New(engine *Engine, ln net.Listener, opts ...ServerOption) *Server {
	s := Server{
		engine:  engine,
		ln:      ln,
		log:     slog.Default(),
		events:  make(chan netEvent, 128),
		clients: make(map[int]*client),
	}
	for _, opt := range opts {
		s = opt(s)
	}
	return &s
}

// Run serves games until the listener fails or the engine reports a fatal
// condition. Each finished game drains the clients, disconnects them, rests
// one second and starts over with fresh state (but the same coefficient
// cursor).
func (s *Server) Run() error {
	s.engine.OnEvict(s.disconnectClient)
	go s.acceptLoop()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				s.closeAll()
				return err
			}
		case <-ticker.C:
			s.engine.RunDue()
		}
		if s.engine.Stopping() {
			s.finishGame()
		}
	}
}

func (s *Server) handleEvent(ev netEvent) error {
	switch {
	case ev.conn != nil:
		s.registerConn(ev.conn)
	case ev.gone:
		if c := s.clients[ev.id]; c != nil {
			s.disconnectClient(ev.id)
		}
	default:
		c := s.clients[ev.id]
		if c == nil {
			return nil
		}
		disconnect, err := s.engine.HandleLine(ev.id, ev.line)
		if err != nil {
			return err
		}
		if disconnect {
			s.disconnectClient(ev.id)
		}
	}
	return nil
}

func (s *Server) registerConn(conn net.Conn) {
	ip, port := remoteEndpoint(conn)
	id := s.nextID
	s.nextID++
	c := &client{id: id, conn: conn, done: make(chan struct{})}
	s.clients[id] = c
	player := s.engine.Register(id, ip, port)
	go s.readLoop(c)
	go s.writeLoop(c, player)
}

// disconnectClient runs on the engine goroutine: it removes the game record
// and releases the writer, which drains whatever is still queued and closes
// the socket.
func (s *Server) disconnectClient(id int) {
	c := s.clients[id]
	if c == nil {
		return
	}
	if p := s.engine.Player(id); p != nil {
		s.log.Info(fmt.Sprintf("Disconnecting %s", p.ID))
	}
	s.engine.DropClient(id)
	delete(s.clients, id)
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// finishGame drains every client best-effort, disconnects them all, resets
// the game and pauses before the next one.
func (s *Server) finishGame() {
	for id := range s.clients {
		s.disconnectClient(id)
	}
	s.engine.Reset()
	time.Sleep(resetDelay)
}

func (s *Server) closeAll() {
	for id := range s.clients {
		s.disconnectClient(id)
	}
	s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept failed", "err", err)
			continue
		}
		s.events <- netEvent{conn: conn}
	}
}

// readLoop splits the byte stream into CRLF-framed lines for the engine.
func (s *Server) readLoop(c *client) {
	buf := make([]byte, readBufSize)
	var acc []byte
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				idx := bytes.Index(acc, []byte(wire.CRLF))
				if idx < 0 {
					break
				}
				line := string(acc[:idx])
				acc = acc[idx+len(wire.CRLF):]
				s.events <- netEvent{id: c.id, line: line}
			}
		}
		if err != nil {
			s.events <- netEvent{id: c.id, gone: true}
			return
		}
	}
}

// writeLoop transmits queued messages. After the engine releases the client
// it drains what is left best-effort and closes the socket.
func (s *Server) writeLoop(c *client, p *Player) {
	defer c.conn.Close()
	for {
		if msg, ok := p.Outbox.TryPopFor(writerTimeout); ok {
			if _, err := io.WriteString(c.conn, msg); err != nil {
				s.events <- netEvent{id: c.id, gone: true}
				return
			}
			continue
		}
		select {
		case <-c.done:
			for {
				msg, ok := p.Outbox.TryPop()
				if !ok {
					return
				}
				if _, err := io.WriteString(c.conn, msg); err != nil {
					return
				}
			}
		default:
		}
	}
}

func remoteEndpoint(conn net.Conn) (string, int) {
	if addr, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		return addr.Addr().Unmap().String(), int(addr.Port())
	}
	return conn.RemoteAddr().String(), 0
}
