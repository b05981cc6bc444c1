package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/queue"
	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

const waitSlice = 200 * time.Millisecond

type logEntry struct {
	text  string
	isErr bool
}

// Client is the game client state shared by its five goroutines.
type Client struct {
	playerID string
	auto     bool

	conn       net.Conn
	serverInfo string // "[ip]:port"
	fullInfo   string // "[ip]:port, player_id"

	gameOver atomic.Bool

	incoming *queue.Queue[wire.Message]
	outgoing *queue.Queue[wire.Message]
	logs     *queue.Queue[logEntry]
	stdin    io.Reader

	printLog func(text string, isErr bool)

	// Guarded by polyMu: the player's polynomial and the running
	// approximation the auto strategy maintains.
	polyMu sync.Mutex
	coeffs []float64
	kSet   bool
	k      int
	approx []float64
	real   []float64

	pending *putGate

	errMu    sync.Mutex
	fatalErr error

	finalMu     sync.Mutex
	finalScores []wire.PlayerScore
}

// ClientOption configures a Client. Options take a pointer because the
// client embeds its synchronization state.
type ClientOption func(*Client)

// WithLogPrinter replaces the default stdout/stderr log sink.
func WithLogPrinter(fn func(text string, isErr bool)) ClientOption {
	return func(c *Client) {
		c.printLog = fn
	}
}

// WithStdin replaces os.Stdin as the manual strategy's input.
func WithStdin(r io.Reader) ClientOption {
	return func(c *Client) {
		c.stdin = r
	}
}

// New creates a client for playerID. With auto set it approximates by
// itself; otherwise it reads "point value" lines from stdin.
func New(playerID string, auto bool, opts ...ClientOption) *Client {
	c := &Client{
		playerID: playerID,
		auto:     auto,
		incoming: queue.New[wire.Message](),
		outgoing: queue.New[wire.Message](),
		logs:     queue.New[logEntry](),
		stdin:    os.Stdin,
		// One answer (the COEFF message) must arrive before the first put.
		pending: newPutGate(1),
	}
	c.printLog = func(text string, isErr bool) {
		if isErr {
			fmt.Fprintln(os.Stderr, "ERROR: "+text)
		} else {
			fmt.Println(text + ".")
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FinalScores returns the SCORING content once the game is over.
func (c *Client) FinalScores() []wire.PlayerScore {
	c.finalMu.Lock()
	defer c.finalMu.Unlock()
	return c.finalScores
}

// Run plays one game over conn and returns the first fatal error, if any.
// It sends HELLO, starts the goroutines and blocks until they all exit.
func (c *Client) Run(conn net.Conn) error {
	c.conn = conn
	if addr, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		c.serverInfo = fmt.Sprintf("[%s]:%d", addr.Addr().Unmap(), addr.Port())
	} else {
		c.serverInfo = conn.RemoteAddr().String()
	}
	c.fullInfo = c.serverInfo + ", " + c.playerID
	c.logInfo("Connected to " + c.serverInfo)

	var wg sync.WaitGroup
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	run(c.logPrinter)
	if c.auto {
		run(c.autoStrategy)
	} else {
		run(c.manualStrategy)
	}
	run(c.networkReceiver)
	run(c.networkSender)
	run(c.messageProcessor)

	c.outgoing.Push(wire.Message{Type: wire.Hello, PlayerID: c.playerID})
	wg.Wait()

	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.fatalErr
}

// fatal records the first fatal error and stops every goroutine.
func (c *Client) fatal(err error) {
	c.errMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.errMu.Unlock()
	c.gameOver.Store(true)
}

func (c *Client) logInfo(text string)  { c.logs.Push(logEntry{text: text}) }
func (c *Client) logError(text string) { c.logs.Push(logEntry{text: text, isErr: true}) }

// logPrinter serializes all console output, draining what is left after the
// game ends.
func (c *Client) logPrinter() {
	for !c.gameOver.Load() {
		if entry, ok := c.logs.TryPopFor(waitSlice); ok {
			c.printLog(entry.text, entry.isErr)
		}
	}
	if entry, ok := c.logs.TryPopFor(waitSlice); ok {
		c.printLog(entry.text, entry.isErr)
	}
	for {
		entry, ok := c.logs.TryPop()
		if !ok {
			return
		}
		c.printLog(entry.text, entry.isErr)
	}
}

// networkReceiver splits the stream into CRLF lines and feeds the processor.
// The very first message failing to parse is fatal; later ones are logged.
func (c *Client) networkReceiver() {
	buf := make([]byte, 65535)
	var acc []byte
	firstMessage := true

	for !c.gameOver.Load() {
		c.conn.SetReadDeadline(time.Now().Add(waitSlice))
		n, err := c.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				idx := bytes.Index(acc, []byte(wire.CRLF))
				if idx < 0 {
					break
				}
				line := string(acc[:idx+len(wire.CRLF)])
				acc = acc[idx+len(wire.CRLF):]

				msg, perr := wire.Parse(line)
				if perr == nil {
					c.incoming.Push(msg)
				} else {
					text := "bad message from " + c.fullInfo + ": " + strings.TrimSuffix(line, wire.CRLF)
					if firstMessage {
						c.fatal(errors.New(text))
					} else {
						c.logError(text)
					}
				}
				firstMessage = false
			}
		}
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.gameOver.Store(true)
				break
			}
			c.fatal(fmt.Errorf("recv: %w", err))
			break
		}
	}
	if len(acc) > 0 {
		c.logError("partial message remaining in buffer at disconnection: " + string(acc))
	}
}

// networkSender transmits queued messages in FIFO order.
func (c *Client) networkSender() {
	for !c.gameOver.Load() {
		msg, ok := c.outgoing.TryPopFor(waitSlice)
		if !ok {
			continue
		}
		if _, err := io.WriteString(c.conn, msg.Encode()); err != nil {
			if c.gameOver.Load() {
				return
			}
			c.fatal(fmt.Errorf("write: %w", err))
			return
		}
	}
}

// messageProcessor consumes parsed messages. The first must be COEFF; a
// missing SCORING at shutdown is fatal.
func (c *Client) messageProcessor() {
	firstMessage := true
	scoringReceived := false

	for !c.gameOver.Load() {
		msg, ok := c.incoming.TryPopFor(waitSlice)
		if !ok {
			continue
		}

		if firstMessage {
			firstMessage = false
			if msg.Type != wire.Coeff {
				c.fatal(fmt.Errorf("bad message from %s: %s", c.fullInfo, msg.Body()))
				continue
			}
			c.processCoeff(msg)
			continue
		}

		correct := false
		switch msg.Type {
		case wire.BadPut:
			correct = c.processBadPut(msg)
		case wire.State:
			correct = c.processState(msg)
		case wire.Penalty:
			correct = c.processPenalty(msg)
		case wire.Scoring:
			correct = c.processScoring(msg)
			if correct {
				scoringReceived = true
			}
		}
		if !correct {
			c.logError("bad message from " + c.fullInfo + ": " + msg.Body())
		}
	}

	if !scoringReceived {
		c.fatal(errors.New("unexpected server disconnect"))
	}
}

func (c *Client) processCoeff(msg wire.Message) {
	c.polyMu.Lock()
	c.coeffs = msg.Coeffs
	// K is unknown until the first STATE, but it is at least 1, so points 0
	// and 1 are always valid.
	c.approx = make([]float64, 2)
	c.real = []float64{polyAt(c.coeffs, 0), polyAt(c.coeffs, 1)}
	c.polyMu.Unlock()

	parts := make([]string, len(msg.Coeffs))
	for i, v := range msg.Coeffs {
		parts[i] = wire.FormatDouble(v)
	}
	c.logInfo("Received coefficients: " + strings.Join(parts, " "))

	c.pending.decrement()
}

func (c *Client) processBadPut(msg wire.Message) bool {
	c.logInfo(fmt.Sprintf("Received bad put response (%s in %d)",
		wire.FormatDouble(msg.Value), msg.Point))
	if c.auto {
		c.pending.decrement()
	}
	return true
}

func (c *Client) processState(msg wire.Message) bool {
	c.logInfo("Received state: " + strings.TrimPrefix(msg.Body(), "STATE "))

	if c.auto {
		c.polyMu.Lock()
		if !c.kSet {
			c.k = len(msg.Values) - 1
			c.kSet = true
			grown := make([]float64, c.k+1)
			copy(grown, c.approx)
			c.approx = grown
			c.real = make([]float64, c.k+1)
			for i := 0; i <= c.k; i++ {
				c.real[i] = polyAt(c.coeffs, i)
			}
			c.polyMu.Unlock()
			c.pending.decrement()
			return true
		}
		c.polyMu.Unlock()
		return c.pending.decrement()
	}
	return true
}

func (c *Client) processPenalty(msg wire.Message) bool {
	c.logInfo(fmt.Sprintf("Received penalty response (%s in %d)",
		wire.FormatDouble(msg.Value), msg.Point))
	return true
}

func (c *Client) processScoring(msg wire.Message) bool {
	c.logInfo("Game end, scoring: " + strings.TrimPrefix(msg.Body(), "SCORING "))
	c.finalMu.Lock()
	c.finalScores = msg.Scores
	c.finalMu.Unlock()
	c.gameOver.Store(true)
	return true
}

func (c *Client) sendPut(point int, value float64) {
	c.logInfo(fmt.Sprintf("Putting %s in point %d", wire.FormatDouble(value), point))
	c.outgoing.Push(wire.Message{Type: wire.Put, Point: point, Value: value})
}

func polyAt(coeffs []float64, x int) float64 {
	result, xPow := 0.0, 1.0
	for _, c := range coeffs {
		result += c * xPow
		xPow *= float64(x)
	}
	return result
}

// parsePutLine validates a manual "point value" input line.
func parsePutLine(line string) (int, float64, bool) {
	fields, err := wire.SplitParams(line)
	if err != nil || len(fields) != 2 {
		return 0, 0, false
	}
	point, ok := wire.ParseInt(fields[0])
	if !ok {
		return 0, 0, false
	}
	value, ok := wire.ParseDouble(fields[1])
	if !ok {
		return 0, 0, false
	}
	return point, value, true
}
