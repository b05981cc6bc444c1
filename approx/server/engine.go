package server

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/queue"
	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

const (
	earlyPutPenalty = 20
	badPutPenalty   = 10
	badPutDelay     = time.Second
	helloWaitTime   = 3 * time.Second
)

// Player is the per-client game record.
type Player struct {
	ID             string
	IP             string
	Port           int
	Outbox         *queue.Queue[string]
	Approximations []float64
	Coefficients   []float64
	Penalty        float64
	Known          bool
	CorrectPuts    int
	CanPut         bool
	Delay          int // seconds between a put and its STATE: lowercase letters in ID
}

// Engine owns the game state: the player records, the coefficient file
// cursor, penalty accounting and game termination. It must be driven from a
// single goroutine; the timer callbacks run synchronously from RunDue.
type Engine struct {
	k, n, m int

	coeffs           *bufio.Scanner
	totalCorrectPuts int
	players          map[int]*Player
	events           *EventManager
	stopping         bool

	now   func() time.Time
	evict func(clientID int)
	log   *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(Engine) Engine

// WithEngineLogger routes the engine's narration through l.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e Engine) Engine {
		e.log = l
		return e
	}
}

// WithEngineClock makes the engine read deadlines from now.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(e Engine) Engine {
		e.now = now
		return e
	}
}

// NewEngine creates an engine for parameters k, n, m reading successive
// coefficient lines from coeffFile. The file cursor survives game resets:
// every game consumes fresh lines.
func NewEngine(k, n, m int, coeffFile io.Reader, opts ...EngineOption) *Engine {
	e := Engine{
		k:       k,
		n:       n,
		m:       m,
		coeffs:  bufio.NewScanner(coeffFile),
		players: make(map[int]*Player),
		events:  NewEventManager(),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		e = opt(e)
	}
	if e.evict == nil {
		e.evict = e.DropClient
	}
	return &e
}

// OnEvict installs the hook the engine calls to disconnect a client (close
// its socket and writer). The hook runs on the engine goroutine.
func (e *Engine) OnEvict(fn func(clientID int)) {
	e.evict = fn
}

// Register creates the record for a freshly accepted client and starts the
// hello-wait timer: a client that stays unknown for 3 seconds is dropped.
func (e *Engine) Register(clientID int, ip string, port int) *Player {
	e.log.Info(fmt.Sprintf("New client [%s]:%d", ip, port))
	p := &Player{
		ID:             "UNKNOWN",
		IP:             ip,
		Port:           port,
		Outbox:         queue.New[string](),
		Approximations: make([]float64, e.k+1),
	}
	e.players[clientID] = p

	e.events.Schedule(e.now().Add(helloWaitTime), func() {
		if !e.validateClient(clientID, ip, port) {
			return
		}
		if !e.players[clientID].Known {
			e.log.Info(fmt.Sprintf("Did not receive hello from [%s]:%d.", ip, port))
			e.evict(clientID)
		}
	})
	return p
}

// Player returns the record for clientID, or nil.
func (e *Engine) Player(clientID int) *Player {
	return e.players[clientID]
}

// TotalCorrectPuts returns the number of successful puts this game.
func (e *Engine) TotalCorrectPuts() int {
	return e.totalCorrectPuts
}

// Stopping reports whether the game is over and the server should drain,
// disconnect and reset.
func (e *Engine) Stopping() bool {
	return e.stopping
}

// DropClient removes a departing client's record. Its successful puts leave
// the global tally with it.
func (e *Engine) DropClient(clientID int) {
	p := e.players[clientID]
	if p == nil {
		return
	}
	e.totalCorrectPuts -= p.CorrectPuts
	delete(e.players, clientID)
}

// RunDue fires the scheduled callbacks that came due.
func (e *Engine) RunDue() {
	e.events.RunDue(e.now())
}

// Reset clears all game state for the next game. The coefficient file cursor
// is deliberately left where it is.
func (e *Engine) Reset() {
	e.events.Reset()
	e.totalCorrectPuts = 0
	e.players = make(map[int]*Player)
	e.stopping = false
}

// HandleLine processes one CRLF-stripped line from a client. It reports
// whether the client must be disconnected (it never became known), and a
// non-nil error only for fatal server conditions such as an exhausted
// coefficient file.
func (e *Engine) HandleLine(clientID int, line string) (disconnect bool, err error) {
	p := e.players[clientID]
	if p == nil {
		return false, nil
	}
	msg, perr := wire.Parse(line + wire.CRLF)
	handled := false
	if perr == nil {
		handled, err = e.handleMessage(clientID, p, msg)
		if err != nil {
			return false, err
		}
	}
	if perr != nil || !handled {
		e.log.Error(fmt.Sprintf("bad message from [%s]:%d, %s: %s", p.IP, p.Port, p.ID, line))
	}
	if !p.Known {
		e.log.Info("Client sent message before hello.")
		return true, nil
	}
	return false, nil
}

// handleMessage reports whether the message was expected at this point.
func (e *Engine) handleMessage(clientID int, p *Player, msg wire.Message) (bool, error) {
	switch msg.Type {
	case wire.Hello:
		return e.handleHello(clientID, p, msg)
	case wire.Put:
		return e.handlePut(clientID, p, msg), nil
	}
	return false, nil
}

func (e *Engine) handleHello(clientID int, p *Player, msg wire.Message) (bool, error) {
	if p.Known {
		return false, nil
	}
	p.ID = msg.PlayerID
	p.Delay = countLower(p.ID)
	e.log.Info(fmt.Sprintf("[%s]:%d is now known as %s.", p.IP, p.Port, p.ID))

	p.Known = true
	p.CanPut = true

	coeffs, err := e.nextCoeffs()
	if err != nil {
		return false, fmt.Errorf("reading coefficients for %s: %w", p.ID, err)
	}
	p.Coefficients = coeffs

	coeffMsg := wire.Message{Type: wire.Coeff, Coeffs: coeffs}
	e.log.Info(fmt.Sprintf("%s's coefficients are %s.", p.ID, strings.TrimPrefix(coeffMsg.Body(), "COEFF ")))
	p.Outbox.Push(coeffMsg.Encode())
	return true, nil
}

func (e *Engine) handlePut(clientID int, p *Player, msg wire.Message) bool {
	if !p.Known {
		return false
	}

	if !p.CanPut {
		e.log.Info(fmt.Sprintf("%s tried to put %s in %d before it could put.",
			p.ID, wire.FormatDouble(msg.Value), msg.Point))
		p.Penalty += earlyPutPenalty
		p.CanPut = true
		p.Outbox.Push(wire.Message{Type: wire.Penalty, Point: msg.Point, Value: msg.Value}.Encode())
		return false
	}

	p.CanPut = false

	if msg.Point < 0 || msg.Point > e.k ||
		msg.Value+wire.Eps < wire.MinPutValue || msg.Value-wire.Eps > wire.MaxPutValue {
		e.log.Info(fmt.Sprintf("%s tried to put %s in %d which is out of range.",
			p.ID, wire.FormatDouble(msg.Value), msg.Point))
		e.respondWithBadPut(clientID, msg.Point, msg.Value)
		return false
	}

	p.CorrectPuts++
	e.totalCorrectPuts++
	p.Approximations[msg.Point] += msg.Value

	stateMsg := wire.Message{Type: wire.State, Values: append([]float64(nil), p.Approximations...)}
	e.log.Info(fmt.Sprintf("%s puts %s in %d, current state %s.",
		p.ID, wire.FormatDouble(msg.Value), msg.Point, strings.TrimPrefix(stateMsg.Body(), "STATE ")))
	e.respondWithState(clientID, stateMsg)

	if e.totalCorrectPuts >= e.m {
		e.gameOver()
	}
	return true
}

// respondWithBadPut adds the penalty now and answers after one second. The
// callback re-validates the client identity so a reused client slot is never
// mistaken for the original.
func (e *Engine) respondWithBadPut(clientID int, point int, value float64) {
	p := e.players[clientID]
	p.Penalty += badPutPenalty
	ip, port, playerID := p.IP, p.Port, p.ID
	e.events.Schedule(e.now().Add(badPutDelay), func() {
		if !e.validateClient(clientID, ip, port) || e.players[clientID].ID != playerID {
			return
		}
		p := e.players[clientID]
		p.CanPut = true
		p.Outbox.Push(wire.Message{Type: wire.BadPut, Point: point, Value: value}.Encode())
	})
}

// respondWithState answers a successful put with the full approximation
// vector after the player's per-id delay, re-enabling puts at emission.
func (e *Engine) respondWithState(clientID int, stateMsg wire.Message) {
	p := e.players[clientID]
	ip, port, playerID := p.IP, p.Port, p.ID
	delay := time.Duration(p.Delay) * time.Second
	e.events.Schedule(e.now().Add(delay), func() {
		if !e.validateClient(clientID, ip, port) || e.players[clientID].ID != playerID {
			return
		}
		p := e.players[clientID]
		p.Outbox.Push(stateMsg.Encode())
		e.log.Info(fmt.Sprintf("Sending state %s to %s.",
			strings.TrimPrefix(stateMsg.Body(), "STATE "), playerID))
		p.CanPut = true
	})
}

func (e *Engine) gameOver() {
	e.sendScoringMessages()
	e.stopping = true
}

func (e *Engine) sendScoringMessages() {
	var scores []wire.PlayerScore
	for _, p := range e.players {
		if p.Known {
			scores = append(scores, wire.PlayerScore{ID: p.ID, Score: e.calculateScore(p)})
		}
	}
	scoringMsg := wire.Message{Type: wire.Scoring, Scores: scores}
	for _, p := range e.players {
		if p.Known {
			p.Outbox.Push(scoringMsg.Encode())
		}
	}
	e.log.Info(fmt.Sprintf("Game end, scoring: %s.", strings.TrimPrefix(scoringMsg.Body(), "SCORING ")))
}

// calculateScore is the player's penalty plus the squared error of its
// approximation against its own polynomial over 0..K.
func (e *Engine) calculateScore(p *Player) float64 {
	score := p.Penalty
	for x := 0; x <= e.k; x++ {
		diff := polyAt(p.Coefficients, x) - p.Approximations[x]
		score += diff * diff
	}
	return score
}

func polyAt(coeffs []float64, x int) float64 {
	result, xPow := 0.0, 1.0
	for _, c := range coeffs {
		result += c * xPow
		xPow *= float64(x)
	}
	return result
}

// validateClient reports whether clientID still refers to the same endpoint
// it did when a callback was scheduled.
func (e *Engine) validateClient(clientID int, ip string, port int) bool {
	p := e.players[clientID]
	return p != nil && p.IP == ip && p.Port == port
}

// nextCoeffs reads the next non-empty line of the coefficient file as the
// new player's polynomial.
func (e *Engine) nextCoeffs() ([]float64, error) {
	for e.coeffs.Scan() {
		line := strings.TrimRight(e.coeffs.Text(), "\r")
		if line == "" {
			continue
		}
		fields, err := wire.SplitParams(line)
		if err != nil {
			return nil, fmt.Errorf("malformed coefficient line %q", line)
		}
		if len(fields) < 1 || len(fields) > e.n+1 {
			return nil, fmt.Errorf("coefficient line has %d values, want 1..%d", len(fields), e.n+1)
		}
		coeffs := make([]float64, 0, len(fields))
		for _, f := range fields {
			v, ok := wire.ParseDouble(f)
			if !ok || v+wire.Eps < wire.MinCoeff || v-wire.Eps > wire.MaxCoeff {
				return nil, fmt.Errorf("invalid coefficient %q", f)
			}
			coeffs = append(coeffs, v)
		}
		return coeffs, nil
	}
	if err := e.coeffs.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("coefficient file exhausted")
}

func countLower(s string) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if 'a' <= s[i] && s[i] <= 'z' {
			count++
		}
	}
	return count
}
