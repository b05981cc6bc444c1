package client

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

func silentClient(auto bool, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithLogPrinter(func(string, bool) {})}, opts...)
	return New("tester", auto, opts...)
}

func TestPutGateCounts(t *testing.T) {
	g := newPutGate(1)
	if g.waitZero(10 * time.Millisecond) {
		t.Fatal("waitZero succeeded with a pending answer")
	}
	if !g.decrement() {
		t.Fatal("decrement refused with count 1")
	}
	if g.decrement() {
		t.Fatal("decrement below zero accepted")
	}
	if !g.waitZero(10 * time.Millisecond) {
		t.Fatal("waitZero failed at zero")
	}
	g.increment()
	done := make(chan bool, 1)
	go func() { done <- g.waitZero(5 * time.Second) }()
	time.Sleep(20 * time.Millisecond)
	g.decrement()
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("waitZero timed out despite the decrement")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waitZero never woke up")
	}
}

func TestBestPutBeforeKIsKnown(t *testing.T) {
	c := silentClient(true)
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{1, 2}})
	// real = [1, 3] on the two safe points; the worst gap is at 1.
	point, value := c.bestPut()
	if point != 1 || value != 3 {
		t.Fatalf("bestPut = (%d, %v), want (1, 3)", point, value)
	}
	if c.approx[1] != 3 {
		t.Fatalf("approx[1] = %v after the put, want 3", c.approx[1])
	}
}

func TestBestPutClampsToLegalRange(t *testing.T) {
	c := silentClient(true)
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{0, 7}})
	// real = [0, 7]: the gap of 7 must be clamped to 5.
	point, value := c.bestPut()
	if point != 1 || value != wire.MaxPutValue {
		t.Fatalf("bestPut = (%d, %v), want (1, %v)", point, value, wire.MaxPutValue)
	}
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{0, -7}})
	if _, value := c.bestPut(); value != wire.MinPutValue {
		t.Fatalf("negative gap clamped to %v, want %v", value, wire.MinPutValue)
	}
}

func TestStateRevealsK(t *testing.T) {
	c := silentClient(true)
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{1, 2}})
	c.approx[1] = 3

	if !c.processState(wire.Message{Type: wire.State, Values: []float64{0, 3, 0, 0}}) {
		t.Fatal("first STATE rejected")
	}
	if !c.kSet || c.k != 3 {
		t.Fatalf("k = %d (set=%v), want 3", c.k, c.kSet)
	}
	if len(c.approx) != 4 || c.approx[1] != 3 {
		t.Fatalf("approx = %v, want the old values preserved over length K+1", c.approx)
	}
	if len(c.real) != 4 || c.real[3] != 7 {
		t.Fatalf("real = %v, want P recomputed over 0..K", c.real)
	}
}

func TestStateWithNoPendingPutIsBadMessage(t *testing.T) {
	c := silentClient(true)
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{1}})
	if !c.processState(wire.Message{Type: wire.State, Values: []float64{0, 0}}) {
		t.Fatal("K-revealing STATE rejected")
	}
	// Counter is already zero: an unsolicited STATE must be refused.
	if c.processState(wire.Message{Type: wire.State, Values: []float64{0, 0}}) {
		t.Fatal("unsolicited STATE accepted")
	}
}

func TestPenaltyDoesNotAnswerAPut(t *testing.T) {
	c := silentClient(true)
	c.processCoeff(wire.Message{Type: wire.Coeff, Coeffs: []float64{1}})
	c.pending.increment()
	if !c.processPenalty(wire.Message{Type: wire.Penalty, Point: 1, Value: 2}) {
		t.Fatal("PENALTY rejected")
	}
	if c.pending.waitZero(10 * time.Millisecond) {
		t.Fatal("PENALTY released the put gate; only BAD_PUT/STATE may")
	}
}

func TestFirstMessageMustBeCoeff(t *testing.T) {
	c := silentClient(true)
	c.fullInfo = "[10.0.0.1]:2020, tester"
	c.incoming.Push(wire.Message{Type: wire.State, Values: []float64{0, 0}})
	c.messageProcessor()
	c.errMu.Lock()
	err := c.fatalErr
	c.errMu.Unlock()
	if err == nil || !strings.Contains(err.Error(), "bad message") {
		t.Fatalf("fatal error = %v, want a bad-message failure", err)
	}
}

func TestDisconnectWithoutScoringIsFatal(t *testing.T) {
	c := silentClient(true)
	c.gameOver.Store(true) // the receiver saw the connection close
	c.messageProcessor()
	c.errMu.Lock()
	err := c.fatalErr
	c.errMu.Unlock()
	if err == nil || !strings.Contains(err.Error(), "unexpected server disconnect") {
		t.Fatalf("fatal error = %v, want unexpected server disconnect", err)
	}
}

func TestScoringEndsTheGame(t *testing.T) {
	c := silentClient(true)
	c.incoming.Push(wire.Message{Type: wire.Coeff, Coeffs: []float64{1}})
	c.incoming.Push(wire.Message{Type: wire.Scoring, Scores: []wire.PlayerScore{{ID: "tester", Score: 38}}})
	c.messageProcessor()
	if err := func() error { c.errMu.Lock(); defer c.errMu.Unlock(); return c.fatalErr }(); err != nil {
		t.Fatalf("fatal error = %v, want none", err)
	}
	scores := c.FinalScores()
	if len(scores) != 1 || scores[0].ID != "tester" || scores[0].Score != 38 {
		t.Fatalf("final scores = %v", scores)
	}
	if !c.gameOver.Load() {
		t.Fatal("SCORING did not end the game")
	}
}

func TestManualStrategyParsesStdin(t *testing.T) {
	c := New("tester", false,
		WithStdin(strings.NewReader("1 2\nbad line\n3 x\n2 -1.5\n")),
		WithLogPrinter(func(string, bool) {}))

	done := make(chan struct{})
	go func() {
		c.manualStrategy()
		close(done)
	}()

	first, ok := c.outgoing.TryPopFor(5 * time.Second)
	if !ok {
		t.Fatal("no PUT for the first valid line")
	}
	second, ok := c.outgoing.TryPopFor(5 * time.Second)
	if !ok {
		t.Fatal("no PUT for the second valid line")
	}
	c.gameOver.Store(true)
	<-done

	if first.Type != wire.Put || first.Point != 1 || first.Value != 2 {
		t.Fatalf("first PUT = %+v", first)
	}
	if second.Type != wire.Put || second.Point != 2 || second.Value != -1.5 {
		t.Fatalf("second PUT = %+v", second)
	}
}

// TestAutoClientPlaysToScoring drives a full auto-strategy game over an
// in-memory connection: COEFF, three puts (the first two answered with
// STATE), SCORING.
func TestAutoClientPlaysToScoring(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := silentClient(true)
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(clientConn) }()

	r := bufio.NewReader(serverConn)
	readLine := func() string {
		t.Helper()
		serverConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("server read: %v", err)
		}
		return strings.TrimSuffix(line, wire.CRLF)
	}
	writeLine := func(s string) {
		t.Helper()
		serverConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if _, err := serverConn.Write([]byte(s + wire.CRLF)); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}

	if got := readLine(); got != "HELLO tester" {
		t.Fatalf("first line = %q, want HELLO tester", got)
	}
	writeLine("COEFF 1.0000000 2.0000000") // P(x) = 1+2x, K still unknown

	if got := readLine(); got != "PUT 1 3.0000000" {
		t.Fatalf("first put = %q, want PUT 1 3.0000000", got)
	}
	writeLine("STATE 0.0000000 3.0000000 0.0000000") // reveals K=2

	if got := readLine(); got != "PUT 2 5.0000000" {
		t.Fatalf("second put = %q, want PUT 2 5.0000000", got)
	}
	writeLine("STATE 0.0000000 3.0000000 5.0000000")

	if got := readLine(); got != "PUT 0 1.0000000" {
		t.Fatalf("third put = %q, want PUT 0 1.0000000", got)
	}
	writeLine("SCORING tester 0.0000000")

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("client did not shut down after SCORING")
	}
	scores := c.FinalScores()
	if len(scores) != 1 || scores[0].ID != "tester" {
		t.Fatalf("final scores = %v", scores)
	}
}
