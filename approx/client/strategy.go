package client

import (
	"bufio"

	"github.com/wkotala/Computer-Networks-Course-Projects/approx/queue"
	"github.com/wkotala/Computer-Networks-Course-Projects/approx/wire"
)

// autoStrategy sends one put at a time: it waits until every previous put
// (and the initial COEFF) has been answered, then puts where the
// approximation is worst.
func (c *Client) autoStrategy() {
	for !c.gameOver.Load() {
		if c.pending.waitZero(waitSlice) {
			c.pending.increment()
			point, value := c.bestPut()
			c.sendPut(point, value)
		}
	}
}

// bestPut picks the point with the largest squared error against the
// player's polynomial, clamps the correction into the legal put range and
// applies it to the local approximation. Until K is known only points 0 and
// 1 are candidates.
func (c *Client) bestPut() (int, float64) {
	c.polyMu.Lock()
	defer c.polyMu.Unlock()

	maxPoint := 1
	if c.kSet {
		maxPoint = c.k
	}
	bestIdx := 0
	bestDiff := 0.0
	for i := 0; i <= maxPoint; i++ {
		diff := c.approx[i] - c.real[i]
		if sq := diff * diff; sq > bestDiff {
			bestDiff = sq
			bestIdx = i
		}
	}
	value := c.real[bestIdx] - c.approx[bestIdx]
	if value < wire.MinPutValue {
		value = wire.MinPutValue
	} else if value > wire.MaxPutValue {
		value = wire.MaxPutValue
	}
	c.approx[bestIdx] += value
	return bestIdx, value
}

// manualStrategy turns "point value" stdin lines into puts. Bad lines are
// reported and skipped. The pump goroutine blocks in Read and is abandoned
// at process exit.
func (c *Client) manualStrategy() {
	lines := queue.New[string]()
	go func() {
		scanner := bufio.NewScanner(c.stdin)
		for scanner.Scan() {
			lines.Push(scanner.Text())
		}
	}()

	for !c.gameOver.Load() {
		line, ok := lines.TryPopFor(waitSlice)
		if !ok {
			continue
		}
		point, value, ok := parsePutLine(line)
		if !ok {
			c.logError("invalid input line " + line)
			continue
		}
		c.sendPut(point, value)
	}
}
