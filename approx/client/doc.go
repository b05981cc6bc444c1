// Package client implements the approximation game client: five cooperating
// goroutines (log printer, strategy, network receiver, network sender and
// message processor) connected by unbounded thread-safe queues.
//
// The auto strategy keeps at most one put in flight: a puts-without-answer
// counter starts at one (the COEFF message is the first answer), grows with
// every PUT sent and shrinks on COEFF, STATE and BAD_PUT. When it reaches
// zero the strategy picks the point with the largest squared error against
// the player's own polynomial and puts the clamped difference there.
//
// Every loop waits in 200 ms slices and rechecks the game-over flag, so
// shutdown is prompt once SCORING arrives or the connection drops.
package client
