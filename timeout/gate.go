// Package timeout provides a deadline gate for poll-until-ready loops.
package timeout

import (
	"time"

	"github.com/gammadia/nimbus/clock"
)

// Gate bounds a polling loop by a total duration. A zero total duration
// disables the bound: Sleep always waits one poll interval and returns true.
type Gate struct {
	clock clock.Clock
	total time.Duration
	poll  time.Duration
	start time.Time
}

func NewGate(clk clock.Clock, total, poll time.Duration) *Gate {
	return &Gate{
		clock: clk,
		total: total,
		poll:  poll,
		start: clk.Now(),
	}
}

// Sleep waits one poll interval and reports whether the caller may poll
// again. Once the total duration has elapsed it returns false immediately,
// without sleeping.
func (g *Gate) Sleep() bool {
	if g.total > 0 && g.Elapsed() >= g.total {
		return false
	}
	g.clock.Sleep(g.poll)
	return true
}

// Elapsed is always computed as now minus start; comparing now against
// start+total could overflow for very large totals.
func (g *Gate) Elapsed() time.Duration {
	return g.clock.Now().Sub(g.start)
}

func (g *Gate) Total() time.Duration {
	return g.total
}
