package fec

import (
	"math"
	"sync"
	"time"
)

// SelectParams picks (k, m) from a latency budget and a loss rate in
// [0, 1]. k shrinks as the latency budget tightens; m scales with the
// loss rate under a 1.5x safety factor, clamped to [2, k/2].
func SelectParams(latencyBudget time.Duration, lossRate float64) (k, m int) {
	ms := latencyBudget.Milliseconds()
	switch {
	case ms <= 100:
		k = 8
	case ms <= 200:
		k = 16
	case ms <= 500:
		k = 32
	default:
		k = 64
	}
	m = calculateParity(k, lossRate)
	return k, m
}

func calculateParity(k int, lossRate float64) int {
	if lossRate < 0 {
		lossRate = 0
	}
	if lossRate > 1 {
		lossRate = 1
	}
	m := int(math.Ceil(float64(k) * lossRate * 1.5))
	if m < 2 {
		m = 2
	}
	if m > k/2 {
		m = k / 2
	}
	return m
}

// LossEstimator tracks sent/lost counts over a window.
type LossEstimator struct {
	mu         sync.Mutex
	windowSent int64
	windowLost int64
}

// OnSent records n packets sent.
func (le *LossEstimator) OnSent(n int64) {
	le.mu.Lock()
	le.windowSent += n
	le.mu.Unlock()
}

// OnLost records n packets lost.
func (le *LossEstimator) OnLost(n int64) {
	le.mu.Lock()
	le.windowLost += n
	le.mu.Unlock()
}

// Estimate returns the observed loss rate in [0, 1].
func (le *LossEstimator) Estimate() float64 {
	le.mu.Lock()
	defer le.mu.Unlock()
	if le.windowSent == 0 {
		return 0
	}
	return float64(le.windowLost) / float64(le.windowSent)
}

// Reset clears the window.
func (le *LossEstimator) Reset() {
	le.mu.Lock()
	le.windowSent = 0
	le.windowLost = 0
	le.mu.Unlock()
}

// Controller nudges the parity count in response to observed loss.
// The update callback publishes each change with its reason.
type Controller struct {
	mu     sync.Mutex
	k, m   int
	maxM   int
	loss   *LossEstimator
	update func(k, m int, reason string)
}

// NewController creates a controller starting at (k, m).
func NewController(k, m int, update func(k, m int, reason string)) *Controller {
	if update == nil {
		update = func(int, int, string) {}
	}
	return &Controller{k: k, m: m, maxM: k / 2, loss: &LossEstimator{}, update: update}
}

// Loss exposes the estimator fed by the transport.
func (c *Controller) Loss() *LossEstimator { return c.loss }

// Params returns the current (k, m).
func (c *Controller) Params() (k, m int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.k, c.m
}

// Tick evaluates the loss window and adjusts m.
func (c *Controller) Tick() {
	loss := c.loss.Estimate()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case loss > 0.10 && c.m+2 <= c.maxM:
		c.m += 2
		c.update(c.k, c.m, "loss>10%")
	case loss > 0.03 && c.m+1 <= c.maxM:
		c.m++
		c.update(c.k, c.m, "loss>3%")
	case loss < 0.01 && c.m > 2:
		c.m--
		c.update(c.k, c.m, "loss<1%")
	}
}
