package rdp

import (
	"time"

	"github.com/samber/lo"
)

const (
	rttAlpha = 0.8 // SRTT smoothing gain
	rttBeta  = 2.0 // RTO multiplier
)

// rttEstimator keeps the smoothed round trip time and derives the
// retransmission timeout from it: RTO = clamp(beta * SRTT, min, max).
type rttEstimator struct {
	srtt    time.Duration
	rto     time.Duration
	minRTO  time.Duration
	maxRTO  time.Duration
	sampled bool
}

func newRTTEstimator(initial, minRTO, maxRTO time.Duration) rttEstimator {
	return rttEstimator{
		rto:    lo.Clamp(initial, minRTO, maxRTO),
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

func (e *rttEstimator) sample(rtt time.Duration) {
	if !e.sampled {
		e.srtt = rtt
		e.sampled = true
	} else {
		e.srtt = time.Duration(rttAlpha*float64(e.srtt) + (1-rttAlpha)*float64(rtt))
	}
	e.rto = lo.Clamp(time.Duration(rttBeta*float64(e.srtt)), e.minRTO, e.maxRTO)
}

// backoff returns the timeout for a segment sent retries times before.
func (e *rttEstimator) backoff(retries int) time.Duration {
	d := e.rto
	for i := 0; i < retries && d < e.maxRTO; i++ {
		d *= 2
	}
	return lo.Clamp(d, e.minRTO, e.maxRTO)
}
