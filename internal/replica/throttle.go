package replica

import (
	"time"

	"golang.org/x/time/rate"
)

type throttleVerdict int

const (
	throttleAllow throttleVerdict = iota
	throttleDelay
	throttleReject
)

// throttleController rate-limits one direction (read or write) of client
// traffic. A request over the budget is delayed when the computed wait is
// short, rejected outright when it is not.
type throttleController struct {
	enabled        bool
	limiter        *rate.Limiter
	rejectIfExceed time.Duration
}

func makeThrottleController(qps int, delayMs int64) *throttleController {
	tc := &throttleController{}
	if qps <= 0 {
		return tc
	}
	tc.enabled = true
	tc.limiter = rate.NewLimiter(rate.Limit(qps), qps)
	tc.rejectIfExceed = time.Duration(delayMs) * time.Millisecond
	return tc
}

// control returns the verdict for one request and, for throttleDelay, how
// long to defer it.
func (tc *throttleController) control() (throttleVerdict, time.Duration) {
	if !tc.enabled {
		return throttleAllow, 0
	}
	r := tc.limiter.Reserve()
	if !r.OK() {
		return throttleReject, 0
	}
	delay := r.Delay()
	if delay == 0 {
		return throttleAllow, 0
	}
	if delay <= tc.rejectIfExceed {
		return throttleDelay, delay
	}
	r.Cancel()
	return throttleReject, 0
}
