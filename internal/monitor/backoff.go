package monitor

import (
	"math"
	"time"
)

// maxBackoff caps reconnect delays at 10 minutes.
const maxBackoff = 600 * time.Second

// Backoff returns the reconnect delay for the given attempt count:
// min(e^attempt seconds, 600 seconds). attempt 0 is the first failure
// (~1s), growing to the cap by attempt 7.
func Backoff(attempt uint32) time.Duration {
	secs := math.Exp(float64(attempt))
	if secs >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(secs * float64(time.Second))
}
