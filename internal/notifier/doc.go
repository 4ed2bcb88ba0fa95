// Package notifier is the delivery pipeline between the rules layer and
// the outbound transport: bounded queue, worker pool, rate limit, retry,
// and duplicate suppression. Failures here never reach the monitors.
package notifier
