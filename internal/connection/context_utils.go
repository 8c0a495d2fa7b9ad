// File: internal/connection/context_utils.go
package connection

import "context"

// CombineContext returns a context that is canceled when either input is.
// Values and deadline come from the first context; chromedp requires its
// own context chain, so the caller's context can only participate through
// cancellation.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)

	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()

	return combined, cancel
}
