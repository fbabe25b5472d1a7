package browser

import "context"

// CombineContext returns a context derived from ctx1 (keeping its values,
// which carry the chromedp target) that is also cancelled when ctx2 is done.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
