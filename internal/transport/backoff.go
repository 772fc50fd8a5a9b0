// ABOUTME: Pause between failed socket reads
// ABOUTME: Keeps receive loops from spinning on a socket that keeps erroring
package transport

import (
	"context"
	"time"
)

// ReadErrorBackoff is how long a receive loop waits after a failed read
const ReadErrorBackoff = 50 * time.Millisecond

// Backoff waits ReadErrorBackoff. It returns false if ctx ended first.
func Backoff(ctx context.Context) bool {
	t := time.NewTimer(ReadErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
