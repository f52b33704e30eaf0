// Package appctx provides context utilities for background operations that
// must outlive the request or RPC that started them.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that is not tied to parent's cancellation, so a
// spawn or health-check loop keeps running after the request that triggered
// it returns. It still ends: when stopCh closes (process shutdown) or after
// timeout, whichever comes first.
func Detached(parent context.Context, stopCh <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
