package goroutine

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// StackTraceBufferSize bounds the stack captured for a recovered panic
const StackTraceBufferSize = 4096

// Recover logs a panic raised in the calling goroutine instead of crashing
// the process. It must be deferred directly. A nil logger writes to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(name, r, logger)
	}
}

func logPanic(name string, r interface{}, logger *zap.SugaredLogger) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger == nil {
		fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
		return
	}
	logger.Errorw("Goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(buf[:n]))
}

// Go starts fn on a new goroutine guarded by Recover.
func Go(name string, logger *zap.SugaredLogger, fn func()) {
	go func() {
		defer Recover(name, logger)
		fn()
	}()
}

// Every calls fn once per interval until ctx is cancelled. A panic inside
// one call is logged and the loop keeps ticking. When immediate is set fn
// also runs once before the first tick. Every blocks; run it with Go.
func Every(ctx context.Context, name string, interval time.Duration, immediate bool, logger *zap.SugaredLogger, fn func(context.Context)) {
	call := func() {
		defer Recover(name, logger)
		fn(ctx)
	}

	if immediate {
		call()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			call()
		}
	}
}
