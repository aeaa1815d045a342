package workflow

import (
	"context"
	"fmt"
	"time"
)

// handlerTimeout determines the timeout for a route by precedence:
// 1. HandlerPolicy.Timeout (per-route override)
// 2. defaultTimeout (engine-wide default)
// 3. 0 (no timeout, unlimited execution)
func handlerTimeout(policy *HandlerPolicy, defaultTimeout time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	if defaultTimeout > 0 {
		return defaultTimeout
	}
	return 0
}

// callWithTimeout wraps one handler invocation with timeout enforcement,
// translating a context deadline into an ExecutorError classified Fatal (a
// hung handler is treated as an engine-level problem, not something the
// step can route around).
func callWithTimeout(ctx context.Context, h Handler, executorID string, value any, bc *BoundContext, policy *HandlerPolicy, defaultTimeout time.Duration) (any, error) {
	timeout := handlerTimeout(policy, defaultTimeout)
	if timeout == 0 {
		return h(ctx, value, bc)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := h(timeoutCtx, value, bc)
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return result, &ExecutorError{
			Message:    fmt.Sprintf("handler exceeded timeout of %v", timeout),
			Code:       "HANDLER_TIMEOUT",
			ExecutorID: executorID,
			Kind:       Fatal,
		}
	}
	return result, err
}
