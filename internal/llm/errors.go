package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for reasoning service calls.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("reasoning service timeout")

	// ErrUpstream indicates the reasoning service failed or was unreachable.
	ErrUpstream = errors.New("reasoning service failure")

	// ErrMalformedReply indicates the reply could not be parsed into the
	// expected structure. The call itself succeeded.
	ErrMalformedReply = errors.New("malformed reply")

	// ErrFatalAPI indicates a failure that retrying cannot fix
	// (credentials, billing, quota). Always wrapped together with ErrUpstream.
	ErrFatalAPI = errors.New("fatal API error")
)

var fatalMarkers = []string{
	"credit balance",
	"rate limit",
	"quota exceeded",
	"billing",
	"invalid api key",
	"authentication",
	"unauthorized",
	"401",
	"403",
}

// isFatalAPIError reports whether err looks like a provider refusal that
// will not go away on its own.
func isFatalAPIError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range fatalMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// wrapFatalError tags fatal provider errors with ErrFatalAPI and returns
// everything else unchanged.
func wrapFatalError(err error) error {
	if !isFatalAPIError(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatalAPI, err)
}

// classify maps a provider error onto ErrTimeout or ErrUpstream.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstream, wrapFatalError(err))
}
