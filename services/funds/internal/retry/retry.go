// Package retry bounds calls to external collaborators: each attempt gets its own timeout,
// retriable failures back off linearly, and whatever is left surfaces as an
// ExternalServiceFailure.
package retry

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/Vinayak0723/cryptoexchange/libs/apperr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Metrics interface {
	ObserveCollaboratorCall(collaborator, status string, duration time.Duration)
	IncCollaboratorRetry(collaborator string)
}

type Policy struct {
	Attempts int
	Timeout  time.Duration
	Backoff  func(attempt int) time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Timeout: 750 * time.Millisecond, Backoff: BackoffDuration}
}

func (p Policy) normalized() Policy {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Timeout <= 0 {
		p.Timeout = 750 * time.Millisecond
	}
	if p.Backoff == nil {
		p.Backoff = BackoffDuration
	}
	return p
}

// Do calls fn until it succeeds, fails with a non-retriable error, or runs out of attempts.
func Do[T any](ctx context.Context, collaborator string, policy Policy, metrics Metrics, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		start := time.Now()
		out, err := fn(attemptCtx)
		cancel()
		if err == nil {
			observe(metrics, collaborator, "success", time.Since(start))
			return out, nil
		}

		if kind := apperr.KindOf(err); kind != apperr.KindInternal && kind != apperr.KindExternal {
			observe(metrics, collaborator, string(kind), time.Since(start))
			return zero, err
		}
		lastErr = err
		retriable, reason := IsRetriable(err)
		observe(metrics, collaborator, reason, time.Since(start))
		if !retriable {
			return zero, apperr.External(collaborator, err)
		}
		if attempt < policy.Attempts {
			if metrics != nil {
				metrics.IncCollaboratorRetry(collaborator)
			}
			select {
			case <-ctx.Done():
				return zero, apperr.External(collaborator, ctx.Err())
			case <-time.After(policy.Backoff(attempt)):
			}
		}
	}
	return zero, apperr.External(collaborator, lastErr)
}

func observe(metrics Metrics, collaborator, status string, d time.Duration) {
	if metrics != nil {
		metrics.ObserveCollaboratorCall(collaborator, status, d)
	}
}

// IsRetriable classifies a collaborator error and returns a short reason label.
func IsRetriable(err error) (bool, string) {
	if err == nil {
		return false, "none"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "canceled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, "timeout"
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable:
			return true, "unavailable"
		case codes.DeadlineExceeded:
			return true, "timeout"
		default:
			return false, st.Code().String()
		}
	}
	if apperr.IsRetryable(err) {
		return true, "unavailable"
	}
	return false, "error"
}

func BackoffDuration(attempt int) time.Duration {
	base := 100 * time.Millisecond
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}
