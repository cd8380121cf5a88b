// Package rate throttles identity endpoints per client subject and blocks addresses
// that keep failing authentication.
package rate

import (
	"context"
	"strings"
	"time"
)

// SubjectKind names what a budget is counted against.
type SubjectKind string

const (
	ByIP     SubjectKind = "ip"
	ByEmail  SubjectKind = "email"
	ByWallet SubjectKind = "wallet"
)

// Subject is one identity a request is charged to. A login is charged to both the
// caller's address and the account it targets.
type Subject struct {
	Kind  SubjectKind
	Value string
}

func IP(addr string) Subject        { return Subject{Kind: ByIP, Value: addr} }
func Email(email string) Subject    { return Subject{Kind: ByEmail, Value: email} }
func Wallet(address string) Subject { return Subject{Kind: ByWallet, Value: address} }

// Policy allows Limit hits per Window for one endpoint scope.
type Policy struct {
	Scope  string
	Limit  int
	Window time.Duration
}

// key is case-folded so 0xAbC and 0xabc share a budget.
func (p Policy) key(s Subject) string {
	return p.Scope + "|" + string(s.Kind) + "|" + strings.ToLower(strings.TrimSpace(s.Value))
}

// Decision is the outcome of charging a request. RetryAfter is set only when denied.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Counter keeps sliding-window hit counts. A denied hit is not counted.
type Counter interface {
	Hit(ctx context.Context, key string, p Policy, now time.Time) (Decision, error)
}

// Throttle charges every subject of a request against one policy. The request passes
// only when each subject still has budget.
type Throttle struct {
	counter Counter
	policy  Policy
}

func NewThrottle(counter Counter, p Policy) *Throttle {
	return &Throttle{counter: counter, policy: p}
}

func (t *Throttle) Scope() string {
	if t == nil {
		return ""
	}
	return t.policy.Scope
}

// Check is a no-op on a nil Throttle, which is how rate limiting is disabled.
// Subjects with an empty value are skipped.
func (t *Throttle) Check(ctx context.Context, now time.Time, subjects ...Subject) (Decision, error) {
	if t == nil || t.policy.Limit <= 0 || t.policy.Window <= 0 {
		return Decision{Allowed: true}, nil
	}
	out := Decision{Allowed: true, Remaining: -1}
	for _, s := range subjects {
		if strings.TrimSpace(s.Value) == "" {
			continue
		}
		d, err := t.counter.Hit(ctx, t.policy.key(s), t.policy, now)
		if err != nil {
			return Decision{}, err
		}
		if !d.Allowed {
			out.Allowed = false
			if d.RetryAfter > out.RetryAfter {
				out.RetryAfter = d.RetryAfter
			}
		}
		if out.Remaining < 0 || d.Remaining < out.Remaining {
			out.Remaining = d.Remaining
		}
	}
	if out.Remaining < 0 {
		out.Remaining = t.policy.Limit
	}
	return out, nil
}
