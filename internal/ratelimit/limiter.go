// Package ratelimit implements per-subject sliding-window limits stored in Redis.
//
// Each subject has a sorted set of request timestamps. A request is admitted
// when fewer than Max timestamps fall within the trailing Window; pruning,
// counting and admission happen in one script so concurrent requests from the
// same subject cannot both take the last slot.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dyluth/cipher/pkg/cipher"
)

// KEYS: window zset
// ARGV: now_ms, window_ms, max, member
// Returns {allowed, remaining, reset_at_ms}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest == 2 then
  reset = tonumber(oldest[2]) + window
end
if count >= max then
  return {0, 0, reset}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, max - count - 1, reset}
`)

// Rule is a sliding-window limit: at most Max requests per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	if r.Max <= 0 {
		return fmt.Errorf("max must be > 0")
	}
	if r.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	return nil
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time // When the oldest counted request leaves the window
	Token     string    // Window entry of an allowed request, for Release
}

// Limiter applies one Rule to one action, keyed per subject.
type Limiter struct {
	rdb          redis.Cmdable
	instanceName string
	action       string
	rule         Rule
}

// New creates a limiter for action ("guess", "vote") on the given client's instance.
func New(client *cipher.Client, action string, rule Rule) (*Limiter, error) {
	if action == "" {
		return nil, fmt.Errorf("action cannot be empty")
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s rule: %w", action, err)
	}
	return &Limiter{
		rdb:          client.Redis(),
		instanceName: client.InstanceName(),
		action:       action,
		rule:         rule,
	}, nil
}

// Rule returns the configured limit.
func (l *Limiter) Rule() Rule { return l.rule }

// Allow records a request by subject at now if the window has room.
// A rejected request is not recorded, so it does not extend the window.
func (l *Limiter) Allow(ctx context.Context, subject string, now time.Time) (Decision, error) {
	token := uuid.NewString()
	vals, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{cipher.RateLimitKey(l.instanceName, l.action, subject)},
		now.UnixMilli(), l.rule.Window.Milliseconds(), l.rule.Max, token,
	).Int64Slice()
	if err != nil {
		return Decision{}, &cipher.PersistenceError{Op: "failed to evaluate rate limit", Err: err}
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("unexpected rate limit reply: %v", vals)
	}

	d := Decision{
		Allowed:   vals[0] == 1,
		Remaining: int(vals[1]),
		ResetAt:   time.UnixMilli(vals[2]),
	}
	if d.Allowed {
		d.Token = token
	}
	return d, nil
}

// Admit is Allow returning a *cipher.RateLimitedError when the request is rejected.
func (l *Limiter) Admit(ctx context.Context, subject string, now time.Time) (Decision, error) {
	d, err := l.Allow(ctx, subject, now)
	if err != nil {
		return d, err
	}
	if !d.Allowed {
		return d, &cipher.RateLimitedError{
			Action:  l.action,
			Limit:   l.rule.Max,
			Window:  l.rule.Window,
			ResetAt: d.ResetAt,
		}
	}
	return d, nil
}

// Check is Admit without the decision.
func (l *Limiter) Check(ctx context.Context, subject string, now time.Time) error {
	_, err := l.Admit(ctx, subject, now)
	return err
}

// Release gives back the slot taken by an allowed request whose write was
// then rejected. Unknown or empty tokens are ignored.
func (l *Limiter) Release(ctx context.Context, subject string, d Decision) error {
	if d.Token == "" {
		return nil
	}
	key := cipher.RateLimitKey(l.instanceName, l.action, subject)
	if err := l.rdb.ZRem(ctx, key, d.Token).Err(); err != nil {
		return &cipher.PersistenceError{Op: "failed to release rate limit slot", Err: err}
	}
	return nil
}
