package ratelimit

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hardbound/observability"
)

// ErrRateLimited is returned by Require when a rule denies the caller. The
// denial carries a retry hint in its message; callers decide whether to sleep
// or fail.
var ErrRateLimited = errors.New("ratelimit: limit exceeded")

// Scope selects how a rule's buckets are keyed.
type Scope string

const (
	// ScopeGlobal shares one bucket across the whole team.
	ScopeGlobal Scope = "global"
	// ScopePerLCT keys a bucket per actor.
	ScopePerLCT Scope = "per_lct"
	// ScopePerAction keys a bucket per action type.
	ScopePerAction Scope = "per_action"
)

// Rule configures one token bucket family. Capacity is MaxRequests plus
// BurstAllowance; refill rate is MaxRequests per window.
type Rule struct {
	Name           string
	Scope          Scope
	MaxRequests    int
	WindowSeconds  int
	BurstAllowance int
	CooldownSeconds int
}

func (r Rule) capacity() int { return r.MaxRequests + r.BurstAllowance }

func (r Rule) refill() rate.Limit {
	return rate.Limit(float64(r.MaxRequests) / float64(r.WindowSeconds))
}

// DefaultRules enumerates the production limits. They are static; changing
// them at runtime is an admin action through AddRule.
func DefaultRules() map[string]Rule {
	rules := []Rule{
		{Name: "r6_requests", Scope: ScopePerLCT, MaxRequests: 60, WindowSeconds: 60, BurstAllowance: 10},
		{Name: "global_requests", Scope: ScopeGlobal, MaxRequests: 1000, WindowSeconds: 60, BurstAllowance: 100},
		{Name: "lct_creation", Scope: ScopeGlobal, MaxRequests: 10, WindowSeconds: 3600, BurstAllowance: 2, CooldownSeconds: 60},
		{Name: "audit_entries", Scope: ScopePerLCT, MaxRequests: 100, WindowSeconds: 60, BurstAllowance: 20},
		{Name: "proposals", Scope: ScopePerLCT, MaxRequests: 5, WindowSeconds: 3600, BurstAllowance: 1},
		{Name: "atp_operations", Scope: ScopePerLCT, MaxRequests: 30, WindowSeconds: 60, BurstAllowance: 5},
		{Name: "auth_attempts", Scope: ScopePerLCT, MaxRequests: 5, WindowSeconds: 300, CooldownSeconds: 300},
	}
	out := make(map[string]Rule, len(rules))
	for _, r := range rules {
		out[r.Name] = r
	}
	return out
}

// Result is the outcome of a rate-limit check.
type Result struct {
	Allowed      bool
	Remaining    int
	ResetSeconds int
	RetryAfter   int
	RuleName     string
	Reason       string
}

// Limiter applies token-bucket throttling per (scope, rule) key. Token counts
// live in memory only. With a db handle, each cooldown a denial opens is
// written to the rate_limits table; New does not read that table back, so a
// new Limiter starts with full buckets and no cooldowns.
type Limiter struct {
	mu        sync.Mutex
	rules     map[string]Rule
	buckets   map[string]*rate.Limiter
	cooldowns map[string]time.Time
	db        *sql.DB
	now       func() time.Time
}

const rlSchema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    key TEXT PRIMARY KEY,
    rule_name TEXT NOT NULL,
    request_count INTEGER NOT NULL,
    window_start TEXT NOT NULL,
    cooldown_until TEXT
);
`

// New builds a limiter with the default rules. The db handle is optional;
// when present, cooldowns opened by a denial are checkpointed.
func New(db *sql.DB) (*Limiter, error) {
	if db != nil {
		if _, err := db.Exec(rlSchema); err != nil {
			return nil, fmt.Errorf("apply rate limit schema: %w", err)
		}
	}
	return &Limiter{
		rules:     DefaultRules(),
		buckets:   make(map[string]*rate.Limiter),
		cooldowns: make(map[string]time.Time),
		db:        db,
		now:       time.Now,
	}, nil
}

// SetNowFunc overrides the wall clock, for tests.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AddRule installs or replaces a rule (admin action).
func (l *Limiter) AddRule(r Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[r.Name] = r
}

func bucketKey(r Rule, lct, action string) string {
	switch r.Scope {
	case ScopeGlobal:
		return "global:" + r.Name
	case ScopePerLCT:
		if lct == "" {
			lct = "unknown"
		}
		return "lct:" + lct + ":" + r.Name
	case ScopePerAction:
		if action == "" {
			action = "unknown"
		}
		return "action:" + action + ":" + r.Name
	}
	return "unknown:" + r.Name
}

func (l *Limiter) bucket(key string, r Rule) *rate.Limiter {
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(r.refill(), r.capacity())
		l.buckets[key] = b
	}
	return b
}

// Check evaluates a rule for the given actor/action and, when consume is
// true, takes a token. Unknown rules allow by design: a missing rule is a
// configuration gap, not a denial.
func (l *Limiter) Check(ruleName, lct, action string, consume bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rules[ruleName]
	if !ok {
		return Result{Allowed: true, Remaining: -1, RuleName: ruleName, Reason: "unknown rule - allowing"}
	}

	key := bucketKey(r, lct, action)
	now := l.now()

	if until, cooling := l.cooldowns[key]; cooling {
		if now.Before(until) {
			retry := int(until.Sub(now).Seconds()) + 1
			return Result{
				Allowed:      false,
				ResetSeconds: retry,
				RetryAfter:   retry,
				RuleName:     ruleName,
				Reason:       fmt.Sprintf("in cooldown for %d seconds", retry),
			}
		}
		delete(l.cooldowns, key)
		l.clearCheckpoint(key)
	}

	b := l.bucket(key, r)

	if !consume {
		remaining := int(b.TokensAt(now))
		return Result{
			Allowed:   remaining > 0,
			Remaining: remaining,
			RuleName:  ruleName,
			Reason:    reasonFor(remaining > 0),
		}
	}

	if b.AllowN(now, 1) {
		remaining := int(b.TokensAt(now))
		return Result{
			Allowed:      true,
			Remaining:    remaining,
			ResetSeconds: secondsForToken(r),
			RuleName:     ruleName,
			Reason:       "OK",
		}
	}

	retry := secondsForToken(r)
	if r.CooldownSeconds > 0 {
		until := now.Add(time.Duration(r.CooldownSeconds) * time.Second)
		l.cooldowns[key] = until
		retry += r.CooldownSeconds
		l.checkpoint(key, r, until)
	}
	observability.Metrics().RateLimitDenied.WithLabelValues(ruleName).Inc()
	slog.Warn("rate limit exceeded", "rule", ruleName, "key", key, "retry_after", retry)
	return Result{
		Allowed:      false,
		ResetSeconds: secondsForToken(r),
		RetryAfter:   retry,
		RuleName:     ruleName,
		Reason:       "rate limit exceeded",
	}
}

// Require checks and consumes, turning a denial into ErrRateLimited.
func (l *Limiter) Require(ruleName, lct, action string) (Result, error) {
	res := l.Check(ruleName, lct, action, true)
	if !res.Allowed {
		return res, fmt.Errorf("%w: %s (%s), retry after %d seconds",
			ErrRateLimited, ruleName, res.Reason, res.RetryAfter)
	}
	return res, nil
}

// Status reports the current state of a key without consuming.
func (l *Limiter) Status(ruleName, lct, action string) Result {
	return l.Check(ruleName, lct, action, false)
}

// Reset clears the bucket and cooldown for a key (admin action).
func (l *Limiter) Reset(ruleName, lct, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rules[ruleName]
	if !ok {
		return
	}
	key := bucketKey(r, lct, action)
	delete(l.buckets, key)
	delete(l.cooldowns, key)
	l.clearCheckpoint(key)
}

func (l *Limiter) checkpoint(key string, r Rule, until time.Time) {
	if l.db == nil {
		return
	}
	_, _ = l.db.Exec(`
        INSERT INTO rate_limits (key, rule_name, request_count, window_start, cooldown_until)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET cooldown_until = excluded.cooldown_until
    `, key, r.Name, r.capacity(), l.now().UTC().Format(time.RFC3339Nano),
		until.UTC().Format(time.RFC3339Nano))
}

func (l *Limiter) clearCheckpoint(key string) {
	if l.db == nil {
		return
	}
	_, _ = l.db.Exec("UPDATE rate_limits SET cooldown_until = NULL WHERE key = ?", key)
}

func secondsForToken(r Rule) int {
	perToken := float64(r.WindowSeconds) / float64(r.MaxRequests)
	if perToken < 1 {
		return 1
	}
	return int(perToken)
}

func reasonFor(allowed bool) string {
	if allowed {
		return "OK"
	}
	return "would exceed limit"
}
