// Package moderation is the front door for chat messages: per-user quotas, violation
// cooldowns, topic denial and outbound redaction.
package moderation

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Block reasons reported in SecurityResult.Reason
const (
	ReasonCooldown      = "cooldown"
	ReasonMinuteLimit   = "minute_limit"
	ReasonDailyLimit    = "daily_limit"
	ReasonContentPolicy = "content_policy"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
	// StateRetention is how long an idle or violating state is kept before Sweep drops it
	StateRetention = 24 * time.Hour

	cooldownMessage = "You've hit a pause on chat for a moment. Take a breather and try again shortly."
	quotaMessage    = "You're sending messages faster than I can keep up. Please wait a bit and try again."
)

// Limits are the per-user quotas and the cooldown applied after a content violation
type Limits struct {
	PerMinute int
	PerDay    int
	Cooldown  time.Duration
}

// DefaultLimits are used when nothing else is configured
var DefaultLimits = Limits{PerMinute: 20, PerDay: 300, Cooldown: 60 * time.Second}

// SecurityResult is the outcome of a gateway check. Blocks are ordinary results, not errors.
type SecurityResult struct {
	Allowed           bool     `json:"allowed"`
	Blocked           bool     `json:"blocked"`
	Reason            string   `json:"reason,omitempty"`
	RateLimited       bool     `json:"rateLimited,omitempty"`
	CooldownRemaining int      `json:"cooldownRemaining,omitempty"` // seconds
	Category          Category `json:"category,omitempty"`
	Message           string   `json:"-"`
}

// Option configures a Gateway
type Option func(*Gateway)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithRandom replaces the source used to pick refusal messages; it returns a value in [0,n)
func WithRandom(intn func(n int) int) Option {
	return func(g *Gateway) { g.intn = intn }
}

// WithRules replaces the denial list
func WithRules(rules []Rule) Option {
	return func(g *Gateway) { g.rules = rules }
}

// Gateway holds every user's rate limit state. A single mutex makes each check, including
// its counter increments, one atomic step.
type Gateway struct {
	mu     sync.Mutex
	states map[uuid.UUID]*models.RateLimitState
	limits Limits

	rules  []Rule
	intn   func(n int) int
	now    func() time.Time
	logger *zap.Logger
}

// NewGateway creates a gateway. Zero fields in limits take the defaults.
func NewGateway(limits Limits, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		states: make(map[uuid.UUID]*models.RateLimitState),
		limits: withDefaults(limits),
		rules:  DefaultRules(),
		intn:   rand.IntN,
		now:    time.Now,
		logger: logger.Component(log, "moderation"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func withDefaults(l Limits) Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultLimits.PerMinute
	}
	if l.PerDay <= 0 {
		l.PerDay = DefaultLimits.PerDay
	}
	if l.Cooldown <= 0 {
		l.Cooldown = DefaultLimits.Cooldown
	}
	return l
}

// SetLimits swaps the quotas; existing counters are kept
func (g *Gateway) SetLimits(l Limits) {
	l = withDefaults(l)
	g.mu.Lock()
	changed := g.limits != l
	g.limits = l
	g.mu.Unlock()
	if changed {
		g.logger.Info("gateway_limits_updated",
			zap.Int("per_minute", l.PerMinute),
			zap.Int("per_day", l.PerDay),
			zap.Duration("cooldown", l.Cooldown),
		)
	}
}

// Limits returns the active quotas
func (g *Gateway) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

// AddRules appends rules after the current list
func (g *Gateway) AddRules(rules ...Rule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules = append(append([]Rule(nil), g.rules...), rules...)
}

// CheckMessageSecurity decides whether userID may send message. An active cooldown blocks
// without counting the request; otherwise the request is counted against both windows
// before the quotas and denial rules are applied.
func (g *Gateway) CheckMessageSecurity(_ context.Context, message string, userID uuid.UUID) SecurityResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.stateLocked(userID, now)
	st.LastSeen = now

	if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
		return SecurityResult{
			Blocked:           true,
			Reason:            ReasonCooldown,
			RateLimited:       true,
			CooldownRemaining: ceilSeconds(st.CooldownUntil.Sub(now)),
			Message:           cooldownMessage,
		}
	}

	if now.Sub(st.WindowStart) >= minuteWindow {
		st.RequestsThisWindow = 0
		st.WindowStart = now
	}
	if now.Sub(st.DayStart) >= dayWindow {
		st.RequestsToday = 0
		st.DayStart = now
	}
	st.RequestsThisWindow++
	st.RequestsToday++

	if st.RequestsThisWindow > g.limits.PerMinute {
		g.logger.Info("gateway_rate_limited",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("window", "minute"),
			zap.Int("count", st.RequestsThisWindow),
		)
		return SecurityResult{Blocked: true, Reason: ReasonMinuteLimit, RateLimited: true, Message: quotaMessage}
	}
	if st.RequestsToday > g.limits.PerDay {
		g.logger.Info("gateway_rate_limited",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("window", "day"),
			zap.Int("count", st.RequestsToday),
		)
		return SecurityResult{Blocked: true, Reason: ReasonDailyLimit, RateLimited: true, Message: quotaMessage}
	}

	if rule, ok := match(g.rules, message); ok {
		g.recordViolationLocked(st, now)
		g.logger.Warn("gateway_content_blocked",
			zap.String("user_id", logger.SanitizeUserID(userID.String())),
			zap.String("category", string(rule.Category)),
		)
		return SecurityResult{
			Blocked:  true,
			Reason:   ReasonContentPolicy,
			Category: rule.Category,
			Message:  Refusals[g.intn(len(Refusals))],
		}
	}

	return SecurityResult{Allowed: true}
}

// RecordViolation starts a cooldown for userID
func (g *Gateway) RecordViolation(userID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.recordViolationLocked(g.stateLocked(userID, now), now)
}

func (g *Gateway) recordViolationLocked(st *models.RateLimitState, now time.Time) {
	until := now.Add(g.limits.Cooldown)
	st.CooldownUntil = &until
	at := now
	st.LastViolation = &at
}

func (g *Gateway) stateLocked(userID uuid.UUID, now time.Time) *models.RateLimitState {
	st, ok := g.states[userID]
	if !ok {
		st = &models.RateLimitState{UserID: userID, WindowStart: now, DayStart: now, LastSeen: now}
		g.states[userID] = st
	}
	return st
}

// State returns a copy of the user's state, if any
func (g *Gateway) State(userID uuid.UUID) (models.RateLimitState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[userID]
	if !ok {
		return models.RateLimitState{}, false
	}
	return *st, true
}

// Sweep drops states whose last violation is older than StateRetention, and states with no
// violation that have been idle that long. States still cooling down are kept.
func (g *Gateway) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, st := range g.states {
		if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
			continue
		}
		last := st.LastSeen
		if st.LastViolation != nil {
			last = *st.LastViolation
		}
		if now.Sub(last) > StateRetention {
			delete(g.states, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(g.now()); n > 0 {
				g.logger.Info("gateway_states_swept", zap.Int("removed", n))
			}
		}
	}
}

func ceilSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
