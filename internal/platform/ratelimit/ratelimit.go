// Package ratelimit implements the per-partner outbound request
// throttle: a fixed 60-second window with a partner-specific limit.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Window is the length of the fixed counting window.
const Window = 60 * time.Second

// window tracks the request count for one partner within the current
// fixed window. The counter only increases until resetAt passes, at
// which point the next check lazily starts a new window.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter holds a fixed-window counter per partner. Limits come from
// the caller on each check so that administrative config updates take
// effect without rebuilding the limiter.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLimiter creates an empty Limiter.
func NewLimiter(logger zerolog.Logger) *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		logger:  logger,
		now:     time.Now,
	}
}

// TryConsume records one outbound request for the partner if the
// current window has capacity under limit. It returns false, without
// incrementing, once the window's counter has reached the limit.
func (l *Limiter) TryConsume(provider string, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[provider]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		l.windows[provider] = w
	}

	if w.count >= limit {
		l.logger.Warn().
			Str("provider", provider).
			Int("limit", limit).
			Time("reset_at", w.resetAt).
			Msg("rate limit exceeded")
		return false
	}
	w.count++
	return true
}

// Remaining returns the number of requests left in the partner's
// current window, or limit when no window is active.
func (l *Limiter) Remaining(provider string, limit int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[provider]
	if !ok || !l.now().Before(w.resetAt) {
		return limit
	}
	if remaining := limit - w.count; remaining > 0 {
		return remaining
	}
	return 0
}

// ResetAt returns when the partner's current window ends. The zero
// time means no window is active.
func (l *Limiter) ResetAt(provider string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[provider]
	if !ok || !l.now().Before(w.resetAt) {
		return time.Time{}
	}
	return w.resetAt
}
