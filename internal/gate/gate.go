// Package gate rate-limits and deduplicates low-priority speech requests
// before they reach arbitration. It is pure bookkeeping: no I/O, no clock of
// its own, no goroutines.
package gate

import (
	"strings"
	"time"

	"github.com/ent0n29/mouthpiece/internal/protocol"
)

// Denial reasons, in rule evaluation order.
const (
	ReasonDedupe      = "dedupe"
	ReasonMinInterval = "min_interval"
	ReasonGlobalCap   = "global_cap"
	ReasonSessionCap  = "session_cap"
)

// Options tune the admission rules. Zero values take the defaults.
type Options struct {
	// MinIntervalPriority1 throttles priority-1 requests. Zero takes the
	// default; a negative value disables the rule entirely.
	MinIntervalPriority1    time.Duration
	GlobalWindow            time.Duration
	GlobalLimitLowPriority  int
	SessionWindow           time.Duration
	SessionLimitLowPriority int
	DedupeWindow            time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinIntervalPriority1 == 0 {
		o.MinIntervalPriority1 = 8 * time.Second
	}
	if o.GlobalWindow < time.Millisecond {
		o.GlobalWindow = 60 * time.Second
	}
	if o.GlobalLimitLowPriority < 1 {
		o.GlobalLimitLowPriority = 3
	}
	if o.SessionWindow < time.Millisecond {
		o.SessionWindow = 60 * time.Second
	}
	if o.SessionLimitLowPriority < 1 {
		o.SessionLimitLowPriority = 1
	}
	if o.DedupeWindow < time.Millisecond {
		o.DedupeWindow = 3 * time.Second
	}
	return o
}

// Request is one candidate speech admission.
type Request struct {
	SessionID string
	Priority  int
	DedupeKey string
}

// Result reports the first failing rule, if any. Denial is final for the
// request; there are no retry semantics.
type Result struct {
	Allow  bool
	Reason string
}

// Gate owns its rate-limit state. One instance per arbiter; construct fresh
// instances per test.
type Gate struct {
	opts Options

	lastPriority1At   time.Time
	globalAcceptedAt  []time.Time
	sessionAcceptedAt map[string][]time.Time
	dedupeLastSeenAt  map[string]time.Time
}

func New(opts Options) *Gate {
	return &Gate{
		opts:              opts.withDefaults(),
		sessionAcceptedAt: make(map[string][]time.Time),
		dedupeLastSeenAt:  make(map[string]time.Time),
	}
}

// Check evaluates the admission rules in order and records acceptance state.
// Priority 3 bypasses every rule and never consumes window slots.
func (g *Gate) Check(req Request, now time.Time) Result {
	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 3 {
		priority = 3
	}
	sessionID := protocol.NormalizeSessionID(req.SessionID)
	dedupeKey := strings.TrimSpace(req.DedupeKey)

	// Dedupe is opt-in via dedupe_key and never applies to priority 3.
	if dedupeKey != "" && priority <= 2 {
		if seenAt, ok := g.dedupeLastSeenAt[dedupeKey]; ok && now.Sub(seenAt) < g.opts.DedupeWindow {
			return Result{Reason: ReasonDedupe}
		}
	}

	if priority == 1 && g.opts.MinIntervalPriority1 > 0 && !g.lastPriority1At.IsZero() && now.Sub(g.lastPriority1At) < g.opts.MinIntervalPriority1 {
		return Result{Reason: ReasonMinInterval}
	}

	if priority <= 2 {
		g.globalAcceptedAt = pruneRecent(g.globalAcceptedAt, now, g.opts.GlobalWindow)
		if len(g.globalAcceptedAt) >= g.opts.GlobalLimitLowPriority {
			return Result{Reason: ReasonGlobalCap}
		}

		prunedSession := pruneRecent(g.sessionAcceptedAt[sessionID], now, g.opts.SessionWindow)
		if len(prunedSession) >= g.opts.SessionLimitLowPriority {
			g.sessionAcceptedAt[sessionID] = prunedSession
			return Result{Reason: ReasonSessionCap}
		}

		g.sessionAcceptedAt[sessionID] = append(prunedSession, now)
		g.globalAcceptedAt = append(g.globalAcceptedAt, now)
	}

	if priority == 1 {
		g.lastPriority1At = now
	}

	if dedupeKey != "" && priority <= 2 {
		g.dedupeLastSeenAt[dedupeKey] = now
	}

	return Result{Allow: true}
}

// Reset clears all admission state.
func (g *Gate) Reset() {
	g.lastPriority1At = time.Time{}
	g.globalAcceptedAt = nil
	g.sessionAcceptedAt = make(map[string][]time.Time)
	g.dedupeLastSeenAt = make(map[string]time.Time)
}

func pruneRecent(values []time.Time, now time.Time, window time.Duration) []time.Time {
	if len(values) == 0 {
		return values
	}
	minTime := now.Add(-window)
	start := 0
	for start < len(values) && values[start].Before(minTime) {
		start++
	}
	if start == 0 {
		return values
	}
	return values[start:]
}
