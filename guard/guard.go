// Package guard contains the abuse-containment state for the broker: a
// sliding-window activity limiter per fingerprint, temporary bans, and the
// reputation recomputation applied after deliveries.
package guard

import (
	"sync"
	"time"

	"tlpbroker/identity"
)

// Decision is the outcome of recording one unit of peer activity.
type Decision int

const (
	// Accepted means the activity stayed within limits.
	Accepted Decision = iota
	// RateLimited means the window threshold was exceeded; the peer is now
	// banned and the caller must disconnect it.
	RateLimited
)

// Config defines the limiter thresholds.
type Config struct {
	// Window is the width of the sliding activity window.
	Window time.Duration
	// Threshold is the number of activities tolerated inside one window.
	Threshold int
	// BanDuration is how long an offender stays banned.
	BanDuration time.Duration
}

// DefaultConfig mirrors the broker's production limits: more than 20
// requests in 10 seconds earns a 300 second ban.
func DefaultConfig() Config {
	return Config{
		Window:      10 * time.Second,
		Threshold:   20,
		BanDuration: 300 * time.Second,
	}
}

type record struct {
	activity   []time.Time
	bannedTill time.Time
}

// Guard tracks per-fingerprint activity and bans. Safe for concurrent use
// from many connection handlers.
type Guard struct {
	cfg Config

	mu      sync.Mutex
	records map[identity.Fingerprint]*record
}

// New returns a guard with the supplied thresholds, falling back to the
// defaults for unset fields.
func New(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = def.BanDuration
	}
	return &Guard{cfg: cfg, records: make(map[identity.Fingerprint]*record)}
}

// RecordActivity notes one activity for the fingerprint at the given time.
// Exceeding the window threshold transitions the peer to banned and returns
// RateLimited; the caller is expected to disconnect the peer.
func (g *Guard) RecordActivity(fp identity.Fingerprint, now time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.ensureRecordLocked(fp)
	if rec.bannedTill.After(now) {
		return RateLimited
	}

	g.pruneLocked(rec, now)
	rec.activity = append(rec.activity, now)
	if len(rec.activity) > g.cfg.Threshold {
		rec.bannedTill = now.Add(g.cfg.BanDuration)
		rec.activity = nil
		return RateLimited
	}
	return Accepted
}

// IsBanned reports whether the fingerprint is banned at the provided time.
// Lapsed bans are cleared as a side effect.
func (g *Guard) IsBanned(fp identity.Fingerprint, now time.Time) bool {
	banned, _ := g.BanInfo(fp, now)
	return banned
}

// BanInfo returns the ban state and its expiry.
func (g *Guard) BanInfo(fp identity.Fingerprint, now time.Time) (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.records[fp]
	if rec == nil || rec.bannedTill.IsZero() {
		return false, time.Time{}
	}
	if !rec.bannedTill.After(now) {
		rec.bannedTill = time.Time{}
		return false, time.Time{}
	}
	return true, rec.bannedTill
}

// Ban imposes a ban until the given expiry, replacing any shorter one.
func (g *Guard) Ban(fp identity.Fingerprint, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.ensureRecordLocked(fp)
	if until.After(rec.bannedTill) {
		rec.bannedTill = until
	}
}

func (g *Guard) ensureRecordLocked(fp identity.Fingerprint) *record {
	rec := g.records[fp]
	if rec == nil {
		rec = &record{}
		g.records[fp] = rec
	}
	return rec
}

func (g *Guard) pruneLocked(rec *record, now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	kept := rec.activity[:0]
	for _, ts := range rec.activity {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	rec.activity = kept
}

// Reputation recomputes a solver's score from its delivery history. The
// function is monotone non-decreasing in the delivered/taken ratio and never
// drops below zero. A solver with no history scores zero.
func Reputation(delivered, taken uint64) float64 {
	if taken == 0 {
		return 0
	}
	rate := SuccessRate(delivered, taken)
	score := 0.05*rate + 1
	if score < 0 {
		score = 0
	}
	return score
}

// SuccessRate is the delivered/taken ratio clamped to [0, 1].
func SuccessRate(delivered, taken uint64) float64 {
	if taken == 0 {
		return 0
	}
	rate := float64(delivered) / float64(taken)
	if rate > 1 {
		rate = 1
	}
	return rate
}
