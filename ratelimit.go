package sifcore

import (
	"sync"
	"time"

	"github.com/IMQS/log"
	"github.com/thejerf/abtime"
)

const (
	// Base unit of the failure penalty. The delay for n failures beyond the
	// threshold grows quadratically from here.
	penaltyUnit = 250 * time.Millisecond
	penaltyCap  = 30 * time.Second
)

type rateKey struct {
	proto string
	ip    string
	user  string // empty for the per-IP aggregate entry
}

type rateEntry struct {
	fails    int
	lastFail time.Time
	lastHash string // hash of the most recent bad secret
}

// RateLimitTable tracks authentication failures per (protocol, IP, user).
// A client that retries the same wrong password is counted once; only a new
// wrong secret increments the counter. Entries decay after FailTTLSeconds.
// The table is process-local and must never be shared across processes.
type RateLimitTable struct {
	cfg   *ConfigRateLimit
	clock abtime.AbstractTime
	log   *log.Logger

	lock    sync.Mutex
	entries map[rateKey]*rateEntry

	// Swappable for tests so that penalty delays are observable without sleeping
	sleep func(time.Duration)
}

func NewRateLimitTable(cfg *ConfigRateLimit, clock abtime.AbstractTime, logger *log.Logger) *RateLimitTable {
	return &RateLimitTable{
		cfg:     cfg,
		clock:   clock,
		log:     logger,
		entries: map[rateKey]*rateEntry{},
		sleep:   time.Sleep,
	}
}

func (x *RateLimitTable) maxUserHits() int {
	if x.cfg.MaxUserHits > 0 {
		return x.cfg.MaxUserHits
	}
	return 5
}

func (x *RateLimitTable) failTTL() time.Duration {
	if x.cfg.FailTTLSeconds > 0 {
		return time.Duration(x.cfg.FailTTLSeconds) * time.Second
	}
	return 120 * time.Second
}

// SetConfig swaps the tunables at runtime. Counted failures keep their state.
func (x *RateLimitTable) SetConfig(cfg ConfigRateLimit) {
	x.lock.Lock()
	defer x.lock.Unlock()
	*x.cfg = cfg
}

// keysFor returns the keys to consult for a caller. When both IP and user are
// known, both the user-scoped and the IP-aggregate entries take part.
func keysFor(proto, ip, user string) []rateKey {
	keys := []rateKey{{proto: proto, ip: ip}}
	if user != "" {
		keys = append(keys, rateKey{proto: proto, ip: ip, user: user})
	}
	return keys
}

// Hit reports whether the caller should be refused outright, before any
// credential check is attempted.
func (x *RateLimitTable) Hit(proto, ip, user string) bool {
	x.lock.Lock()
	defer x.lock.Unlock()
	ttl := x.failTTL()
	now := x.clock.Now()
	for _, key := range keysFor(proto, ip, user) {
		entry := x.entries[key]
		if entry == nil {
			continue
		}
		if now.Sub(entry.lastFail) > ttl {
			continue
		}
		if entry.fails >= x.maxUserHits() {
			return true
		}
	}
	return false
}

// Update records the outcome of an authentication attempt and returns the new
// failure count for the most specific key. A success clears all entries for
// the caller. A failure with the same secret hash as the previous failure does
// not increment the count.
func (x *RateLimitTable) Update(proto, ip, user string, ok bool, secretHash string) int {
	x.lock.Lock()
	defer x.lock.Unlock()
	keys := keysFor(proto, ip, user)
	if ok {
		for _, key := range keys {
			delete(x.entries, key)
		}
		return 0
	}
	now := x.clock.Now()
	count := 0
	for _, key := range keys {
		entry := x.entries[key]
		if entry == nil {
			entry = &rateEntry{}
			x.entries[key] = entry
		}
		if entry.fails == 0 || entry.lastHash != secretHash {
			entry.fails++
		}
		entry.lastFail = now
		entry.lastHash = secretHash
		count = entry.fails
	}
	return count
}

// Count returns the current failure count for the most specific key.
func (x *RateLimitTable) Count(proto, ip, user string) int {
	x.lock.Lock()
	defer x.lock.Unlock()
	keys := keysFor(proto, ip, user)
	entry := x.entries[keys[len(keys)-1]]
	if entry == nil {
		return 0
	}
	return entry.fails
}

// PenaltyDelay is the sleep imposed after the count-th failure:
// min(count^2 * 250ms, 30s). Failures below the refusal threshold
// are not penalized.
func (x *RateLimitTable) PenaltyDelay(count int) time.Duration {
	x.lock.Lock()
	max := x.maxUserHits()
	x.lock.Unlock()
	over := count - max
	if over <= 0 {
		return 0
	}
	d := time.Duration(count) * time.Duration(count) * penaltyUnit
	if d > penaltyCap {
		d = penaltyCap
	}
	return d
}

// Penalize blocks the caller for the delay earned by count failures.
func (x *RateLimitTable) Penalize(proto, ip, user string, count int) {
	d := x.PenaltyDelay(count)
	if d <= 0 {
		return
	}
	x.log.Infof("Rate limit penalty of %v for %v@%v on %v (%v fails)", d, user, ip, proto, count)
	x.sleep(d)
}

// Expire drops entries whose last failure is older than the TTL.
func (x *RateLimitTable) Expire() {
	x.lock.Lock()
	defer x.lock.Unlock()
	ttl := x.failTTL()
	now := x.clock.Now()
	dropped := 0
	for key, entry := range x.entries {
		if now.Sub(entry.lastFail) > ttl {
			delete(x.entries, key)
			dropped++
		}
	}
	if dropped != 0 {
		x.log.Infof("Rate limit sweep dropped %v stale entries", dropped)
	}
}
