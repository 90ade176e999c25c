// Package flood implements a per-actor sliding-window burst detector:
// many messages across several channels inside a short window is the
// signature of a spam raid.
package flood

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Settings configures detection for one domain.
type Settings struct {
	Enabled          bool
	Window           time.Duration
	MessageThreshold int
	ChannelThreshold int
}

type entry struct {
	at      time.Time
	channel string
}

type key struct {
	domainID string
	actorID  string
}

// Detector tracks message bursts per (domain, actor). It is the only
// screening primitive with memory across calls, so all window access
// is serialized under one mutex.
type Detector struct {
	mu      sync.Mutex
	windows map[key][]entry
}

func NewDetector() *Detector {
	return &Detector{windows: make(map[key][]entry)}
}

// Observe records one message and reports whether it completes a
// flood. Entries older than the window are evicted lazily. On a hit
// the actor's window is cleared so one burst fires exactly once.
func (d *Detector) Observe(domainID, actorID, channelID string, now time.Time, s Settings) bool {
	if !s.Enabled || s.MessageThreshold <= 0 {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := key{domainID: domainID, actorID: actorID}
	window := d.windows[k]

	cutoff := now.Add(-s.Window)
	kept := window[:0]
	for _, e := range window {
		if e.at.After(cutoff) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, entry{at: now, channel: channelID})

	if len(kept) >= s.MessageThreshold && distinctChannels(kept) >= s.ChannelThreshold {
		// Reset so the same burst cannot re-trigger on its next message.
		delete(d.windows, k)
		log.Info().
			Str("domain", domainID).
			Str("actor", actorID).
			Int("messages", len(kept)).
			Msg("flood: burst detected, window reset")
		return true
	}

	d.windows[k] = kept
	return false
}

// Forget drops an actor's window, e.g. after they were blocked.
func (d *Detector) Forget(domainID, actorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, key{domainID: domainID, actorID: actorID})
}

func distinctChannels(entries []entry) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.channel] = struct{}{}
	}
	return len(seen)
}
