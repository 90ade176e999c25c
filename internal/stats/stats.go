// Package stats tracks per-domain and global federation counters.
package stats

import (
	"context"
	"time"
)

// MonthKey returns the "YYYY-MM" bucket key for t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DomainStats holds lifetime and monthly counters for one domain.
type DomainStats struct {
	BlocksInitiatedLifetime   int `json:"blocks_initiated_lifetime"`
	BlocksReceivedLifetime    int `json:"blocks_received_lifetime"`
	UnblocksInitiatedLifetime int `json:"unblocks_initiated_lifetime"`

	MonthlyInitiated map[string]int `json:"monthly_initiated,omitempty"`
	MonthlyReceived  map[string]int `json:"monthly_received,omitempty"`
	MonthlyUnblocked map[string]int `json:"monthly_unblocked,omitempty"`
}

// GlobalStats is the federation-wide singleton.
type GlobalStats struct {
	TotalFederatedActionsLifetime int `json:"total_federated_actions_lifetime"`
}

// Snapshot is the whole stats document as persisted.
type Snapshot struct {
	Domains map[string]*DomainStats `json:"domains"`
	Global  GlobalStats             `json:"global"`
}

func (s *Snapshot) domain(id string) *DomainStats {
	if s.Domains == nil {
		s.Domains = make(map[string]*DomainStats)
	}
	d, ok := s.Domains[id]
	if !ok {
		d = &DomainStats{}
		s.Domains[id] = d
	}
	return d
}

// Delta is the set of counter changes from one propagation call. It is
// accumulated while fan-out runs and applied in a single save cycle
// afterwards, so concurrent propagations only contend on the store at
// the aggregation step.
type Delta struct {
	month             string
	initiatedBlocks   []string
	receivedBlocks    []string
	initiatedUnblocks []string
	receivedRemovals  []string
	globalActions     int
}

// NewDelta starts a delta bucketed to the month of now.
func NewDelta(now time.Time) *Delta {
	return &Delta{month: MonthKey(now)}
}

func (d *Delta) BlockInitiated(domainID string) {
	d.initiatedBlocks = append(d.initiatedBlocks, domainID)
	d.globalActions++
}

func (d *Delta) BlockReceived(domainID string) {
	d.receivedBlocks = append(d.receivedBlocks, domainID)
}

func (d *Delta) UnblockInitiated(domainID string) {
	d.initiatedUnblocks = append(d.initiatedUnblocks, domainID)
	d.globalActions++
}

// UnblockReceived decrements the receiving domain's received count,
// floored at zero.
func (d *Delta) UnblockReceived(domainID string) {
	d.receivedRemovals = append(d.receivedRemovals, domainID)
}

// Empty reports whether applying the delta would change nothing.
func (d *Delta) Empty() bool {
	return len(d.initiatedBlocks) == 0 && len(d.receivedBlocks) == 0 &&
		len(d.initiatedUnblocks) == 0 && len(d.receivedRemovals) == 0 &&
		d.globalActions == 0
}

// Store persists the snapshot. Update must apply fn atomically under a
// single writer lock: read, mutate, write as one cycle.
type Store interface {
	LoadStats(ctx context.Context) (*Snapshot, error)
	UpdateStats(ctx context.Context, fn func(*Snapshot) error) error
}

// Aggregator is the only mutator of the stats document.
type Aggregator struct {
	store Store
}

func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Apply folds the delta into the persisted snapshot in one save cycle.
func (a *Aggregator) Apply(ctx context.Context, delta *Delta) error {
	if delta == nil || delta.Empty() {
		return nil
	}
	return a.store.UpdateStats(ctx, func(s *Snapshot) error {
		for _, id := range delta.initiatedBlocks {
			d := s.domain(id)
			d.BlocksInitiatedLifetime++
			if d.MonthlyInitiated == nil {
				d.MonthlyInitiated = make(map[string]int)
			}
			d.MonthlyInitiated[delta.month]++
		}
		for _, id := range delta.receivedBlocks {
			d := s.domain(id)
			d.BlocksReceivedLifetime++
			if d.MonthlyReceived == nil {
				d.MonthlyReceived = make(map[string]int)
			}
			d.MonthlyReceived[delta.month]++
		}
		for _, id := range delta.initiatedUnblocks {
			d := s.domain(id)
			d.UnblocksInitiatedLifetime++
			if d.MonthlyUnblocked == nil {
				d.MonthlyUnblocked = make(map[string]int)
			}
			d.MonthlyUnblocked[delta.month]++
		}
		for _, id := range delta.receivedRemovals {
			d := s.domain(id)
			if d.BlocksReceivedLifetime > 0 {
				d.BlocksReceivedLifetime--
			}
		}
		s.Global.TotalFederatedActionsLifetime += delta.globalActions
		return nil
	})
}

// Report returns the current snapshot for operator display.
func (a *Aggregator) Report(ctx context.Context) (*Snapshot, error) {
	return a.store.LoadStats(ctx)
}
