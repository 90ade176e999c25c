// Package ops is the operator surface: rule management, manual block
// and unblock commands, batch operations, ledger lookup and reporting.
// Every operation returns a structured outcome instead of raw errors.
package ops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"fedwatch/internal/config"
	"fedwatch/internal/federation"
	"fedwatch/internal/pending"
	"fedwatch/internal/platform"
	"fedwatch/internal/reconcile"
	"fedwatch/internal/scan"
	"fedwatch/internal/screening"
	"fedwatch/internal/stats"
)

// lookupPageSize is how many ledger records one lookup page shows.
const lookupPageSize = 10

// Ops bundles the components the operator surface drives.
type Ops struct {
	client     platform.Client
	engine     *screening.Engine
	scanner    *scan.Scanner
	reconciler *reconcile.Reconciler
	prop       *federation.Propagator
	sched      *pending.Scheduler
	cfg        *config.Service
	agg        *stats.Aggregator
}

func New(client platform.Client, engine *screening.Engine, scanner *scan.Scanner, reconciler *reconcile.Reconciler, prop *federation.Propagator, sched *pending.Scheduler, cfg *config.Service, agg *stats.Aggregator) *Ops {
	return &Ops{
		client:     client,
		engine:     engine,
		scanner:    scanner,
		reconciler: reconciler,
		prop:       prop,
		sched:      sched,
		cfg:        cfg,
		agg:        agg,
	}
}

// --- rule management ---

func (o *Ops) AddKeyword(ctx context.Context, scope screening.Scope, domainID string, cat screening.Category, keyword string) error {
	if err := o.engine.AddKeyword(ctx, scope, domainID, cat, keyword); err != nil {
		return err
	}
	log.Info().Str("category", string(cat)).Str("scope", string(scope)).Msg("ops: keyword added")
	return nil
}

func (o *Ops) RemoveKeyword(ctx context.Context, scope screening.Scope, domainID string, cat screening.Category, keyword string) error {
	return o.engine.RemoveKeyword(ctx, scope, domainID, cat, keyword)
}

func (o *Ops) AddRegex(ctx context.Context, scope screening.Scope, domainID, pattern string) error {
	if err := o.engine.AddRegex(ctx, scope, domainID, pattern); err != nil {
		return err
	}
	log.Info().Str("scope", string(scope)).Msg("ops: regex pattern added")
	return nil
}

func (o *Ops) RemoveRegex(ctx context.Context, scope screening.Scope, domainID string, index int) (string, error) {
	return o.engine.RemoveRegexByIndex(ctx, scope, domainID, index)
}

// ListRules returns a copy of the live rule set.
func (o *Ops) ListRules() screening.RuleSet {
	return o.engine.Snapshot()
}

// --- manual federation commands ---

// Block applies an operator-initiated block on the origin domain and
// propagates it to the rest of the federation. The origin application
// carries the proactive marker so the observation path treats it as an
// echo rather than a fresh decision.
func (o *Ops) Block(ctx context.Context, originDomainID, identityID, actorID, reason string) (*federation.Outcome, error) {
	if !o.cfg.IsMember(originDomainID) {
		return nil, reconcile.ErrNotMember
	}

	var displayName, bio string
	if m, err := o.client.FetchMember(ctx, originDomainID, identityID); err == nil {
		displayName = m.DisplayName
		bio = m.Bio
	}

	originReason := fmt.Sprintf("%s: %s", federation.MarkerProactiveBlock, reason)
	err := o.client.ApplyBlock(ctx, originDomainID, identityID, originReason, o.cfg.RetainDaysFor(originDomainID))
	if err != nil && !platform.IsBenign(err) {
		return nil, fmt.Errorf("failed to block on origin domain: %w", err)
	}

	return o.prop.PropagateBlock(ctx, originDomainID, identityID, displayName, actorID, reason, bio)
}

// Unblock lifts an operator-initiated unblock on the origin domain and
// propagates it. An identity absent from the ledger is a no-op.
func (o *Ops) Unblock(ctx context.Context, originDomainID, identityID, actorID, reason string) (*federation.Outcome, error) {
	if !o.cfg.IsMember(originDomainID) {
		return nil, reconcile.ErrNotMember
	}

	outcome, err := o.prop.PropagateUnblock(ctx, originDomainID, identityID, actorID, reason)
	if err != nil {
		return nil, err
	}
	if outcome.NotNeeded {
		return outcome, nil
	}

	originReason := fmt.Sprintf("%s: %s", federation.MarkerFederatedUnblock, reason)
	err = o.client.ApplyUnblock(ctx, originDomainID, identityID, originReason)
	if err != nil && !platform.IsBenign(err) {
		log.Error().Err(err).Str("domain", originDomainID).Str("identity", identityID).Msg("ops: failed to unblock on origin domain")
	}
	return outcome, nil
}

// --- pending actions ---

func (o *Ops) PendingActions(ctx context.Context) ([]pending.Action, error) {
	return o.sched.ListScheduled(ctx)
}

func (o *Ops) CancelPending(ctx context.Context, id, actorID, note string) (*pending.Action, error) {
	return o.sched.Cancel(ctx, id, actorID, note)
}

// --- batch operations ---

func (o *Ops) RunScan(ctx context.Context, domainID string, progress scan.Progress) (*scan.Result, error) {
	return o.scanner.Run(ctx, domainID, progress)
}

func (o *Ops) StopScan(domainID string) bool {
	return o.scanner.Stop(domainID)
}

func (o *Ops) ActiveScans() []string {
	return o.scanner.Active()
}

func (o *Ops) Onboard(ctx context.Context, domainID string, progress reconcile.Progress) (*reconcile.OnboardResult, error) {
	return o.reconciler.OnboardDomain(ctx, domainID, progress)
}

func (o *Ops) ResetOnboarding(ctx context.Context, domainID string) error {
	return o.reconciler.ResetOnboarding(ctx, domainID)
}

func (o *Ops) RepairOrigins(ctx context.Context, progress reconcile.Progress) (*reconcile.RepairResult, error) {
	return o.reconciler.RepairOrigins(ctx, progress)
}

func (o *Ops) Backfill(ctx context.Context, domainID string, lookback time.Duration, progress reconcile.Progress) (*reconcile.BackfillResult, error) {
	return o.reconciler.BackfillFromAudit(ctx, domainID, lookback, progress)
}

// --- ledger lookup ---

// LookupResult is one page of ledger search results.
type LookupResult struct {
	Records []federation.BlockRecord `json:"records"`
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
	Pages   int                      `json:"pages"`
}

// Lookup searches the ledger. An exact identity ID returns that single
// record; anything else is treated as a name fragment matched against
// the folded display name recorded at block time. Page is 1-based.
func (o *Ops) Lookup(ctx context.Context, query string, page int) (*LookupResult, error) {
	if rec, err := o.prop.Ledger().GetBlock(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	} else if rec != nil {
		return &LookupResult{Records: []federation.BlockRecord{*rec}, Total: 1, Page: 1, Pages: 1}, nil
	}

	all, err := o.prop.Ledger().ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	fragment := screening.Fold(query)
	var matched []federation.BlockRecord
	for _, rec := range all {
		if strings.Contains(screening.Fold(rec.DisplayNameAtBlock), fragment) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	pages := (total + lookupPageSize - 1) / lookupPageSize
	if pages == 0 {
		pages = 1
	}
	if page < 1 {
		page = 1
	}
	if page > pages {
		page = pages
	}
	start := (page - 1) * lookupPageSize
	end := start + lookupPageSize
	if end > total {
		end = total
	}

	return &LookupResult{
		Records: matched[start:end],
		Total:   total,
		Page:    page,
		Pages:   pages,
	}, nil
}

// --- reload and reporting ---

func (o *Ops) ReloadConfig() error {
	return o.cfg.Reload()
}

func (o *Ops) ReloadRules(ctx context.Context) error {
	return o.engine.Reload(ctx)
}

// RefreshLoop re-reads the federation config and rule set on a fixed
// interval so edits made outside the operator surface take effect
// without a restart. Blocks until ctx is done.
func (o *Ops) RefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := o.cfg.Reload(); err != nil {
			log.Warn().Err(err).Msg("ops: periodic config refresh failed")
		}
		if err := o.engine.Reload(ctx); err != nil {
			log.Warn().Err(err).Msg("ops: periodic rules refresh failed")
		}
	}
}

// Broadcast posts a message to every domain's notice channel.
func (o *Ops) Broadcast(ctx context.Context, message string) (sent, failed int) {
	for _, d := range o.cfg.Domains() {
		channel := o.cfg.NoticeChannel(d.ID)
		if channel == "" {
			continue
		}
		if err := o.client.Announce(ctx, d.ID, channel, message); err != nil {
			failed++
			log.Warn().Err(err).Str("domain", d.ID).Msg("ops: broadcast failed")
			continue
		}
		sent++
	}
	return sent, failed
}

// StatsReport returns the persisted federation counters.
func (o *Ops) StatsReport(ctx context.Context) (*stats.Snapshot, error) {
	return o.agg.Report(ctx)
}
