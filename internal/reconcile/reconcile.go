// Package reconcile converges divergent state between the ledger and
// the member domains: onboarding a new domain onto the full ledger,
// restoring blocks that drifted off their origin domains, backfilling
// blocks that happened before the system was watching, and importing
// external ban lists.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"fedwatch/internal/config"
	"fedwatch/internal/federation"
	"fedwatch/internal/metrics"
	"fedwatch/internal/platform"
)

// ErrAlreadyOnboarded guards against running the bulk apply twice for
// the same domain.
var ErrAlreadyOnboarded = errors.New("domain already onboarded")

// ErrNotMember is returned for domains outside the federation.
var ErrNotMember = errors.New("domain is not a federation member")

// SyncStore persists which domains completed onboarding.
type SyncStore interface {
	MarkOnboarded(ctx context.Context, domainID string, applied int) error
	IsOnboarded(ctx context.Context, domainID string) (bool, error)
	ClearOnboarded(ctx context.Context, domainID string) error
}

// Progress is called periodically during long runs so the operator
// surface can show movement.
type Progress func(done, total int)

// Reconciler runs the three batch convergence operations.
type Reconciler struct {
	client   platform.Client
	ledger   federation.LedgerStore
	prop     *federation.Propagator
	verifier *federation.Verifier
	cfg      *config.Service
	sync     SyncStore

	cooldown time.Duration
}

func NewReconciler(client platform.Client, prop *federation.Propagator, verifier *federation.Verifier, cfg *config.Service, sync SyncStore) *Reconciler {
	return &Reconciler{
		client:   client,
		ledger:   prop.Ledger(),
		prop:     prop,
		verifier: verifier,
		cfg:      cfg,
		sync:     sync,
		cooldown: 30 * time.Second,
	}
}

// OnboardResult summarizes one onboarding run.
type OnboardResult struct {
	Total   int `json:"total"`
	Applied int `json:"applied"`
	Already int `json:"already"`
	Failed  int `json:"failed"`
}

// OnboardDomain applies every ledger block to a newly joined domain.
// It runs at most once per domain; the operator must clear the
// onboarding record to force a re-run. The run is resumable: a
// cancelled or partially failed run leaves the domain not-onboarded,
// and the next run skips blocks already in place.
func (r *Reconciler) OnboardDomain(ctx context.Context, domainID string, progress Progress) (*OnboardResult, error) {
	if !r.cfg.IsMember(domainID) {
		return nil, ErrNotMember
	}
	done, err := r.sync.IsOnboarded(ctx, domainID)
	if err != nil {
		return nil, fmt.Errorf("failed to read onboarding state: %w", err)
	}
	if done {
		return nil, ErrAlreadyOnboarded
	}

	records, err := r.ledger.ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	res := &OnboardResult{Total: len(records)}
	retainDays := r.cfg.RetainDaysFor(domainID)
	log.Info().Str("domain", domainID).Int("total", res.Total).Msg("reconcile: onboarding started")

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileOperationsTotal.WithLabelValues("onboard", "cancelled").Inc()
			return res, err
		}

		blocked, err := r.client.FetchBlock(ctx, domainID, rec.IdentityID)
		if err != nil && !platform.IsBenign(err) {
			res.Failed++
			log.Error().Err(err).Str("identity", rec.IdentityID).Msg("reconcile: onboarding block check failed")
			continue
		}
		if blocked {
			res.Already++
		} else {
			reason := fmt.Sprintf("%s from %s. Reason: %s", federation.MarkerFederatedBlock, rec.OriginDomainName, rec.Reason)
			if err := r.applyWithRetry(ctx, domainID, rec.IdentityID, reason, retainDays); err != nil {
				res.Failed++
				log.Error().Err(err).Str("identity", rec.IdentityID).Msg("reconcile: onboarding block failed")
			} else {
				res.Applied++
			}
		}

		if progress != nil && (i+1)%25 == 0 {
			progress(i+1, res.Total)
		}
	}
	if progress != nil {
		progress(res.Total, res.Total)
	}

	if res.Failed == 0 {
		if err := r.sync.MarkOnboarded(ctx, domainID, res.Applied); err != nil {
			return res, fmt.Errorf("failed to record onboarding: %w", err)
		}
		metrics.ReconcileOperationsTotal.WithLabelValues("onboard", "completed").Inc()
	} else {
		// Leave the domain not-onboarded so the next run retries only
		// the gaps.
		metrics.ReconcileOperationsTotal.WithLabelValues("onboard", "partial").Inc()
	}

	log.Info().
		Str("domain", domainID).
		Int("applied", res.Applied).
		Int("already", res.Already).
		Int("failed", res.Failed).
		Msg("reconcile: onboarding finished")
	return res, nil
}

// ResetOnboarding clears a domain's onboarding record.
func (r *Reconciler) ResetOnboarding(ctx context.Context, domainID string) error {
	return r.sync.ClearOnboarded(ctx, domainID)
}

// RepairResult summarizes an origin repair run.
type RepairResult struct {
	Scanned    int `json:"scanned"`
	Repaired   int `json:"repaired"`
	Unresolved int `json:"unresolved"`
}

// RepairOrigins restores each ledger block on its recorded origin
// domain. Propagation fan-out always skips the origin, so a block
// lifted or lost on its own origin domain is the one gap no other path
// closes. Records without origin attribution cannot be checked and
// count as unresolved.
func (r *Reconciler) RepairOrigins(ctx context.Context, progress Progress) (*RepairResult, error) {
	records, err := r.ledger.ListBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger: %w", err)
	}

	res := &RepairResult{}

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileOperationsTotal.WithLabelValues("repair", "cancelled").Inc()
			return res, err
		}
		res.Scanned++

		if progress != nil && (i+1)%25 == 0 {
			progress(i+1, len(records))
		}

		if rec.OriginDomainID == "" || !r.cfg.IsMember(rec.OriginDomainID) {
			res.Unresolved++
			continue
		}

		blocked, err := r.client.FetchBlock(ctx, rec.OriginDomainID, rec.IdentityID)
		if err != nil && !platform.IsBenign(err) {
			res.Unresolved++
			log.Warn().Err(err).Str("domain", rec.OriginDomainID).Str("identity", rec.IdentityID).Msg("reconcile: origin block check failed")
			continue
		}
		if blocked {
			continue
		}

		// The marker keeps the observation path from federating the
		// restored block as a fresh decision.
		reason := fmt.Sprintf("%s: %s", federation.MarkerProactiveBlock, rec.Reason)
		if err := r.applyWithRetry(ctx, rec.OriginDomainID, rec.IdentityID, reason, r.cfg.RetainDaysFor(rec.OriginDomainID)); err != nil {
			res.Unresolved++
			log.Error().Err(err).Str("domain", rec.OriginDomainID).Str("identity", rec.IdentityID).Msg("reconcile: origin block restore failed")
			continue
		}
		res.Repaired++
		log.Info().Str("domain", rec.OriginDomainID).Str("identity", rec.IdentityID).Msg("reconcile: origin block restored")
	}

	metrics.ReconcileOperationsTotal.WithLabelValues("repair", "completed").Inc()
	log.Info().
		Int("scanned", res.Scanned).
		Int("repaired", res.Repaired).
		Int("unresolved", res.Unresolved).
		Msg("reconcile: origin repair finished")
	return res, nil
}

// BackfillResult summarizes one audit backfill run.
type BackfillResult struct {
	Examined  int `json:"examined"`
	Federated int `json:"federated"`
	Skipped   int `json:"skipped"`
}

// BackfillFromAudit federates blocks that happened on a domain before
// the system was watching. Only blocks issued by authorized moderators
// count; blocks that were later lifted on the same domain are skipped,
// as are identities already on the ledger.
func (r *Reconciler) BackfillFromAudit(ctx context.Context, domainID string, lookback time.Duration, progress Progress) (*BackfillResult, error) {
	if !r.cfg.IsMember(domainID) {
		return nil, ErrNotMember
	}

	after := time.Now().UTC().Add(-lookback)
	entries, err := r.client.ListAuditEntries(ctx, domainID, platform.AuditBlock, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	res := &BackfillResult{}
	log.Info().Str("domain", domainID).Int("entries", len(entries)).Msg("reconcile: backfill started")

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileOperationsTotal.WithLabelValues("backfill", "cancelled").Inc()
			return res, err
		}
		res.Examined++

		existing, err := r.ledger.GetBlock(ctx, entry.TargetID)
		if err != nil {
			return res, fmt.Errorf("failed to read ledger: %w", err)
		}
		if existing != nil {
			res.Skipped++
			continue
		}

		// A later unblock on the same domain supersedes the block.
		unblock, err := r.client.FetchAuditEntry(ctx, domainID, platform.AuditUnblock, entry.TargetID)
		if err == nil && unblock.CreatedAt.After(entry.CreatedAt) {
			res.Skipped++
			continue
		}

		decision := r.verifier.Check(federation.Observation{
			DomainID:     domainID,
			Kind:         platform.AuditBlock,
			TargetID:     entry.TargetID,
			Actor:        entry.Actor,
			ActorRoleIDs: r.actorRoles(ctx, domainID, entry.Actor.ID),
			Reason:       entry.Reason,
		})
		if !decision.Federate {
			res.Skipped++
			continue
		}

		if _, err := r.prop.PropagateBlock(ctx, domainID, entry.TargetID, "", entry.Actor.ID, entry.Reason, ""); err != nil {
			log.Error().Err(err).Str("identity", entry.TargetID).Msg("reconcile: backfill propagation failed")
			continue
		}
		res.Federated++

		if progress != nil && (i+1)%10 == 0 {
			progress(i+1, len(entries))
		}
	}

	metrics.ReconcileOperationsTotal.WithLabelValues("backfill", "completed").Inc()
	log.Info().
		Str("domain", domainID).
		Int("examined", res.Examined).
		Int("federated", res.Federated).
		Int("skipped", res.Skipped).
		Msg("reconcile: backfill finished")
	return res, nil
}

// actorRoles fetches the actor's current roles in the domain. A
// departed actor has no roles and therefore no standing authority.
func (r *Reconciler) actorRoles(ctx context.Context, domainID, actorID string) []string {
	m, err := r.client.FetchMember(ctx, domainID, actorID)
	if err != nil {
		return nil
	}
	return m.RoleIDs
}

func (r *Reconciler) applyWithRetry(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 10 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := r.client.ApplyBlock(ctx, domainID, identityID, reason, retainDays)
		switch {
		case err == nil, errors.Is(err, platform.ErrAlreadyExists):
			return struct{}{}, nil
		case platform.IsThrottle(err):
			return struct{}{}, &backoff.RetryAfterError{Duration: r.cooldown}
		case platform.IsTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(3))
	return err
}
