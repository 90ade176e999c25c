package federation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"fedwatch/internal/config"
	"fedwatch/internal/metrics"
	"fedwatch/internal/platform"
	"fedwatch/internal/stats"
	"fedwatch/internal/tracing"
)

const (
	// defaultFanoutLimit bounds concurrent in-flight domain operations.
	// The platform applies global rate limits, so unbounded fan-out
	// punishes every domain at once.
	defaultFanoutLimit = 10

	// maxBlockAttempts bounds retries per domain.
	maxBlockAttempts = 3

	// throttleCooldown is the fixed wait after the non-member block
	// throttle, which clears on a much longer horizon than generic
	// rate limits.
	throttleCooldown = 30 * time.Second
)

// HistoryEntry is one archived federated action.
type HistoryEntry struct {
	Kind           string    `json:"kind"`
	IdentityID     string    `json:"identity_id"`
	OriginDomainID string    `json:"origin_domain_id"`
	ActorID        string    `json:"actor_id"`
	Reason         string    `json:"reason"`
	Applied        int       `json:"applied"`
	Already        int       `json:"already"`
	Failed         int       `json:"failed"`
	CreatedAt      time.Time `json:"created_at"`
}

// History archives completed propagations for later audit queries.
type History interface {
	RecordAction(ctx context.Context, e HistoryEntry) error
}

// Propagator applies authorized decisions to the ledger and converges
// them across all member domains.
type Propagator struct {
	client  platform.Client
	ledger  LedgerStore
	cfg     *config.Service
	agg     *stats.Aggregator
	history History

	fanoutLimit int64
	cooldown    time.Duration
}

// Option tweaks propagator behavior, mainly for tests.
type Option func(*Propagator)

// WithFanoutLimit overrides the concurrency bound.
func WithFanoutLimit(n int64) Option {
	return func(p *Propagator) { p.fanoutLimit = n }
}

// WithThrottleCooldown overrides the non-member throttle wait.
func WithThrottleCooldown(d time.Duration) Option {
	return func(p *Propagator) { p.cooldown = d }
}

// WithHistory archives every completed propagation.
func WithHistory(h History) Option {
	return func(p *Propagator) { p.history = h }
}

func NewPropagator(client platform.Client, ledger LedgerStore, cfg *config.Service, agg *stats.Aggregator, opts ...Option) *Propagator {
	p := &Propagator{
		client:      client,
		ledger:      ledger,
		cfg:         cfg,
		agg:         agg,
		fanoutLimit: defaultFanoutLimit,
		cooldown:    throttleCooldown,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Ledger exposes read access to the block ledger. All other components
// reach the ledger through the propagator.
func (p *Propagator) Ledger() LedgerStore {
	return p.ledger
}

// IsBlocked reports whether the identity is on the ledger.
func (p *Propagator) IsBlocked(ctx context.Context, identityID string) (bool, error) {
	rec, err := p.ledger.GetBlock(ctx, identityID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// PropagateBlock records the block in the ledger, then applies it to
// every member domain except the origin, concurrently and bounded.
// The ledger write happens before any fan-out call. A record that is
// already present keeps its original reason and timestamp; the call
// still fans out because some domains may not have applied it yet.
func (p *Propagator) PropagateBlock(ctx context.Context, originDomainID, identityID, displayName, actorID, reason, bio string) (*Outcome, error) {
	ctx, span := tracing.PropagationSpan(ctx, "block", originDomainID, identityID)
	defer span.End()
	start := time.Now()
	metrics.PropagationsTotal.WithLabelValues("block").Inc()

	outcome := &Outcome{IdentityID: identityID}

	existing, err := p.ledger.GetBlock(ctx, identityID)
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if existing == nil {
		rec := BlockRecord{
			IdentityID:         identityID,
			DisplayNameAtBlock: displayName,
			Reason:             reason,
			OriginDomainID:     originDomainID,
			OriginDomainName:   p.cfg.DomainName(originDomainID),
			InitiatingActorID:  actorID,
			CreatedAt:          time.Now().UTC(),
			BioSnapshot:        bio,
		}
		if err := p.ledger.PutBlock(ctx, rec); err != nil {
			tracing.EndWithError(span, err)
			return nil, fmt.Errorf("failed to write ledger: %w", err)
		}
		outcome.LedgerUpdated = true
		log.Info().
			Str("identity", identityID).
			Str("origin", originDomainID).
			Msg("federation: identity added to block ledger")
	} else {
		log.Info().
			Str("identity", identityID).
			Msg("federation: identity already on ledger, fan-out only")
	}

	fedReason := fmt.Sprintf("%s from %s. Reason: %s", MarkerFederatedBlock, p.cfg.DomainName(originDomainID), reason)
	if len(fedReason) > 512 {
		fedReason = fedReason[:512]
	}

	delta := stats.NewDelta(time.Now())
	outcome.Domains = p.fanout(ctx, originDomainID, func(ctx context.Context, domainID string) (DomainResult, error) {
		return p.blockOnDomain(ctx, domainID, identityID, fedReason)
	})

	for _, d := range outcome.Domains {
		metrics.PropagationDomainOutcomes.WithLabelValues("block", string(d.Result)).Inc()
		if d.Result == ResultApplied {
			delta.BlockReceived(d.DomainID)
		}
	}
	if outcome.LedgerUpdated {
		delta.BlockInitiated(originDomainID)
	}
	// One save cycle after all fan-out completes; per-domain updates
	// would serialize the whole fan-out on the stats lock.
	if err := p.agg.Apply(ctx, delta); err != nil {
		log.Error().Err(err).Str("identity", identityID).Msg("federation: failed to persist stats delta")
	}
	if n, err := p.ledger.CountBlocks(ctx); err == nil {
		metrics.LedgerSize.Set(float64(n))
	}

	metrics.PropagationDuration.WithLabelValues("block").Observe(time.Since(start).Seconds())
	p.archive(ctx, "block", originDomainID, identityID, actorID, reason, outcome)
	applied, already, failed := outcome.Counts()
	log.Info().
		Str("identity", identityID).
		Int("applied", applied).
		Int("already", already).
		Int("failed", failed).
		Msg("federation: block propagation complete")
	return outcome, nil
}

// PropagateUnblock removes the ledger record and lifts the block on
// every member domain except the origin. An identity that is not on
// the ledger is a no-op reported as NotNeeded, with stats untouched.
func (p *Propagator) PropagateUnblock(ctx context.Context, originDomainID, identityID, actorID, reason string) (*Outcome, error) {
	ctx, span := tracing.PropagationSpan(ctx, "unblock", originDomainID, identityID)
	defer span.End()
	start := time.Now()
	metrics.PropagationsTotal.WithLabelValues("unblock").Inc()

	outcome := &Outcome{IdentityID: identityID}

	existing, err := p.ledger.GetBlock(ctx, identityID)
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if existing == nil {
		log.Warn().Str("identity", identityID).Msg("federation: unblock requested for identity not on ledger")
		outcome.NotNeeded = true
		return outcome, nil
	}

	if err := p.ledger.DeleteBlock(ctx, identityID); err != nil {
		tracing.EndWithError(span, err)
		return nil, fmt.Errorf("failed to remove ledger record: %w", err)
	}
	outcome.LedgerUpdated = true

	fedReason := fmt.Sprintf("%s from %s. Reason: %s", MarkerFederatedUnblock, p.cfg.DomainName(originDomainID), reason)
	if len(fedReason) > 512 {
		fedReason = fedReason[:512]
	}

	delta := stats.NewDelta(time.Now())
	outcome.Domains = p.fanout(ctx, originDomainID, func(ctx context.Context, domainID string) (DomainResult, error) {
		return p.unblockOnDomain(ctx, domainID, identityID, fedReason)
	})

	for _, d := range outcome.Domains {
		metrics.PropagationDomainOutcomes.WithLabelValues("unblock", string(d.Result)).Inc()
		if d.Result == ResultApplied {
			delta.UnblockReceived(d.DomainID)
		}
	}
	delta.UnblockInitiated(originDomainID)
	if err := p.agg.Apply(ctx, delta); err != nil {
		log.Error().Err(err).Str("identity", identityID).Msg("federation: failed to persist stats delta")
	}
	if n, err := p.ledger.CountBlocks(ctx); err == nil {
		metrics.LedgerSize.Set(float64(n))
	}

	metrics.PropagationDuration.WithLabelValues("unblock").Observe(time.Since(start).Seconds())
	p.archive(ctx, "unblock", originDomainID, identityID, actorID, reason, outcome)
	applied, already, failed := outcome.Counts()
	log.Info().
		Str("identity", identityID).
		Int("applied", applied).
		Int("already", already).
		Int("failed", failed).
		Msg("federation: unblock propagation complete")
	return outcome, nil
}

// archive records the completed propagation when a history store is
// configured. Archive failures never fail the propagation.
func (p *Propagator) archive(ctx context.Context, kind, originDomainID, identityID, actorID, reason string, outcome *Outcome) {
	if p.history == nil {
		return
	}
	applied, already, failed := outcome.Counts()
	err := p.history.RecordAction(ctx, HistoryEntry{
		Kind:           kind,
		IdentityID:     identityID,
		OriginDomainID: originDomainID,
		ActorID:        actorID,
		Reason:         reason,
		Applied:        applied,
		Already:        already,
		Failed:         failed,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		log.Warn().Err(err).Str("identity", identityID).Msg("federation: failed to archive action")
	}
}

// fanout runs op against every member domain except the origin, with
// at most fanoutLimit in flight. A failed domain never aborts the
// batch; it is recorded and left for reconciliation.
func (p *Propagator) fanout(ctx context.Context, originDomainID string, op func(context.Context, string) (DomainResult, error)) []DomainOutcome {
	sem := semaphore.NewWeighted(p.fanoutLimit)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes []DomainOutcome
	)

	for _, d := range p.cfg.Domains() {
		if d.ID == originDomainID {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			outcomes = append(outcomes, DomainOutcome{DomainID: d.ID, Result: ResultFailed, Err: err.Error()})
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(domainID string) {
			defer wg.Done()
			defer sem.Release(1)

			result, err := op(ctx, domainID)
			do := DomainOutcome{DomainID: domainID, Result: result}
			if err != nil {
				do.Err = err.Error()
				log.Error().Err(err).Str("domain", domainID).Msg("federation: fan-out to domain failed")
			}
			mu.Lock()
			outcomes = append(outcomes, do)
			mu.Unlock()
		}(d.ID)
	}
	wg.Wait()
	return outcomes
}

// blockOnDomain checks then applies the block on one domain, retrying
// transient failures with exponential backoff and the non-member
// throttle with a long fixed cooldown. Permission errors fail fast.
func (p *Propagator) blockOnDomain(ctx context.Context, domainID, identityID, reason string) (DomainResult, error) {
	ctx, span := tracing.DomainSpan(ctx, "block", domainID)
	defer span.End()

	blocked, err := p.client.FetchBlock(ctx, domainID, identityID)
	if err != nil && !platform.IsBenign(err) {
		tracing.EndWithError(span, err)
		return ResultFailed, fmt.Errorf("failed to check block status: %w", err)
	}
	if blocked {
		return ResultAlready, nil
	}

	retainDays := p.cfg.RetainDaysFor(domainID)
	already := false

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 10 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := p.client.ApplyBlock(ctx, domainID, identityID, reason, retainDays)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, platform.ErrAlreadyExists):
			already = true
			return struct{}{}, nil
		case platform.IsThrottle(err):
			log.Warn().
				Str("domain", domainID).
				Dur("cooldown", p.cooldown).
				Msg("federation: non-member block throttle, backing off")
			return struct{}{}, &backoff.RetryAfterError{Duration: p.cooldown}
		case platform.IsTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(maxBlockAttempts))
	if err != nil {
		tracing.EndWithError(span, err)
		return ResultFailed, err
	}
	if already {
		return ResultAlready, nil
	}
	return ResultApplied, nil
}

// unblockOnDomain lifts the block on one domain. Unblocks are not
// subject to the non-member throttle, so only transient errors are
// retried.
func (p *Propagator) unblockOnDomain(ctx context.Context, domainID, identityID, reason string) (DomainResult, error) {
	ctx, span := tracing.DomainSpan(ctx, "unblock", domainID)
	defer span.End()

	blocked, err := p.client.FetchBlock(ctx, domainID, identityID)
	if err != nil && !platform.IsBenign(err) {
		tracing.EndWithError(span, err)
		return ResultFailed, fmt.Errorf("failed to check block status: %w", err)
	}
	if !blocked {
		return ResultAlready, nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 10 * time.Second

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		err := p.client.ApplyUnblock(ctx, domainID, identityID, reason)
		switch {
		case err == nil:
			return struct{}{}, nil
		case platform.IsBenign(err):
			return struct{}{}, nil
		case platform.IsTransient(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(maxBlockAttempts))
	if err != nil {
		tracing.EndWithError(span, err)
		return ResultFailed, err
	}
	return ResultApplied, nil
}
