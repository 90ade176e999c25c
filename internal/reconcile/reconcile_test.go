package reconcile

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedwatch/internal/config"
	"fedwatch/internal/database/boltstore"
	"fedwatch/internal/federation"
	"fedwatch/internal/platform"
	"fedwatch/internal/platform/platformtest"
	"fedwatch/internal/stats"
)

const selfID = "system-bot"

func testConfig(t *testing.T) *config.Service {
	t.Helper()
	svc, err := config.NewStatic(config.Config{
		Domains: []config.Domain{
			{ID: "d1", Name: "Domain One"},
			{ID: "d2", Name: "Domain Two"},
			{ID: "d3", Name: "Domain Three"},
		},
		ModeratorRoles: map[string][]string{
			"d1": {"mod-role"},
		},
	})
	require.NoError(t, err)
	return svc
}

func newTestReconciler(t *testing.T, fake *platformtest.Fake) (*Reconciler, *boltstore.Store) {
	t.Helper()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := testConfig(t)
	prop := federation.NewPropagator(fake, store.LedgerStore(), cfg, stats.NewAggregator(store.StatsStore()))
	verifier := federation.NewVerifier(selfID, cfg)
	r := NewReconciler(fake, prop, verifier, cfg, store.SyncStore())
	r.cooldown = time.Millisecond
	return r, store
}

// statefulBlocks tracks blocks applied through the fake so FetchBlock
// reflects earlier ApplyBlock calls.
type statefulBlocks struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func newStatefulBlocks() *statefulBlocks {
	return &statefulBlocks{blocked: make(map[string]bool)}
}

func (s *statefulBlocks) apply(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[domainID+":"+identityID] = true
	return nil
}

func (s *statefulBlocks) fetch(ctx context.Context, domainID, identityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[domainID+":"+identityID], nil
}

func TestOnboardAppliesLedgerOnce(t *testing.T) {
	blocks := newStatefulBlocks()
	fake := &platformtest.Fake{
		ApplyBlockFunc: blocks.apply,
		FetchBlockFunc: blocks.fetch,
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	for _, id := range []string{"user-1", "user-2"} {
		require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
			IdentityID:       id,
			Reason:           "spam",
			OriginDomainName: "Domain Two",
		}))
	}

	res, err := r.OnboardDomain(ctx, "d1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Zero(t, res.Already)
	assert.Zero(t, res.Failed)

	// A completed run blocks re-runs.
	_, err = r.OnboardDomain(ctx, "d1", nil)
	assert.ErrorIs(t, err, ErrAlreadyOnboarded)

	// After a reset the run is idempotent: everything is already there.
	require.NoError(t, r.ResetOnboarding(ctx, "d1"))
	res, err = r.OnboardDomain(ctx, "d1", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Equal(t, 2, res.Already)
}

func TestOnboardUnknownDomain(t *testing.T) {
	r, _ := newTestReconciler(t, &platformtest.Fake{})
	_, err := r.OnboardDomain(context.Background(), "stranger", nil)
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestOnboardPartialFailureLeavesNotOnboarded(t *testing.T) {
	fake := &platformtest.Fake{
		ApplyBlockFunc: func(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
			if identityID == "user-2" {
				return platform.ErrForbidden
			}
			return nil
		},
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	for _, id := range []string{"user-1", "user-2"} {
		require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{IdentityID: id}))
	}

	res, err := r.OnboardDomain(ctx, "d1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 1, res.Failed)

	// The gap keeps the domain eligible for another run.
	done, err := store.SyncStore().IsOnboarded(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestOnboardCancellation(t *testing.T) {
	r, store := newTestReconciler(t, &platformtest.Fake{})
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, store.LedgerStore().PutBlock(context.Background(), federation.BlockRecord{IdentityID: "user-1"}))
	cancel()

	_, err := r.OnboardDomain(ctx, "d1", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackfillFiltersUnauthorizedAndSuperseded(t *testing.T) {
	now := time.Now().UTC()
	fake := &platformtest.Fake{
		ListAuditEntriesFunc: func(ctx context.Context, domainID string, kind platform.AuditKind, after time.Time) ([]platform.AuditEntry, error) {
			return []platform.AuditEntry{
				{Actor: platform.AuditActor{ID: "mod-user"}, TargetID: "banned-1", Reason: "spam", CreatedAt: now.Add(-2 * time.Hour)},
				{Actor: platform.AuditActor{ID: "random"}, TargetID: "banned-2", Reason: "spam", CreatedAt: now.Add(-2 * time.Hour)},
				{Actor: platform.AuditActor{ID: "mod-user"}, TargetID: "pardoned", Reason: "spam", CreatedAt: now.Add(-2 * time.Hour)},
				{Actor: platform.AuditActor{ID: "mod-user"}, TargetID: "ledgered", Reason: "spam", CreatedAt: now.Add(-2 * time.Hour)},
			}, nil
		},
		FetchAuditEntryFunc: func(ctx context.Context, domainID string, kind platform.AuditKind, targetID string) (*platform.AuditEntry, error) {
			if kind == platform.AuditUnblock && targetID == "pardoned" {
				return &platform.AuditEntry{TargetID: targetID, CreatedAt: now.Add(-time.Hour)}, nil
			}
			return nil, platform.ErrNotFound
		},
		FetchMemberFunc: func(ctx context.Context, domainID, identityID string) (*platform.Member, error) {
			if identityID == "mod-user" {
				return &platform.Member{ID: identityID, RoleIDs: []string{"mod-role"}}, nil
			}
			return &platform.Member{ID: identityID}, nil
		},
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{IdentityID: "ledgered"}))

	res, err := r.BackfillFromAudit(ctx, "d1", 24*time.Hour, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Examined)
	assert.Equal(t, 1, res.Federated)
	assert.Equal(t, 3, res.Skipped)

	rec, err := store.LedgerStore().GetBlock(ctx, "banned-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "d1", rec.OriginDomainID)

	rec, err = store.LedgerStore().GetBlock(ctx, "banned-2")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRepairOriginsRestoresMissingOriginBlock(t *testing.T) {
	var appliedReason string
	fake := &platformtest.Fake{
		ApplyBlockFunc: func(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
			appliedReason = reason
			return nil
		},
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
		IdentityID:     "user-1",
		OriginDomainID: "d1",
		Reason:         "raid account",
	}))

	res, err := r.RepairOrigins(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Repaired)
	assert.Zero(t, res.Unresolved)

	// The block is restored on the recorded origin only, with a marker
	// so its observation is suppressed as an echo.
	assert.Equal(t, 1, fake.CallsTo("ApplyBlock", "d1"))
	assert.Zero(t, fake.CallsTo("ApplyBlock", "d2"))
	assert.Zero(t, fake.CallsTo("ApplyBlock", "d3"))
	assert.True(t, strings.HasPrefix(appliedReason, federation.MarkerProactiveBlock))
	assert.Contains(t, appliedReason, "raid account")
}

func TestRepairOriginsLeavesIntactBlocksAlone(t *testing.T) {
	fake := &platformtest.Fake{
		FetchBlockFunc: func(ctx context.Context, domainID, identityID string) (bool, error) {
			return true, nil
		},
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
		IdentityID:     "user-1",
		OriginDomainID: "d1",
	}))

	res, err := r.RepairOrigins(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Zero(t, res.Repaired)
	assert.Zero(t, res.Unresolved)
	assert.Zero(t, fake.CallsTo("ApplyBlock", ""))
}

func TestRepairOriginsUnresolvable(t *testing.T) {
	fake := &platformtest.Fake{
		ApplyBlockFunc: func(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
			return platform.ErrForbidden
		},
	}
	r, store := newTestReconciler(t, fake)
	ctx := context.Background()

	// No origin attribution: nothing to check.
	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{IdentityID: "user-1"}))
	// Origin left the federation.
	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
		IdentityID:     "user-2",
		OriginDomainID: "departed",
	}))
	// Restore rejected permanently.
	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
		IdentityID:     "user-3",
		OriginDomainID: "d1",
	}))

	res, err := r.RepairOrigins(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Zero(t, res.Repaired)
	assert.Equal(t, 3, res.Unresolved)
	assert.Equal(t, 1, fake.CallsTo("ApplyBlock", "d1"))
}
