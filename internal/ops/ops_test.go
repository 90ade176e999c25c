package ops

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedwatch/internal/config"
	"fedwatch/internal/database/boltstore"
	"fedwatch/internal/federation"
	"fedwatch/internal/pending"
	"fedwatch/internal/platform/platformtest"
	"fedwatch/internal/reconcile"
	"fedwatch/internal/scan"
	"fedwatch/internal/screening"
	"fedwatch/internal/stats"
)

const selfID = "system-bot"

func newTestOps(t *testing.T, fake *platformtest.Fake) (*Ops, *boltstore.Store) {
	t.Helper()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := config.NewStatic(config.Config{
		Domains: []config.Domain{
			{ID: "d1", Name: "Domain One"},
			{ID: "d2", Name: "Domain Two"},
			{ID: "d3", Name: "Domain Three"},
		},
		NoticeChannels: map[string]string{"d1": "notices-1", "d2": "notices-2"},
	})
	require.NoError(t, err)

	engine, err := screening.NewEngine(context.Background(), store.RulesStore())
	require.NoError(t, err)

	agg := stats.NewAggregator(store.StatsStore())
	prop := federation.NewPropagator(fake, store.LedgerStore(), cfg, agg)
	verifier := federation.NewVerifier(selfID, cfg)
	scanner := scan.NewScanner(fake, engine, cfg)
	reconciler := reconcile.NewReconciler(fake, prop, verifier, cfg, store.SyncStore())
	sched := pending.NewScheduler(store.PendingStore(), func(ctx context.Context, a pending.Action) error { return nil }, nil)
	t.Cleanup(sched.Close)

	return New(fake, engine, scanner, reconciler, prop, sched, cfg, agg), store
}

func TestBlockMarksOriginAndPropagates(t *testing.T) {
	var originReason string
	fake := &platformtest.Fake{}
	fake.ApplyBlockFunc = func(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
		if domainID == "d1" {
			originReason = reason
		}
		return nil
	}
	o, store := newTestOps(t, fake)
	ctx := context.Background()

	outcome, err := o.Block(ctx, "d1", "user-1", "mod-1", "ban evasion")
	require.NoError(t, err)
	assert.True(t, outcome.LedgerUpdated)

	// The origin application is marked so the observation path
	// suppresses it as an echo instead of federating it twice.
	assert.True(t, strings.HasPrefix(originReason, federation.MarkerProactiveBlock))
	assert.Contains(t, originReason, "ban evasion")

	assert.Equal(t, 1, fake.CallsTo("ApplyBlock", "d1"))
	assert.Equal(t, 1, fake.CallsTo("ApplyBlock", "d2"))
	assert.Equal(t, 1, fake.CallsTo("ApplyBlock", "d3"))

	rec, err := store.LedgerStore().GetBlock(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mod-1", rec.InitiatingActorID)
	assert.Equal(t, "ban evasion", rec.Reason)
}

func TestBlockUnknownDomain(t *testing.T) {
	o, _ := newTestOps(t, &platformtest.Fake{})
	_, err := o.Block(context.Background(), "stranger", "user-1", "mod-1", "spam")
	assert.ErrorIs(t, err, reconcile.ErrNotMember)
}

func TestUnblockPropagatesThenLiftsOrigin(t *testing.T) {
	var originReason string
	fake := &platformtest.Fake{}
	fake.ApplyUnblockFunc = func(ctx context.Context, domainID, identityID, reason string) error {
		if domainID == "d1" {
			originReason = reason
		}
		return nil
	}
	o, store := newTestOps(t, fake)
	ctx := context.Background()

	require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{IdentityID: "user-1"}))

	outcome, err := o.Unblock(ctx, "d1", "user-1", "mod-1", "appeal accepted")
	require.NoError(t, err)
	assert.False(t, outcome.NotNeeded)

	assert.True(t, strings.HasPrefix(originReason, federation.MarkerFederatedUnblock))
	assert.Equal(t, 1, fake.CallsTo("ApplyUnblock", "d1"))
	assert.Equal(t, 1, fake.CallsTo("ApplyUnblock", "d2"))

	rec, err := store.LedgerStore().GetBlock(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUnblockAbsentIsNoop(t *testing.T) {
	fake := &platformtest.Fake{}
	o, _ := newTestOps(t, fake)

	outcome, err := o.Unblock(context.Background(), "d1", "nobody", "mod-1", "typo")
	require.NoError(t, err)
	assert.True(t, outcome.NotNeeded)
	assert.Zero(t, fake.CallsTo("ApplyUnblock", ""))
}

func TestLookupExactAndFragment(t *testing.T) {
	o, store := newTestOps(t, &platformtest.Fake{})
	ctx := context.Background()

	now := time.Now().UTC()
	records := []federation.BlockRecord{
		{IdentityID: "u1", DisplayNameAtBlock: "Späm Merchant", CreatedAt: now.Add(-time.Hour)},
		{IdentityID: "u2", DisplayNameAtBlock: "spam king", CreatedAt: now},
		{IdentityID: "u3", DisplayNameAtBlock: "Honest User", CreatedAt: now.Add(-2 * time.Hour)},
	}
	for _, rec := range records {
		require.NoError(t, store.LedgerStore().PutBlock(ctx, rec))
	}

	// An exact identity ID returns that record alone.
	res, err := o.Lookup(ctx, "u3", 1)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "u3", res.Records[0].IdentityID)

	// Fragments match the folded display name, newest first.
	res, err = o.Lookup(ctx, "SPAM", 1)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, "u2", res.Records[0].IdentityID)
	assert.Equal(t, "u1", res.Records[1].IdentityID)

	res, err = o.Lookup(ctx, "nothing matches this", 1)
	require.NoError(t, err)
	assert.Empty(t, res.Records)
	assert.Equal(t, 1, res.Pages)
}

func TestLookupPaging(t *testing.T) {
	o, store := newTestOps(t, &platformtest.Fake{})
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		require.NoError(t, store.LedgerStore().PutBlock(ctx, federation.BlockRecord{
			IdentityID:         fmt.Sprintf("u%02d", i),
			DisplayNameAtBlock: fmt.Sprintf("raider %02d", i),
			CreatedAt:          now.Add(-time.Duration(i) * time.Minute),
		}))
	}

	res, err := o.Lookup(ctx, "raider", 1)
	require.NoError(t, err)
	assert.Equal(t, 25, res.Total)
	assert.Equal(t, 3, res.Pages)
	require.Len(t, res.Records, 10)
	assert.Equal(t, "u00", res.Records[0].IdentityID)

	res, err = o.Lookup(ctx, "raider", 3)
	require.NoError(t, err)
	assert.Len(t, res.Records, 5)
	assert.Equal(t, "u24", res.Records[4].IdentityID)

	// Out-of-range pages clamp instead of erroring.
	res, err = o.Lookup(ctx, "raider", 99)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Page)
}

func TestBroadcast(t *testing.T) {
	fake := &platformtest.Fake{
		AnnounceFunc: func(ctx context.Context, domainID, channelID, message string) error {
			if domainID == "d2" {
				return errors.New("channel gone")
			}
			return nil
		},
	}
	o, _ := newTestOps(t, fake)

	sent, failed := o.Broadcast(context.Background(), "maintenance tonight")
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	// d3 has no notice channel and is skipped, not failed.
	assert.Zero(t, fake.CallsTo("Announce", "d3"))
}

func TestStatsReport(t *testing.T) {
	o, _ := newTestOps(t, &platformtest.Fake{})
	ctx := context.Background()

	_, err := o.Block(ctx, "d1", "user-1", "mod-1", "spam")
	require.NoError(t, err)

	snap, err := o.StatsReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Global.TotalFederatedActionsLifetime)
	assert.Equal(t, 1, snap.Domains["d1"].BlocksInitiatedLifetime)
	assert.Equal(t, 1, snap.Domains["d2"].BlocksReceivedLifetime)
}

func TestRuleManagementRoundTrip(t *testing.T) {
	o, _ := newTestOps(t, &platformtest.Fake{})
	ctx := context.Background()

	require.NoError(t, o.AddKeyword(ctx, screening.ScopeGlobal, "", screening.CategoryIdentitySubstring, "Scam"))
	require.NoError(t, o.AddRegex(ctx, screening.ScopeGlobal, "", `nitro\s+drop`))

	rules := o.ListRules()
	assert.Contains(t, rules.Global.IdentitySubstring, "scam")
	assert.Contains(t, rules.Global.RegexPatterns, `nitro\s+drop`)

	removed, err := o.RemoveRegex(ctx, screening.ScopeGlobal, "", 0)
	require.NoError(t, err)
	assert.Equal(t, `nitro\s+drop`, removed)

	require.NoError(t, o.RemoveKeyword(ctx, screening.ScopeGlobal, "", screening.CategoryIdentitySubstring, "scam"))
	rules = o.ListRules()
	assert.Empty(t, rules.Global.IdentitySubstring)
	assert.Empty(t, rules.Global.RegexPatterns)
}

func TestRefreshLoopPicksUpRuleChanges(t *testing.T) {
	o, store := newTestOps(t, &platformtest.Fake{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A rule written behind the engine's back, as another process or a
	// manual store edit would.
	rs, err := store.RulesStore().LoadRuleSet(ctx)
	require.NoError(t, err)
	rs.Global.IdentitySubstring = append(rs.Global.IdentitySubstring, "backdoor")
	require.NoError(t, store.RulesStore().SaveRuleSet(ctx, rs))

	assert.Empty(t, o.ListRules().Global.IdentitySubstring)

	done := make(chan struct{})
	go func() {
		defer close(done)
		o.RefreshLoop(ctx, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		for _, kw := range o.ListRules().Global.IdentitySubstring {
			if kw == "backdoor" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not stop on cancel")
	}
}

func TestCancelPending(t *testing.T) {
	o, _ := newTestOps(t, &platformtest.Fake{})
	ctx := context.Background()

	a, err := o.sched.Schedule(ctx, pending.Action{
		DomainID:   "d1",
		IdentityID: "user-1",
		FireAt:     time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	listed, err := o.PendingActions(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	cancelled, err := o.CancelPending(ctx, a.ID, "mod-1", "false positive")
	require.NoError(t, err)
	assert.Equal(t, pending.StateCancelled, cancelled.State)

	_, err = o.CancelPending(ctx, a.ID, "mod-1", "")
	assert.ErrorIs(t, err, pending.ErrNotPending)
}
