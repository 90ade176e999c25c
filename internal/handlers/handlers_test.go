package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedwatch/internal/config"
	"fedwatch/internal/database/boltstore"
	"fedwatch/internal/federation"
	"fedwatch/internal/flood"
	"fedwatch/internal/guard"
	"fedwatch/internal/ops"
	"fedwatch/internal/platform/platformtest"
	"fedwatch/internal/reconcile"
	"fedwatch/internal/scan"
	"fedwatch/internal/screening"
	"fedwatch/internal/stats"
)

const selfID = "system-bot"

// testContext bundles a handler with the fakes behind it.
type testContext struct {
	Handler *Handler
	Fake    *platformtest.Fake
	Store   *boltstore.Store
	Ops     *ops.Ops
}

// memHistory is an in-memory HistoryReader for handler tests.
type memHistory struct {
	entries []federation.HistoryEntry
}

func (m *memHistory) ListActions(ctx context.Context, limit int) ([]federation.HistoryEntry, error) {
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	return m.entries[:limit], nil
}

func (m *memHistory) ActionsFor(ctx context.Context, identityID string) ([]federation.HistoryEntry, error) {
	var out []federation.HistoryEntry
	for _, e := range m.entries {
		if e.IdentityID == identityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestContext(t *testing.T, fake *platformtest.Fake, history HistoryReader) *testContext {
	t.Helper()
	if fake == nil {
		fake = &platformtest.Fake{}
	}

	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := config.NewStatic(config.Config{
		Domains: []config.Domain{
			{ID: "d1", Name: "Domain One"},
			{ID: "d2", Name: "Domain Two"},
		},
		NoticeChannels: map[string]string{"d1": "notices-1"},
	})
	require.NoError(t, err)

	engine, err := screening.NewEngine(context.Background(), store.RulesStore())
	require.NoError(t, err)

	agg := stats.NewAggregator(store.StatsStore())
	prop := federation.NewPropagator(fake, store.LedgerStore(), cfg, agg)
	verifier := federation.NewVerifier(selfID, cfg)
	g := guard.New(selfID, fake, engine, flood.NewDetector(), prop, verifier, cfg, nil, store.PendingStore())
	t.Cleanup(g.Scheduler().Close)

	scanner := scan.NewScanner(fake, engine, cfg)
	reconciler := reconcile.NewReconciler(fake, prop, verifier, cfg, store.SyncStore())
	o := ops.New(fake, engine, scanner, reconciler, prop, g.Scheduler(), cfg, agg)

	return &testContext{
		Handler: NewHandler(o, g, history),
		Fake:    fake,
		Store:   store,
		Ops:     o,
	}
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func TestHandleBlockFederates(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/blocks", jsonBody(t, blockRequest{
		DomainID:   "d1",
		IdentityID: "user-1",
		ActorID:    "mod-1",
		Reason:     "ban evasion",
	}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleBlock(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var outcome federation.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.LedgerUpdated)
	assert.Equal(t, "user-1", outcome.IdentityID)

	assert.Equal(t, 1, tc.Fake.CallsTo("ApplyBlock", "d1"))
	assert.Equal(t, 1, tc.Fake.CallsTo("ApplyBlock", "d2"))
}

func TestHandleBlockRejectsBadBody(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/blocks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	tc.Handler.HandleBlock(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBlockUnknownDomain(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/blocks", jsonBody(t, blockRequest{
		DomainID:   "stranger",
		IdentityID: "user-1",
		ActorID:    "mod-1",
		Reason:     "spam",
	}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleBlock(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, tc.Fake.CallsTo("ApplyBlock", "d1"))
}

func TestHandleUnblockAbsentIdentity(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/unblocks", jsonBody(t, blockRequest{
		DomainID:   "d1",
		IdentityID: "nobody",
		ActorID:    "mod-1",
		Reason:     "typo",
	}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleUnblock(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var outcome federation.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.True(t, outcome.NotNeeded)
}

func TestHandleLookupRequiresQuery(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("GET", "/api/lookup", nil)
	rec := httptest.NewRecorder()
	tc.Handler.HandleLookup(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHistoryWithoutArchive(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("GET", "/api/history", nil)
	rec := httptest.NewRecorder()
	tc.Handler.HandleHistory(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleHistoryFiltersByIdentity(t *testing.T) {
	history := &memHistory{entries: []federation.HistoryEntry{
		{Kind: "block", IdentityID: "user-1", OriginDomainID: "d1"},
		{Kind: "unblock", IdentityID: "user-1", OriginDomainID: "d1"},
		{Kind: "block", IdentityID: "user-2", OriginDomainID: "d2"},
	}}
	tc := newTestContext(t, nil, history)

	req := httptest.NewRequest("GET", "/api/history?identity=user-1", nil)
	rec := httptest.NewRecorder()
	tc.Handler.HandleHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var entries []federation.HistoryEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "user-1", entries[0].IdentityID)

	req = httptest.NewRequest("GET", "/api/history?limit=1", nil)
	rec = httptest.NewRecorder()
	tc.Handler.HandleHistory(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)
}

func TestHandlePendingCancelUnknownID(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("DELETE", "/api/pending/missing", jsonBody(t, map[string]string{
		"actor_id": "mod-1",
	}))
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	tc.Handler.HandlePendingCancel(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleKeywordLifecycle(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/rules/keywords", jsonBody(t, keywordRequest{
		Scope:    string(screening.ScopeGlobal),
		Category: string(screening.CategoryIdentitySubstring),
		Keyword:  "Scam",
	}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleAddKeyword(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	rules := tc.Ops.ListRules()
	assert.Contains(t, rules.Global.IdentitySubstring, "scam")

	req = httptest.NewRequest("DELETE", "/api/rules/keywords", jsonBody(t, keywordRequest{
		Scope:    string(screening.ScopeGlobal),
		Category: string(screening.CategoryIdentitySubstring),
		Keyword:  "scam",
	}))
	rec = httptest.NewRecorder()
	tc.Handler.HandleRemoveKeyword(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	assert.Empty(t, tc.Ops.ListRules().Global.IdentitySubstring)
}

func TestHandleRemovePatternRejectsBadIndex(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("DELETE", "/api/rules/patterns/abc", nil)
	req.SetPathValue("index", "abc")
	rec := httptest.NewRecorder()
	tc.Handler.HandleRemovePattern(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleJoinEventAccepted(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/events/join", jsonBody(t, map[string]any{
		"domain_id": "d1",
		"member":    map[string]string{"id": "user-1", "display_name": "Friendly"},
	}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleJoinEvent(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleBackfillRejectsBadLookback(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/backfill/d1?lookback=soonish", nil)
	req.SetPathValue("domain", "d1")
	rec := httptest.NewRecorder()
	tc.Handler.HandleBackfill(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBroadcastRequiresMessage(t *testing.T) {
	tc := newTestContext(t, nil, nil)

	req := httptest.NewRequest("POST", "/api/broadcast", jsonBody(t, map[string]string{"message": ""}))
	rec := httptest.NewRecorder()
	tc.Handler.HandleBroadcast(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
