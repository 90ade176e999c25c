// Package platformtest provides an in-memory platform.Client fake for
// tests. Every method is a function field; unset fields behave like a
// healthy platform with no state.
package platformtest

import (
	"context"
	"sync"
	"time"

	"fedwatch/internal/platform"
)

// Fake implements platform.Client. Set the function fields you care
// about; the rest succeed with zero values. Calls records every method
// invocation for assertions.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	FetchAuditEntryFunc  func(ctx context.Context, domainID string, kind platform.AuditKind, targetID string) (*platform.AuditEntry, error)
	ListAuditEntriesFunc func(ctx context.Context, domainID string, kind platform.AuditKind, after time.Time) ([]platform.AuditEntry, error)
	ApplyBlockFunc       func(ctx context.Context, domainID, identityID, reason string, retainDays int) error
	ApplyUnblockFunc     func(ctx context.Context, domainID, identityID, reason string) error
	FetchBlockFunc       func(ctx context.Context, domainID, identityID string) (bool, error)
	ApplyTimeoutFunc     func(ctx context.Context, domainID, identityID string, d time.Duration, reason string) error
	ClearTimeoutFunc     func(ctx context.Context, domainID, identityID, reason string) error
	GrantRoleFunc        func(ctx context.Context, domainID, identityID, roleID, reason string) error
	DeleteContentFunc    func(ctx context.Context, ref string) error
	FetchMemberFunc      func(ctx context.Context, domainID, identityID string) (*platform.Member, error)
	ListMembersFunc      func(ctx context.Context, domainID, cursor string, limit int) ([]platform.Member, string, error)
	AlertFunc            func(ctx context.Context, domainID, channelID string, v any) (string, error)
	FetchAlertFunc       func(ctx context.Context, domainID, channelID, alertRef string) (bool, error)
	AnnounceFunc         func(ctx context.Context, domainID, channelID, message string) error
}

// Call is one recorded method invocation.
type Call struct {
	Method   string
	DomainID string
	Target   string
}

func (f *Fake) record(method, domainID, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: method, DomainID: domainID, Target: target})
}

// Calls returns a copy of all recorded invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns how many times method was invoked, optionally
// filtered by domain.
func (f *Fake) CallsTo(method, domainID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && (domainID == "" || c.DomainID == domainID) {
			n++
		}
	}
	return n
}

func (f *Fake) FetchAuditEntry(ctx context.Context, domainID string, kind platform.AuditKind, targetID string) (*platform.AuditEntry, error) {
	f.record("FetchAuditEntry", domainID, targetID)
	if f.FetchAuditEntryFunc != nil {
		return f.FetchAuditEntryFunc(ctx, domainID, kind, targetID)
	}
	return nil, platform.ErrNotFound
}

func (f *Fake) ListAuditEntries(ctx context.Context, domainID string, kind platform.AuditKind, after time.Time) ([]platform.AuditEntry, error) {
	f.record("ListAuditEntries", domainID, "")
	if f.ListAuditEntriesFunc != nil {
		return f.ListAuditEntriesFunc(ctx, domainID, kind, after)
	}
	return nil, nil
}

func (f *Fake) ApplyBlock(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
	f.record("ApplyBlock", domainID, identityID)
	if f.ApplyBlockFunc != nil {
		return f.ApplyBlockFunc(ctx, domainID, identityID, reason, retainDays)
	}
	return nil
}

func (f *Fake) ApplyUnblock(ctx context.Context, domainID, identityID, reason string) error {
	f.record("ApplyUnblock", domainID, identityID)
	if f.ApplyUnblockFunc != nil {
		return f.ApplyUnblockFunc(ctx, domainID, identityID, reason)
	}
	return nil
}

func (f *Fake) FetchBlock(ctx context.Context, domainID, identityID string) (bool, error) {
	f.record("FetchBlock", domainID, identityID)
	if f.FetchBlockFunc != nil {
		return f.FetchBlockFunc(ctx, domainID, identityID)
	}
	return false, nil
}

func (f *Fake) ApplyTimeout(ctx context.Context, domainID, identityID string, d time.Duration, reason string) error {
	f.record("ApplyTimeout", domainID, identityID)
	if f.ApplyTimeoutFunc != nil {
		return f.ApplyTimeoutFunc(ctx, domainID, identityID, d, reason)
	}
	return nil
}

func (f *Fake) ClearTimeout(ctx context.Context, domainID, identityID, reason string) error {
	f.record("ClearTimeout", domainID, identityID)
	if f.ClearTimeoutFunc != nil {
		return f.ClearTimeoutFunc(ctx, domainID, identityID, reason)
	}
	return nil
}

func (f *Fake) GrantRole(ctx context.Context, domainID, identityID, roleID, reason string) error {
	f.record("GrantRole", domainID, identityID)
	if f.GrantRoleFunc != nil {
		return f.GrantRoleFunc(ctx, domainID, identityID, roleID, reason)
	}
	return nil
}

func (f *Fake) DeleteContent(ctx context.Context, ref string) error {
	f.record("DeleteContent", "", ref)
	if f.DeleteContentFunc != nil {
		return f.DeleteContentFunc(ctx, ref)
	}
	return nil
}

func (f *Fake) FetchMember(ctx context.Context, domainID, identityID string) (*platform.Member, error) {
	f.record("FetchMember", domainID, identityID)
	if f.FetchMemberFunc != nil {
		return f.FetchMemberFunc(ctx, domainID, identityID)
	}
	return &platform.Member{ID: identityID}, nil
}

func (f *Fake) ListMembers(ctx context.Context, domainID, cursor string, limit int) ([]platform.Member, string, error) {
	f.record("ListMembers", domainID, "")
	if f.ListMembersFunc != nil {
		return f.ListMembersFunc(ctx, domainID, cursor, limit)
	}
	return nil, "", nil
}

func (f *Fake) Alert(ctx context.Context, domainID, channelID string, v any) (string, error) {
	f.record("Alert", domainID, channelID)
	if f.AlertFunc != nil {
		return f.AlertFunc(ctx, domainID, channelID, v)
	}
	return "alert-1", nil
}

func (f *Fake) FetchAlert(ctx context.Context, domainID, channelID, alertRef string) (bool, error) {
	f.record("FetchAlert", domainID, alertRef)
	if f.FetchAlertFunc != nil {
		return f.FetchAlertFunc(ctx, domainID, channelID, alertRef)
	}
	return true, nil
}

func (f *Fake) Announce(ctx context.Context, domainID, channelID, message string) error {
	f.record("Announce", domainID, channelID)
	if f.AnnounceFunc != nil {
		return f.AnnounceFunc(ctx, domainID, channelID, message)
	}
	return nil
}
