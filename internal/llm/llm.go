// Package llm defines the optional second-opinion provider consulted
// on flagged content. The federation works fully without one; absence
// or failure degrades to manual-alert handling.
package llm

import (
	"context"
	"errors"
)

// ErrDisabled is returned by the disabled provider. Callers treat it
// as "no opinion", never as a failure worth alerting on.
var ErrDisabled = errors.New("llm: provider disabled")

// Verdict is the provider's classification of flagged content.
type Verdict string

const (
	VerdictMalicious  Verdict = "malicious"
	VerdictSuspicious Verdict = "suspicious"
	VerdictSafe       Verdict = "safe"
)

// Request carries the flagged content plus the context the provider
// needs to judge it.
type Request struct {
	DomainID    string
	IdentityID  string
	DisplayName string
	Content     string
	// Labels are the rule labels that flagged the content.
	Labels []string
}

// Result is the provider's judgement.
type Result struct {
	Verdict   Verdict
	Rationale string
}

// Provider classifies flagged content. Implementations must be safe
// for concurrent use and honor ctx cancellation.
type Provider interface {
	Classify(ctx context.Context, req Request) (*Result, error)
}

// Disabled is the no-op provider used when no backend is configured.
type Disabled struct{}

func (Disabled) Classify(ctx context.Context, req Request) (*Result, error) {
	return nil, ErrDisabled
}
