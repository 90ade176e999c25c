// Package scan runs full-member sweeps of a domain against the live
// screening rules. At most one scan runs per domain at a time, and a
// running scan can be stopped by the operator.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"fedwatch/internal/config"
	"fedwatch/internal/metrics"
	"fedwatch/internal/platform"
	"fedwatch/internal/screening"
)

// ErrScanActive means a scan is already running for the domain.
var ErrScanActive = errors.New("scan already active for domain")

// pageSize is the member page requested per ListMembers call.
const pageSize = 1000

// Progress reports movement during a long scan. Total is -1 because
// the member count is unknown until the last page.
type Progress func(checked int)

// Result summarizes one completed or stopped scan.
type Result struct {
	DomainID string              `json:"domain_id"`
	Checked  int                 `json:"checked"`
	Skipped  int                 `json:"skipped"`
	Flagged  []screening.Verdict `json:"flagged,omitempty"`
	Stopped  bool                `json:"stopped,omitempty"`
}

// Scanner owns the per-domain single-flight guard.
type Scanner struct {
	client platform.Client
	engine *screening.Engine
	cfg    *config.Service

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewScanner(client platform.Client, engine *screening.Engine, cfg *config.Service) *Scanner {
	return &Scanner{
		client: client,
		engine: engine,
		cfg:    cfg,
		active: make(map[string]context.CancelFunc),
	}
}

// Active returns the domains with a scan in flight.
func (s *Scanner) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// Stop cancels the running scan for a domain. Returns false when no
// scan was active.
func (s *Scanner) Stop(domainID string) bool {
	s.mu.Lock()
	cancel, ok := s.active[domainID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Run sweeps every member of the domain through identity and bio
// screening. Automated accounts and members holding an exempt role are
// skipped. Flagged members are collected, not acted on; acting is the
// caller's decision.
func (s *Scanner) Run(ctx context.Context, domainID string, progress Progress) (*Result, error) {
	if !s.cfg.IsMember(domainID) {
		return nil, fmt.Errorf("domain %s is not a federation member", domainID)
	}

	s.mu.Lock()
	if _, running := s.active[domainID]; running {
		s.mu.Unlock()
		return nil, ErrScanActive
	}
	ctx, cancel := context.WithCancel(ctx)
	s.active[domainID] = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.active, domainID)
		s.mu.Unlock()
	}()

	log.Info().Str("domain", domainID).Msg("scan: full member scan started")
	res := &Result{DomainID: domainID}

	cursor := ""
	for {
		members, next, err := s.client.ListMembers(ctx, domainID, cursor, pageSize)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				res.Stopped = true
				log.Info().Str("domain", domainID).Int("checked", res.Checked).Msg("scan: stopped by operator")
				return res, nil
			}
			return res, fmt.Errorf("failed to list members: %w", err)
		}

		for _, m := range members {
			if err := ctx.Err(); err != nil {
				res.Stopped = true
				log.Info().Str("domain", domainID).Int("checked", res.Checked).Msg("scan: stopped by operator")
				return res, nil
			}

			if m.Automated || s.cfg.IsExempt(domainID, m.RoleIDs) {
				res.Skipped++
				continue
			}

			res.Checked++
			metrics.ScanMembersChecked.Inc()

			if v := s.screenMember(domainID, m); v.Flagged() {
				res.Flagged = append(res.Flagged, *v)
			}

			if progress != nil && res.Checked%250 == 0 {
				progress(res.Checked)
			}
		}

		if next == "" {
			break
		}
		cursor = next
	}

	log.Info().
		Str("domain", domainID).
		Int("checked", res.Checked).
		Int("skipped", res.Skipped).
		Int("flagged", len(res.Flagged)).
		Msg("scan: full member scan finished")
	return res, nil
}

// screenMember checks display name, nick and bio. Identity rules see
// both name forms; the bio goes through content rules.
func (s *Scanner) screenMember(domainID string, m platform.Member) *screening.Verdict {
	metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindIdentity)).Inc()
	for _, name := range []string{m.DisplayName, m.Nick} {
		if name == "" {
			continue
		}
		if labels := s.engine.ScreenIdentity(domainID, name); len(labels) > 0 {
			metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindIdentity)).Inc()
			return &screening.Verdict{
				Kind:        screening.KindIdentity,
				DomainID:    domainID,
				IdentityID:  m.ID,
				DisplayName: m.DisplayName,
				Labels:      labels,
				Reason:      fmt.Sprintf("identity matched: %s", strings.Join(labels, ", ")),
			}
		}
	}

	if m.Bio != "" {
		metrics.ScreeningChecksTotal.WithLabelValues(string(screening.KindBio)).Inc()
		if labels := s.engine.ScreenContent(domainID, m.Bio); len(labels) > 0 {
			metrics.ScreeningHitsTotal.WithLabelValues(string(screening.KindBio)).Inc()
			return &screening.Verdict{
				Kind:        screening.KindBio,
				DomainID:    domainID,
				IdentityID:  m.ID,
				DisplayName: m.DisplayName,
				Labels:      labels,
				Reason:      fmt.Sprintf("bio matched: %s", strings.Join(labels, ", ")),
				Content:     m.Bio,
			}
		}
	}

	return &screening.Verdict{}
}
