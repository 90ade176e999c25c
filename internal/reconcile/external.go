package reconcile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"fedwatch/internal/federation"
	"fedwatch/internal/metrics"
)

// ExternalEntry is one profile from an external ban list feed.
type ExternalEntry struct {
	IdentityID  string
	DisplayName string
	Bio         string
}

// ExternalList fetches ban entries from an outside source.
type ExternalList interface {
	Fetch(ctx context.Context) ([]ExternalEntry, error)
}

// ExternalOriginName is recorded as the origin of imported entries,
// which never belong to a member domain.
const ExternalOriginName = "External Import"

const externalImportReason = "Added via automated external list sync"

// HTTPExternalList reads JSON-lines ban feeds over HTTP. Each line is
// one profile of the form {"user": {"id": ..., "username": ...,
// "bio": ...}}; malformed lines are skipped, not fatal.
type HTTPExternalList struct {
	urls  []string
	token string
	http  *http.Client
}

func NewHTTPExternalList(urls []string, token string) *HTTPExternalList {
	return &HTTPExternalList{
		urls:  urls,
		token: token,
		http: &http.Client{
			Timeout:   time.Minute,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (l *HTTPExternalList) Fetch(ctx context.Context) ([]ExternalEntry, error) {
	var out []ExternalEntry
	for _, u := range l.urls {
		entries, err := l.fetchOne(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch external list %s: %w", u, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (l *HTTPExternalList) fetchOne(ctx context.Context, rawURL string) ([]ExternalEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out []ExternalEntry
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var profile struct {
			User struct {
				ID       any    `json:"id"`
				Username string `json:"username"`
				Bio      string `json:"bio"`
			} `json:"user"`
		}
		if err := json.Unmarshal(line, &profile); err != nil {
			log.Warn().Str("url", rawURL).Msg("reconcile: skipping invalid external list line")
			continue
		}
		id := identityString(profile.User.ID)
		if id == "" {
			continue
		}
		out = append(out, ExternalEntry{
			IdentityID:  id,
			DisplayName: profile.User.Username,
			Bio:         profile.User.Bio,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return out, nil
}

// identityString normalizes the feed's id field, which some sources
// emit as a JSON number and others as a string.
func identityString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return ""
	}
}

// ExternalSyncResult summarizes one external list import.
type ExternalSyncResult struct {
	Scanned int `json:"scanned"`
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// SyncExternal imports an external ban list into the ledger. Entries
// already on the ledger are skipped, as are duplicates within one run.
// Imports are not fanned out: member domains converge through join
// screening and onboarding, where every ledger record applies.
func (r *Reconciler) SyncExternal(ctx context.Context, list ExternalList) (*ExternalSyncResult, error) {
	entries, err := list.Fetch(ctx)
	if err != nil {
		metrics.ReconcileOperationsTotal.WithLabelValues("external_sync", "failed").Inc()
		return nil, err
	}

	res := &ExternalSyncResult{}
	seen := make(map[string]struct{}, len(entries))
	now := time.Now().UTC()
	log.Info().Int("entries", len(entries)).Msg("reconcile: external ban list sync started")

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			metrics.ReconcileOperationsTotal.WithLabelValues("external_sync", "cancelled").Inc()
			return res, err
		}
		res.Scanned++

		if _, dup := seen[e.IdentityID]; dup {
			res.Skipped++
			continue
		}
		seen[e.IdentityID] = struct{}{}

		existing, err := r.ledger.GetBlock(ctx, e.IdentityID)
		if err != nil {
			return res, fmt.Errorf("failed to read ledger: %w", err)
		}
		if existing != nil {
			res.Skipped++
			continue
		}

		rec := federation.BlockRecord{
			IdentityID:         e.IdentityID,
			DisplayNameAtBlock: e.DisplayName,
			Reason:             externalImportReason,
			OriginDomainName:   ExternalOriginName,
			InitiatingActorID:  r.cfg.OwnerID(),
			CreatedAt:          now,
			BioSnapshot:        e.Bio,
		}
		if err := r.ledger.PutBlock(ctx, rec); err != nil {
			return res, fmt.Errorf("failed to insert ledger record: %w", err)
		}
		res.Added++
	}

	metrics.ReconcileOperationsTotal.WithLabelValues("external_sync", "completed").Inc()
	log.Info().
		Int("scanned", res.Scanned).
		Int("added", res.Added).
		Int("skipped", res.Skipped).
		Msg("reconcile: external ban list sync finished")
	return res, nil
}
