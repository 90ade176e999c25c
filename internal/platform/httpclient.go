package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-querystring/query"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPClient talks to a platform gateway bridge over JSON/HTTP. The
// bridge owns the real platform session; this client only maps the
// Client contract onto its REST surface and translates status codes
// into the error taxonomy.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a gateway client. An empty timeout defaults to
// 30 seconds.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// encodeQuery renders a tagged struct as a URL query string.
func encodeQuery(v any) string {
	vals, err := query.Values(v)
	if err != nil {
		return ""
	}
	return vals.Encode()
}

// statusError translates a gateway status code into a sentinel error.
// The gateway signals the non-member throttle with a dedicated 429
// code header.
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyExists
	case resp.StatusCode == http.StatusTooManyRequests:
		if resp.Header.Get("X-Throttle-Scope") == "non-member-block" {
			return ErrNonMemberThrottle
		}
		return ErrRateLimited
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	default:
		return fmt.Errorf("platform: unexpected status %d", resp.StatusCode)
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServer, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) FetchAuditEntry(ctx context.Context, domainID string, kind AuditKind, targetID string) (*AuditEntry, error) {
	var entry AuditEntry
	path := fmt.Sprintf("/domains/%s/audit/%s/%s", url.PathEscape(domainID), url.PathEscape(string(kind)), url.PathEscape(targetID))
	if err := c.do(ctx, http.MethodGet, path, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *HTTPClient) ListAuditEntries(ctx context.Context, domainID string, kind AuditKind, after time.Time) ([]AuditEntry, error) {
	var entries []AuditEntry
	q := encodeQuery(struct {
		After string `url:"after"`
	}{After: after.UTC().Format(time.RFC3339)})
	path := fmt.Sprintf("/domains/%s/audit/%s?%s",
		url.PathEscape(domainID), url.PathEscape(string(kind)), q)
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *HTTPClient) ApplyBlock(ctx context.Context, domainID, identityID, reason string, retainDays int) error {
	path := fmt.Sprintf("/domains/%s/blocks", url.PathEscape(domainID))
	return c.do(ctx, http.MethodPost, path, map[string]any{
		"identity_id": identityID,
		"reason":      reason,
		"retain_days": retainDays,
	}, nil)
}

func (c *HTTPClient) ApplyUnblock(ctx context.Context, domainID, identityID, reason string) error {
	q := encodeQuery(struct {
		Reason string `url:"reason"`
	}{Reason: reason})
	path := fmt.Sprintf("/domains/%s/blocks/%s?%s",
		url.PathEscape(domainID), url.PathEscape(identityID), q)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) FetchBlock(ctx context.Context, domainID, identityID string) (bool, error) {
	path := fmt.Sprintf("/domains/%s/blocks/%s", url.PathEscape(domainID), url.PathEscape(identityID))
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	if IsBenign(err) {
		return false, nil
	}
	return false, err
}

func (c *HTTPClient) ApplyTimeout(ctx context.Context, domainID, identityID string, d time.Duration, reason string) error {
	path := fmt.Sprintf("/domains/%s/timeouts", url.PathEscape(domainID))
	return c.do(ctx, http.MethodPost, path, map[string]any{
		"identity_id": identityID,
		"seconds":     int(d.Seconds()),
		"reason":      reason,
	}, nil)
}

func (c *HTTPClient) ClearTimeout(ctx context.Context, domainID, identityID, reason string) error {
	q := encodeQuery(struct {
		Reason string `url:"reason"`
	}{Reason: reason})
	path := fmt.Sprintf("/domains/%s/timeouts/%s?%s",
		url.PathEscape(domainID), url.PathEscape(identityID), q)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) GrantRole(ctx context.Context, domainID, identityID, roleID, reason string) error {
	path := fmt.Sprintf("/domains/%s/members/%s/roles", url.PathEscape(domainID), url.PathEscape(identityID))
	return c.do(ctx, http.MethodPost, path, map[string]string{
		"role_id": roleID,
		"reason":  reason,
	}, nil)
}

func (c *HTTPClient) DeleteContent(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, "/content/"+url.PathEscape(ref), nil, nil)
}

func (c *HTTPClient) FetchMember(ctx context.Context, domainID, identityID string) (*Member, error) {
	var m Member
	path := fmt.Sprintf("/domains/%s/members/%s", url.PathEscape(domainID), url.PathEscape(identityID))
	if err := c.do(ctx, http.MethodGet, path, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *HTTPClient) ListMembers(ctx context.Context, domainID, cursor string, limit int) ([]Member, string, error) {
	var page struct {
		Members []Member `json:"members"`
		Cursor  string   `json:"cursor"`
	}
	q := encodeQuery(struct {
		Cursor string `url:"cursor,omitempty"`
		Limit  int    `url:"limit"`
	}{Cursor: cursor, Limit: limit})
	path := fmt.Sprintf("/domains/%s/members?%s", url.PathEscape(domainID), q)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, "", err
	}
	return page.Members, page.Cursor, nil
}

func (c *HTTPClient) Alert(ctx context.Context, domainID, channelID string, v any) (string, error) {
	var out struct {
		Ref string `json:"ref"`
	}
	path := fmt.Sprintf("/domains/%s/channels/%s/alerts", url.PathEscape(domainID), url.PathEscape(channelID))
	if err := c.do(ctx, http.MethodPost, path, v, &out); err != nil {
		return "", err
	}
	return out.Ref, nil
}

func (c *HTTPClient) FetchAlert(ctx context.Context, domainID, channelID, alertRef string) (bool, error) {
	path := fmt.Sprintf("/domains/%s/channels/%s/alerts/%s",
		url.PathEscape(domainID), url.PathEscape(channelID), url.PathEscape(alertRef))
	err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err == nil {
		return true, nil
	}
	if IsBenign(err) {
		return false, nil
	}
	return false, err
}

func (c *HTTPClient) Announce(ctx context.Context, domainID, channelID, message string) error {
	path := fmt.Sprintf("/domains/%s/channels/%s/messages", url.PathEscape(domainID), url.PathEscape(channelID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"content": message}, nil)
}
