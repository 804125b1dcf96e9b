// Package gateway is the HTTP client for the remote ScanVault backend.
//
// Every call is bounded by the configured network timeout. Failures are
// classified into application error codes so callers can tell a
// connectivity problem (retry later, fall back to local data) from an
// authoritative answer.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
	"golang.org/x/oauth2"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/logging"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 30 * time.Second

// MaxContentBytes bounds a single downloaded asset.
const MaxContentBytes = 512 << 20

// Options configures the client.
type Options struct {
	BaseURL string
	// Timeout bounds each request including reading the body (default: 30s).
	Timeout time.Duration
	// APIToken is sent as a bearer token when TokenSource is nil.
	APIToken    string
	TokenSource oauth2.TokenSource
	// ProxyURL may be http(s):// or socks5://.
	ProxyURL string
	// HTTPClient replaces the generated client entirely.
	HTTPClient *http.Client
	UserAgent  string
}

// Client talks to the backend REST API.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger
}

// New creates a new backend client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrConfig, "gateway base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "parse gateway base URL", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "scanvault-core"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport, err := newTransport(opts.ProxyURL)
		if err != nil {
			return nil, err
		}
		var rt http.RoundTripper = transport
		ts := opts.TokenSource
		if ts == nil && opts.APIToken != "" {
			ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.APIToken, TokenType: "Bearer"})
		}
		if ts != nil {
			rt = &scopedAuth{
				scheme: base.Scheme,
				host:   base.Host,
				auth:   &oauth2.Transport{Source: ts, Base: transport},
				plain:  transport,
			}
		}
		httpClient = &http.Client{Transport: rt}
	}

	return &Client{
		baseURL:   base,
		http:      httpClient,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    logging.Component("gateway"),
	}, nil
}

func newTransport(proxyURL string) (*http.Transport, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL == "" {
		return transport, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "parse proxy URL", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			password, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "create SOCKS5 dialer", err)
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		return nil, apperrors.Newf(apperrors.ErrConfig, "unsupported proxy scheme %q", u.Scheme)
	}
	return transport, nil
}

// scopedAuth sends credentials only to the backend origin. Catalog file
// URLs may point at a CDN or a presigned object store URL, and redirects
// may leave the backend; those requests go out without a token.
type scopedAuth struct {
	scheme string
	host   string
	auth   http.RoundTripper
	plain  http.RoundTripper
}

func (s *scopedAuth) RoundTrip(req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.URL.Scheme, s.scheme) && strings.EqualFold(req.URL.Host, s.host) {
		return s.auth.RoundTrip(req)
	}
	return s.plain.RoundTrip(req)
}

// Timeout returns the per-request timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "parse URL", err)
	}
	return c.baseURL.ResolveReference(u).String(), nil
}

// do performs a request bounded by the client timeout and returns the body
// of a 2xx response.
func (c *Client) do(ctx context.Context, method, ref string, limit int64) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	target, err := c.resolve(ref)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json, */*")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classify(ctx, method+" "+ref, err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", ref).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("gateway request")

	if err := statusError(resp.StatusCode, method+" "+ref); err != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, err
	}
	if method == http.MethodHead {
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, resp.StatusCode, classify(ctx, "read "+ref, err)
	}
	if int64(len(body)) > limit {
		return nil, resp.StatusCode, apperrors.Newf(apperrors.ErrRemote, "%s: response exceeds %d bytes", ref, limit)
	}
	return body, resp.StatusCode, nil
}

// classify maps a transport failure to a network error code.
func classify(ctx context.Context, op string, err error) error {
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		return apperrors.Wrap(apperrors.ErrNetworkTimeout, op+" timed out", err)
	case stderrors.As(err, &netErr) && netErr.Timeout():
		return apperrors.Wrap(apperrors.ErrNetworkTimeout, op+" timed out", err)
	default:
		return apperrors.Wrap(apperrors.ErrNetwork, op+" failed", err)
	}
}

// statusError classifies a non-2xx status. Server-side unavailability is a
// network condition; client errors are authoritative.
func statusError(status int, op string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.Newf(apperrors.ErrPermission, "%s: HTTP %d", op, status)
	case status == http.StatusNotFound:
		return apperrors.Newf(apperrors.ErrNotFound, "%s: HTTP %d", op, status)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return apperrors.Newf(apperrors.ErrNetworkTimeout, "%s: HTTP %d", op, status)
	case status == http.StatusTooManyRequests || status >= 500:
		return apperrors.Newf(apperrors.ErrNetwork, "%s: HTTP %d", op, status)
	default:
		return apperrors.Newf(apperrors.ErrRemote, "%s: HTTP %d", op, status)
	}
}

// =====================================================
// License validation
// =====================================================

// LicenseInfo is the license object in a validation response.
type LicenseInfo struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	TemplateID string    `json:"templateId"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// ValidationResponse is the backend answer for one scan code.
type ValidationResponse struct {
	Valid   bool         `json:"valid"`
	License *LicenseInfo `json:"license,omitempty"`
	Reason  string       `json:"reason,omitempty"`

	// Raw is the undecoded response body.
	Raw json.RawMessage `json:"-"`
}

// ToModel converts the license info to its mirrored model.
func (l *LicenseInfo) ToModel(code string, now time.Time) *models.License {
	updated := l.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	if l.Code != "" {
		code = l.Code
	}
	return &models.License{
		ID:         l.ID,
		Code:       code,
		TemplateID: l.TemplateID,
		Status:     models.LicenseStatus(strings.ToLower(l.Status)),
		CreatedAt:  models.Millis(now),
		UpdatedAt:  models.Millis(updated),
	}
}

// ValidateLicense calls GET /licenses/validate?code=...
// A 404 is an authoritative "unknown code" answer.
func (c *Client) ValidateLicense(ctx context.Context, code string) (*ValidationResponse, error) {
	ref := "licenses/validate?" + url.Values{"code": {code}}.Encode()
	body, status, err := c.do(ctx, http.MethodGet, ref, 1<<20)
	if err != nil {
		if status == http.StatusNotFound {
			raw, _ := json.Marshal(map[string]interface{}{"valid": false, "reason": "not_found"})
			return &ValidationResponse{Valid: false, Reason: "not_found", Raw: raw}, nil
		}
		return nil, err
	}

	var resp ValidationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "decode validation response", err)
	}
	resp.Raw = json.RawMessage(body)
	resp.Reason = strings.ToLower(resp.Reason)
	if resp.License != nil && !resp.Valid && resp.Reason == "" {
		// Some deployments only report the status on the license object.
		switch s := strings.ToLower(resp.License.Status); s {
		case string(models.LicenseRevoked), string(models.LicenseExpired):
			resp.Reason = s
		}
	}
	return &resp, nil
}

// =====================================================
// Templates
// =====================================================

// Catalog calls GET /templates/catalog. Both a bare array and an object
// with a "templates" array are accepted.
func (c *Client) Catalog(ctx context.Context) ([]models.CatalogEntry, error) {
	body, _, err := c.do(ctx, http.MethodGet, "templates/catalog", 32<<20)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(body)
	var entries []models.CatalogEntry
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Templates []models.CatalogEntry `json:"templates"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrRemote, "decode catalog", err)
		}
		entries = wrapped.Templates
	} else if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "decode catalog", err)
	}

	for i, e := range entries {
		if e.ID == "" {
			return nil, apperrors.Newf(apperrors.ErrRemote, "catalog entry %d has no id", i)
		}
	}
	return entries, nil
}

// Content calls GET /templates/{id}/content.
func (c *Client) Content(ctx context.Context, templateID string) ([]byte, error) {
	return c.Fetch(ctx, path.Join("templates", url.PathEscape(templateID), "content"))
}

// Fetch downloads an absolute URL or a path relative to the base URL.
func (c *Client) Fetch(ctx context.Context, ref string) ([]byte, error) {
	body, _, err := c.do(ctx, http.MethodGet, ref, MaxContentBytes)
	return body, err
}

// Ping reports whether the backend is reachable. Any HTTP response counts;
// only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.do(ctx, http.MethodHead, "templates/catalog", 0)
	if err != nil && apperrors.IsNetwork(err) {
		return err
	}
	return nil
}

// String identifies the client in logs.
func (c *Client) String() string {
	return fmt.Sprintf("gateway(%s)", c.baseURL)
}
