package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

func newTestClient(t *testing.T, h http.Handler, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(Options{BaseURL: srv.URL + "/api", APIToken: "tok", Timeout: timeout})
	require.NoError(t, err)
	return c
}

func TestNew_requiresBaseURL(t *testing.T) {
	_, err := New(Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = New(Options{BaseURL: "http://x", ProxyURL: "ftp://proxy"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfig))

	_, err = New(Options{BaseURL: "http://x", ProxyURL: "socks5://user:pw@127.0.0.1:1080"})
	assert.NoError(t, err)
}

func TestValidateLicense(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/licenses/validate", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("code") {
		case "GOOD 1":
			w.Write([]byte(`{"valid":true,"license":{"id":"L1","templateId":"t1","status":"active"}}`))
		case "REVOKED":
			w.Write([]byte(`{"valid":false,"license":{"id":"L2","templateId":"t1","status":"revoked"}}`))
		case "EXPIRED":
			w.Write([]byte(`{"valid":false,"reason":"EXPIRED"}`))
		default:
			http.NotFound(w, r)
		}
	})
	c := newTestClient(t, mux, time.Second)
	ctx := context.Background()

	resp, err := c.ValidateLicense(ctx, "GOOD 1")
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.License)
	assert.Equal(t, "t1", resp.License.TemplateID)
	assert.NotEmpty(t, resp.Raw)

	lic := resp.License.ToModel("GOOD 1", time.Now())
	assert.Equal(t, models.LicenseActive, lic.Status)
	assert.Equal(t, "GOOD 1", lic.Code)

	resp, err = c.ValidateLicense(ctx, "REVOKED")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "revoked", resp.Reason)

	resp, err = c.ValidateLicense(ctx, "EXPIRED")
	require.NoError(t, err)
	assert.Equal(t, "expired", resp.Reason)

	resp, err = c.ValidateLicense(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "not_found", resp.Reason)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   apperrors.ErrorCode
	}{
		{"unauthorized", http.StatusUnauthorized, apperrors.ErrPermission},
		{"server error", http.StatusServiceUnavailable, apperrors.ErrNetwork},
		{"rate limited", http.StatusTooManyRequests, apperrors.ErrNetwork},
		{"gateway timeout", http.StatusGatewayTimeout, apperrors.ErrNetworkTimeout},
		{"bad request", http.StatusBadRequest, apperrors.ErrRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}), time.Second)
			_, err := c.Catalog(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}), 50*time.Millisecond)

	_, err := c.ValidateLicense(context.Background(), "SLOW")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetworkTimeout), "got %v", err)
}

func TestConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Catalog(context.Background())
	assert.True(t, apperrors.IsNetwork(err), "got %v", err)
	assert.Error(t, c.Ping(context.Background()))
}

func TestCatalog(t *testing.T) {
	body := `[{"id":"t1","name":"One","version":"1","updatedAt":"2024-01-01T00:00:00Z","fileUrl":"/files/t1","fileSize":3,"contentHash":"abc"}]`
	mux := http.NewServeMux()
	mux.HandleFunc("/api/templates/catalog", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(body))
	})
	c := newTestClient(t, mux, time.Second)

	entries, err := c.Catalog(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].ID)
	assert.Equal(t, int64(3), entries[0].FileSize)

	assert.NoError(t, c.Ping(context.Background()))
}

func TestCatalog_wrappedAndInvalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
		code    apperrors.ErrorCode
	}{
		{"wrapped", `{"templates":[{"id":"a"},{"id":"b"}]}`, 2, ""},
		{"missing id", `[{"name":"no id"}]`, 0, apperrors.ErrRemote},
		{"not json", `not json`, 0, apperrors.ErrRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.payload))
			}), time.Second)

			entries, err := c.Catalog(context.Background())
			if tt.code != "" {
				assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, entries, tt.want)
		})
	}
}

func TestContentAndFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/templates/t1/content", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("asset-bytes"))
	})
	mux.HandleFunc("/files/t1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("file-bytes"))
	})
	c := newTestClient(t, mux, time.Second)
	ctx := context.Background()

	data, err := c.Content(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "asset-bytes", string(data))

	data, err = c.Fetch(ctx, "/files/t1")
	require.NoError(t, err)
	assert.Equal(t, "file-bytes", string(data))

	_, err = c.Content(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestFetch_tokenStaysOnBackendOrigin(t *testing.T) {
	var backendAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/templates/t1/content", func(w http.ResponseWriter, r *http.Request) {
		backendAuth = r.Header.Get("Authorization")
		w.Write([]byte("asset-bytes"))
	})

	var cdnAuth []string
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdnAuth = append(cdnAuth, r.Header.Get("Authorization"))
		if r.URL.Path == "/moved" {
			w.Write([]byte("moved-bytes"))
			return
		}
		w.Write([]byte("cdn-bytes"))
	}))
	t.Cleanup(cdn.Close)
	mux.HandleFunc("/api/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, cdn.URL+"/moved", http.StatusFound)
	})

	c := newTestClient(t, mux, time.Second)
	ctx := context.Background()

	_, err := c.Content(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", backendAuth)

	data, err := c.Fetch(ctx, cdn.URL+"/bucket/t1.pdf?X-Amz-Signature=abc")
	require.NoError(t, err)
	assert.Equal(t, "cdn-bytes", string(data))

	data, err = c.Fetch(ctx, "redirect")
	require.NoError(t, err)
	assert.Equal(t, "moved-bytes", string(data))

	require.Len(t, cdnAuth, 2)
	for _, got := range cdnAuth {
		assert.Empty(t, got, "foreign host must not receive the API token")
	}
}
