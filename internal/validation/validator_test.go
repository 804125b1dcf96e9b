package validation

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/scanvault/backend/internal/db"
	apperrors "github.com/kimhsiao/scanvault/backend/internal/errors"
	"github.com/kimhsiao/scanvault/backend/internal/gateway"
	"github.com/kimhsiao/scanvault/backend/internal/models"
)

type fakeRemote struct {
	mu    sync.Mutex
	calls int
	resp  map[string]*gateway.ValidationResponse
	err   error
	delay time.Duration
}

func (f *fakeRemote) ValidateLicense(ctx context.Context, code string) (*gateway.ValidationResponse, error) {
	f.mu.Lock()
	f.calls++
	err, resp, delay := f.err, f.resp[code], f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &gateway.ValidationResponse{Valid: false, Reason: "not_found", Raw: []byte(`{"valid":false}`)}, nil
	}
	return resp, nil
}

func (f *fakeRemote) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingTrigger) EnqueueScanSync(id string) bool {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	return true
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	v       *Validator
	cache   *Cache
	remote  *fakeRemote
	repo    *db.Repository
	clock   *clock
	trigger *recordingTrigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	remote := &fakeRemote{resp: map[string]*gateway.ValidationResponse{
		"X":   {Valid: true, License: &gateway.LicenseInfo{ID: "L1", TemplateID: "t1", Status: "active"}, Raw: []byte(`{"valid":true}`)},
		"REV": {Valid: false, Reason: "revoked", License: &gateway.LicenseInfo{ID: "L2", TemplateID: "t2", Status: "revoked"}, Raw: []byte(`{"valid":false}`)},
		"EXP": {Valid: false, Reason: "expired", Raw: []byte(`{"valid":false}`)},
	}}
	clk := &clock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	cache := NewCache(repo)
	v := NewValidator(cache, remote, repo, Options{TTL: 24 * time.Hour, Timeout: 200 * time.Millisecond, Clock: clk.Now})
	trigger := &recordingTrigger{}
	v.SetSyncTrigger(trigger)

	return &fixture{v: v, cache: cache, remote: remote, repo: repo, clock: clk, trigger: trigger}
}

func (f *fixture) count(t *testing.T, code string) int {
	t.Helper()
	n, err := f.cache.Count(context.Background(), code)
	require.NoError(t, err)
	return n
}

func TestNormalizeScanCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  ABC-123 ", "ABC-123", false},
		{"", "", true},
		{"   ", "", true},
		{"bad\x00code", "", true},
		{"line\nbreak", "", true},
		{strings.Repeat("a", MaxScanCodeLength+1), "", true},
		{"\xff\xfe", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeScanCode(tt.in)
		if tt.wantErr {
			assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "input %q", tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidate_invalidInputDoesNoIO(t *testing.T) {
	f := newFixture(t)

	_, err := f.v.Validate(context.Background(), "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Equal(t, 0, f.remote.Calls())
	assert.Equal(t, 0, f.count(t, ""))
}

// Validate online, then again within the TTL with the network down.
func TestValidate_onlineThenCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.Equal(t, models.MethodOnline, out.Method)
	assert.False(t, out.CacheHit)
	assert.Equal(t, "t1", out.TemplateID)
	assert.Equal(t, 1, f.remote.Calls())
	assert.Equal(t, 1, f.count(t, "X"))

	lic, err := f.repo.GetLicenseByCode(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, "L1", lic.ID)

	f.remote.setErr(apperrors.New(apperrors.ErrNetwork, "offline"))
	f.clock.Advance(time.Hour)

	out, err = f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.True(t, out.CacheHit)
	assert.False(t, out.OfflineWarning)
	assert.Equal(t, 1, f.remote.Calls(), "cache hit must not touch the network")
	assert.Equal(t, 1, f.count(t, "X"), "cache hit must not write")

	assert.Equal(t, []string{"t1", "t1"}, f.trigger.ids)
}

// Validate online, then after the TTL with the network down.
func TestValidate_expiredRecordOfflineFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)

	f.remote.setErr(apperrors.New(apperrors.ErrNetworkTimeout, "timeout"))
	f.clock.Advance(25 * time.Hour)

	out, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.True(t, out.Valid)
	assert.True(t, out.OfflineWarning)
	assert.Equal(t, models.MethodOffline, out.Method)
	assert.Equal(t, 2, f.count(t, "X"))

	latest, err := f.cache.Latest(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, models.MethodOffline, latest.Method)

	// An offline record is never a cache hit; the next call asks again.
	out, err = f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.True(t, out.OfflineWarning)
	assert.Equal(t, 3, f.remote.Calls())
}

func TestValidate_timeoutFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	f.remote.mu.Lock()
	f.remote.delay = time.Second
	f.remote.mu.Unlock()

	start := time.Now()
	out, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.True(t, out.OfflineWarning)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "timeout should bound the call")
}

func TestValidate_notFoundOffline(t *testing.T) {
	f := newFixture(t)
	f.remote.setErr(apperrors.New(apperrors.ErrNetwork, "offline"))

	_, err := f.v.Validate(context.Background(), "NEVER-SEEN")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline))
	assert.Equal(t, 0, f.count(t, ""))
}

func TestValidate_backendRejectionIsNotOffline(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", apperrors.New(apperrors.ErrPermission, "GET /licenses/validate: HTTP 401")},
		{"bad request", apperrors.New(apperrors.ErrRemote, "GET /licenses/validate: HTTP 400")},
	}
	for _, tt := range tests {
		t.Run(tt.name+" unknown code", func(t *testing.T) {
			f := newFixture(t)
			f.remote.setErr(tt.err)

			out, err := f.v.Validate(context.Background(), "NEVER-SEEN")
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, apperrors.CodeOf(tt.err), apperrors.CodeOf(err))
			assert.Equal(t, 0, f.count(t, "NEVER-SEEN"))
		})

		t.Run(tt.name+" expired record", func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.v.Validate(ctx, "X")
			require.NoError(t, err)

			f.clock.Advance(25 * time.Hour)
			f.remote.setErr(tt.err)

			out, err := f.v.Validate(ctx, "X")
			require.Error(t, err)
			assert.Nil(t, out)
			assert.Equal(t, apperrors.CodeOf(tt.err), apperrors.CodeOf(err))
			assert.Equal(t, 1, f.count(t, "X"), "no offline record is written")
		})
	}
}

func TestValidate_noRemoteConfigured(t *testing.T) {
	f := newFixture(t)
	v := NewValidator(f.cache, nil, f.repo, Options{Clock: f.clock.Now})

	_, err := v.Validate(context.Background(), "X")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline))
}

func TestValidate_authoritativeNegatives(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.v.Validate(ctx, "REV")
	assert.True(t, apperrors.Is(err, apperrors.ErrRevoked))
	require.NotNil(t, out)
	assert.False(t, out.Valid)
	assert.Equal(t, 1, f.count(t, "REV"))

	lic, err := f.repo.GetLicenseByCode(ctx, "REV")
	require.NoError(t, err)
	assert.Equal(t, models.LicenseRevoked, lic.Status)

	_, err = f.v.Validate(ctx, "EXP")
	assert.True(t, apperrors.Is(err, apperrors.ErrExpired))

	out, err = f.v.Validate(ctx, "UNKNOWN")
	require.NoError(t, err)
	assert.False(t, out.Valid)
	assert.Equal(t, "not_found", out.Reason)

	// Cached negatives are reported the same way without a network call.
	calls := f.remote.Calls()
	_, err = f.v.Validate(ctx, "REV")
	assert.True(t, apperrors.Is(err, apperrors.ErrRevoked))
	assert.Equal(t, calls, f.remote.Calls())

	assert.Empty(t, f.trigger.ids, "invalid outcomes never trigger a sync")
}

func TestClearCacheAndPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.v.Validate(ctx, "X")
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.v.Validate(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 2, f.count(t, "X"))

	n, err := f.cache.Purge(ctx, f.clock.Now(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "superseded record is purged")

	n, err = f.v.ClearCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.remote.setErr(apperrors.New(apperrors.ErrNetwork, "offline"))
	_, err = f.v.Validate(ctx, "X")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFoundOffline))
}
