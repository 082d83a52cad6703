package tokenstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oiat.dev/common"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qbo_tokens.sqlite")
	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestStore_FilePermissions tests that the database file is owner-only
func TestStore_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qbo_tokens.sqlite")
	s, err := Open(path, Options{})
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// TestStore_LoadMissing tests the missing-record sentinel
func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.Load("demo_cafe", "12345")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissing)
}

// TestStore_SaveLoad tests the upsert round trip
func TestStore_SaveLoad(t *testing.T) {
	s := newTestStore(t, Options{})
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, s.Save(Record{
		Tenant:       "demo_cafe",
		Realm:        "12345",
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		AccessExpiry: expiry,
		Environment:  "sandbox",
	}))

	rec, err := s.Load("demo_cafe", "12345")
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "sandbox", rec.Environment)
	assert.True(t, expiry.Equal(rec.AccessExpiry.UTC()))

	// Upsert replaces, never duplicates
	require.NoError(t, s.Save(Record{
		Tenant:       "demo_cafe",
		Realm:        "12345",
		AccessToken:  "at-2",
		RefreshToken: "rt-2",
		AccessExpiry: expiry,
	}))
	rec, err = s.Load("demo_cafe", "12345")
	require.NoError(t, err)
	assert.Equal(t, "at-2", rec.AccessToken)
}

// TestStore_LoadBatch tests partial batch results
func TestStore_LoadBatch(t *testing.T) {
	s := newTestStore(t, Options{})
	expiry := time.Now().Add(time.Hour)

	require.NoError(t, s.Save(Record{Tenant: "demo_cafe", Realm: "1", AccessToken: "a", RefreshToken: "r", AccessExpiry: expiry}))
	require.NoError(t, s.Save(Record{Tenant: "demo_bar", Realm: "2", AccessToken: "b", RefreshToken: "r", AccessExpiry: expiry}))

	got, err := s.LoadBatch([]Key{
		{Tenant: "demo_cafe", Realm: "1"},
		{Tenant: "demo_bar", Realm: "2"},
		{Tenant: "missing", Realm: "3"},
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[Key{Tenant: "demo_cafe", Realm: "1"}].AccessToken)
	_, ok := got[Key{Tenant: "missing", Realm: "3"}]
	assert.False(t, ok)
}

// TestRecord_Valid tests the expiry margin
func TestRecord_Valid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		expiry time.Time
		valid  bool
	}{
		{"WellBeforeExpiry", now.Add(time.Hour), true},
		{"InsideMargin", now.Add(30 * time.Second), false},
		{"ExactlyAtMargin", now.Add(ExpiryMargin), false},
		{"AlreadyExpired", now.Add(-time.Minute), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Record{AccessExpiry: tt.expiry}
			assert.Equal(t, tt.valid, rec.Valid(now))
		})
	}
}

func tokenEndpoint(t *testing.T, calls *atomic.Int32, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		user, _, ok := r.BasicAuth()
		assert.True(t, ok, "client credentials go in the Authorization header")
		assert.Equal(t, "client-id", user)

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":               "fresh-access",
			"refresh_token":              "fresh-refresh",
			"token_type":                 "bearer",
			"expires_in":                 3600,
			"x_refresh_token_expires_in": 8726400,
		})
	}))
}

// TestStore_Refresh tests a successful refresh grant and rotation
func TestStore_Refresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, http.StatusOK)
	defer srv.Close()

	s := newTestStore(t, Options{
		TokenURL:     srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, s.Save(Record{
		Tenant:       "demo_cafe",
		Realm:        "12345",
		AccessToken:  "stale",
		RefreshToken: "rt-old",
		AccessExpiry: time.Now().Add(-time.Minute),
	}))

	rec, err := s.Refresh(context.Background(), "demo_cafe", "12345")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", rec.AccessToken)
	assert.Equal(t, "fresh-refresh", rec.RefreshToken, "rotated refresh token kept")
	require.NotNil(t, rec.RefreshExpiry)
	assert.True(t, rec.RefreshExpiry.After(time.Now().Add(100*24*time.Hour)))

	// The refreshed token is persisted, not just returned
	stored, err := s.Load("demo_cafe", "12345")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", stored.AccessToken)
	assert.Equal(t, int32(1), calls.Load())
}

// TestStore_RefreshCoalesced tests that concurrent refreshes for the same
// key share a single network exchange
func TestStore_RefreshCoalesced(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, http.StatusOK)
	defer srv.Close()

	s := newTestStore(t, Options{
		TokenURL:     srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, s.Save(Record{
		Tenant:       "demo_cafe",
		Realm:        "12345",
		AccessToken:  "stale",
		RefreshToken: "rt-old",
		AccessExpiry: time.Now().Add(-time.Minute),
	}))

	const workers = 8
	results := make([]Record, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Refresh(context.Background(), "demo_cafe", "12345")
			assert.NoError(t, err)
			results[i] = rec
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent refreshes must coalesce")
	for _, rec := range results {
		assert.Equal(t, "fresh-access", rec.AccessToken)
	}
}

// TestStore_RefreshRejected tests that endpoint rejections are terminal
func TestStore_RefreshRejected(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, http.StatusBadRequest)
	defer srv.Close()

	s := newTestStore(t, Options{
		TokenURL:     srv.URL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		HTTPClient:   srv.Client(),
	})
	require.NoError(t, s.Save(Record{
		Tenant:       "demo_cafe",
		Realm:        "12345",
		AccessToken:  "stale",
		RefreshToken: "rt-revoked",
		AccessExpiry: time.Now().Add(-time.Minute),
	}))

	_, err := s.Refresh(context.Background(), "demo_cafe", "12345")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Equal(t, common.KindTokenRefresh, common.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "rejections are not retried")

	// The stale record survives a failed refresh
	rec, lerr := s.Load("demo_cafe", "12345")
	require.NoError(t, lerr)
	assert.Equal(t, "stale", rec.AccessToken)
}

// TestStore_RefreshExpiredRefreshToken tests the local expiry guard
func TestStore_RefreshExpiredRefreshToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenEndpoint(t, &calls, http.StatusOK)
	defer srv.Close()

	s := newTestStore(t, Options{
		TokenURL:   srv.URL,
		ClientID:   "client-id",
		HTTPClient: srv.Client(),
	})
	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.Save(Record{
		Tenant:        "demo_cafe",
		Realm:         "12345",
		AccessToken:   "stale",
		RefreshToken:  "rt-expired",
		AccessExpiry:  past,
		RefreshExpiry: &past,
	}))

	_, err := s.Refresh(context.Background(), "demo_cafe", "12345")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefreshFailed)
	assert.Zero(t, calls.Load(), "no network call for a locally expired refresh token")
}

// TestStore_StoreFromOAuth tests the bootstrap path
func TestStore_StoreFromOAuth(t *testing.T) {
	fixed := time.Date(2025, 12, 27, 10, 0, 0, 0, time.UTC)
	s := newTestStore(t, Options{Now: func() time.Time { return fixed }})

	require.NoError(t, s.StoreFromOAuth("demo_cafe", "12345", "boot-access", "boot-refresh", 3600, "production"))

	rec, err := s.Load("demo_cafe", "12345")
	require.NoError(t, err)
	assert.Equal(t, "boot-access", rec.AccessToken)
	assert.Equal(t, "production", rec.Environment)
	assert.True(t, fixed.Add(time.Hour).Equal(rec.AccessExpiry.UTC()))
}
