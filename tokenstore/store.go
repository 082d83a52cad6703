// Package tokenstore persists per-(tenant, realm) OAuth2 tokens for the
// remote accounting service and performs the refresh-token grant when a
// token nears expiry.
//
// Tokens live in a single sqlite file (conventionally qbo_tokens.sqlite)
// restricted to owner read/write. Sidecar journal files (-wal, -shm,
// -journal) are part of the store and must be excluded from any sync or
// backup that could leak credentials.
//
// Refreshes for the same key are coalesced: concurrent callers share one
// network exchange and observe the same resulting token.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"oiat.dev/common"
)

// ExpiryMargin is subtracted from the access expiry when judging validity:
// a token is valid only while now + ExpiryMargin < access_expiry.
const ExpiryMargin = 60 * time.Second

// ErrMissing is returned when no token record exists for a key.
var ErrMissing = errors.New("token record missing")

// ErrRefreshFailed is returned when the remote endpoint rejects the
// refresh grant or the refresh token itself is expired. The operator must
// re-run the OAuth bootstrap to recover.
var ErrRefreshFailed = errors.New("token refresh failed")

// Key identifies one token record.
type Key struct {
	Tenant string
	Realm  string
}

func (k Key) String() string {
	return k.Tenant + "|" + k.Realm
}

// Record is one persisted token set.
type Record struct {
	Tenant        string     `gorm:"primaryKey;size:64"`
	Realm         string     `gorm:"primaryKey;size:32"`
	AccessToken   string     `gorm:"not null"`
	RefreshToken  string     `gorm:"not null"`
	AccessExpiry  time.Time  `gorm:"not null"`
	RefreshExpiry *time.Time ``
	Environment   string     `gorm:"size:16;default:production"`
	UpdatedAt     time.Time  ``
}

// TableName implements gorm's table naming.
func (Record) TableName() string {
	return "tokens"
}

// Valid reports whether the record's access token is usable at now.
func (r Record) Valid(now time.Time) bool {
	return now.Add(ExpiryMargin).Before(r.AccessExpiry)
}

// Options configures a Store.
type Options struct {
	// TokenURL is the OAuth2 token endpoint for the refresh grant
	TokenURL string
	// ClientID and ClientSecret authenticate the refresh grant
	// (HTTP Basic, per the provider's contract)
	ClientID     string
	ClientSecret string
	// HTTPClient overrides the client used for the grant (tests)
	HTTPClient *http.Client
	// Now overrides the clock (tests)
	Now func() time.Time
}

// Store is the token store. All writes are single transactions; refreshes
// per key are serialized through a singleflight group.
type Store struct {
	db    *gorm.DB
	path  string
	opts  Options
	group singleflight.Group
	now   func() time.Time
}

// migrated guards DDL so repeated Opens within one process skip it.
var migrated sync.Map // path -> struct{}

// Open opens (creating if needed) the token store at path and restricts
// the file to owner read/write.
func Open(path string, opts Options) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open token store %s: %w", path, err)
	}

	if _, done := migrated.Load(path); !done {
		if err := db.AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("migrate token store: %w", err)
		}
		migrated.Store(path, struct{}{})
	}

	if err := os.Chmod(path, 0o600); err != nil {
		return nil, fmt.Errorf("restrict token store permissions: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, path: path, opts: opts, now: now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns the token record for (tenant, realm), or ErrMissing.
func (s *Store) Load(tenant, realm string) (Record, error) {
	var rec Record
	err := s.db.Where("tenant = ? AND realm = ?", tenant, realm).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%s/%s: %w", tenant, realm, ErrMissing)
	}
	if err != nil {
		return Record{}, fmt.Errorf("load token %s/%s: %w", tenant, realm, err)
	}
	return rec, nil
}

// LoadBatch returns the records present for the given keys. Missing keys
// are simply absent from the result map.
func (s *Store) LoadBatch(keys []Key) (map[Key]Record, error) {
	if len(keys) == 0 {
		return map[Key]Record{}, nil
	}

	tenants := make([]string, 0, len(keys))
	for _, k := range keys {
		tenants = append(tenants, k.Tenant)
	}

	var rows []Record
	if err := s.db.Where("tenant IN ?", tenants).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("batch load tokens: %w", err)
	}

	wanted := make(map[Key]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	out := make(map[Key]Record)
	for _, rec := range rows {
		k := Key{Tenant: rec.Tenant, Realm: rec.Realm}
		if wanted[k] {
			out[k] = rec
		}
	}
	return out, nil
}

// Save upserts a record in one transaction.
func (s *Store) Save(rec Record) error {
	rec.UpdatedAt = s.now()
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant"}, {Name: "realm"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("save token %s/%s: %w", rec.Tenant, rec.Realm, err)
	}
	return nil
}

// StoreFromOAuth persists a token set obtained from the operator's OAuth
// bootstrap flow.
func (s *Store) StoreFromOAuth(tenant, realm, access, refresh string, expiresIn int64, environment string) error {
	now := s.now()
	rec := Record{
		Tenant:       tenant,
		Realm:        realm,
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExpiry: now.Add(time.Duration(expiresIn) * time.Second),
		Environment:  environment,
	}
	return s.Save(rec)
}

// Refresh performs the OAuth2 refresh-token grant for (tenant, realm) and
// persists the result atomically. Concurrent calls for the same key
// coalesce into a single network exchange.
//
// Non-success responses from the endpoint yield ErrRefreshFailed without
// retry; transient network failures are retried up to three times with
// exponential backoff (base 500 ms, factor 2, jitter ±20%).
func (s *Store) Refresh(ctx context.Context, tenant, realm string) (Record, error) {
	key := Key{Tenant: tenant, Realm: realm}

	v, err, _ := s.group.Do(key.String(), func() (interface{}, error) {
		return s.refreshLocked(ctx, tenant, realm)
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

func (s *Store) refreshLocked(ctx context.Context, tenant, realm string) (Record, error) {
	rec, err := s.Load(tenant, realm)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	if rec.RefreshExpiry != nil && !now.Before(*rec.RefreshExpiry) {
		return Record{}, common.WithKind(common.KindTokenRefresh,
			fmt.Errorf("%s/%s: refresh token expired %s: %w",
				tenant, realm, rec.RefreshExpiry.Format(time.RFC3339), ErrRefreshFailed))
	}

	conf := &oauth2.Config{
		ClientID:     s.opts.ClientID,
		ClientSecret: s.opts.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  s.opts.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
	if s.opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.opts.HTTPClient)
	}

	var tok *oauth2.Token
	operation := func() error {
		var terr error
		tok, terr = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
		if terr == nil {
			return nil
		}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(terr, &retrieveErr) {
			// The endpoint answered; retrying will not change its mind
			return backoff.Permanent(terr)
		}
		return terr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return Record{}, common.WithKind(common.KindTokenRefresh,
				fmt.Errorf("%s/%s: endpoint returned %d: %w",
					tenant, realm, retrieveErr.Response.StatusCode, ErrRefreshFailed))
		}
		return Record{}, common.WithKind(common.KindRemoteNetwork,
			fmt.Errorf("%s/%s: refresh grant: %w", tenant, realm, err))
	}

	rec.AccessToken = tok.AccessToken
	rec.AccessExpiry = tok.Expiry
	if tok.RefreshToken != "" {
		// The provider rotates refresh tokens; always keep the newest
		rec.RefreshToken = tok.RefreshToken
	}
	if v, ok := tok.Extra("x_refresh_token_expires_in").(float64); ok && v > 0 {
		expiry := s.now().Add(time.Duration(v) * time.Second)
		rec.RefreshExpiry = &expiry
	}

	if err := s.Save(rec); err != nil {
		return Record{}, err
	}

	common.Logger.WithFields(map[string]interface{}{
		"tenant":        tenant,
		"realm":         realm,
		"access_expiry": rec.AccessExpiry.Format(time.RFC3339),
		"access_token":  common.MaskSecret(rec.AccessToken),
	}).Info("Token refreshed")

	return rec, nil
}
