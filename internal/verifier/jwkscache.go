package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openbotauth/openbotauth/internal/jwkset"
	"github.com/openbotauth/openbotauth/internal/kv"
)

// cacheRecord is what JWKSCache persists per URL in the KV store.
type cacheRecord struct {
	Set       jwkset.Set `json:"set"`
	ETag      string     `json:"etag"`
	ExpiresAt time.Time  `json:"expires_at"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// JWKSCache fetches and caches JWKS documents by URL, honoring
// Cache-Control: max-age (clamped to MaxTTL), serving stale-while-
// revalidate entries during an async refresh, and collapsing concurrent
// fetches for the same URL into one request via singleflight, so at
// most one fetch per URL is in flight at any time.
type JWKSCache struct {
	store      kv.Store
	httpClient *http.Client
	group      singleflight.Group

	MaxTTL          time.Duration // clamp for Cache-Control: max-age
	MinTTL          time.Duration // floor even when max-age is absent/zero
	StaleWindow     time.Duration // serve-stale-while-revalidate budget
	GraceWindow     time.Duration // force a bypass refresh when the cached document is older than this
	FetchTimeout    time.Duration

	mu       sync.Mutex
	backoff  map[string]time.Time // URL -> earliest next attempt
	attempts map[string]int
}

// NewJWKSCache returns a cache backed by store, using httpClient (or
// http.DefaultClient if nil) to fetch documents.
func NewJWKSCache(store kv.Store, httpClient *http.Client) *JWKSCache {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &JWKSCache{
		store:        store,
		httpClient:   httpClient,
		MaxTTL:       time.Hour,
		MinTTL:       30 * time.Second,
		StaleWindow:  5 * time.Minute,
		GraceWindow:  10 * time.Minute,
		FetchTimeout: 5 * time.Second,
		backoff:      make(map[string]time.Time),
		attempts:     make(map[string]int),
	}
}

func cacheKey(url string) string { return "jwks:" + url }

// Get returns the cached JWKS for url, fetching (or refreshing) it when
// absent, expired, or bypassForce is set. On any fetch failure it
// returns DirectoryFetch-flavored error, never a stale partial document.
func (c *JWKSCache) Get(ctx context.Context, url string, bypassForce bool) (jwkset.Set, time.Time, error) {
	rec, found := c.load(ctx, url)

	if found && !bypassForce {
		if time.Now().Before(rec.ExpiresAt) {
			return rec.Set, rec.FetchedAt, nil
		}
		if time.Now().Before(rec.ExpiresAt.Add(c.StaleWindow)) {
			go c.refreshAsync(url)
			return rec.Set, rec.FetchedAt, nil
		}
	}

	if c.inBackoff(url) {
		if found {
			return rec.Set, rec.FetchedAt, nil
		}
		return jwkset.Set{}, time.Time{}, fmt.Errorf("%w: %s in backoff window", errDirectoryFetch, url)
	}

	fresh, err := c.fetchSingleflight(ctx, url, rec)
	if err != nil {
		if found {
			// A failed refresh returns the last known-good document
			// alongside the error; Verify treats any error here as
			// DirectoryFetch and does not use the document.
			return rec.Set, rec.FetchedAt, err
		}
		return jwkset.Set{}, time.Time{}, err
	}
	return fresh.Set, fresh.FetchedAt, nil
}

func (c *JWKSCache) load(ctx context.Context, url string) (cacheRecord, bool) {
	raw, ok, err := c.store.Get(ctx, cacheKey(url))
	if err != nil || !ok {
		return cacheRecord{}, false
	}
	var rec cacheRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return cacheRecord{}, false
	}
	return rec, true
}

func (c *JWKSCache) refreshAsync(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.FetchTimeout)
	defer cancel()
	_, _ = c.fetchSingleflight(ctx, url, cacheRecord{})
}

func (c *JWKSCache) fetchSingleflight(ctx context.Context, url string, prior cacheRecord) (cacheRecord, error) {
	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		rec, err := c.fetch(ctx, url, prior.ETag)
		if err != nil {
			c.recordFailure(url)
			RecordJWKSFetch(false)
			return cacheRecord{}, err
		}
		c.recordSuccess(url)
		RecordJWKSFetch(true)
		buf, mErr := json.Marshal(rec)
		if mErr == nil {
			ttl := time.Until(rec.ExpiresAt) + c.StaleWindow
			_ = c.store.Set(ctx, cacheKey(url), string(buf), ttl)
		}
		return rec, nil
	})
	if err != nil {
		return cacheRecord{}, err
	}
	return v.(cacheRecord), nil
}

// fetch performs one conditional GET against url.
func (c *JWKSCache) fetch(ctx context.Context, url, etag string) (cacheRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return cacheRecord{}, fmt.Errorf("%w: build request: %v", errDirectoryFetch, err)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return cacheRecord{}, fmt.Errorf("%w: %v", errDirectoryFetch, err)
	}
	defer resp.Body.Close()

	now := time.Now()
	if resp.StatusCode == http.StatusNotModified {
		ttl := c.clampTTL(parseMaxAge(resp.Header.Get("Cache-Control")))
		rec, found := c.load(ctx, url)
		if !found {
			return cacheRecord{}, fmt.Errorf("%w: 304 with no cached document for %s", errDirectoryFetch, url)
		}
		rec.ExpiresAt = now.Add(ttl)
		rec.FetchedAt = now
		return rec, nil
	}
	if resp.StatusCode != http.StatusOK {
		return cacheRecord{}, fmt.Errorf("%w: %s returned %d", errDirectoryFetch, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return cacheRecord{}, fmt.Errorf("%w: read body: %v", errDirectoryFetch, err)
	}
	var set jwkset.Set
	if err := json.Unmarshal(body, &set); err != nil {
		return cacheRecord{}, fmt.Errorf("%w: invalid jwks document: %v", errDirectoryFetch, err)
	}

	ttl := c.clampTTL(parseMaxAge(resp.Header.Get("Cache-Control")))
	return cacheRecord{
		Set:       set,
		ETag:      resp.Header.Get("ETag"),
		ExpiresAt: now.Add(ttl),
		FetchedAt: now,
	}, nil
}

func (c *JWKSCache) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.MinTTL
	}
	if ttl < c.MinTTL {
		ttl = c.MinTTL
	}
	if ttl > c.MaxTTL {
		ttl = c.MaxTTL
	}
	return ttl
}

func parseMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)
		if !strings.HasPrefix(directive, "max-age=") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
		if err != nil || n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	return 0
}

// inBackoff reports whether url is still inside its exponential backoff
// window from a previous failed fetch.
func (c *JWKSCache) inBackoff(url string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.backoff[url]
	return ok && time.Now().Before(until)
}

func (c *JWKSCache) recordFailure(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.attempts[url] + 1
	c.attempts[url] = n
	wait := time.Duration(1<<uint(min(n, 6))) * time.Second
	if wait > 2*time.Minute {
		wait = 2 * time.Minute
	}
	c.backoff[url] = time.Now().Add(wait)
}

func (c *JWKSCache) recordSuccess(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, url)
	delete(c.backoff, url)
}
