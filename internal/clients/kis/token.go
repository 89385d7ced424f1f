package kis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	tokenTimeout      = 5 * time.Second
	tokenSafetyMargin = 5 * time.Minute
)

// cachedToken is the on-disk token cache shape.
type cachedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

func (t cachedToken) validAt(now time.Time) bool {
	return t.Token != "" && now.Before(t.Expiry.Add(-tokenSafetyMargin))
}

// tokenManager owns the OAuth access token: memory cache, disk cache,
// and a singleflight refresh so concurrent callers never race the
// token endpoint.
type tokenManager struct {
	http      *resty.Client
	limiter   *rate.Limiter
	tokenPath string
	appKey    string
	appSecret string
	cachePath string
	log       zerolog.Logger

	mu    sync.RWMutex
	token cachedToken
	group singleflight.Group
	nowFn func() time.Time
}

func newTokenManager(http *resty.Client, limiter *rate.Limiter, tokenPath, appKey, appSecret, cachePath string, log zerolog.Logger) *tokenManager {
	return &tokenManager{
		http:      http,
		limiter:   limiter,
		tokenPath: tokenPath,
		appKey:    appKey,
		appSecret: appSecret,
		cachePath: cachePath,
		log:       log.With().Str("component", "kis_token").Logger(),
		nowFn:     time.Now,
	}
}

// AccessToken returns a valid token, refreshing when the cached one is
// within the safety margin of its expiry.
func (tm *tokenManager) AccessToken(ctx context.Context) (string, error) {
	tm.mu.RLock()
	token := tm.token
	tm.mu.RUnlock()
	if token.validAt(tm.nowFn()) {
		return token.Token, nil
	}

	v, err, _ := tm.group.Do("token", func() (interface{}, error) {
		return tm.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the memory and disk caches. Called on HTTP 401.
func (tm *tokenManager) Invalidate() {
	tm.mu.Lock()
	tm.token = cachedToken{}
	tm.mu.Unlock()
	if tm.cachePath != "" {
		_ = os.Remove(tm.cachePath)
	}
	tm.log.Warn().Msg("Access token invalidated")
}

func (tm *tokenManager) refresh(ctx context.Context) (string, error) {
	now := tm.nowFn()

	// Another flight may have refreshed while we waited on the group.
	tm.mu.RLock()
	token := tm.token
	tm.mu.RUnlock()
	if token.validAt(now) {
		return token.Token, nil
	}

	// A token from a previous process is still good until its expiry.
	if disk, ok := tm.loadDisk(); ok && disk.validAt(now) {
		tm.mu.Lock()
		tm.token = disk
		tm.mu.Unlock()
		tm.log.Debug().Time("expiry", disk.Expiry).Msg("Adopted access token from disk cache")
		return disk.Token, nil
	}

	fresh, err := tm.fetch(ctx)
	if err != nil {
		return "", err
	}

	tm.mu.Lock()
	tm.token = fresh
	tm.mu.Unlock()
	tm.saveDisk(fresh)

	tm.log.Info().Time("expiry", fresh.Expiry).Msg("Access token issued")
	return fresh.Token, nil
}

func (tm *tokenManager) fetch(ctx context.Context) (cachedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, tokenTimeout)
	defer cancel()

	if err := tm.limiter.Wait(ctx); err != nil {
		return cachedToken{}, err
	}

	var out tokenResponse
	resp, err := tm.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     tm.appKey,
			"appsecret":  tm.appSecret,
		}).
		SetResult(&out).
		Post(tm.tokenPath)
	if err != nil {
		return cachedToken{}, fmt.Errorf("token request failed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || out.AccessToken == "" {
		if out.ErrorCode != "" {
			return cachedToken{}, fmt.Errorf("token rejected: %s %s", out.ErrorCode, out.ErrorDescription)
		}
		return cachedToken{}, fmt.Errorf("token rejected: status %d: %s", resp.StatusCode(), resp.String())
	}

	expiresIn := out.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 86400
	}
	return cachedToken{
		Token:  out.AccessToken,
		Expiry: tm.nowFn().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

func (tm *tokenManager) loadDisk() (cachedToken, bool) {
	if tm.cachePath == "" {
		return cachedToken{}, false
	}
	data, err := os.ReadFile(tm.cachePath)
	if err != nil {
		return cachedToken{}, false
	}
	var token cachedToken
	if err := json.Unmarshal(data, &token); err != nil {
		tm.log.Warn().Err(err).Str("path", tm.cachePath).Msg("Token cache file unreadable, ignoring")
		return cachedToken{}, false
	}
	return token, true
}

func (tm *tokenManager) saveDisk(token cachedToken) {
	if tm.cachePath == "" {
		return
	}
	data, err := json.Marshal(token)
	if err != nil {
		return
	}
	if err := os.WriteFile(tm.cachePath, data, 0o600); err != nil {
		tm.log.Warn().Err(err).Str("path", tm.cachePath).Msg("Failed to persist token cache")
	}
}
