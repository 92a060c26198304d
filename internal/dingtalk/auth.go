package dingtalk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

// Tokens are refreshed one minute before expiry to avoid near-expiry
// failures mid-request.
const tokenRefreshMargin = time.Minute

type tokenEntry struct {
	token  string
	expiry time.Time
}

// TokenCache caches DingTalk access tokens per clientId, for multi-account
// setups sharing one process.
type TokenCache struct {
	client *Client
	retry  RetryPolicy
	log    *slog.Logger

	mu     sync.Mutex
	tokens map[string]tokenEntry
	now    func() time.Time
}

func NewTokenCache(client *Client, log *slog.Logger) *TokenCache {
	return &TokenCache{
		client: client,
		retry:  DefaultRetryPolicy(),
		log:    log.With(slog.String("component", "dingtalk.auth")),
		tokens: make(map[string]tokenEntry),
		now:    time.Now,
	}
}

// Token returns a valid access token for the account, fetching a fresh one
// when the cached token is missing or within the refresh margin of expiry.
func (c *TokenCache) Token(ctx context.Context, cfg config.AccountConfig) (string, error) {
	c.mu.Lock()
	cached, ok := c.tokens[cfg.ClientID]
	now := c.now()
	c.mu.Unlock()

	if ok && cached.expiry.After(now.Add(tokenRefreshMargin)) {
		return cached.token, nil
	}

	var token string
	err := c.retry.Do(ctx, func() error {
		var resp struct {
			AccessToken string `json:"accessToken"`
			ExpireIn    int64  `json:"expireIn"`
		}
		err := c.client.PostJSON(ctx, "/v1.0/oauth2/accessToken", "", map[string]string{
			"appKey":    cfg.ClientID,
			"appSecret": cfg.ClientSecret,
		}, &resp)
		if err != nil {
			return err
		}

		token = resp.AccessToken
		c.mu.Lock()
		c.tokens[cfg.ClientID] = tokenEntry{
			token:  resp.AccessToken,
			expiry: now.Add(time.Duration(resp.ExpireIn) * time.Second),
		}
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}

	c.log.Debug("access token refreshed", slog.String("clientId", cfg.ClientID))
	return token, nil
}

// Invalidate drops the cached token for a client so the next Token call
// fetches a fresh one. Used after a 401 response.
func (c *TokenCache) Invalidate(clientID string) {
	c.mu.Lock()
	delete(c.tokens, clientID)
	c.mu.Unlock()
}
