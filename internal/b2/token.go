package b2

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rflyhigh/filemanager/internal/config"
	"github.com/rflyhigh/filemanager/internal/logging"
	"github.com/rflyhigh/filemanager/internal/metrics"
)

// TokenCache holds one live AuthContext per account, authorized lazily on
// first use. There is no wall-clock expiry: callers invalidate on an
// authorization-rejected response and retry once.
type TokenCache struct {
	client   *Client
	accounts map[string]config.Account

	mu     sync.RWMutex
	tokens map[string]*AuthContext
}

// NewTokenCache creates a token cache over the configured accounts.
func NewTokenCache(client *Client, accounts map[string]config.Account) *TokenCache {
	return &TokenCache{
		client:   client,
		accounts: accounts,
		tokens:   make(map[string]*AuthContext),
	}
}

// Account returns the configuration for an account name.
func (tc *TokenCache) Account(name string) (config.Account, error) {
	acct, ok := tc.accounts[name]
	if !ok || !acct.Configured {
		return config.Account{}, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
	}
	return acct, nil
}

// Get returns the cached AuthContext for an account, authorizing against
// the remote only when no cached entry exists.
func (tc *TokenCache) Get(ctx context.Context, account string) (*AuthContext, error) {
	tc.mu.RLock()
	auth, ok := tc.tokens[account]
	tc.mu.RUnlock()
	if ok {
		return auth, nil
	}

	acct, err := tc.Account(account)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	// Another request may have authorized while we waited for the lock.
	if auth, ok := tc.tokens[account]; ok {
		return auth, nil
	}

	auth, err = tc.client.Authorize(ctx, account, acct.KeyID, acct.AppKey)
	if err != nil {
		metrics.RecordB2Authorization(account, false)
		return nil, err
	}
	metrics.RecordB2Authorization(account, true)
	logging.Debug("authorized b2 account", zap.String("account", account))

	tc.tokens[account] = auth
	return auth, nil
}

// Invalidate drops the cached entry for an account. The next Get
// re-authorizes.
func (tc *TokenCache) Invalidate(account string) {
	tc.mu.Lock()
	delete(tc.tokens, account)
	tc.mu.Unlock()
	logging.Debug("invalidated b2 token", zap.String("account", account))
}
