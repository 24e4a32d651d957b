// Package tokenguard owns social account credential freshness: decrypting
// tokens for adapter calls, proactive refresh ahead of expiry, and flagging
// accounts whose credentials are beyond saving.
package tokenguard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/platform"
	"github.com/campaignloop/publisher/internal/repository"
	"github.com/campaignloop/publisher/pkg/utils"
)

// FreshnessBuffer is how close to expiry a token may get before a publish
// attempt triggers a proactive refresh.
const FreshnessBuffer = 30 * time.Minute

const refreshTimeout = 30 * time.Second

var ErrNoRefreshToken = errors.New("account has no refresh token")

type Guard struct {
	sa       repository.SocialAccountRepository
	registry *platform.Registry
	cipher   *utils.TokenCipher

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewGuard(sa repository.SocialAccountRepository, registry *platform.Registry, cipher *utils.TokenCipher) *Guard {
	return &Guard{
		sa:       sa,
		registry: registry,
		cipher:   cipher,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// lockFor serializes refreshes per account id. Two racing refreshes can
// invalidate each other's new token on platforms that rotate refresh tokens.
func (g *Guard) lockFor(accountID int64) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[accountID] = l
	}
	return l
}

// Credentials returns the account's decrypted tokens for adapter calls.
func (g *Guard) Credentials(acc *models.SocialAccount) (platform.Credentials, error) {
	access, err := g.cipher.Decrypt(acc.AccessToken)
	if err != nil {
		return platform.Credentials{}, fmt.Errorf("decrypt access token: %w", err)
	}

	var refresh string
	if acc.RefreshToken != "" {
		refresh, err = g.cipher.Decrypt(acc.RefreshToken)
		if err != nil {
			return platform.Credentials{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}

	return platform.Credentials{AccessToken: access, RefreshToken: refresh}, nil
}

// NeedsRefresh reports whether the token expires within the freshness
// buffer. An unknown (zero) expiry counts as needing refresh.
func (g *Guard) NeedsRefresh(acc *models.SocialAccount, now time.Time) bool {
	if acc.TokenExpiresAt.IsZero() {
		return true
	}
	return acc.TokenExpiresAt.Before(now.Add(FreshnessBuffer))
}

// Refresh rotates the account's tokens through the platform adapter and
// persists the new set immediately, so rotated credentials survive whatever
// happens to the caller afterwards. The account struct is updated in place.
func (g *Guard) Refresh(ctx context.Context, acc *models.SocialAccount) error {
	lock := g.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	adapter, err := g.registry.Get(acc.Platform)
	if err != nil {
		return err
	}

	if acc.RefreshToken == "" {
		return ErrNoRefreshToken
	}
	refreshToken, err := g.cipher.Decrypt(acc.RefreshToken)
	if err != nil {
		return fmt.Errorf("decrypt refresh token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	ts, err := adapter.RefreshToken(ctx, refreshToken)
	if err != nil {
		return err
	}

	encryptedAccess, err := g.cipher.Encrypt(ts.AccessToken)
	if err != nil {
		return err
	}
	var encryptedRefresh string
	if ts.RefreshToken != "" {
		encryptedRefresh, err = g.cipher.Encrypt(ts.RefreshToken)
		if err != nil {
			return err
		}
	}

	if err := g.sa.UpdateTokens(ctx, acc.ID, encryptedAccess, encryptedRefresh, ts.ExpiresAt); err != nil {
		return fmt.Errorf("persist rotated tokens: %w", err)
	}

	acc.AccessToken = encryptedAccess
	if encryptedRefresh != "" {
		acc.RefreshToken = encryptedRefresh
	}
	acc.TokenExpiresAt = ts.ExpiresAt

	slog.Info("refreshed account token", "account_id", acc.ID, "platform", acc.Platform, "expires_at", ts.ExpiresAt)
	return nil
}

// FlagReconnection marks the account for human re-authentication and takes
// it out of scheduling.
func (g *Guard) FlagReconnection(ctx context.Context, accountID int64, reason string) {
	if err := g.sa.FlagReconnection(ctx, accountID, reason); err != nil {
		slog.Error("failed to flag account for reconnection", "account_id", accountID, "error", err)
	}
}
