// Package platform defines the capability boundary to social platforms.
// Concrete adapters (one per platform) live behind this interface; the
// engine never speaks a platform wire protocol directly.
package platform

import (
	"context"
	"time"
)

type PublishResult struct {
	PlatformPostID string
	URL            string
}

type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Credentials are the decrypted tokens an adapter call operates with.
type Credentials struct {
	AccessToken  string
	RefreshToken string
}

type Adapter interface {
	Publish(ctx context.Context, creds Credentials, content string) (*PublishResult, error)
	Verify(ctx context.Context, creds Credentials, platformPostID string) error
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
}
