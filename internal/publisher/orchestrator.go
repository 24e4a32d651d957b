// Package publisher drives one post through the publish state machine:
// claim, token freshness, attempt, verify, retry with backoff, terminal
// bookkeeping.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/campaignloop/publisher/internal/metrics"
	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/platform"
	"github.com/campaignloop/publisher/internal/repository"
	"github.com/campaignloop/publisher/internal/tokenguard"
)

// ErrNotClaimable means another worker already owns the post, or its status
// moved on since it was enqueued. Callers drop the task silently.
var ErrNotClaimable = errors.New("post is not claimable")

const (
	OutcomePosted  = "posted"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type Outcome struct {
	Status             string
	PlatformPostID     string
	VerificationFailed bool
	Attempts           int
	FailureReason      string
	AccountFlagged     bool
}

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	VerifyDelay time.Duration
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		VerifyDelay: 5 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

type Orchestrator struct {
	posts    repository.PostRepository
	accounts repository.SocialAccountRepository
	history  repository.PostingHistoryRepository
	registry *platform.Registry
	guard    *tokenguard.Guard
	cfg      Config
	now      func() time.Time
}

func New(
	posts repository.PostRepository,
	accounts repository.SocialAccountRepository,
	history repository.PostingHistoryRepository,
	registry *platform.Registry,
	guard *tokenguard.Guard,
	cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Orchestrator{
		posts:    posts,
		accounts: accounts,
		history:  history,
		registry: registry,
		guard:    guard,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Publish runs the full state machine for one scheduled post. Terminal
// states are posted and failed; a post whose account is unusable is released
// back to scheduled and skipped.
func (o *Orchestrator) Publish(ctx context.Context, post *models.Post) (*Outcome, error) {
	claimed, err := o.posts.ClaimScheduled(ctx, post.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming post %d: %w", post.ID, err)
	}
	if !claimed {
		return nil, ErrNotClaimable
	}

	timer := time.Now()
	defer func() {
		metrics.PublishDuration.WithLabelValues(post.Platform).Observe(time.Since(timer).Seconds())
	}()

	acc, err := o.accounts.GetByID(ctx, post.AccountID)
	if err != nil {
		o.release(ctx, post.ID)
		return nil, fmt.Errorf("loading account %d: %w", post.AccountID, err)
	}
	if acc == nil || !acc.IsActive || acc.NeedsReconnection {
		o.release(ctx, post.ID)
		slog.Info("account not publishable, leaving post scheduled",
			"post_id", post.ID, "account_id", post.AccountID)
		return &Outcome{Status: OutcomeSkipped}, nil
	}

	adapter, err := o.registry.Get(post.Platform)
	if err != nil {
		o.release(ctx, post.ID)
		return nil, err
	}

	// Proactive freshness check. A refresh failure here does not abort:
	// the attempt proceeds and any auth error it hits goes through the
	// normal retry policy.
	if o.guard.NeedsRefresh(acc, o.now()) {
		if err := o.guard.Refresh(ctx, acc); err != nil {
			slog.Info("proactive token refresh failed, attempting anyway",
				"post_id", post.ID, "account_id", acc.ID, "error", err)
		}
	}

	return o.attemptLoop(ctx, post, acc, adapter)
}

func (o *Orchestrator) attemptLoop(ctx context.Context, post *models.Post, acc *models.SocialAccount, adapter platform.Adapter) (*Outcome, error) {
	var lastErr error
	var lastKind platform.ErrorKind

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		creds, err := o.guard.Credentials(acc)
		if err != nil {
			return o.fail(ctx, post, acc, attempt, "credential decryption failed: "+err.Error(), false)
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
		result, err := adapter.Publish(callCtx, creds, post.Content)
		cancel()

		if err == nil {
			return o.succeed(ctx, post, acc, adapter, creds, result, attempt)
		}

		lastErr = err
		lastKind = platform.KindOf(err)
		slog.Info("publish attempt failed",
			"post_id", post.ID, "platform", post.Platform, "attempt", attempt,
			"kind", string(lastKind), "error", err)

		switch lastKind {
		case platform.KindPermission:
			reason := "platform rejected publish: " + err.Error()
			o.guard.FlagReconnection(ctx, acc.ID, reason)
			metrics.AccountsFlagged.Inc()
			return o.fail(ctx, post, acc, attempt, reason, true)

		case platform.KindDuplicate:
			return o.fail(ctx, post, acc, attempt, err.Error(), false)

		case platform.KindAuth:
			// Force a refresh and retry; the attempt still counts
			// toward the budget.
			if rerr := o.guard.Refresh(ctx, acc); rerr != nil {
				slog.Info("forced token refresh failed",
					"post_id", post.ID, "account_id", acc.ID, "error", rerr)
			}

		case platform.KindTransient:
			// Fall through to backoff.
		}

		if attempt < o.cfg.MaxAttempts {
			if err := o.wait(ctx, o.backoff(attempt)); err != nil {
				return o.fail(ctx, post, acc, attempt, "publish abandoned: "+err.Error(), false)
			}
		}
	}

	reason := "publish failed after retries: " + lastErr.Error()
	flagged := false
	if lastKind == platform.KindAuth {
		reason = fmt.Sprintf("authentication failed after %d attempts: %v", o.cfg.MaxAttempts, lastErr)
		o.guard.FlagReconnection(ctx, acc.ID, reason)
		metrics.AccountsFlagged.Inc()
		flagged = true
	}
	return o.fail(ctx, post, acc, o.cfg.MaxAttempts, reason, flagged)
}

func (o *Orchestrator) succeed(ctx context.Context, post *models.Post, acc *models.SocialAccount, adapter platform.Adapter, creds platform.Credentials, result *platform.PublishResult, attempt int) (*Outcome, error) {
	// Give the platform a moment to propagate before verifying. A shutdown
	// during the wait cuts the delay short but never skips verification:
	// the publish already happened, so the verify call runs detached from
	// the caller's context, bounded by its own timeout. The flag below
	// means the platform could not confirm the post, nothing else.
	if err := o.wait(ctx, o.cfg.VerifyDelay); err != nil {
		slog.Info("shutdown during verify delay, verifying immediately", "post_id", post.ID)
	}

	verificationFailed := false
	verifyCtx, cancel := context.WithTimeout(context.Background(), o.cfg.CallTimeout)
	if verr := adapter.Verify(verifyCtx, creds, result.PlatformPostID); verr != nil {
		verificationFailed = true
		slog.Warn("post published but verification failed",
			"post_id", post.ID, "platform_post_id", result.PlatformPostID, "error", verr)
	}
	cancel()

	if err := o.posts.MarkPosted(ctx, post.ID, result.PlatformPostID, verificationFailed, o.now()); err != nil {
		return nil, fmt.Errorf("marking post %d posted: %w", post.ID, err)
	}
	o.recordHistory(ctx, post, acc, attempt, "")
	metrics.PublishOutcomes.WithLabelValues(post.Platform, OutcomePosted).Inc()

	return &Outcome{
		Status:             OutcomePosted,
		PlatformPostID:     result.PlatformPostID,
		VerificationFailed: verificationFailed,
		Attempts:           attempt,
	}, nil
}

func (o *Orchestrator) fail(ctx context.Context, post *models.Post, acc *models.SocialAccount, attempts int, reason string, flagged bool) (*Outcome, error) {
	if err := o.posts.MarkFailed(ctx, post.ID, reason, o.now()); err != nil {
		return nil, fmt.Errorf("marking post %d failed: %w", post.ID, err)
	}
	o.recordHistory(ctx, post, acc, attempts, reason)
	metrics.PublishOutcomes.WithLabelValues(post.Platform, OutcomeFailed).Inc()

	return &Outcome{
		Status:         OutcomeFailed,
		Attempts:       attempts,
		FailureReason:  reason,
		AccountFlagged: flagged,
	}, nil
}

func (o *Orchestrator) recordHistory(ctx context.Context, post *models.Post, acc *models.SocialAccount, attempts int, errorMessage string) {
	_, err := o.history.Create(ctx, &models.PostingHistory{
		UserID:       post.UserID,
		PostID:       post.ID,
		AccountID:    acc.ID,
		Attempts:     attempts,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		slog.Error("failed to record posting history", "post_id", post.ID, "error", err)
	}
}

func (o *Orchestrator) release(ctx context.Context, postID int64) {
	if err := o.posts.ReleaseClaim(ctx, postID); err != nil {
		slog.Error("failed to release post claim", "post_id", postID, "error", err)
	}
}

// backoff returns base * 2^(attempt-1) plus jitter up to half the base
// delay.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.BaseDelay << (attempt - 1)
	if half := o.cfg.BaseDelay / 2; half > 0 {
		delay += time.Duration(rand.Int63n(int64(half)))
	}
	return delay
}

// wait sleeps for d but aborts when the context is cancelled, so retries do
// not outlive a shutdown.
func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
