package tokenguard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/repository"
)

const (
	// refreshHorizon: accounts whose token expires within this window and
	// that hold a refresh token are refreshed proactively by the sweep.
	refreshHorizon = 24 * time.Hour

	// reportHorizon: accounts without a refresh token cannot be fixed by
	// the engine; expiries within this window are reported so a human can
	// reconnect before the account breaks.
	reportHorizon = 30 * 24 * time.Hour

	sweepConcurrency = 10
)

// SweepJob is the periodic token maintenance pass. It runs on an hours-scale
// interval, independent of the per-post freshness check in the publisher.
type SweepJob struct {
	sr    repository.SocialAccountRepository
	guard *Guard
	now   func() time.Time
}

func NewSweepJob(sr repository.SocialAccountRepository, guard *Guard) *SweepJob {
	return &SweepJob{sr: sr, guard: guard, now: time.Now}
}

func (j *SweepJob) Run() {
	ctx := context.Background()
	now := j.now()

	accounts, err := j.sr.ListExpiring(ctx, true, now.Add(refreshHorizon))
	if err != nil {
		slog.Error("token sweep: listing expiring accounts failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, sweepConcurrency)

	for _, acc := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.SocialAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := j.guard.Refresh(ctx, acc); err != nil {
				slog.Info("token sweep: refresh failed, flagging account",
					"account_id", acc.ID, "platform", acc.Platform, "error", err)
				j.guard.FlagReconnection(ctx, acc.ID, "scheduled token refresh failed: "+err.Error())
			}
		}(acc)
	}
	wg.Wait()

	j.reportUnrefreshable(ctx, now)
}

// reportUnrefreshable logs accounts that will expire and cannot be refreshed
// automatically. They are not flagged: the credentials still work today.
func (j *SweepJob) reportUnrefreshable(ctx context.Context, now time.Time) {
	accounts, err := j.sr.ListExpiring(ctx, false, now.Add(reportHorizon))
	if err != nil {
		slog.Error("token sweep: listing unrefreshable accounts failed", "error", err)
		return
	}

	for _, acc := range accounts {
		slog.Warn("account token expiring with no refresh token; user must reconnect",
			"account_id", acc.ID,
			"user_id", acc.UserID,
			"platform", acc.Platform,
			"expires_at", acc.TokenExpiresAt)
	}
}
