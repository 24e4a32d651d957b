// Package materializer turns due schedule rules into concrete post rows.
package materializer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/campaignloop/publisher/internal/generator"
	"github.com/campaignloop/publisher/internal/metrics"
	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/recurrence"
	"github.com/campaignloop/publisher/internal/repository"
)

const (
	dedupWindow           = 24 * time.Hour
	maxGenerationAttempts = 3
	generateTimeout       = 30 * time.Second
)

type Materializer struct {
	store    repository.MaterializationStore
	rules    repository.ScheduleRuleRepository
	posts    repository.PostRepository
	accounts repository.SocialAccountRepository
	gen      generator.ContentGenerator

	// retryPause separates duplicate-triggered regeneration attempts.
	// Overridable so tests do not sleep.
	retryPause time.Duration
}

func New(
	store repository.MaterializationStore,
	rules repository.ScheduleRuleRepository,
	posts repository.PostRepository,
	accounts repository.SocialAccountRepository,
	gen generator.ContentGenerator) *Materializer {
	return &Materializer{
		store:      store,
		rules:      rules,
		posts:      posts,
		accounts:   accounts,
		gen:        gen,
		retryPause: time.Second,
	}
}

// Materialize creates post rows for one due rule and advances its run times.
// The created posts and the rule's last_run_at/next_run_at update commit in
// a single transaction. A failure for one account skips that account only.
func (m *Materializer) Materialize(ctx context.Context, rule *models.ScheduleRule, now time.Time) (int, error) {
	// Re-check activation right before materializing: the rule may have
	// been disabled after the due list was loaded.
	fresh, err := m.rules.GetByID(ctx, rule.ID)
	if err != nil {
		return 0, fmt.Errorf("reloading rule %d: %w", rule.ID, err)
	}
	if fresh == nil || !fresh.IsActive {
		slog.Info("rule deactivated mid-tick, skipping", "rule_id", rule.ID)
		return 0, nil
	}
	rule = fresh

	if !rule.NextRunAt.Valid {
		return 0, fmt.Errorf("rule %d has no next_run_at", rule.ID)
	}
	runAt := rule.NextRunAt.Time

	accounts, err := m.accounts.ListPublishable(ctx, rule.UserID, rule.Platforms)
	if err != nil {
		return 0, fmt.Errorf("listing accounts for rule %d: %w", rule.ID, err)
	}

	status := models.PostStatusDraft
	if rule.Autopost {
		status = models.PostStatusScheduled
	}

	var posts []*models.Post
	for _, acc := range accounts {
		exists, err := m.posts.ExistsForSchedule(ctx, rule.ID, acc.ID, runAt)
		if err != nil {
			slog.Error("uniqueness check failed, skipping account",
				"rule_id", rule.ID, "account_id", acc.ID, "error", err)
			continue
		}
		if exists {
			slog.Info("post already materialized for this occurrence",
				"rule_id", rule.ID, "account_id", acc.ID, "scheduled_at", runAt)
			continue
		}

		content, err := m.contentFor(ctx, rule, acc, now)
		if err != nil {
			slog.Error("content generation failed, skipping account for this tick",
				"rule_id", rule.ID, "account_id", acc.ID, "error", err)
			continue
		}

		posts = append(posts, &models.Post{
			UserID:                rule.UserID,
			AccountID:             acc.ID,
			ScheduleRuleID:        sql.NullInt64{Int64: rule.ID, Valid: true},
			Platform:              acc.Platform,
			Content:               content,
			Status:                status,
			ScheduledAt:           runAt,
			GeneratedByAutomation: true,
		})
	}

	next, err := recurrence.Next(rule, runAt)
	if err != nil {
		if errors.Is(err, recurrence.ErrRuleExpired) {
			// Final occurrence: keep next_run_at pointing at it; Due()
			// filters expired rules from then on.
			next = runAt
		} else {
			return 0, fmt.Errorf("computing next run for rule %d: %w", rule.ID, err)
		}
	}

	if err := m.store.CreatePostsAndAdvance(ctx, rule.ID, posts, now, next); err != nil {
		return 0, err
	}

	metrics.PostsMaterialized.Add(float64(len(posts)))
	slog.Info("materialized rule", "rule_id", rule.ID, "posts", len(posts),
		"scheduled_at", runAt, "next_run_at", next)
	return len(posts), nil
}

func (m *Materializer) contentFor(ctx context.Context, rule *models.ScheduleRule, acc *models.SocialAccount, now time.Time) (string, error) {
	if rule.GenerationMode == models.GenerationModeFixed {
		return rule.ContentSeed, nil
	}
	return m.generateDeduplicated(ctx, rule, acc, now)
}

// generateDeduplicated asks the generator for content that does not collide
// with anything the account posted in the last 24 hours. After three
// colliding attempts the duplicate is accepted rather than blocking the
// schedule.
func (m *Materializer) generateDeduplicated(ctx context.Context, rule *models.ScheduleRule, acc *models.SocialAccount, now time.Time) (string, error) {
	recent, err := m.posts.ListRecentByAccount(ctx, acc.ID, now.Add(-dedupWindow))
	if err != nil {
		return "", fmt.Errorf("loading recent posts: %w", err)
	}

	seen := make(map[string]struct{}, len(recent))
	for _, p := range recent {
		seen[normalize(p.Content)] = struct{}{}
	}

	var content string
	for attempt := 1; attempt <= maxGenerationAttempts; attempt++ {
		genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
		content, err = m.gen.Generate(genCtx, rule.UserID, acc.Platform, rule.Topic, rule.Tone, rule.ContentType)
		cancel()
		if err != nil {
			return "", fmt.Errorf("generate attempt %d: %w", attempt, err)
		}

		if _, dup := seen[normalize(content)]; !dup {
			return content, nil
		}

		metrics.DedupRetries.Inc()
		slog.Info("generated content collides with recent post, retrying",
			"rule_id", rule.ID, "account_id", acc.ID, "attempt", attempt)

		if attempt < maxGenerationAttempts {
			select {
			case <-time.After(m.retryPause):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	metrics.DuplicatesAccepted.Inc()
	slog.Warn("accepting duplicate content after exhausting regeneration",
		"rule_id", rule.ID, "account_id", acc.ID)
	return content, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
