// Package scheduler owns the poll loop: each tick finds due schedule rules,
// materializes them into posts and hands due posts to the publish queue.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/campaignloop/publisher/internal/metrics"
	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/queue"
	"github.com/campaignloop/publisher/internal/recurrence"
	"github.com/campaignloop/publisher/internal/repository"
)

const (
	// overdueGrace is how far past its scheduled_at a still-scheduled post
	// must be before the health report counts it as overdue.
	overdueGrace = 10 * time.Minute

	// reclaimGrace is how long a post may sit in the publishing state before
	// a tick assumes its worker died and puts it back to scheduled. Must
	// comfortably exceed a full attempt loop (call timeouts plus backoff).
	reclaimGrace = 15 * time.Minute
)

type TickReport struct {
	TickID         string    `json:"tick_id"`
	StartedAt      time.Time `json:"started_at"`
	Duration       string    `json:"duration"`
	RulesDue       int       `json:"rules_due"`
	PostsCreated   int       `json:"posts_created"`
	PostsReclaimed int64     `json:"posts_reclaimed"`
	PostsEnqueued  int       `json:"posts_enqueued"`
	Errors         []string  `json:"errors,omitempty"`
}

type Health struct {
	LastTick              *TickReport `json:"last_tick,omitempty"`
	AccountsNeedingRelink int         `json:"accounts_needing_relink"`
	OverduePosts          int         `json:"overdue_posts"`
}

// RuleMaterializer is the slice of the materializer the scheduler needs.
type RuleMaterializer interface {
	Materialize(ctx context.Context, rule *models.ScheduleRule, now time.Time) (int, error)
}

type Scheduler struct {
	rules    repository.ScheduleRuleRepository
	posts    repository.PostRepository
	accounts repository.SocialAccountRepository
	mat      RuleMaterializer
	enq      queue.Enqueuer
	now      func() time.Time

	mu       sync.Mutex
	lastTick *TickReport
	ticking  bool
}

func New(
	rules repository.ScheduleRuleRepository,
	posts repository.PostRepository,
	accounts repository.SocialAccountRepository,
	mat RuleMaterializer,
	enq queue.Enqueuer) *Scheduler {
	return &Scheduler{
		rules:    rules,
		posts:    posts,
		accounts: accounts,
		mat:      mat,
		enq:      enq,
		now:      time.Now,
	}
}

// Run satisfies cron's no-argument job signature.
func (s *Scheduler) Run() {
	s.Tick(context.Background())
}

// Tick runs one full scheduler pass. Overlapping ticks are skipped rather
// than queued so a slow pass cannot pile up behind itself. A failure for one
// rule is recorded and the pass moves on; only being unable to load the due
// list at all aborts the tick.
func (s *Scheduler) Tick(ctx context.Context) *TickReport {
	s.mu.Lock()
	if s.ticking {
		s.mu.Unlock()
		slog.Info("previous tick still running, skipping")
		return nil
	}
	s.ticking = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.ticking = false
		s.mu.Unlock()
	}()

	tickID, _ := gonanoid.New()
	now := s.now()
	report := &TickReport{TickID: tickID, StartedAt: now}
	defer func() {
		d := time.Since(now)
		report.Duration = d.String()
		metrics.TickDuration.Observe(d.Seconds())
		s.mu.Lock()
		s.lastTick = report
		s.mu.Unlock()
	}()

	slog.Info("scheduler tick started", "tick_id", tickID)

	candidates, err := s.rules.ListDueCandidates(ctx, now)
	if err != nil {
		metrics.TickErrors.Inc()
		report.Errors = append(report.Errors, "listing due rules: "+err.Error())
		slog.Error("tick aborted, cannot list due rules", "tick_id", tickID, "error", err)
		return report
	}

	for _, rule := range candidates {
		if !rule.NextRunAt.Valid {
			if !s.initializeNextRun(ctx, rule, now, report) {
				continue
			}
		}
		if !recurrence.Due(rule, now) {
			continue
		}
		report.RulesDue++

		created, err := s.mat.Materialize(ctx, rule, now)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			slog.Error("materialization failed, continuing with remaining rules",
				"tick_id", tickID, "rule_id", rule.ID, "error", err)
			continue
		}
		report.PostsCreated += created
	}

	report.PostsReclaimed = s.reclaimStale(ctx, now, report)
	report.PostsEnqueued = s.enqueueDue(ctx, now, report)

	slog.Info("scheduler tick finished", "tick_id", tickID,
		"rules_due", report.RulesDue, "posts_created", report.PostsCreated,
		"posts_enqueued", report.PostsEnqueued, "errors", len(report.Errors))
	return report
}

// initializeNextRun seeds next_run_at for a rule that has never been
// evaluated. Expired rules are deactivated so they drop out of the candidate
// list.
func (s *Scheduler) initializeNextRun(ctx context.Context, rule *models.ScheduleRule, now time.Time, report *TickReport) bool {
	next, err := recurrence.Next(rule, now)
	if err != nil {
		if errors.Is(err, recurrence.ErrRuleExpired) {
			if derr := s.rules.SetActive(ctx, rule.ID, false); derr != nil {
				slog.Error("failed to deactivate expired rule", "rule_id", rule.ID, "error", derr)
			}
			slog.Info("rule expired before first run, deactivated", "rule_id", rule.ID)
			return false
		}
		report.Errors = append(report.Errors, err.Error())
		slog.Error("cannot compute first run for rule", "rule_id", rule.ID, "error", err)
		return false
	}

	if err := s.rules.SetNextRun(ctx, rule.ID, next); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return false
	}
	rule.NextRunAt.Time = next
	rule.NextRunAt.Valid = true
	return true
}

// reclaimStale rescues posts whose claim outlived its worker, so a crash
// between claiming and the terminal mark cannot strand a post in the
// publishing state. Reclaimed posts are picked up by the due list in the
// same tick and re-enqueued.
func (s *Scheduler) reclaimStale(ctx context.Context, now time.Time, report *TickReport) int64 {
	reclaimed, err := s.posts.ReclaimStalePublishing(ctx, now.Add(-reclaimGrace))
	if err != nil {
		metrics.TickErrors.Inc()
		report.Errors = append(report.Errors, "reclaiming stale claims: "+err.Error())
		return 0
	}
	if reclaimed > 0 {
		slog.Warn("reclaimed posts from abandoned publish claims", "count", reclaimed)
	}
	return reclaimed
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time, report *TickReport) int {
	due, err := s.posts.ListDueScheduled(ctx, now)
	if err != nil {
		metrics.TickErrors.Inc()
		report.Errors = append(report.Errors, "listing due posts: "+err.Error())
		return 0
	}

	enqueued := 0
	for _, post := range due {
		if err := s.enq.EnqueuePost(queue.PublishPostPayload{PostID: post.ID}); err != nil {
			report.Errors = append(report.Errors, err.Error())
			slog.Error("failed to enqueue post", "post_id", post.ID, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued
}

// HealthSnapshot reports the last tick alongside the two conditions an
// operator cares about: accounts waiting on a manual relink and posts that
// should have published by now but have not.
func (s *Scheduler) HealthSnapshot(ctx context.Context) (*Health, error) {
	s.mu.Lock()
	last := s.lastTick
	s.mu.Unlock()

	h := &Health{LastTick: last}

	accounts, err := s.accounts.ListNeedingReconnection(ctx)
	if err != nil {
		return nil, err
	}
	h.AccountsNeedingRelink = len(accounts)

	overdue, err := s.posts.ListOverdueScheduled(ctx, s.now().Add(-overdueGrace))
	if err != nil {
		return nil, err
	}
	h.OverduePosts = len(overdue)

	return h, nil
}
