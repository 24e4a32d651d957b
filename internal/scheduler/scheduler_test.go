package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/queue"
)

type fakeRuleRepo struct {
	rules    []*models.ScheduleRule
	nextRuns map[int64]time.Time
	disabled map[int64]bool
}

func (f *fakeRuleRepo) GetByID(ctx context.Context, id int64) (*models.ScheduleRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRuleRepo) Create(ctx context.Context, rule *models.ScheduleRule) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeRuleRepo) ListDueCandidates(ctx context.Context, before time.Time) ([]*models.ScheduleRule, error) {
	return f.rules, nil
}

func (f *fakeRuleRepo) UpdateRunTimes(ctx context.Context, tx *sql.Tx, id int64, lastRunAt, nextRunAt time.Time) error {
	return nil
}

func (f *fakeRuleRepo) SetNextRun(ctx context.Context, id int64, nextRunAt time.Time) error {
	if f.nextRuns == nil {
		f.nextRuns = make(map[int64]time.Time)
	}
	f.nextRuns[id] = nextRunAt
	return nil
}

func (f *fakeRuleRepo) SetActive(ctx context.Context, id int64, active bool) error {
	if f.disabled == nil {
		f.disabled = make(map[int64]bool)
	}
	f.disabled[id] = !active
	return nil
}

type fakePostRepo struct {
	due     []*models.Post
	stale   []*models.Post
	overdue []*models.Post

	reclaimCutoff time.Time
}

func (f *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) { return nil, nil }

func (f *fakePostRepo) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakePostRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]*models.Post, error) {
	return f.due, nil
}

func (f *fakePostRepo) ListOverdueScheduled(ctx context.Context, olderThan time.Time) ([]*models.Post, error) {
	return f.overdue, nil
}

func (f *fakePostRepo) ListRecentByAccount(ctx context.Context, accountID int64, since time.Time) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) ExistsForSchedule(ctx context.Context, ruleID, accountID int64, scheduledAt time.Time) (bool, error) {
	return false, nil
}

func (f *fakePostRepo) ClaimScheduled(ctx context.Context, id int64) (bool, error) {
	return false, nil
}

func (f *fakePostRepo) ReclaimStalePublishing(ctx context.Context, olderThan time.Time) (int64, error) {
	f.reclaimCutoff = olderThan
	n := int64(len(f.stale))
	for _, p := range f.stale {
		p.Status = models.PostStatusScheduled
		f.due = append(f.due, p)
	}
	f.stale = nil
	return n, nil
}

func (f *fakePostRepo) MarkPosted(ctx context.Context, id int64, platformPostID string, verificationFailed bool, postedAt time.Time) error {
	return nil
}

func (f *fakePostRepo) MarkFailed(ctx context.Context, id int64, reason string, failedAt time.Time) error {
	return nil
}

func (f *fakePostRepo) ReleaseClaim(ctx context.Context, id int64) error { return nil }

type fakeAccountRepo struct {
	needingReconnection []*models.SocialAccount
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	return nil, nil
}

func (f *fakeAccountRepo) Create(ctx context.Context, tx *sql.Tx, sa *models.SocialAccount) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakeAccountRepo) ListPublishable(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error) {
	return nil, nil
}

func (f *fakeAccountRepo) ListExpiring(ctx context.Context, withRefreshToken bool, before time.Time) ([]*models.SocialAccount, error) {
	return nil, nil
}

func (f *fakeAccountRepo) ListNeedingReconnection(ctx context.Context) ([]*models.SocialAccount, error) {
	return f.needingReconnection, nil
}

func (f *fakeAccountRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	return nil
}

func (f *fakeAccountRepo) FlagReconnection(ctx context.Context, id int64, reason string) error {
	return nil
}

func (f *fakeAccountRepo) Remove(ctx context.Context, id int64) error { return nil }

type fakeMaterializer struct {
	materialized []int64
	failFor      map[int64]error
	created      int
}

func (f *fakeMaterializer) Materialize(ctx context.Context, rule *models.ScheduleRule, now time.Time) (int, error) {
	if err, ok := f.failFor[rule.ID]; ok {
		return 0, err
	}
	f.materialized = append(f.materialized, rule.ID)
	return f.created, nil
}

type fakeEnqueuer struct {
	payloads []queue.PublishPostPayload
	err      error
}

func (f *fakeEnqueuer) EnqueuePost(payload queue.PublishPostPayload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func dailyRule(id int64, nextRunAt time.Time) *models.ScheduleRule {
	return &models.ScheduleRule{
		ID:        id,
		UserID:    7,
		Platforms: []string{"linkedin"},
		Frequency: models.FrequencyDaily,
		TimeOfDay: "09:00",
		Timezone:  "UTC",
		IsActive:  true,
		Autopost:  true,
		NextRunAt: sql.NullTime{Time: nextRunAt, Valid: !nextRunAt.IsZero()},
	}
}

func newTestScheduler(rules *fakeRuleRepo, posts *fakePostRepo, accounts *fakeAccountRepo, mat *fakeMaterializer, enq *fakeEnqueuer, now time.Time) *Scheduler {
	s := New(rules, posts, accounts, mat, enq)
	s.now = func() time.Time { return now }
	return s
}

func TestTickMaterializesOnlyDueRules(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	rules := &fakeRuleRepo{rules: []*models.ScheduleRule{
		dailyRule(1, time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)),  // later today
		dailyRule(2, time.Date(2024, 5, 9, 9, 0, 0, 0, time.UTC)),  // days away
	}}
	mat := &fakeMaterializer{created: 2}
	s := newTestScheduler(rules, &fakePostRepo{}, &fakeAccountRepo{}, mat, &fakeEnqueuer{}, now)

	report := s.Tick(context.Background())

	if len(mat.materialized) != 1 || mat.materialized[0] != 1 {
		t.Errorf("materialized rules = %v, want [1]", mat.materialized)
	}
	if report.RulesDue != 1 {
		t.Errorf("rules due = %d, want 1", report.RulesDue)
	}
	if report.PostsCreated != 2 {
		t.Errorf("posts created = %d, want 2", report.PostsCreated)
	}
}

func TestTickInitializesMissingNextRun(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	rule := dailyRule(1, time.Time{}) // never evaluated
	rules := &fakeRuleRepo{rules: []*models.ScheduleRule{rule}}
	mat := &fakeMaterializer{created: 1}
	s := newTestScheduler(rules, &fakePostRepo{}, &fakeAccountRepo{}, mat, &fakeEnqueuer{}, now)

	s.Tick(context.Background())

	want := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	if got := rules.nextRuns[1]; !got.Equal(want) {
		t.Errorf("initialized next_run_at = %v, want %v", got, want)
	}
	// 09:00 falls within today, so the freshly initialized rule is already due.
	if len(mat.materialized) != 1 {
		t.Errorf("materialized rules = %v, want the initialized rule", mat.materialized)
	}
}

func TestTickDeactivatesExpiredRule(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	rule := dailyRule(1, time.Time{})
	rule.EndDate = sql.NullTime{Time: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Valid: true}
	rules := &fakeRuleRepo{rules: []*models.ScheduleRule{rule}}
	mat := &fakeMaterializer{}
	s := newTestScheduler(rules, &fakePostRepo{}, &fakeAccountRepo{}, mat, &fakeEnqueuer{}, now)

	s.Tick(context.Background())

	if !rules.disabled[1] {
		t.Error("expired rule must be deactivated")
	}
	if len(mat.materialized) != 0 {
		t.Errorf("expired rule must not materialize, got %v", mat.materialized)
	}
}

func TestTickIsolatesRuleFailures(t *testing.T) {
	now := time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)
	nextRun := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	rules := &fakeRuleRepo{rules: []*models.ScheduleRule{
		dailyRule(1, nextRun),
		dailyRule(2, nextRun),
	}}
	mat := &fakeMaterializer{
		created: 1,
		failFor: map[int64]error{1: errors.New("generation backend down")},
	}
	s := newTestScheduler(rules, &fakePostRepo{}, &fakeAccountRepo{}, mat, &fakeEnqueuer{}, now)

	report := s.Tick(context.Background())

	if len(mat.materialized) != 1 || mat.materialized[0] != 2 {
		t.Errorf("materialized rules = %v, want [2] despite rule 1 failing", mat.materialized)
	}
	if len(report.Errors) != 1 {
		t.Errorf("report errors = %v, want the rule 1 failure recorded", report.Errors)
	}
}

func TestTickEnqueuesDuePosts(t *testing.T) {
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	posts := &fakePostRepo{due: []*models.Post{
		{ID: 11, Status: models.PostStatusScheduled},
		{ID: 12, Status: models.PostStatusScheduled},
	}}
	enq := &fakeEnqueuer{}
	s := newTestScheduler(&fakeRuleRepo{}, posts, &fakeAccountRepo{}, &fakeMaterializer{}, enq, now)

	report := s.Tick(context.Background())

	if report.PostsEnqueued != 2 {
		t.Errorf("posts enqueued = %d, want 2", report.PostsEnqueued)
	}
	if len(enq.payloads) != 2 || enq.payloads[0].PostID != 11 || enq.payloads[1].PostID != 12 {
		t.Errorf("enqueued payloads = %v", enq.payloads)
	}
}

func TestTickReclaimsAbandonedClaims(t *testing.T) {
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	// A worker claimed post 11 and died before reaching a terminal state.
	posts := &fakePostRepo{stale: []*models.Post{
		{ID: 11, Status: models.PostStatusPublishing},
	}}
	enq := &fakeEnqueuer{}
	s := newTestScheduler(&fakeRuleRepo{}, posts, &fakeAccountRepo{}, &fakeMaterializer{}, enq, now)

	report := s.Tick(context.Background())

	if report.PostsReclaimed != 1 {
		t.Errorf("posts reclaimed = %d, want 1", report.PostsReclaimed)
	}
	if want := now.Add(-reclaimGrace); !posts.reclaimCutoff.Equal(want) {
		t.Errorf("reclaim cutoff = %v, want %v", posts.reclaimCutoff, want)
	}
	// The reclaimed post must land back in the queue in the same tick.
	if len(enq.payloads) != 1 || enq.payloads[0].PostID != 11 {
		t.Errorf("enqueued payloads = %v, want the reclaimed post", enq.payloads)
	}
}

func TestHealthSnapshot(t *testing.T) {
	now := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)
	posts := &fakePostRepo{overdue: []*models.Post{{ID: 11}}}
	accounts := &fakeAccountRepo{needingReconnection: []*models.SocialAccount{{ID: 1}, {ID: 2}}}
	s := newTestScheduler(&fakeRuleRepo{}, posts, accounts, &fakeMaterializer{}, &fakeEnqueuer{}, now)

	s.Tick(context.Background())

	h, err := s.HealthSnapshot(context.Background())
	if err != nil {
		t.Fatalf("HealthSnapshot: %v", err)
	}
	if h.AccountsNeedingRelink != 2 {
		t.Errorf("accounts needing relink = %d, want 2", h.AccountsNeedingRelink)
	}
	if h.OverduePosts != 1 {
		t.Errorf("overdue posts = %d, want 1", h.OverduePosts)
	}
	if h.LastTick == nil || h.LastTick.TickID == "" {
		t.Error("health must carry the last tick report")
	}
}
