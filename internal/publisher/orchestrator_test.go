package publisher

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/platform"
	"github.com/campaignloop/publisher/internal/tokenguard"
	"github.com/campaignloop/publisher/pkg/utils"
)

type postedRecord struct {
	platformPostID     string
	verificationFailed bool
}

type failedRecord struct {
	reason string
}

type fakePostRepo struct {
	claimOK  bool
	claims   int
	released bool
	posted   *postedRecord
	failed   *failedRecord
}

func (f *fakePostRepo) GetByID(ctx context.Context, id int64) (*models.Post, error) { return nil, nil }

func (f *fakePostRepo) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	return 0, errors.New("not implemented")
}

func (f *fakePostRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) ListOverdueScheduled(ctx context.Context, olderThan time.Time) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) ListRecentByAccount(ctx context.Context, accountID int64, since time.Time) ([]*models.Post, error) {
	return nil, nil
}

func (f *fakePostRepo) ExistsForSchedule(ctx context.Context, ruleID, accountID int64, scheduledAt time.Time) (bool, error) {
	return false, nil
}

func (f *fakePostRepo) ClaimScheduled(ctx context.Context, id int64) (bool, error) {
	f.claims++
	return f.claimOK, nil
}

func (f *fakePostRepo) ReclaimStalePublishing(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (f *fakePostRepo) MarkPosted(ctx context.Context, id int64, platformPostID string, verificationFailed bool, postedAt time.Time) error {
	f.posted = &postedRecord{platformPostID: platformPostID, verificationFailed: verificationFailed}
	return nil
}

func (f *fakePostRepo) MarkFailed(ctx context.Context, id int64, reason string, failedAt time.Time) error {
	f.failed = &failedRecord{reason: reason}
	return nil
}

func (f *fakePostRepo) ReleaseClaim(ctx context.Context, id int64) error {
	f.released = true
	return nil
}

type fakeAccountRepo struct {
	account *models.SocialAccount
	flagged map[int64]string
	updated int
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	return f.account, nil
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
	return nil, nil
}

func (f *fakeAccountRepo) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	f.updated++
	return nil
}

func (f *fakeAccountRepo) FlagReconnection(ctx context.Context, id int64, reason string) error {
	if f.flagged == nil {
		f.flagged = make(map[int64]string)
	}
	f.flagged[id] = reason
	return nil
}

func (f *fakeAccountRepo) Remove(ctx context.Context, id int64) error { return nil }

type fakeHistoryRepo struct {
	entries []*models.PostingHistory
}

func (f *fakeHistoryRepo) Create(ctx context.Context, ph *models.PostingHistory) (int64, error) {
	f.entries = append(f.entries, ph)
	return int64(len(f.entries)), nil
}

func (f *fakeHistoryRepo) ListByPostID(ctx context.Context, postID int64) ([]*models.PostingHistory, error) {
	return f.entries, nil
}

type fakeAdapter struct {
	publishErrs  []error // consumed per attempt; nil means success
	publishCalls int
	verifyErr    error
	verifyCalls  int
	refreshErr   error
	refreshCalls int
}

func (a *fakeAdapter) Publish(ctx context.Context, creds platform.Credentials, content string) (*platform.PublishResult, error) {
	a.publishCalls++
	if len(a.publishErrs) > 0 {
		err := a.publishErrs[0]
		a.publishErrs = a.publishErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &platform.PublishResult{PlatformPostID: "pp-123", URL: "https://example.social/pp-123"}, nil
}

func (a *fakeAdapter) Verify(ctx context.Context, creds platform.Credentials, platformPostID string) error {
	a.verifyCalls++
	return a.verifyErr
}

func (a *fakeAdapter) RefreshToken(ctx context.Context, refreshToken string) (*platform.TokenSet, error) {
	a.refreshCalls++
	if a.refreshErr != nil {
		return nil, a.refreshErr
	}
	return &platform.TokenSet{
		AccessToken:  "rotated-access",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
	}, nil
}

type testRig struct {
	orch    *Orchestrator
	posts   *fakePostRepo
	account *fakeAccountRepo
	history *fakeHistoryRepo
	adapter *fakeAdapter
}

func newRig(t *testing.T, adapter *fakeAdapter, tokenExpiry time.Time) *testRig {
	t.Helper()
	cipher := utils.NewTokenCipher("secret")
	access, _ := cipher.Encrypt("access-token")
	refresh, _ := cipher.Encrypt("refresh-token")

	accountRepo := &fakeAccountRepo{account: &models.SocialAccount{
		ID:             3,
		UserID:         7,
		Platform:       "linkedin",
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiresAt: tokenExpiry,
		IsActive:       true,
	}}

	registry := platform.NewRegistry()
	registry.Register("linkedin", adapter)

	posts := &fakePostRepo{claimOK: true}
	history := &fakeHistoryRepo{}
	guard := tokenguard.NewGuard(accountRepo, registry, cipher)

	cfg := Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		VerifyDelay: 0,
		CallTimeout: time.Second,
	}

	return &testRig{
		orch:    New(posts, accountRepo, history, registry, guard, cfg),
		posts:   posts,
		account: accountRepo,
		history: history,
		adapter: adapter,
	}
}

func scheduledPost() *models.Post {
	return &models.Post{
		ID:        21,
		UserID:    7,
		AccountID: 3,
		Platform:  "linkedin",
		Content:   "hello world",
		Status:    models.PostStatusScheduled,
	}
}

func TestPublishSuccess(t *testing.T) {
	rig := newRig(t, &fakeAdapter{}, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if outcome.Status != OutcomePosted {
		t.Errorf("status = %q, want posted", outcome.Status)
	}
	if outcome.PlatformPostID != "pp-123" {
		t.Errorf("platform post id = %q", outcome.PlatformPostID)
	}
	if outcome.VerificationFailed {
		t.Error("verification should have passed")
	}
	if rig.posts.posted == nil {
		t.Fatal("post was not marked posted")
	}
	if rig.adapter.publishCalls != 1 {
		t.Errorf("publish calls = %d, want 1", rig.adapter.publishCalls)
	}
	if len(rig.history.entries) != 1 || rig.history.entries[0].Attempts != 1 {
		t.Errorf("history = %+v, want one entry with attempts=1", rig.history.entries)
	}
}

func TestPublishVerificationFailureStaysPosted(t *testing.T) {
	rig := newRig(t, &fakeAdapter{verifyErr: errors.New("not found yet")}, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if outcome.Status != OutcomePosted {
		t.Errorf("status = %q, want posted despite verify failure", outcome.Status)
	}
	if !outcome.VerificationFailed {
		t.Error("outcome must carry verification_failed")
	}
	if rig.posts.posted == nil || !rig.posts.posted.verificationFailed {
		t.Error("post row must record verification_failed")
	}
}

func TestPublishVerifiesDespiteShutdown(t *testing.T) {
	rig := newRig(t, &fakeAdapter{}, time.Now().Add(2*time.Hour))
	rig.orch.cfg.VerifyDelay = 50 * time.Millisecond

	// Cancellation during the verify delay cuts the wait short but must not
	// be recorded as a platform verification failure.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := rig.orch.Publish(ctx, scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if rig.adapter.verifyCalls != 1 {
		t.Errorf("verify calls = %d, want 1 even after cancellation", rig.adapter.verifyCalls)
	}
	if outcome.Status != OutcomePosted {
		t.Errorf("status = %q, want posted", outcome.Status)
	}
	if outcome.VerificationFailed {
		t.Error("a cancelled wait must not count as verification failure")
	}
}

func TestPublishPermissionErrorNoRetry(t *testing.T) {
	adapter := &fakeAdapter{publishErrs: []error{
		platform.NewError(platform.KindPermission, "insufficient write scope"),
	}}
	rig := newRig(t, adapter, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if adapter.publishCalls != 1 {
		t.Errorf("publish calls = %d, want 1 (no retry on permission errors)", adapter.publishCalls)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %q, want failed", outcome.Status)
	}
	if !strings.Contains(outcome.FailureReason, "permission") {
		t.Errorf("failure reason %q must mention permission", outcome.FailureReason)
	}
	if !outcome.AccountFlagged {
		t.Error("permission failure must flag the account")
	}
	if _, ok := rig.account.flagged[3]; !ok {
		t.Error("account was not flagged in the store")
	}
}

func TestPublishDuplicateErrorNoRetryNoFlag(t *testing.T) {
	adapter := &fakeAdapter{publishErrs: []error{
		platform.NewError(platform.KindDuplicate, "duplicate content"),
	}}
	rig := newRig(t, adapter, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if adapter.publishCalls != 1 {
		t.Errorf("publish calls = %d, want 1", adapter.publishCalls)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %q, want failed", outcome.Status)
	}
	if !strings.Contains(outcome.FailureReason, "duplicate content") {
		t.Errorf("failure reason %q must carry the platform message verbatim", outcome.FailureReason)
	}
	if len(rig.account.flagged) != 0 {
		t.Error("duplicate rejection must not flag the account")
	}
}

func TestPublishTransientErrorsExhaustRetries(t *testing.T) {
	adapter := &fakeAdapter{publishErrs: []error{
		platform.WrapError(platform.KindTransient, errors.New("503")),
		platform.WrapError(platform.KindTransient, errors.New("timeout")),
		platform.WrapError(platform.KindTransient, errors.New("connection reset")),
	}}
	rig := newRig(t, adapter, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if adapter.publishCalls != 3 {
		t.Errorf("publish calls = %d, want 3", adapter.publishCalls)
	}
	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %q, want failed", outcome.Status)
	}
	if !strings.Contains(outcome.FailureReason, "connection reset") {
		t.Errorf("failure reason %q must carry the last error", outcome.FailureReason)
	}
	if len(rig.account.flagged) != 0 {
		t.Error("transient exhaustion must not flag the account")
	}
}

func TestPublishAuthErrorRefreshesAndRetries(t *testing.T) {
	adapter := &fakeAdapter{publishErrs: []error{
		platform.NewError(platform.KindAuth, "token expired"),
		nil, // second attempt succeeds
	}}
	rig := newRig(t, adapter, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if outcome.Status != OutcomePosted {
		t.Errorf("status = %q, want posted after refresh+retry", outcome.Status)
	}
	if adapter.refreshCalls == 0 {
		t.Error("auth failure must force a token refresh")
	}
	if rig.account.updated == 0 {
		t.Error("rotated tokens must be persisted")
	}
	if outcome.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcome.Attempts)
	}
}

func TestPublishAuthExhaustionFlagsAccount(t *testing.T) {
	adapter := &fakeAdapter{
		publishErrs: []error{
			platform.NewError(platform.KindAuth, "token expired"),
			platform.NewError(platform.KindAuth, "token expired"),
			platform.NewError(platform.KindAuth, "token expired"),
		},
		refreshErr: platform.NewError(platform.KindAuth, "refresh token revoked"),
	}
	rig := newRig(t, adapter, time.Now().Add(2*time.Hour))

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if outcome.Status != OutcomeFailed {
		t.Errorf("status = %q, want failed", outcome.Status)
	}
	if !outcome.AccountFlagged {
		t.Error("auth exhaustion must flag the account")
	}
	if reason := rig.account.flagged[3]; !strings.Contains(reason, "authentication") {
		t.Errorf("reconnection reason %q must mention authentication", reason)
	}
}

func TestPublishProactiveRefreshBeforeAttempt(t *testing.T) {
	adapter := &fakeAdapter{}
	// Token expires inside the 30-minute freshness buffer.
	rig := newRig(t, adapter, time.Now().Add(5*time.Minute))

	if _, err := rig.orch.Publish(context.Background(), scheduledPost()); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if adapter.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1 proactive refresh", adapter.refreshCalls)
	}
}

func TestPublishNotClaimable(t *testing.T) {
	rig := newRig(t, &fakeAdapter{}, time.Now().Add(2*time.Hour))
	rig.posts.claimOK = false

	if _, err := rig.orch.Publish(context.Background(), scheduledPost()); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Publish error = %v, want ErrNotClaimable", err)
	}
	if rig.adapter.publishCalls != 0 {
		t.Error("unclaimed post must not be attempted")
	}
}

func TestPublishSkipsFlaggedAccount(t *testing.T) {
	rig := newRig(t, &fakeAdapter{}, time.Now().Add(2*time.Hour))
	rig.account.account.NeedsReconnection = true

	outcome, err := rig.orch.Publish(context.Background(), scheduledPost())
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if outcome.Status != OutcomeSkipped {
		t.Errorf("status = %q, want skipped", outcome.Status)
	}
	if !rig.posts.released {
		t.Error("claim must be released for a skipped post")
	}
	if rig.adapter.publishCalls != 0 {
		t.Error("flagged account must not be attempted")
	}
}

func TestBackoffGrows(t *testing.T) {
	o := &Orchestrator{cfg: Config{BaseDelay: 2 * time.Second, MaxAttempts: 3}}

	for attempt := 1; attempt <= 3; attempt++ {
		got := o.backoff(attempt)
		min := 2 * time.Second << (attempt - 1)
		max := min + time.Second
		if got < min || got > max {
			t.Errorf("backoff(%d) = %v, want between %v and %v", attempt, got, min, max)
		}
	}
}
