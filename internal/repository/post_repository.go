package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/campaignloop/publisher/internal/models"
)

type PostRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Post, error)
	Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]*models.Post, error)
	ListOverdueScheduled(ctx context.Context, olderThan time.Time) ([]*models.Post, error)
	ListRecentByAccount(ctx context.Context, accountID int64, since time.Time) ([]*models.Post, error)
	ExistsForSchedule(ctx context.Context, ruleID, accountID int64, scheduledAt time.Time) (bool, error)
	ClaimScheduled(ctx context.Context, id int64) (bool, error)
	ReclaimStalePublishing(ctx context.Context, olderThan time.Time) (int64, error)
	MarkPosted(ctx context.Context, id int64, platformPostID string, verificationFailed bool, postedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string, failedAt time.Time) error
	ReleaseClaim(ctx context.Context, id int64) error
}

type postRepository struct {
	db *sql.DB
}

func NewPostRepository(db *sql.DB) PostRepository {
	return &postRepository{db: db}
}

const postColumns = `id, user_id, account_id, schedule_rule_id, platform, content, status,
	scheduled_at, posted_at, failed_at, failure_reason, platform_post_id,
	verification_failed, generated_by_automation, created_at, updated_at`

func scanPost(row interface{ Scan(...any) error }) (*models.Post, error) {
	var p models.Post
	err := row.Scan(&p.ID, &p.UserID, &p.AccountID, &p.ScheduleRuleID, &p.Platform,
		&p.Content, &p.Status, &p.ScheduledAt, &p.PostedAt, &p.FailedAt,
		&p.FailureReason, &p.PlatformPostID, &p.VerificationFailed,
		&p.GeneratedByAutomation, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1`
	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return post, nil
}

func (r *postRepository) Create(ctx context.Context, tx *sql.Tx, post *models.Post) (int64, error) {
	query := `
		INSERT INTO posts (
			user_id, account_id, schedule_rule_id, platform, content,
			status, scheduled_at, generated_by_automation
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	var err error

	if tx != nil {
		err = tx.QueryRowContext(ctx, query, post.UserID, post.AccountID, post.ScheduleRuleID,
			post.Platform, post.Content, post.Status, post.ScheduledAt, post.GeneratedByAutomation).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, post.UserID, post.AccountID, post.ScheduleRuleID,
			post.Platform, post.Content, post.Status, post.ScheduledAt, post.GeneratedByAutomation).Scan(&id)
	}
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

func (r *postRepository) ListDueScheduled(ctx context.Context, now time.Time) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC`

	return r.listPosts(ctx, query, models.PostStatusScheduled, now)
}

// ListOverdueScheduled includes posts stuck in the transient publishing
// state: a claim whose worker died is just as overdue as a post never
// picked up, and must stay visible to the health report.
func (r *postRepository) ListOverdueScheduled(ctx context.Context, olderThan time.Time) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE status IN ($1, $2) AND scheduled_at < $3
		ORDER BY scheduled_at ASC`

	return r.listPosts(ctx, query, models.PostStatusScheduled, models.PostStatusPublishing, olderThan)
}

func (r *postRepository) ListRecentByAccount(ctx context.Context, accountID int64, since time.Time) ([]*models.Post, error) {
	query := `SELECT ` + postColumns + `
		FROM posts
		WHERE account_id = $1 AND created_at >= $2
		ORDER BY created_at DESC`

	return r.listPosts(ctx, query, accountID, since)
}

func (r *postRepository) listPosts(ctx context.Context, query string, args ...any) ([]*models.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var posts []*models.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return posts, nil
}

func (r *postRepository) ExistsForSchedule(ctx context.Context, ruleID, accountID int64, scheduledAt time.Time) (bool, error) {
	query := `SELECT 1 FROM posts WHERE schedule_rule_id = $1 AND account_id = $2 AND scheduled_at = $3`

	var result int
	err := r.db.QueryRowContext(ctx, query, ruleID, accountID, scheduledAt).Scan(&result)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		slog.Info(err.Error())
		return false, err
	}

	return result == 1, nil
}

// ClaimScheduled flips a post into the in-flight publishing state only if it
// is still scheduled. Zero rows affected means another worker already owns
// the post, so callers must skip it.
func (r *postRepository) ClaimScheduled(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE posts
		SET status = $2, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.ExecContext(ctx, query, id, models.PostStatusPublishing, models.PostStatusScheduled)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affected == 1, nil
}

// ReleaseClaim puts a claimed post back to scheduled, used when a claim was
// taken but the attempt could not start (adapter missing, account unusable).
func (r *postRepository) ReleaseClaim(ctx context.Context, id int64) error {
	query := `
		UPDATE posts
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2 AND status = $3
	`
	_, err := r.db.ExecContext(ctx, query, models.PostStatusScheduled, id, models.PostStatusPublishing)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// ReclaimStalePublishing returns posts abandoned mid-claim to the scheduled
// state. A worker that crashes between claiming and a terminal mark leaves
// the row in publishing forever; once the claim is older than the grace
// period the next tick takes it back and re-enqueues it.
func (r *postRepository) ReclaimStalePublishing(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		UPDATE posts
		SET status = $1, updated_at = CURRENT_TIMESTAMP
		WHERE status = $2 AND updated_at < $3
	`
	result, err := r.db.ExecContext(ctx, query, models.PostStatusScheduled, models.PostStatusPublishing, olderThan)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	return affected, nil
}

func (r *postRepository) MarkPosted(ctx context.Context, id int64, platformPostID string, verificationFailed bool, postedAt time.Time) error {
	query := `
		UPDATE posts
		SET status = $1,
			platform_post_id = $2,
			verification_failed = $3,
			posted_at = $4,
			failure_reason = '',
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, models.PostStatusPosted, platformPostID, verificationFailed, postedAt, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *postRepository) MarkFailed(ctx context.Context, id int64, reason string, failedAt time.Time) error {
	query := `
		UPDATE posts
		SET status = $1,
			failure_reason = $2,
			failed_at = $3,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, models.PostStatusFailed, reason, failedAt, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
