package models

import (
	"database/sql"
	"time"
)

type Post struct {
	ID                    int64         `db:"id" json:"id"`
	UserID                int64         `db:"user_id" json:"user_id"`
	AccountID             int64         `db:"account_id" json:"account_id"`
	ScheduleRuleID        sql.NullInt64 `db:"schedule_rule_id" json:"schedule_rule_id"`
	Platform              string        `db:"platform" json:"platform"`
	Content               string        `db:"content" json:"content"`
	Status                string        `db:"status" json:"status"` // draft, scheduled, posted, failed
	ScheduledAt           time.Time     `db:"scheduled_at" json:"scheduled_at"`
	PostedAt              sql.NullTime  `db:"posted_at" json:"posted_at"`
	FailedAt              sql.NullTime  `db:"failed_at" json:"failed_at"`
	FailureReason         string        `db:"failure_reason" json:"failure_reason"`
	PlatformPostID        string        `db:"platform_post_id" json:"platform_post_id"`
	VerificationFailed    bool          `db:"verification_failed" json:"verification_failed"`
	GeneratedByAutomation bool          `db:"generated_by_automation" json:"generated_by_automation"`
	CreatedAt             time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time     `db:"updated_at" json:"updated_at"`
}

const (
	PostStatusDraft     = "draft"
	PostStatusScheduled = "scheduled"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"

	// PostStatusPublishing marks a post claimed by a publish worker. It is
	// transient: every claimed post ends up posted, failed, or back to
	// scheduled if the attempt could not start.
	PostStatusPublishing = "publishing"
)
