package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/campaignloop/publisher/internal/models"
)

// MaterializationStore commits the output of materializing one rule: the new
// post rows and the rule's advanced run times land together or not at all.
type MaterializationStore interface {
	CreatePostsAndAdvance(ctx context.Context, ruleID int64, posts []*models.Post, lastRunAt, nextRunAt time.Time) error
}

type materializationStore struct {
	db    *sql.DB
	posts PostRepository
	rules ScheduleRuleRepository
}

func NewMaterializationStore(db *sql.DB, posts PostRepository, rules ScheduleRuleRepository) MaterializationStore {
	return &materializationStore{db: db, posts: posts, rules: rules}
}

func (s *materializationStore) CreatePostsAndAdvance(ctx context.Context, ruleID int64, posts []*models.Post, lastRunAt, nextRunAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, post := range posts {
		if _, err := s.posts.Create(ctx, tx, post); err != nil {
			return fmt.Errorf("creating post for account %d: %w", post.AccountID, err)
		}
	}

	if err := s.rules.UpdateRunTimes(ctx, tx, ruleID, lastRunAt, nextRunAt); err != nil {
		return fmt.Errorf("advancing rule %d: %w", ruleID, err)
	}

	if err := tx.Commit(); err != nil {
		slog.Info(err.Error())
		return fmt.Errorf("committing materialization for rule %d: %w", ruleID, err)
	}
	return nil
}
