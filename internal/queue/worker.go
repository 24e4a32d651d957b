package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/campaignloop/publisher/internal/models"
	"github.com/campaignloop/publisher/internal/publisher"
)

func (j *Queue) HandlePublishPostTask(ctx context.Context, task *asynq.Task) error {
	var payload PublishPostPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return err
	}

	post, err := j.pr.GetByID(ctx, payload.PostID)
	if err != nil {
		return err
	}
	if post == nil {
		slog.Info("post gone before publish, dropping task", "post_id", payload.PostID)
		return nil
	}
	if post.Status != models.PostStatusScheduled {
		slog.Info("post no longer scheduled, dropping task",
			"post_id", post.ID, "status", post.Status)
		return nil
	}

	outcome, err := j.orch.Publish(ctx, post)
	if err != nil {
		// Another worker got there first. Not a task failure.
		if errors.Is(err, publisher.ErrNotClaimable) {
			return nil
		}
		return err
	}

	slog.Info("publish task finished",
		"post_id", post.ID, "platform", post.Platform,
		"status", outcome.Status, "attempts", outcome.Attempts)
	return nil
}
