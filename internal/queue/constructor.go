package queue

import (
	"github.com/campaignloop/publisher/internal/publisher"
	"github.com/campaignloop/publisher/internal/repository"
)

type Queue struct {
	pr   repository.PostRepository
	orch *publisher.Orchestrator
}

func NewQueue(pr repository.PostRepository, orch *publisher.Orchestrator) *Queue {
	return &Queue{
		pr:   pr,
		orch: orch,
	}
}

const TaskTypePublishPost = "publish:post"

type PublishPostPayload struct {
	PostID int64 `json:"post_id"`
}
