// Package generator defines the content generation capability consumed by
// the materializer. Implementations live outside this engine.
package generator

import "context"

type ContentGenerator interface {
	Generate(ctx context.Context, userID int64, platform, topic, tone, contentType string) (string, error)
}
