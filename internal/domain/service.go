package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// NewFeedURI builds the AT-URI of a feed generator record.
func NewFeedURI(publisherDID, feedName string) string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", publisherDID, feedName)
}

// FeedService is the core domain service. It runs incoming batches through
// the relevance pipeline, commits the outcome, and serves feed skeletons.
type FeedService struct {
	feedURIs map[string]struct{}
	pipeline *Pipeline
	repo     PostRepository
	cursors  CursorRepository
	logger   *slog.Logger
}

// NewFeedService creates a FeedService serving the given feed URIs.
func NewFeedService(feedURIs []string, pipeline *Pipeline, repo PostRepository, cursors CursorRepository, logger *slog.Logger) (*FeedService, error) {
	if len(feedURIs) == 0 {
		return nil, fmt.Errorf("at least one feed URI is required")
	}

	uris := make(map[string]struct{}, len(feedURIs))
	for _, uri := range feedURIs {
		uris[uri] = struct{}{}
	}

	return &FeedService{
		feedURIs: uris,
		pipeline: pipeline,
		repo:     repo,
		cursors:  cursors,
		logger:   logger,
	}, nil
}

// FeedURIs returns the AT-URIs of all registered feeds.
func (s *FeedService) FeedURIs() []string {
	uris := make([]string, 0, len(s.feedURIs))
	for uri := range s.feedURIs {
		uris = append(uris, uri)
	}
	return uris
}

// ProcessBatch evaluates one batch and commits the outcome. It never fails:
// a persistence error is logged and the batch counts as processed, so the
// stream cursor can advance (at-most-once persistence, accepted tradeoff).
// Batches must be passed in firehose delivery order.
func (s *FeedService) ProcessBatch(ctx context.Context, batch Batch) Outcome {
	outcome := s.pipeline.Evaluate(ctx, batch)

	if len(outcome.Accepted) == 0 && len(outcome.DeletedURIs) == 0 {
		return outcome
	}

	if err := s.repo.CommitBatch(ctx, outcome.Accepted, outcome.DeletedURIs); err != nil {
		s.logger.Warn("batch commit failed, skipping batch",
			"accepted", len(outcome.Accepted),
			"deleted", len(outcome.DeletedURIs),
			"error", err,
		)
	}
	return outcome
}

// GetCursor retrieves the last-processed firehose cursor for the given service.
func (s *FeedService) GetCursor(ctx context.Context, service string) (int64, error) {
	return s.cursors.GetCursor(ctx, service)
}

// UpdateCursor persists the firehose cursor for the given service.
func (s *FeedService) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	return s.cursors.UpdateCursor(ctx, service, cursor)
}

// GetFeedSkeleton returns a page of the feed skeleton for the given feed URI.
func (s *FeedService) GetFeedSkeleton(ctx context.Context, feedURI string, limit int, cursor string) (*FeedSkeleton, error) {
	if _, ok := s.feedURIs[feedURI]; !ok {
		s.logger.Error("unknown feed requested", "feedURI", feedURI, "registered_feeds", s.FeedURIs())
		return nil, fmt.Errorf("unknown feed: %s", feedURI)
	}

	posts, nextCursor, err := s.repo.GetFeedPosts(ctx, limit, cursor)
	if err != nil {
		return nil, fmt.Errorf("get feed posts: %w", err)
	}

	skeleton := &FeedSkeleton{
		Cursor: nextCursor,
		Posts:  make([]SkeletonPost, len(posts)),
	}
	for i, p := range posts {
		skeleton.Posts[i] = SkeletonPost{Post: p.URI}
	}
	return skeleton, nil
}

// StartCleanupJob runs a background loop that removes posts older than maxAge
// and caps the total at maxRows. It runs immediately on start and then repeats
// at the given interval. It blocks until ctx is cancelled.
func (s *FeedService) StartCleanupJob(ctx context.Context, interval time.Duration, maxAge time.Duration, maxRows int) {
	s.runCleanup(ctx, maxAge, maxRows)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runCleanup(ctx, maxAge, maxRows)
		}
	}
}

func (s *FeedService) runCleanup(ctx context.Context, maxAge time.Duration, maxRows int) {
	deleted, err := s.repo.DeleteOldPosts(ctx, maxAge, maxRows)
	if err != nil {
		s.logger.Error("post cleanup failed", "error", err)
	} else if deleted > 0 {
		s.logger.Info("post cleanup complete", "deleted", deleted)
	}
}
