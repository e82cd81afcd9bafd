package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func accepted(uri, cid string, indexedAt time.Time) domain.AcceptedPost {
	return domain.AcceptedPost{
		URI:        uri,
		CID:        cid,
		Author:     "author.example",
		Text:       "some text",
		IndexedAt:  indexedAt,
		IsRelevant: true,
	}
}

func allPosts(t *testing.T, repo *Repository) []domain.Post {
	t.Helper()
	posts, _, err := repo.GetFeedPosts(context.Background(), 1000, "")
	if err != nil {
		t.Fatalf("GetFeedPosts failed: %v", err)
	}
	return posts
}

func TestCommitBatch_InsertAndFetch(t *testing.T) {
	repo := newTestRepo(t)
	now := time.Now().UTC()

	err := repo.CommitBatch(context.Background(), []domain.AcceptedPost{
		accepted("at://a/app.bsky.feed.post/1", "cid-1", now),
	}, nil)
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	posts := allPosts(t, repo)
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	if posts[0].URI != "at://a/app.bsky.feed.post/1" || posts[0].CID != "cid-1" {
		t.Errorf("unexpected post: %+v", posts[0])
	}
}

func TestCommitBatch_IdempotentUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	uri := "at://a/app.bsky.feed.post/1"

	if err := repo.CommitBatch(ctx, []domain.AcceptedPost{accepted(uri, "cid-1", now)}, nil); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}
	// Same URI again with a revised cid: must not error, must overwrite.
	if err := repo.CommitBatch(ctx, []domain.AcceptedPost{accepted(uri, "cid-2", now.Add(time.Second))}, nil); err != nil {
		t.Fatalf("second commit failed: %v", err)
	}

	posts := allPosts(t, repo)
	if len(posts) != 1 {
		t.Fatalf("duplicate URI produced %d rows, want 1", len(posts))
	}
	if posts[0].CID != "cid-2" {
		t.Errorf("cid = %q, want overwritten cid-2", posts[0].CID)
	}
}

func TestCommitBatch_DeleteThenRecreateSameBatch(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	uri := "at://a/app.bsky.feed.post/1"

	if err := repo.CommitBatch(ctx, []domain.AcceptedPost{accepted(uri, "cid-old", now)}, nil); err != nil {
		t.Fatalf("seed commit failed: %v", err)
	}

	// One batch carrying both the delete and the re-create: deletes apply
	// first, so the row must survive with the new content.
	err := repo.CommitBatch(ctx,
		[]domain.AcceptedPost{accepted(uri, "cid-new", now.Add(time.Second))},
		[]string{uri},
	)
	if err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	posts := allPosts(t, repo)
	if len(posts) != 1 {
		t.Fatalf("expected 1 post after delete+recreate, got %d", len(posts))
	}
	if posts[0].CID != "cid-new" {
		t.Errorf("cid = %q, want cid-new", posts[0].CID)
	}
}

func TestCommitBatch_PureDelete(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	uri := "at://a/app.bsky.feed.post/1"

	if err := repo.CommitBatch(ctx, []domain.AcceptedPost{accepted(uri, "cid-1", time.Now().UTC())}, nil); err != nil {
		t.Fatalf("seed commit failed: %v", err)
	}
	if err := repo.CommitBatch(ctx, nil, []string{uri}); err != nil {
		t.Fatalf("delete commit failed: %v", err)
	}

	if posts := allPosts(t, repo); len(posts) != 0 {
		t.Errorf("expected 0 posts after delete, got %d", len(posts))
	}
}

func TestCommitBatch_DeleteOfUnknownURI(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.CommitBatch(context.Background(), nil, []string{"at://a/app.bsky.feed.post/missing"}); err != nil {
		t.Errorf("deleting an unknown URI must not fail: %v", err)
	}
}

func TestGetFeedPosts_OrderAndPagination(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var batch []domain.AcceptedPost
	for i := 0; i < 5; i++ {
		batch = append(batch, accepted(
			fmt.Sprintf("at://a/app.bsky.feed.post/%d", i),
			fmt.Sprintf("cid-%d", i),
			base.Add(time.Duration(i)*time.Minute),
		))
	}
	if err := repo.CommitBatch(ctx, batch, nil); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	page1, cursor, err := repo.GetFeedPosts(ctx, 2, "")
	if err != nil {
		t.Fatalf("first page failed: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("first page has %d posts, want 2", len(page1))
	}
	if page1[0].URI != "at://a/app.bsky.feed.post/4" {
		t.Errorf("newest post first, got %s", page1[0].URI)
	}
	if cursor == "" {
		t.Fatalf("expected a continuation cursor")
	}

	page2, _, err := repo.GetFeedPosts(ctx, 2, cursor)
	if err != nil {
		t.Fatalf("second page failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("second page has %d posts, want 2", len(page2))
	}
	if page2[0].URI != "at://a/app.bsky.feed.post/2" {
		t.Errorf("pagination continued at %s, want post/2", page2[0].URI)
	}
}

func TestGetFeedPosts_InvalidCursor(t *testing.T) {
	repo := newTestRepo(t)

	if _, _, err := repo.GetFeedPosts(context.Background(), 10, "garbage"); err == nil {
		t.Errorf("expected error for malformed cursor")
	}
}

func TestDeleteOldPosts_AgeAndCap(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []domain.AcceptedPost{
		accepted("at://a/app.bsky.feed.post/old", "c", now.Add(-48*time.Hour)),
		accepted("at://a/app.bsky.feed.post/1", "c", now.Add(-3*time.Minute)),
		accepted("at://a/app.bsky.feed.post/2", "c", now.Add(-2*time.Minute)),
		accepted("at://a/app.bsky.feed.post/3", "c", now.Add(-time.Minute)),
	}
	if err := repo.CommitBatch(ctx, batch, nil); err != nil {
		t.Fatalf("CommitBatch failed: %v", err)
	}

	deleted, err := repo.DeleteOldPosts(ctx, 24*time.Hour, 2)
	if err != nil {
		t.Fatalf("DeleteOldPosts failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2 (one expired, one over cap)", deleted)
	}

	posts := allPosts(t, repo)
	if len(posts) != 2 {
		t.Fatalf("expected 2 posts kept, got %d", len(posts))
	}
	if posts[0].URI != "at://a/app.bsky.feed.post/3" {
		t.Errorf("most recent post should be kept, got %s", posts[0].URI)
	}
}

func TestCursors_Roundtrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	cursor, err := repo.GetCursor(ctx, "jetstream")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor != 0 {
		t.Errorf("missing cursor = %d, want 0", cursor)
	}

	if err := repo.UpdateCursor(ctx, "jetstream", 12345); err != nil {
		t.Fatalf("UpdateCursor failed: %v", err)
	}
	if err := repo.UpdateCursor(ctx, "jetstream", 67890); err != nil {
		t.Fatalf("second UpdateCursor failed: %v", err)
	}

	cursor, err = repo.GetCursor(ctx, "jetstream")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cursor != 67890 {
		t.Errorf("cursor = %d, want 67890", cursor)
	}
}
