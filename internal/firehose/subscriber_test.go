package firehose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
	"github.com/webbigdata/ohtani-feeds/internal/rules"
)

type commitCall struct {
	accepted []domain.AcceptedPost
	deleted  []string
}

// recordingRepo captures CommitBatch calls and signals each one on done.
type recordingRepo struct {
	mu      sync.Mutex
	commits []commitCall
	done    chan struct{}
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{done: make(chan struct{}, 16)}
}

func (r *recordingRepo) CommitBatch(_ context.Context, accepted []domain.AcceptedPost, deleteURIs []string) error {
	r.mu.Lock()
	r.commits = append(r.commits, commitCall{accepted: accepted, deleted: deleteURIs})
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingRepo) DeleteOldPosts(context.Context, time.Duration, int) (int64, error) {
	return 0, nil
}

func (r *recordingRepo) GetFeedPosts(context.Context, int, string) ([]domain.Post, string, error) {
	return nil, "", nil
}

func (r *recordingRepo) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commits)
}

func (r *recordingRepo) lastCommit(t *testing.T) commitCall {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.commits) == 0 {
		t.Fatalf("no commits recorded")
	}
	return r.commits[len(r.commits)-1]
}

type recordingCursors struct {
	mu    sync.Mutex
	saves []int64
}

func (c *recordingCursors) GetCursor(context.Context, string) (int64, error) {
	return 0, nil
}

func (c *recordingCursors) UpdateCursor(_ context.Context, _ string, cursor int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves = append(c.saves, cursor)
	return nil
}

func (c *recordingCursors) saved() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.saves...)
}

type rejectAll struct{}

func (rejectAll) Classify(context.Context, string, string) (domain.Verdict, error) {
	return domain.VerdictNo, nil
}

func newLoopFixture(t *testing.T, opts Options) (*Subscriber, *recordingRepo, *recordingCursors) {
	t.Helper()
	set, err := rules.Compile(rules.File{
		Primary:  []string{"otani"},
		FullName: []string{"otani"},
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pipeline := domain.NewPipeline(set, rejectAll{}, logger, domain.PipelineOptions{})

	repo := newRecordingRepo()
	cursors := &recordingCursors{}
	feedURI := domain.NewFeedURI("did:plc:publisher", "ohtani")
	svc, err := domain.NewFeedService([]string{feedURI}, pipeline, repo, cursors, logger)
	if err != nil {
		t.Fatalf("NewFeedService failed: %v", err)
	}

	sub := NewSubscriber("wss://jetstream.example/subscribe", svc, logger, opts)
	return sub, repo, cursors
}

func createFrame(timeUS int64, rkey, text string) readResult {
	data := fmt.Sprintf(`{"did":"did:plc:abc123","time_us":%d,"kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.post","rkey":%q,"cid":"cid-%s","record":{"$type":"app.bsky.feed.post","text":%q,"createdAt":"2025-03-01T12:00:00.000Z"}}}`,
		timeUS, rkey, rkey, text)
	return readResult{data: []byte(data)}
}

func deleteFrame(timeUS int64, rkey string) readResult {
	data := fmt.Sprintf(`{"did":"did:plc:abc123","time_us":%d,"kind":"commit","commit":{"operation":"delete","collection":"app.bsky.feed.post","rkey":%q}}`,
		timeUS, rkey)
	return readResult{data: []byte(data)}
}

func waitForCommit(t *testing.T, repo *recordingRepo) {
	t.Helper()
	select {
	case <-repo.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("batch was not flushed")
	}
}

func TestRun_FlushesAtSizeBound(t *testing.T) {
	sub, repo, _ := newLoopFixture(t, Options{BatchMaxSize: 2, BatchMaxAge: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan readResult)
	errCh := make(chan error, 1)
	go func() { errCh <- sub.run(ctx, msgs) }()

	msgs <- createFrame(1, "3ka", "otani homers again")
	if repo.commitCount() != 0 {
		t.Errorf("batch flushed below the size bound")
	}
	msgs <- createFrame(2, "3kb", "otani on deck")

	waitForCommit(t, repo)
	commit := repo.lastCommit(t)
	if len(commit.accepted) != 2 {
		t.Errorf("flushed %d accepted posts, want 2", len(commit.accepted))
	}

	cancel()
	<-errCh
}

func TestRun_FlushesAtAgeBound(t *testing.T) {
	sub, repo, _ := newLoopFixture(t, Options{BatchMaxSize: 100, BatchMaxAge: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan readResult)
	errCh := make(chan error, 1)
	go func() { errCh <- sub.run(ctx, msgs) }()

	// A single op, then silence: the age timer alone must flush it.
	msgs <- createFrame(1, "3ka", "otani walk-off")

	waitForCommit(t, repo)
	commit := repo.lastCommit(t)
	if len(commit.accepted) != 1 {
		t.Errorf("flushed %d accepted posts, want 1", len(commit.accepted))
	}

	cancel()
	<-errCh
}

func TestRun_CursorSavedOnlyAfterFlush(t *testing.T) {
	sub, repo, cursors := newLoopFixture(t, Options{BatchMaxSize: 100, BatchMaxAge: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan readResult)
	errCh := make(chan error, 1)
	go func() { errCh <- sub.run(ctx, msgs) }()

	msgs <- deleteFrame(777, "3ka")

	// Neither bound reached: the op is pending, nothing persisted.
	time.Sleep(50 * time.Millisecond)
	if repo.commitCount() != 0 {
		t.Errorf("pending batch committed before a flush")
	}
	if len(cursors.saved()) != 0 {
		t.Errorf("cursor saved for an unflushed batch: %v", cursors.saved())
	}

	// Shutdown drains the pending batch and persists its cursor.
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("run returned %v, want context.Canceled", err)
	}
	commit := repo.lastCommit(t)
	if len(commit.deleted) != 1 {
		t.Errorf("drained %d deletes, want 1", len(commit.deleted))
	}
	saves := cursors.saved()
	if len(saves) != 1 || saves[0] != 777 {
		t.Errorf("cursor saves = %v, want [777]", saves)
	}
}

func TestRun_DrainsOnReadError(t *testing.T) {
	sub, repo, cursors := newLoopFixture(t, Options{BatchMaxSize: 100, BatchMaxAge: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := make(chan readResult)
	errCh := make(chan error, 1)
	go func() { errCh <- sub.run(ctx, msgs) }()

	msgs <- createFrame(888, "3ka", "otani steals second")
	msgs <- readResult{err: errors.New("connection reset")}

	if err := <-errCh; err == nil {
		t.Fatalf("expected run to surface the read error")
	}
	// The pending batch survives the disconnect instead of being replayed.
	commit := repo.lastCommit(t)
	if len(commit.accepted) != 1 {
		t.Errorf("drained %d accepted posts, want 1", len(commit.accepted))
	}
	saves := cursors.saved()
	if len(saves) != 1 || saves[0] != 888 {
		t.Errorf("cursor saves = %v, want [888]", saves)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "大谷翔平が本塁打"

	got := truncate(s, 7)
	if got != "大谷..." {
		t.Errorf("truncate = %q, want cut on a rune boundary", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncate produced invalid UTF-8: %q", got)
	}

	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate altered a short string: %q", got)
	}
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate = %q, want %q", got, "abc...")
	}
}
