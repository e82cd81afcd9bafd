package domain

import (
	"context"
	"time"
)

// Verdict is the outcome of a semantic classification call.
type Verdict int

const (
	// VerdictAbsent means the call could not be completed. The pipeline
	// treats it as a non-match; ambiguity never yields acceptance.
	VerdictAbsent Verdict = iota

	// VerdictNo means the classifier answered anything other than the
	// acceptance token.
	VerdictNo

	// VerdictYes means the classifier answered exactly "YES".
	VerdictYes
)

func (v Verdict) String() string {
	switch v {
	case VerdictYes:
		return "yes"
	case VerdictNo:
		return "no"
	default:
		return "absent"
	}
}

// Classifier calls an external semantic-classification service. An error
// always accompanies VerdictAbsent and exists only for logging; callers must
// not treat it as fatal.
type Classifier interface {
	Classify(ctx context.Context, author, text string) (Verdict, error)
}

// VerdictCache memoizes classifier verdicts for identical author+text pairs.
// Implementations may be backed by an external store; errors are treated as
// misses by the caller.
type VerdictCache interface {
	GetVerdict(ctx context.Context, author, text string) (Verdict, bool, error)
	SetVerdict(ctx context.Context, author, text string, v Verdict) error
}

// PostRepository defines persistence operations for indexed posts.
type PostRepository interface {
	// CommitBatch applies one batch outcome atomically: deletions first,
	// then insertions with overwrite-on-conflict for duplicate URIs.
	CommitBatch(ctx context.Context, accepted []AcceptedPost, deleteURIs []string) error

	// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
	// maxRows, keeping the most recent posts. Returns the number of rows deleted.
	DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error)

	// GetFeedPosts retrieves posts ordered by indexedAt descending. The cursor
	// is opaque and implementation-defined. Returns posts and the next cursor
	// (empty string if no more results).
	GetFeedPosts(ctx context.Context, limit int, cursor string) ([]Post, string, error)
}

// CursorRepository defines persistence operations for firehose cursors.
type CursorRepository interface {
	// GetCursor retrieves the last-processed firehose cursor for the given
	// service name. Returns 0 if no cursor has been saved.
	GetCursor(ctx context.Context, service string) (int64, error)

	// UpdateCursor persists the firehose cursor so we can resume on restart.
	UpdateCursor(ctx context.Context, service string, cursor int64) error
}
