// Package sqlite implements the post store on SQLite. Batch commits apply
// deletions before insertions inside a single transaction, and duplicate
// URIs overwrite the stored row (a duplicated create carries a revised cid).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

// Repository implements domain.PostRepository and domain.CursorRepository.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (or creates) the SQLite database at path, applies
// pending migrations, and returns a Repository. The caller should call Close
// when the repository is no longer needed.
func NewRepository(path string) (*Repository, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CommitBatch applies one batch outcome in a single transaction: deletions
// first, then insertions. Applying deletes first means a delete and an
// accepted re-create of the same URI in one batch leaves the row present
// with the new content, while a pure delete leaves it absent. A failure
// rolls back the whole batch.
func (r *Repository) CommitBatch(ctx context.Context, accepted []domain.AcceptedPost, deleteURIs []string) error {
	if len(accepted) == 0 && len(deleteURIs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(deleteURIs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deleteURIs)), ",")
		args := make([]any, len(deleteURIs))
		for i, uri := range deleteURIs {
			args[i] = uri
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM posts WHERE uri IN (`+placeholders+`)`, args...,
		); err != nil {
			return fmt.Errorf("delete posts: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM post_relevance WHERE uri IN (`+placeholders+`)`, args...,
		); err != nil {
			return fmt.Errorf("delete relevance rows: %w", err)
		}
	}

	for _, post := range accepted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO posts (uri, cid, author, text, indexed_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (uri) DO UPDATE SET
				cid = excluded.cid,
				author = excluded.author,
				text = excluded.text,
				indexed_at = excluded.indexed_at`,
			post.URI,
			post.CID,
			post.Author,
			post.Text,
			post.IndexedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert post %s: %w", post.URI, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO post_relevance (uri, cid, indexed_at, is_relevant)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (uri) DO UPDATE SET
				cid = excluded.cid,
				indexed_at = excluded.indexed_at,
				is_relevant = excluded.is_relevant`,
			post.URI,
			post.CID,
			post.IndexedAt.UnixMilli(),
			post.IsRelevant,
		); err != nil {
			return fmt.Errorf("insert relevance row %s: %w", post.URI, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetFeedPosts retrieves posts paginated by cursor.
// The cursor format is "indexedAt::cid" (unix millis::cid).
func (r *Repository) GetFeedPosts(ctx context.Context, limit int, cursor string) ([]domain.Post, string, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if cursor != "" {
		cursorMillis, cursorCID, parseErr := parseCursor(cursor)
		if parseErr != nil {
			return nil, "", fmt.Errorf("invalid cursor '%s': %w", cursor, parseErr)
		}

		rows, err = r.db.QueryContext(ctx, `
			SELECT uri, cid, indexed_at
			FROM posts
			WHERE (indexed_at, cid) < (?, ?)
			ORDER BY indexed_at DESC, cid DESC
			LIMIT ?`,
			cursorMillis, cursorCID, limit,
		)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT uri, cid, indexed_at
			FROM posts
			ORDER BY indexed_at DESC, cid DESC
			LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		var (
			p      domain.Post
			millis int64
		)
		if err := rows.Scan(&p.URI, &p.CID, &millis); err != nil {
			return nil, "", fmt.Errorf("scan post: %w", err)
		}
		p.IndexedAt = time.UnixMilli(millis).UTC()
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterate posts: %w", err)
	}

	var nextCursor string
	if len(posts) == limit {
		last := posts[len(posts)-1]
		nextCursor = fmt.Sprintf("%d::%s", last.IndexedAt.UnixMilli(), last.CID)
	}

	return posts, nextCursor, nil
}

// DeleteOldPosts removes posts older than maxAge and any excess rows beyond
// maxRows, keeping the most recent posts. Orphaned relevance rows are removed
// along the way. Returns the total number of post rows deleted.
func (r *Repository) DeleteOldPosts(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM posts WHERE indexed_at < ?`,
		time.Now().UTC().Add(-maxAge).UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired posts: %w", err)
	}
	ttlDeleted, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `
		DELETE FROM posts WHERE uri IN (
			SELECT uri FROM posts
			ORDER BY indexed_at DESC, cid DESC
			LIMIT -1 OFFSET ?
		)`, maxRows,
	)
	if err != nil {
		return 0, fmt.Errorf("delete excess posts: %w", err)
	}
	capDeleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM post_relevance WHERE uri NOT IN (SELECT uri FROM posts)`,
	); err != nil {
		return 0, fmt.Errorf("delete orphaned relevance rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	return ttlDeleted + capDeleted, nil
}

// GetCursor retrieves the saved firehose cursor for a service.
func (r *Repository) GetCursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := r.db.QueryRowContext(ctx,
		`SELECT cursor_value FROM cursors WHERE service = ?`, service,
	).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

// UpdateCursor upserts the firehose cursor for a service.
func (r *Repository) UpdateCursor(ctx context.Context, service string, cursor int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (service, cursor_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (service) DO UPDATE SET cursor_value = ?, updated_at = ?`,
		service, cursor, time.Now().UTC().UnixMilli(), cursor, time.Now().UTC().UnixMilli(),
	)
	return err
}

func parseCursor(cursor string) (int64, string, error) {
	parts := strings.SplitN(cursor, "::", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("cursor must be in format 'timestamp::cid'")
	}
	millis, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid timestamp in cursor: %w", err)
	}
	return millis, parts[1], nil
}
