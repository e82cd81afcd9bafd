package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

const (
	postCollection     = "app.bsky.feed.post"
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second
	statsLogInterval   = 30 * time.Second

	// DefaultBatchMaxSize and DefaultBatchMaxAge bound how many ops and how
	// much time accumulate before a batch is flushed to the pipeline.
	DefaultBatchMaxSize = 25
	DefaultBatchMaxAge  = 500 * time.Millisecond
)

// wantedCollections is the set of AT Proto collection NSIDs this subscriber
// requests from Jetstream. Only post events are needed.
var wantedCollections = []string{
	postCollection,
}

// Subscriber connects to the Jetstream firehose, accumulates post operations
// into batches, and hands each batch to the feed service. Batches are
// processed sequentially in arrival order; only that ordering keeps the
// persisted state consistent with upstream commit order.
type Subscriber struct {
	url          string
	feedService  *domain.FeedService
	logger       *slog.Logger
	batchMaxSize int
	batchMaxAge  time.Duration
}

// Options tune the subscriber's batching behavior.
type Options struct {
	BatchMaxSize int
	BatchMaxAge  time.Duration
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(firehoseURL string, feedService *domain.FeedService, logger *slog.Logger, opts Options) *Subscriber {
	if opts.BatchMaxSize <= 0 {
		opts.BatchMaxSize = DefaultBatchMaxSize
	}
	if opts.BatchMaxAge <= 0 {
		opts.BatchMaxAge = DefaultBatchMaxAge
	}
	return &Subscriber{
		url:          firehoseURL,
		feedService:  feedService,
		logger:       logger,
		batchMaxSize: opts.BatchMaxSize,
		batchMaxAge:  opts.BatchMaxAge,
	}
}

// Start connects to the firehose and processes events until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				s.logger.Error("firehose connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Second):
					// backoff before reconnecting
				}
			}
		}
	}
}

func (s *Subscriber) buildURL(cursor int64) string {
	u, _ := url.Parse(s.url)
	q := u.Query()
	for _, c := range wantedCollections {
		q.Add("wantedCollections", c)
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// readResult carries one WebSocket frame, or the read error that ended the
// stream.
type readResult struct {
	data []byte
	err  error
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	cursor, err := s.feedService.GetCursor(ctx, cursorServiceName)
	if err != nil {
		s.logger.Warn("failed to load cursor, starting from live", "error", err)
	}

	wsURL := s.buildURL(cursor)
	s.logger.Info("connecting to firehose", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to firehose")

	// Reads happen on their own goroutine so the batching loop can flush on
	// the age timer while the stream is quiet. Closing the connection (via
	// the defer above) unblocks a pending ReadMessage.
	msgs := make(chan readResult)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			select {
			case msgs <- readResult{data: message, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	return s.run(ctx, msgs)
}

// run drives the batching loop: operations accumulate until the batch
// reaches the size bound or the age timer fires, then the batch goes to the
// feed service. The cursor is persisted only for flushed batches, so a
// restart replays at most the pending window. On exit the pending batch is
// drained so a reconnect or shutdown does not replay it.
func (s *Subscriber) run(ctx context.Context, msgs <-chan readResult) error {
	b := newBatcher(s.batchMaxSize)

	flushTimer := time.NewTimer(s.batchMaxAge)
	defer flushTimer.Stop()
	saveTicker := time.NewTicker(cursorSaveInterval)
	defer saveTicker.Stop()
	statsTicker := time.NewTicker(statsLogInterval)
	defer statsTicker.Stop()

	var (
		savedCursor  int64 // cursor of the last flushed batch
		storedCursor int64
		eventsSeen   int64
		batchesDone  int64
		postsKept    int64
	)

	resetTimer := func() {
		if !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushTimer.Reset(s.batchMaxAge)
	}

	flush := func(ctx context.Context) {
		resetTimer()
		if b.empty() {
			return
		}
		batch, cursor := b.take()
		outcome := s.feedService.ProcessBatch(ctx, batch)
		batchesDone++
		postsKept += int64(len(outcome.Accepted))
		for _, p := range outcome.Accepted {
			s.logger.Info("accepted post",
				"uri", p.URI,
				"relevant", p.IsRelevant,
				"text_preview", truncate(p.Text, 100),
			)
		}
		savedCursor = cursor
	}

	saveCursor := func(ctx context.Context) {
		if savedCursor == 0 || savedCursor == storedCursor {
			return
		}
		if err := s.feedService.UpdateCursor(ctx, cursorServiceName, savedCursor); err != nil {
			s.logger.Error("failed to save cursor", "error", err)
			return
		}
		storedCursor = savedCursor
	}

	defer func() {
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		flush(drainCtx)
		saveCursor(drainCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case res := <-msgs:
			if res.err != nil {
				return fmt.Errorf("read message: %w", res.err)
			}
			event, err := parseEvent(res.data)
			if err != nil {
				s.logger.Error("failed to parse event", "error", err)
				continue
			}
			eventsSeen++
			if event.Kind == "commit" && event.Commit != nil {
				b.add(event)
			}
			if b.full() {
				flush(ctx)
			}

		case <-flushTimer.C:
			flush(ctx)

		case <-saveTicker.C:
			saveCursor(ctx)

		case <-statsTicker.C:
			s.logger.Info("firehose stats",
				"events_seen", eventsSeen,
				"batches_processed", batchesDone,
				"posts_accepted", postsKept,
			)
		}
	}
}

// truncate returns a prefix of s at most n bytes long, cut on a rune
// boundary, appending "..." if anything was removed.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
