package firehose

import (
	"fmt"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

// batcher accumulates post operations from commit events until the
// subscriber flushes them. It tracks the time_us of the newest event seen;
// once the pending batch is flushed that value becomes the resume cursor.
// Not safe for concurrent use.
type batcher struct {
	maxSize int
	batch   domain.Batch
	cursor  int64
}

func newBatcher(maxSize int) *batcher {
	return &batcher{maxSize: maxSize}
}

// add turns one commit event into a batch entry. Non-post collections and
// unknown operations are ignored, but still advance the cursor.
func (b *batcher) add(event *jetstreamEvent) {
	b.cursor = event.TimeUS

	commit := event.Commit
	if commit.Collection != postCollection {
		return
	}

	uri := fmt.Sprintf("at://%s/%s/%s", event.DID, commit.Collection, commit.RKey)

	switch commit.Operation {
	case "create":
		if commit.Record == nil {
			return
		}
		b.batch.Creates = append(b.batch.Creates, domain.CandidatePost{
			URI:       uri,
			CID:       commit.CID,
			Author:    event.DID,
			Text:      commit.Record.Text,
			CreatedAt: commit.Record.CreatedAt,
			IsReply:   commit.Record.Reply != nil,
		})
	case "delete":
		b.batch.DeleteURIs = append(b.batch.DeleteURIs, uri)
	}
}

func (b *batcher) empty() bool {
	return len(b.batch.Creates) == 0 && len(b.batch.DeleteURIs) == 0
}

func (b *batcher) full() bool {
	return len(b.batch.Creates)+len(b.batch.DeleteURIs) >= b.maxSize
}

// take returns the pending batch and its resume cursor, resetting the
// pending state.
func (b *batcher) take() (domain.Batch, int64) {
	batch := b.batch
	b.batch = domain.Batch{}
	return batch, b.cursor
}
