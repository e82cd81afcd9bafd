package domain

import "time"

// CandidatePost is one creation event under relevance evaluation. It is
// constructed from a decoded firehose operation and never mutated.
type CandidatePost struct {
	// URI is the AT-URI of the post (e.g. at://did:plc:abc/app.bsky.feed.post/3l3qo2vuowo2b).
	URI string

	// CID is the content identifier of this revision of the record.
	CID string

	// Author is the DID of the post's author.
	Author string

	// Text is the post body used for keyword matching and classification.
	Text string

	// CreatedAt is the event-supplied timestamp. Advisory only; IndexedAt is
	// what ordering and retention use.
	CreatedAt string

	// IsReply marks posts that reply to another post. Replies are excluded
	// before any rule runs.
	IsReply bool
}

// AcceptedPost is a candidate that passed the pipeline.
type AcceptedPost struct {
	URI    string
	CID    string
	Author string
	Text   string

	// IndexedAt is the wall-clock time of acceptance, assigned once.
	IndexedAt time.Time

	// IsRelevant is the auxiliary classification annotation. It never gates
	// storage: classifier-decided posts carry the classifier's verdict,
	// shortcut acceptances are recorded as relevant.
	IsRelevant bool
}

// Post is a stored row as served in feed skeletons.
type Post struct {
	URI       string
	CID       string
	IndexedAt time.Time
}

// Batch is one unit of firehose input: the creations and deletions extracted
// from consecutive commit events.
type Batch struct {
	Creates    []CandidatePost
	DeleteURIs []string
}

// Outcome is the pipeline's decision for one batch. DeletedURIs is the
// deduplicated delete list; Accepted carries only candidates that passed.
type Outcome struct {
	Accepted    []AcceptedPost
	DeletedURIs []string
}
