package domain

// FeedSkeleton is one page of a feed as served by getFeedSkeleton: post URIs
// in reverse-chronological index order plus the pagination cursor.
type FeedSkeleton struct {
	// Cursor continues pagination; empty when the page is the last one.
	Cursor string
	Posts  []SkeletonPost
}

// SkeletonPost is a single entry in a feed skeleton.
type SkeletonPost struct {
	// Post is the AT-URI of the post.
	Post string
}
