package domain

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/webbigdata/ohtani-feeds/internal/rules"
)

// DefaultClassifierConcurrency caps concurrent classifier calls within one
// batch. Classifier latency dominates batch processing, so independent
// candidates run in parallel up to this limit.
const DefaultClassifierConcurrency = 6

// Decision stages, first match decides.
const (
	stageReply      = "reply"
	stageDeny       = "deny"
	stageWatched    = "watched_author"
	stageFullName   = "full_name"
	stageNoPrimary  = "no_primary"
	stageSecondary  = "secondary"
	stageClassifier = "classifier"
)

// Pipeline is the tiered relevance decision engine. Rule matching is cheap
// and synchronous; only candidates that fall through every shortcut reach
// the external classifier.
type Pipeline struct {
	rules       *rules.Set
	classifier  Classifier
	verdicts    VerdictCache // nil disables caching
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// PipelineOptions tune optional pipeline behavior.
type PipelineOptions struct {
	// VerdictCache, when non-nil, is consulted before the classifier and
	// updated with definite (non-absent) verdicts.
	VerdictCache VerdictCache

	// Concurrency bounds parallel candidate evaluation within a batch.
	// Zero means DefaultClassifierConcurrency.
	Concurrency int
}

// NewPipeline creates a Pipeline over an immutable rule set.
func NewPipeline(set *rules.Set, classifier Classifier, logger *slog.Logger, opts PipelineOptions) *Pipeline {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultClassifierConcurrency
	}
	return &Pipeline{
		rules:       set,
		classifier:  classifier,
		verdicts:    opts.VerdictCache,
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// Evaluate runs one batch through the decision tiers. It never fails:
// malformed candidates are skipped, classifier outages degrade to rejection
// of the ambiguous subset. Creations are independent and evaluated
// concurrently; the delete list passes through deduplicated.
func (p *Pipeline) Evaluate(ctx context.Context, batch Batch) Outcome {
	out := Outcome{DeletedURIs: dedupURIs(batch.DeleteURIs)}
	if len(batch.Creates) == 0 {
		return out
	}

	var (
		mu       sync.Mutex
		accepted []AcceptedPost
		eg       errgroup.Group
	)
	eg.SetLimit(p.concurrency)

	for _, c := range batch.Creates {
		cand := c
		eg.Go(func() error {
			accept, relevant, stage := p.evaluate(ctx, cand)
			p.logger.Debug("candidate evaluated",
				"uri", cand.URI,
				"stage", stage,
				"accepted", accept,
			)
			if !accept {
				return nil
			}

			post := AcceptedPost{
				URI:        cand.URI,
				CID:        cand.CID,
				Author:     cand.Author,
				Text:       cand.Text,
				IndexedAt:  p.now().UTC(),
				IsRelevant: relevant,
			}
			mu.Lock()
			accepted = append(accepted, post)
			mu.Unlock()
			return nil
		})
	}
	eg.Wait() // workers never return errors

	out.Accepted = accepted
	return out
}

// evaluate applies the decision tiers to one candidate in fixed order.
func (p *Pipeline) evaluate(ctx context.Context, c CandidatePost) (accept, relevant bool, stage string) {
	if c.URI == "" || c.Author == "" || c.Text == "" {
		p.logger.Warn("skipping malformed candidate", "uri", c.URI, "author", c.Author)
		return false, false, "malformed"
	}

	if c.IsReply {
		return false, false, stageReply
	}

	// Deny runs before every acceptance path, including the watched-author
	// bypass, so a known false positive can never slip through a trusted
	// account or a phrase overlap.
	if p.rules.MatchesDeny(c.Text, c.Author) {
		return false, false, stageDeny
	}

	// Watched accounts are stored unconditionally; the relevance annotation
	// still reflects whether the post itself mentions the topic.
	if p.rules.IsWatchedAuthor(c.Author) {
		return true, p.rules.MatchesPrimary(c.Text), stageWatched
	}

	if p.rules.MatchesFullName(c.Text) {
		return true, true, stageFullName
	}

	if !p.rules.MatchesPrimary(c.Text) {
		return false, false, stageNoPrimary
	}

	if p.rules.MatchesSecondary(c.Text) {
		return true, true, stageSecondary
	}

	v := p.classify(ctx, c)
	return v == VerdictYes, v == VerdictYes, stageClassifier
}

// classify invokes the classifier, memoizing definite verdicts. Cache errors
// are misses; an absent verdict is never cached.
func (p *Pipeline) classify(ctx context.Context, c CandidatePost) Verdict {
	if p.verdicts != nil {
		v, ok, err := p.verdicts.GetVerdict(ctx, c.Author, c.Text)
		if err != nil {
			p.logger.Debug("verdict cache read failed", "uri", c.URI, "error", err)
		} else if ok {
			return v
		}
	}

	v, err := p.classifier.Classify(ctx, c.Author, c.Text)
	if err != nil {
		p.logger.Warn("classifier call failed, rejecting candidate",
			"uri", c.URI,
			"error", err,
		)
		return VerdictAbsent
	}

	if p.verdicts != nil {
		if err := p.verdicts.SetVerdict(ctx, c.Author, c.Text, v); err != nil {
			p.logger.Debug("verdict cache write failed", "uri", c.URI, "error", err)
		}
	}
	return v
}

func dedupURIs(uris []string) []string {
	if len(uris) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(uris))
	out := make([]string, 0, len(uris))
	for _, u := range uris {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
