package classifier

import (
	"context"

	"github.com/webbigdata/ohtani-feeds/internal/domain"
)

// Disabled is a Classifier for deployments without a classification
// endpoint. It reports every call as absent, so the pipeline fails closed
// and only the keyword shortcuts accept posts.
type Disabled struct{}

func (Disabled) Classify(context.Context, string, string) (domain.Verdict, error) {
	return domain.VerdictAbsent, nil
}
