package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/metrics"
	"github.com/kalambet/dawn/internal/storage"
)

// AskRequest is a question against a feed's stored analysis.
type AskRequest struct {
	Tenant   string
	Feed     string
	Question string
	TopK     int
}

// Ask answers a question from the latest stored metric run of the feed's
// latest version and its context notes, without running a new analysis.
// A version that was never analyzed is answered from notes alone.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (answer.Answer, error) {
	if req.Tenant == "" {
		req.Tenant = storage.DefaultTenant
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return answer.Answer{}, analysis.NewValidationError("question", "question is empty")
	}
	feed, err := o.deps.Feeds.Feed(req.Tenant, req.Feed)
	if err != nil {
		return answer.Answer{}, err
	}
	v, err := o.deps.Store.LatestVersion(feed.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return answer.Answer{}, analysis.NewValidationError("feed", "feed %q has no versions", req.Feed)
	}
	if err != nil {
		return answer.Answer{}, fmt.Errorf("loading latest version of %s: %w", req.Feed, err)
	}

	var results []analysis.MetricResult
	run, err := o.deps.Store.LatestMetricRun(v.ID)
	switch {
	case err == nil:
		results = run.Results
	case !errors.Is(err, storage.ErrNotFound):
		return answer.Answer{}, fmt.Errorf("loading metric run: %w", err)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = o.opts.TopK
	}
	ans, err := o.deps.Resolver.Resolve(ctx, answer.Request{
		Tenant:   req.Tenant,
		Source:   memory.SourceKey(feed.Identifier),
		Question: question,
		Results:  results,
		TopK:     topK,
	})
	if err != nil {
		return answer.Answer{}, err
	}
	metrics.RecordAnswer(ans.Method)
	return ans, nil
}
