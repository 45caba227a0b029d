// Package orchestrator runs the analysis state machine: bootstrap, plan,
// execute, curate memory, answer an optional question, check the result
// and compose the report.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/dawn/internal/analysis"
	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/dataset"
	"github.com/kalambet/dawn/internal/drift"
	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/metrics"
	"github.com/kalambet/dawn/internal/storage"
)

// Store is the durable state the orchestrator reads and writes at stage
// boundaries.
type Store interface {
	LatestVersion(feedID string) (storage.FeedVersion, error)
	LoadDataset(versionID string) (*dataset.Dataset, error)
	LatestMetricRun(versionID string) (storage.MetricRun, error)
	SaveMetricRun(m storage.MetricRun) error
	SaveRunRecord(r storage.RunRecord) error
}

// FeedLookup resolves feeds and their drift.
type FeedLookup interface {
	Feed(tenant, identifier string) (storage.Feed, error)
	DriftFor(feed storage.Feed, v storage.FeedVersion) (drift.Report, error)
}

// Planner builds analysis plans.
type Planner interface {
	Plan(prof dataset.Profile, question string) analysis.Plan
}

// Executor runs analysis plans.
type Executor interface {
	Execute(ctx context.Context, plan analysis.Plan, ds *dataset.Dataset) ([]analysis.MetricResult, []analysis.Warning, error)
}

// Curator maintains context notes.
type Curator interface {
	Curate(ctx context.Context, in memory.Input) (memory.Outcome, error)
}

// Resolver answers questions.
type Resolver interface {
	Resolve(ctx context.Context, req answer.Request) (answer.Answer, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store    Store
	Feeds    FeedLookup
	Planner  Planner
	Executor Executor
	Curator  Curator
	Resolver Resolver
}

// Options tune an Orchestrator.
type Options struct {
	LockPolicy LockPolicy
	TopK       int
	// Now stamps log entries and stored records. Defaults to time.Now.
	Now func() time.Time
}

type stageFunc func(ctx context.Context, st RunState) (Stage, RunState, error)

// transitions lists the stages each stage may hand over to.
var transitions = map[Stage][]Stage{
	StageBootstrap: {StagePlanner},
	StagePlanner:   {StageExecutor},
	StageExecutor:  {StageMemory},
	StageMemory:    {StageQA, StageGuardrail},
	StageQA:        {StageGuardrail},
	StageGuardrail: {StageResponder},
	StageResponder: {StageDone},
}

// Orchestrator runs analyses. It is safe for concurrent use; runs on the
// same tenant and feed are serialized according to the lock policy.
type Orchestrator struct {
	deps   Deps
	opts   Options
	locks  *sourceLocks
	stages map[Stage]stageFunc
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Orchestrator{deps: deps, opts: opts, locks: newSourceLocks(), logger: slog.Default()}
	o.stages = map[Stage]stageFunc{
		StageBootstrap: o.bootstrap,
		StagePlanner:   o.plan,
		StageExecutor:  o.execute,
		StageMemory:    o.curate,
		StageQA:        o.qa,
		StageGuardrail: o.guard,
		StageResponder: o.respond,
	}
	return o
}

// Run executes one analysis of the latest version of req.Feed. Validation
// problems are returned as *analysis.ValidationError before any work is
// done; task-level problems end up as warnings in the summary.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Tenant == "" {
		req.Tenant = storage.DefaultTenant
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := feeds.ValidateIdentifier(req.Feed); err != nil {
		return RunSummary{}, err
	}

	release, err := o.locks.acquire(ctx, lockKey(req.Tenant, req.Feed), o.opts.LockPolicy)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			metrics.RecordRun("rejected")
		}
		return RunSummary{}, err
	}
	defer release()
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	st := RunState{RunID: uuid.New().String(), Request: req, Tenant: req.Tenant}
	stage := StageBootstrap
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			metrics.RecordRun("error")
			return RunSummary{}, err
		}
		fn, ok := o.stages[stage]
		if !ok {
			return RunSummary{}, fmt.Errorf("no handler for stage %s", stage)
		}
		start := time.Now()
		next, updated, err := fn(ctx, st)
		metrics.ObserveStage(stage.String(), time.Since(start))
		if err != nil {
			metrics.RecordRun("error")
			o.logger.Warn("run aborted", "run", st.RunID, "feed", req.Feed, "stage", stage, "error", err)
			return RunSummary{}, err
		}
		if !allowed(stage, next) {
			return RunSummary{}, fmt.Errorf("invalid transition %s -> %s", stage, next)
		}
		st, stage = updated, next
	}

	for _, w := range st.Warnings {
		metrics.RecordWarning(string(w.Kind), string(w.Severity))
	}
	metrics.RecordRun(st.Status)
	o.logger.Info("run finished", "run", st.RunID, "feed", req.Feed, "version", st.Version.Version,
		"status", st.Status, "results", len(st.Completed), "warnings", len(st.Warnings))
	return freeze(st), nil
}

func allowed(from, to Stage) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (o *Orchestrator) logf(st *RunState, stage Stage, msg string, attrs ...Attr) {
	st.Log = append(st.Log, RunLogEntry{Agent: stage, Message: msg, Attrs: attrs, Timestamp: o.opts.Now().UTC()})
}

// bootstrap loads the feed, its latest version and dataset, the previous
// run of that version and the drift against the version before it.
func (o *Orchestrator) bootstrap(_ context.Context, st RunState) (Stage, RunState, error) {
	req := st.Request
	feed, err := o.deps.Feeds.Feed(req.Tenant, req.Feed)
	if err != nil {
		return 0, st, err
	}
	v, err := o.deps.Store.LatestVersion(feed.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, st, analysis.NewValidationError("feed", "feed %q has no versions", req.Feed)
	}
	if err != nil {
		return 0, st, fmt.Errorf("loading latest version of %s: %w", req.Feed, err)
	}
	ds, err := o.deps.Store.LoadDataset(v.ID)
	if err != nil {
		return 0, st, fmt.Errorf("loading dataset of %s v%d: %w", req.Feed, v.Version, err)
	}

	st.Feed, st.Version, st.Dataset = feed, v, ds
	st.Goal = DefaultGoal
	if st.hasQuestion() {
		st.Goal = req.Question
	}
	if prior, err := o.deps.Store.LatestMetricRun(v.ID); err == nil {
		st.PriorRun = prior.RunID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, st, fmt.Errorf("loading prior run: %w", err)
	}
	report, err := o.deps.Feeds.DriftFor(feed, v)
	if err != nil {
		return 0, st, fmt.Errorf("computing drift: %w", err)
	}
	st.Drift = &report

	attrs := []Attr{A("feed", feed.Identifier), A("version", v.Version), A("rows", v.RowCount), A("drift", string(report.Status))}
	if st.PriorRun != "" {
		attrs = append(attrs, A("prior_run", st.PriorRun))
	}
	o.logf(&st, StageBootstrap, "loaded latest feed version", attrs...)
	return StagePlanner, st, nil
}

func (o *Orchestrator) plan(_ context.Context, st RunState) (Stage, RunState, error) {
	st.Plan = o.deps.Planner.Plan(st.Version.Profile, st.Request.Question)
	ids := make([]string, len(st.Plan.Steps))
	for i, s := range st.Plan.Steps {
		ids[i] = s.ID
	}
	o.logf(&st, StagePlanner, "generated analysis plan", A("steps", st.Plan.Len()), A("step_ids", strings.Join(ids, ",")))
	return StageExecutor, st, nil
}

// execute runs the plan and persists the metric run.
func (o *Orchestrator) execute(ctx context.Context, st RunState) (Stage, RunState, error) {
	results, warnings, err := o.deps.Executor.Execute(ctx, st.Plan, st.Dataset)
	if err != nil {
		return 0, st, err
	}
	st.Completed = results
	st.Warnings = append(st.Warnings, warnings...)

	if len(results) > 0 {
		if err := o.deps.Store.SaveMetricRun(storage.MetricRun{
			RunID:     st.RunID,
			VersionID: st.Version.ID,
			Plan:      st.Plan,
			Results:   results,
			Warnings:  warnings,
			CreatedAt: o.opts.Now().UTC(),
		}); err != nil {
			return 0, st, fmt.Errorf("saving metric run: %w", err)
		}
	}
	o.logf(&st, StageExecutor, "executed plan", A("completed", len(results)), A("skipped", len(warnings)))
	return StageMemory, st, nil
}

func (o *Orchestrator) curate(ctx context.Context, st RunState) (Stage, RunState, error) {
	in := memory.Input{
		Tenant:         st.Tenant,
		FeedIdentifier: st.Feed.Identifier,
		FeedName:       st.Feed.Name,
		Version:        st.Version.Version,
		Profile:        st.Version.Profile,
		Results:        st.Completed,
		Drift:          st.Drift,
		Annotations:    st.Request.Annotations,
		Persist:        st.Request.refresh(),
	}
	out, err := o.deps.Curator.Curate(ctx, in)
	if err != nil {
		return 0, st, fmt.Errorf("curating notes: %w", err)
	}
	st.ContextUpdates = out.Updates
	st.Warnings = append(st.Warnings, out.Warnings...)
	o.logf(&st, StageMemory, "curated context notes",
		A("notes", len(out.Updates)), A("embedded", out.Embedded), A("persisted", in.Persist), A("warnings", len(out.Warnings)))

	if st.hasQuestion() {
		return StageQA, st, nil
	}
	return StageGuardrail, st, nil
}

func (o *Orchestrator) qa(ctx context.Context, st RunState) (Stage, RunState, error) {
	ans, err := o.deps.Resolver.Resolve(ctx, answer.Request{
		Tenant:   st.Tenant,
		Source:   memory.SourceKey(st.Feed.Identifier),
		Question: st.Request.Question,
		Results:  st.Completed,
		TopK:     o.opts.TopK,
	})
	if err != nil {
		return 0, st, err
	}
	metrics.RecordAnswer(ans.Method)
	st.Answer = &ans
	st.Warnings = append(st.Warnings, ans.Warnings...)

	attrs := []Attr{A("method", ans.Method), A("direct", ans.Direct), A("sources", len(ans.Sources))}
	if ans.StepID != "" {
		attrs = append(attrs, A("step_id", ans.StepID))
	}
	o.logf(&st, StageQA, "resolved question", attrs...)
	return StageGuardrail, st, nil
}

// saveSummary stores a frozen summary as the run record.
func (o *Orchestrator) saveSummary(sum RunSummary) error {
	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}
	return o.deps.Store.SaveRunRecord(storage.RunRecord{
		RunID:          sum.RunID,
		Tenant:         sum.tenant,
		FeedIdentifier: sum.FeedIdentifier,
		FeedVersion:    sum.FeedVersion,
		Status:         sum.Status,
		SummaryJSON:    string(raw),
		CreatedAt:      o.opts.Now().UTC(),
	})
}
